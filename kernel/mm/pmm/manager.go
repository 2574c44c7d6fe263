package pmm

import (
	"kcore/kernel"
	"kcore/kernel/kfmt"
	"kcore/kernel/mm"
	"kcore/kernel/mm/vmm"
	"kcore/multiboot"
)

// MaxZones is the maximum number of zones a Manager can hold.
const MaxZones = 32

var (
	// ErrOutOfMemory is returned when no zone can satisfy an allocation.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errFreeOutsideZones = &kernel.Error{Module: "pmm", Message: "freed page does not belong to any zone"}
	errFreeNilPage      = &kernel.Error{Module: "pmm", Message: "free of a nil page"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Manager routes physical memory requests to the zones built from the boot
// memory map. Zones are added during single-threaded boot and never removed;
// after that the zone list is read without locking and each zone serializes
// its own state.
type Manager struct {
	zones     [MaxZones]Zone
	zoneCount int

	translator vmm.AddressTranslator
}

// Init prepares the manager. Zone metadata is written through tr, which must
// map every physical range later passed to Add.
func (m *Manager) Init(tr vmm.AddressTranslator) {
	m.translator = tr
	m.zoneCount = 0
}

// AddMemoryMap prints the boot memory map and adds every usable region to
// the manager.
func (m *Manager) AddMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")
	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", entry.PhysAddress, entry.PhysAddress+entry.Length, entry.Length, entry.Type.String())
		m.Add(entry)
		return true
	})
}

// Add builds a zone for a boot memory map entry. The range is shrunk to page
// boundaries and its first pages are set aside for the zone metadata.
// Unusable entries are skipped with a diagnostic.
func (m *Manager) Add(entry *multiboot.MemoryMapEntry) {
	start := mm.RoundUp(uintptr(entry.PhysAddress))
	end := mm.RoundDown(uintptr(entry.PhysAddress + entry.Length))

	switch {
	case entry.Type != multiboot.MemAvailable:
		return
	case start == 0:
		kfmt.Printf("[pmm] skipping region at 0x%x: zero page\n", entry.PhysAddress)
		return
	case end <= start:
		kfmt.Printf("[pmm] skipping region at 0x%x: smaller than a page\n", entry.PhysAddress)
		return
	case m.zoneCount == MaxZones:
		kfmt.Printf("[pmm] skipping region at 0x%x: zone limit reached\n", entry.PhysAddress)
		return
	}

	if i := m.overlappingZone(start, end); i >= 0 {
		kfmt.Printf("[pmm] skipping region at 0x%x: overlaps zone %d\n", entry.PhysAddress, i)
		return
	}

	totalPages := uint64((end - start) >> mm.PageShift)
	metaPages := uint64(mm.RoundUp(BuddySystemSize(totalPages)) >> mm.PageShift)
	if metaPages >= totalPages {
		kfmt.Printf("[pmm] skipping region at 0x%x: too small for its metadata\n", entry.PhysAddress)
		return
	}

	z := &m.zones[m.zoneCount]
	if err := z.Init(start, end, m.translator.PhysToVirt(start)); err != nil {
		kfmt.Printf("[pmm] skipping region at 0x%x: %s\n", entry.PhysAddress, err)
		return
	}

	for i := uint64(0); i < metaPages; i++ {
		z.Reserve(i)
	}
	z.tagPages(0, metaPages, PageKernel|PageMapped)

	kfmt.Printf("[pmm] zone %d: [0x%x - 0x%x), pages: %d, metadata pages: %d\n", m.zoneCount, start, end, totalPages, metaPages)
	m.zoneCount++
}

// Allocate allocates count pages (rounded up to a power of two) from the
// first zone, in registration order, that can satisfy the request.
func (m *Manager) Allocate(count uint64, flags PageFlag) (*Page, *kernel.Error) {
	for i := 0; i < m.zoneCount; i++ {
		z := &m.zones[i]
		if index, err := z.AllocatePages(count, flags); err == nil {
			return z.Page(index), nil
		}
	}

	return nil, ErrOutOfMemory
}

// Free returns the block starting at page to its zone. Freeing a page that is
// not the start of an allocated block is an unrecoverable error.
func (m *Manager) Free(page *Page) {
	if page == nil {
		panicFn(errFreeNilPage)
		return
	}

	z := m.zoneFor(page.PhysAddress)
	if z == nil {
		panicFn(errFreeOutsideZones)
		return
	}

	if err := z.FreePages(z.PageIndex(page.PhysAddress)); err != nil {
		panicFn(err)
	}
}

// Reserve takes frame out of the allocation path. It returns false if the
// frame is outside all zones or already in use.
func (m *Manager) Reserve(frame mm.Frame) bool {
	z := m.zoneFor(frame.Address())
	if z == nil {
		return false
	}

	return z.Reserve(z.PageIndex(frame.Address()))
}

// ReserveRange reserves every frame overlapping [start, end) and returns the
// number of frames that were newly reserved. Frames outside all zones are
// ignored.
func (m *Manager) ReserveRange(start, end uintptr) uint64 {
	var reserved uint64
	for frame := mm.FrameFromAddress(start); frame.Address() < end; frame++ {
		if m.Reserve(frame) {
			reserved++
		}
	}

	return reserved
}

// AllocFrame allocates a single kernel frame. It is registered with
// mm.SetFrameAllocator once the manager is populated.
func (m *Manager) AllocFrame() (mm.Frame, *kernel.Error) {
	page, err := m.Allocate(1, PageKernel|PageMapped)
	if err != nil {
		return mm.InvalidFrame, err
	}

	return mm.FrameFromAddress(page.PhysAddress), nil
}

// PageFor returns the metadata of the page containing physAddr or nil if no
// zone covers it.
func (m *Manager) PageFor(physAddr uintptr) *Page {
	z := m.zoneFor(physAddr)
	if z == nil {
		return nil
	}

	return z.Page(z.PageIndex(physAddr))
}

// ZoneCount returns the number of registered zones.
func (m *Manager) ZoneCount() int { return m.zoneCount }

// Zone returns the zone at index i in registration order.
func (m *Manager) Zone(i int) *Zone {
	if i < 0 || i >= m.zoneCount {
		return nil
	}
	return &m.zones[i]
}

// FreePagesCount returns the number of free pages across all zones.
func (m *Manager) FreePagesCount() uint64 {
	var count uint64
	for i := 0; i < m.zoneCount; i++ {
		count += m.zones[i].FreePagesCount()
	}
	return count
}

// TotalPagesCount returns the number of pages across all zones.
func (m *Manager) TotalPagesCount() uint64 {
	var count uint64
	for i := 0; i < m.zoneCount; i++ {
		count += m.zones[i].TotalPagesCount()
	}
	return count
}

// PrintStats logs the usage of every zone and the total free memory.
func (m *Manager) PrintStats() {
	for i := 0; i < m.zoneCount; i++ {
		z := &m.zones[i]
		kfmt.Printf("[pmm] zone %d: [0x%x - 0x%x), used: %d/%d pages\n", i, z.startAddr, z.endAddr, z.UsedPagesCount(), z.totalPages)
	}
	kfmt.Printf("[pmm] free memory: %dKb\n", m.FreePagesCount()*uint64(mm.PageSize)/1024)
}

// overlappingZone returns the index of the first zone that intersects
// [start, end) or -1.
func (m *Manager) overlappingZone(start, end uintptr) int {
	for i := 0; i < m.zoneCount; i++ {
		if start < m.zones[i].endAddr && m.zones[i].startAddr < end {
			return i
		}
	}
	return -1
}

func (m *Manager) zoneFor(physAddr uintptr) *Zone {
	for i := 0; i < m.zoneCount; i++ {
		if m.zones[i].Contains(physAddr) {
			return &m.zones[i]
		}
	}
	return nil
}
