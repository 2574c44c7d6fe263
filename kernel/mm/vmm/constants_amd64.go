package vmm

const (
	// pageLevels is the number of paging levels used by the amd64 MMU.
	pageLevels = 4

	// ptePhysPageMask extracts the physical frame address (bits 12-51) from
	// a page table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// EntriesPerTable is the number of entries in a page table at any level.
	EntriesPerTable = 512

	// KernelEntryIndex is the top-level entry that maps the kernel half of
	// the address space. Every address space shares it with the kernel.
	KernelEntryIndex = EntriesPerTable - 1

	// KernelDirectMapBase is the virtual address where the kernel maps all
	// of physical memory linearly.
	KernelDirectMapBase = uintptr(0xffff800000000000)
)

// pageLevelShifts defines the shift required to extract the table index for
// each paging level from a virtual address.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
