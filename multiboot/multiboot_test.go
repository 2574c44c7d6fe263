package multiboot

import (
	"encoding/binary"
	"testing"

	"kcore/kernel/hal/hostmem"
)

type testRegion struct {
	addr, length uint64
	typ          uint32
}

// buildInfo assembles a multiboot2 info blob with an unrelated tag followed by
// a memory map tag containing regions.
func buildInfo(regions []testRegion) []byte {
	le := binary.LittleEndian
	var b []byte
	put32 := func(v uint32) { b = le.AppendUint32(b, v) }
	put64 := func(v uint64) { b = le.AppendUint64(b, v) }

	// info header; total size patched below
	put32(0)
	put32(0)

	// boot loader name tag (type 2) padded to 8 bytes
	name := []byte("grub\x00")
	put32(2)
	put32(uint32(8 + len(name)))
	b = append(b, name...)
	for len(b)%8 != 0 {
		b = append(b, 0)
	}

	// memory map tag
	put32(uint32(tagMemoryMap))
	put32(uint32(16 + 24*len(regions)))
	put32(24)
	put32(0)
	for _, r := range regions {
		put64(r.addr)
		put64(r.length)
		put32(r.typ)
		put32(0)
	}

	// end tag
	put32(0)
	put32(8)

	le.PutUint32(b, uint32(len(b)))
	return b
}

// loadInfo copies blob to a page outside the Go heap and points the package
// at it.
func loadInfo(t *testing.T, blob []byte) {
	t.Helper()

	page, err := hostmem.New(0, 4096)
	if err != nil {
		t.Fatal(err)
	}
	copy(page.Bytes(), blob)
	SetInfoPtr(page.PhysToVirt(0))

	t.Cleanup(func() {
		SetInfoPtr(0)
		_ = page.Close()
	})
}

func TestVisitMemRegions(t *testing.T) {
	regions := []testRegion{
		{0x0, 0x9fc00, 1},
		{0x9fc00, 0x400, 2},
		{0x100000, 0x7ee0000, 1},
		{0x7fe0000, 0x20000, 3},
		{0xfffc0000, 0x40000, 4},
		{0xfeffc000, 0x4000, 42},
	}
	expTypes := []MemoryEntryType{MemAvailable, MemReserved, MemAvailable, MemAcpiReclaimable, MemNvs, MemReserved}

	loadInfo(t, buildInfo(regions))

	var visited int
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		spec := regions[visited]
		if entry.PhysAddress != spec.addr || entry.Length != spec.length {
			t.Errorf("[spec %d] expected region {0x%x, 0x%x}; got {0x%x, 0x%x}", visited, spec.addr, spec.length, entry.PhysAddress, entry.Length)
		}
		if entry.Type != expTypes[visited] {
			t.Errorf("[spec %d] expected type %s; got %s", visited, expTypes[visited], entry.Type)
		}
		visited++
		return true
	})

	if visited != len(regions) {
		t.Fatalf("expected visitor to be invoked %d times; got %d", len(regions), visited)
	}

	// aborting the scan
	visited = 0
	VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Fatalf("expected scan to stop after the first entry; visited %d", visited)
	}
}

func TestVisitMemRegionsWithoutMemoryMap(t *testing.T) {
	// header followed directly by the end tag
	loadInfo(t, []byte{16, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 8, 0, 0, 0})

	VisitMemRegions(func(_ *MemoryMapEntry) bool {
		t.Fatal("visitor should not be invoked")
		return false
	})

	SetInfoPtr(0)
	VisitMemRegions(func(_ *MemoryMapEntry) bool {
		t.Fatal("visitor should not be invoked")
		return false
	})
}

func TestMemoryEntryTypeString(t *testing.T) {
	specs := []struct {
		input MemoryEntryType
		exp   string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemoryEntryType(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected to get %q; got %q", specIndex, spec.exp, got)
		}
	}
}
