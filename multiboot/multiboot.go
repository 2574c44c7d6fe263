// Package multiboot reads the memory map that a multiboot2 compliant boot
// loader hands over to the kernel.
package multiboot

import "unsafe"

type tagType uint32

const (
	tagMbSectionEnd tagType = 0
	tagMemoryMap    tagType = 6
)

// tagHeader describes the header the precedes each tag.
type tagHeader struct {
	tagType tagType

	// The size of the tag including the header but not including any
	// padding. Each tag starts at a 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

var infoData uintptr

// MemRegionVisitor is invoked by VisitMemRegions for each memory region
// reported by the boot loader. The visitor returns false to stop the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions invokes visitor for each entry of the boot memory map in the
// order reported by the boot loader. Entries with an unknown type are
// reported as MemReserved.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	hdr := (*mmapHeader)(unsafe.Pointer(curPtr))
	if hdr.entrySize == 0 {
		return
	}

	endPtr := curPtr + uintptr(size)
	curPtr += unsafe.Sizeof(mmapHeader{})

	for ; curPtr+uintptr(hdr.entrySize) <= endPtr; curPtr += uintptr(hdr.entrySize) {
		entry := (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}
	}
}

// findTagByType scans the multiboot info data for the first tag of the given
// type. It returns a pointer to the tag payload and the payload length, or
// (0, 0) if the tag is not present.
func findTagByType(tagType tagType) (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	// skip the fixed info header (total size + reserved)
	curPtr := infoData + 8
	for {
		hdr := (*tagHeader)(unsafe.Pointer(curPtr))
		switch {
		case hdr.tagType == tagMbSectionEnd:
			return 0, 0
		case hdr.tagType == tagType:
			return curPtr + 8, hdr.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr((hdr.size + 7) &^ 7)
	}
}
