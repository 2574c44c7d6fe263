package vmm

import (
	"unsafe"

	"kcore/kernel"
	"kcore/kernel/mm"
)

// PageTable is one 4K page table at any paging level.
type PageTable [EntriesPerTable]PageTableEntry

// TableAt returns the page table stored in frame, accessed through tr.
func TableAt(tr AddressTranslator, frame mm.Frame) *PageTable {
	return (*PageTable)(unsafe.Pointer(tr.PhysToVirt(frame.Address())))
}

// ClearTable zeroes the page table stored in frame.
func ClearTable(tr AddressTranslator, frame mm.Frame) {
	kernel.Memset(tr.PhysToVirt(frame.Address()), 0, mm.PageSize)
}

// CopyKernelEntry copies the kernel's top-level entry from src into dst so
// that dst can service traps into the kernel half without extra mappings.
func CopyKernelEntry(dst, src *PageTable) {
	dst[KernelEntryIndex] = src[KernelEntryIndex]
}
