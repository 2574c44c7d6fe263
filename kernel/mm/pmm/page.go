// Package pmm implements the physical memory manager: a set of zones, each
// running a buddy allocator over the page frames of one contiguous range
// reported by the boot memory map.
package pmm

// PageFlag describes the state of a physical page.
type PageFlag uint32

const (
	// PageMapped is set when the page is mapped in the kernel page tables.
	PageMapped PageFlag = 1 << iota

	// PageKernel is set when the page is owned by the kernel.
	PageKernel

	// PageActive is set while the page is allocated.
	PageActive

	// PageReserved is set for pages taken out of the allocation path, such
	// as zone metadata or the kernel image.
	PageReserved
)

// Page is the metadata record for one physical frame. Its flags are only
// written by the owning zone while holding the zone lock.
type Page struct {
	PhysAddress uintptr
	Flags       PageFlag
}

// Free returns true if the page is neither allocated nor reserved.
func (p *Page) Free() bool {
	return p.Flags&(PageActive|PageReserved) == 0
}
