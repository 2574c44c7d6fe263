package pmm

import (
	"math/bits"
	"unsafe"

	"kcore/kernel"
	"kcore/kernel/mm"
	"kcore/kernel/sync"
)

// InvalidPageIndex is returned by AllocatePages when the request cannot be
// satisfied.
const InvalidPageIndex = ^uint64(0)

var (
	// ErrZoneOutOfMemory is returned when no free run is large enough for a
	// request. Callers may retry or fall back to another zone.
	ErrZoneOutOfMemory = &kernel.Error{Module: "zone", Message: "out of memory"}

	// ErrZoneDoubleFree is returned when freeing a page that is not
	// allocated.
	ErrZoneDoubleFree = &kernel.Error{Module: "zone", Message: "page is not allocated"}

	// ErrZoneInvalidFree is returned when freeing a page that is not the
	// first page of an allocated block, or a reserved page.
	ErrZoneInvalidFree = &kernel.Error{Module: "zone", Message: "page is not the start of an allocated block"}

	// ErrZoneInvalidIndex is returned for page indices outside the zone.
	ErrZoneInvalidIndex = &kernel.Error{Module: "zone", Message: "page index out of range"}

	// ErrZoneInvalidRange is returned by Init for empty or unaligned ranges.
	ErrZoneInvalidRange = &kernel.Error{Module: "zone", Message: "invalid zone range"}
)

// Zone runs a buddy allocator over the frames of the physical range
// [start, end).
//
// The allocator state is a complete binary tree stored as an array. Leaves map
// to pages; every node records the size (in pages) of the largest free block
// in its subtree. The leaf count is rounded up to a power of two and the
// padding leaves are permanently 0. The tree and the page array live in a
// metadata region supplied by the caller, not in Go memory.
type Zone struct {
	startAddr, endAddr uintptr

	totalPages   uint64
	roundedPages uint64
	freePages    uint64

	pages []Page
	nodes []uint32

	lock sync.Spinlock
}

// BuddySystemSize returns the number of metadata bytes a zone of totalPages
// pages needs for its page array and buddy tree.
func BuddySystemSize(totalPages uint64) uintptr {
	if totalPages == 0 {
		return 0
	}

	nodeCount := 2*roundUpPow2(totalPages) - 1
	return uintptr(totalPages)*unsafe.Sizeof(Page{}) + uintptr(nodeCount)*unsafe.Sizeof(uint32(0))
}

// Init sets up a zone for [start, end) and lays out its metadata at the
// kernel virtual address metaAddr. All pages start out free; callers reserve
// the pages that hold the metadata when it lives inside the range.
func (z *Zone) Init(start, end, metaAddr uintptr) *kernel.Error {
	if start >= end || start%mm.PageSize != 0 || end%mm.PageSize != 0 {
		return ErrZoneInvalidRange
	}

	z.startAddr, z.endAddr = start, end
	z.totalPages = uint64((end - start) >> mm.PageShift)
	z.roundedPages = roundUpPow2(z.totalPages)
	z.freePages = z.totalPages

	pagesSize := uintptr(z.totalPages) * unsafe.Sizeof(Page{})
	z.pages = unsafe.Slice((*Page)(unsafe.Pointer(metaAddr)), z.totalPages)
	z.nodes = unsafe.Slice((*uint32)(unsafe.Pointer(metaAddr+pagesSize)), 2*z.roundedPages-1)

	for i := range z.pages {
		z.pages[i] = Page{PhysAddress: start + uintptr(i)<<mm.PageShift}
	}

	firstLeaf := z.roundedPages - 1
	for i := uint64(0); i < z.roundedPages; i++ {
		if i < z.totalPages {
			z.nodes[firstLeaf+i] = 1
		} else {
			z.nodes[firstLeaf+i] = 0
		}
	}
	for i := int64(firstLeaf) - 1; i >= 0; i-- {
		z.updateNode(uint64(i))
	}

	return nil
}

// AllocatePages allocates a block of count pages rounded up to the next power
// of two, tags the pages with flags and returns the index of the first page.
// The returned index is always aligned to the block size.
func (z *Zone) AllocatePages(count uint64, flags PageFlag) (uint64, *kernel.Error) {
	if count > z.roundedPages {
		return InvalidPageIndex, ErrZoneOutOfMemory
	}
	size := roundUpPow2(count)

	z.lock.Acquire()
	defer z.lock.Release()

	if size > z.roundedPages || uint64(z.nodes[0]) < size {
		return InvalidPageIndex, ErrZoneOutOfMemory
	}

	node, nodeSize := uint64(0), z.roundedPages
	for nodeSize != size {
		if left := 2*node + 1; uint64(z.nodes[left]) >= size {
			node = left
		} else {
			node = left + 1
		}
		nodeSize >>= 1
	}

	z.nodes[node] = 0
	z.updateAncestors(node)
	z.freePages -= size

	index := (node+1)*size - z.roundedPages
	for i := index; i < index+size; i++ {
		z.pages[i].Flags = flags | PageActive
	}

	return index, nil
}

// FreePages releases the block that starts at index and merges it with its
// buddies.
func (z *Zone) FreePages(index uint64) *kernel.Error {
	if index >= z.totalPages {
		return ErrZoneInvalidIndex
	}

	z.lock.Acquire()
	defer z.lock.Release()

	if z.pages[index].Flags&PageReserved != 0 {
		return ErrZoneInvalidFree
	}

	// The allocated block is the deepest node on the leaf-to-root path
	// that is marked used.
	node, nodeSize := index+z.roundedPages-1, uint64(1)
	for z.nodes[node] != 0 {
		if node == 0 {
			return ErrZoneDoubleFree
		}
		node = (node - 1) / 2
		nodeSize <<= 1
	}

	if (node+1)*nodeSize-z.roundedPages != index {
		return ErrZoneInvalidFree
	}

	z.nodes[node] = uint32(nodeSize)
	z.updateAncestors(node)
	z.freePages += nodeSize

	for i := index; i < index+nodeSize; i++ {
		z.pages[i].Flags = 0
	}

	return nil
}

// Reserve takes the page at index out of the allocation path. It returns
// false if the index is out of range or the page is already in use.
func (z *Zone) Reserve(index uint64) bool {
	if index >= z.totalPages {
		return false
	}

	z.lock.Acquire()
	defer z.lock.Release()

	leaf := index + z.roundedPages - 1
	for node := leaf; ; node = (node - 1) / 2 {
		if z.nodes[node] == 0 {
			return false
		}
		if node == 0 {
			break
		}
	}

	z.nodes[leaf] = 0
	z.updateAncestors(leaf)
	z.freePages--
	z.pages[index].Flags = PageReserved

	return true
}

// PageSize returns the allocation granularity of the zone in bytes.
func (z *Zone) PageSize() uintptr { return mm.PageSize }

// FreePagesCount returns the number of free pages.
func (z *Zone) FreePagesCount() uint64 {
	z.lock.Acquire()
	defer z.lock.Release()
	return z.freePages
}

// UsedPagesCount returns the number of allocated or reserved pages.
func (z *Zone) UsedPagesCount() uint64 {
	return z.totalPages - z.FreePagesCount()
}

// TotalPagesCount returns the number of pages in the zone.
func (z *Zone) TotalPagesCount() uint64 { return z.totalPages }

// BuddySystemSize returns the size of the zone metadata in bytes.
func (z *Zone) BuddySystemSize() uintptr { return BuddySystemSize(z.totalPages) }

// StartAddr returns the first physical address of the zone.
func (z *Zone) StartAddr() uintptr { return z.startAddr }

// EndAddr returns the physical address one past the zone.
func (z *Zone) EndAddr() uintptr { return z.endAddr }

// Contains returns true if physAddr belongs to the zone.
func (z *Zone) Contains(physAddr uintptr) bool {
	return physAddr >= z.startAddr && physAddr < z.endAddr
}

// Page returns the metadata for the page at index or nil if the index is out
// of range.
func (z *Zone) Page(index uint64) *Page {
	if index >= z.totalPages {
		return nil
	}
	return &z.pages[index]
}

// PageIndex returns the index of the page containing physAddr.
func (z *Zone) PageIndex(physAddr uintptr) uint64 {
	return uint64((physAddr - z.startAddr) >> mm.PageShift)
}

// tagPages adds flags to count pages starting at index.
func (z *Zone) tagPages(index, count uint64, flags PageFlag) {
	z.lock.Acquire()
	defer z.lock.Release()

	for i := index; i < index+count && i < z.totalPages; i++ {
		z.pages[i].Flags |= flags
	}
}

// updateAncestors recomputes every node on the path from node to the root.
func (z *Zone) updateAncestors(node uint64) {
	for node > 0 {
		node = (node - 1) / 2
		z.updateNode(node)
	}
}

// updateNode recomputes an inner node from its children. Two fully free
// children merge into a block twice their size.
func (z *Zone) updateNode(node uint64) {
	left, right := z.nodes[2*node+1], z.nodes[2*node+2]
	half := uint32(z.nodeSize(node) >> 1)

	switch {
	case left == half && right == half:
		z.nodes[node] = left + right
	case left > right:
		z.nodes[node] = left
	default:
		z.nodes[node] = right
	}
}

// nodeSize returns the number of leaves below node.
func (z *Zone) nodeSize(node uint64) uint64 {
	depth := bits.Len64(node+1) - 1
	return z.roundedPages >> depth
}

// roundUpPow2 returns the smallest power of two >= n. Zero rounds to one.
func roundUpPow2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len64(n-1)
}
