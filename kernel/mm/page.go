// Package mm defines the frame and page index types shared by the physical
// and virtual memory managers.
package mm

import (
	"math"

	"kcore/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by frame allocators when they cannot satisfy a
// request.
const InvalidFrame = Frame(math.MaxUint64)

var (
	// frameAllocator is the allocator registered with SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// ErrNoFrameAllocator is returned by AllocFrame before an allocator
	// has been registered.
	ErrNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of this frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the frame containing physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> PageShift)
}

// FrameAllocatorFn is a function that can allocate a single physical frame.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// SetFrameAllocator registers the allocator used by code that needs a fresh
// physical frame (page tables, task pages). It is called once the physical
// memory manager has been populated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// AllocFrame allocates a new physical frame using the registered allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, ErrNoFrameAllocator
	}
	return frameAllocator()
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address of the first byte of this page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the page containing virtAddr.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(virtAddr >> PageShift)
}

// RoundUp rounds addr up to the next page boundary.
func RoundUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// RoundDown rounds addr down to the page boundary that contains it.
func RoundDown(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}
