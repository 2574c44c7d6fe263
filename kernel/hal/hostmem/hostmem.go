//go:build linux || darwin || freebsd

// Package hostmem provides a block of anonymous memory that stands in for
// physical RAM when the kernel core runs as an ordinary process (tests and
// the core simulator). The block lives outside the Go heap, so kernel
// structures placed in it are never moved or scanned by the garbage
// collector.
package hostmem

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const pageSize = 4096

// Arena is a page-aligned anonymous mapping that emulates the physical
// address range [PhysBase(), PhysEnd()).
type Arena struct {
	mem      []byte
	physBase uintptr
}

// New maps size bytes of zeroed memory and presents them as physical memory
// starting at physBase. Both values must be page aligned.
func New(physBase, size uintptr) (*Arena, error) {
	if physBase%pageSize != 0 || size%pageSize != 0 || size == 0 {
		return nil, errors.Errorf("hostmem: arena [0x%x, +0x%x) is not page aligned", physBase, size)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "hostmem: mmap %d bytes", size)
	}

	return &Arena{mem: mem, physBase: physBase}, nil
}

// PhysBase returns the first emulated physical address.
func (a *Arena) PhysBase() uintptr { return a.physBase }

// PhysEnd returns the emulated physical address one past the arena.
func (a *Arena) PhysEnd() uintptr { return a.physBase + uintptr(len(a.mem)) }

// Size returns the arena size in bytes.
func (a *Arena) Size() uintptr { return uintptr(len(a.mem)) }

// Bytes exposes the arena contents. Index 0 backs PhysBase().
func (a *Arena) Bytes() []byte { return a.mem }

// Contains returns true if physAddr falls inside the arena.
func (a *Arena) Contains(physAddr uintptr) bool {
	return physAddr >= a.physBase && physAddr < a.PhysEnd()
}

// PhysToVirt returns the host address backing physAddr.
func (a *Arena) PhysToVirt(physAddr uintptr) uintptr {
	return physAddr - a.physBase + a.hostBase()
}

// VirtToPhys returns the emulated physical address of a host address inside
// the arena.
func (a *Arena) VirtToPhys(virtAddr uintptr) uintptr {
	return virtAddr - a.hostBase() + a.physBase
}

// Offset is the distance between an emulated physical address and the host
// address that backs it. It can be fed to vmm.DirectMap.
func (a *Arena) Offset() uintptr {
	return a.hostBase() - a.physBase
}

// Close unmaps the arena. Addresses obtained from it must not be used
// afterwards.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}

	mem := a.mem
	a.mem = nil
	return errors.Wrap(unix.Munmap(mem), "hostmem: munmap")
}

func (a *Arena) hostBase() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(a.mem)))
}
