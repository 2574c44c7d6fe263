package vmm

// AddressTranslator converts between physical addresses and the kernel
// virtual addresses through which they can be accessed.
type AddressTranslator interface {
	PhysToVirt(physAddr uintptr) uintptr
	VirtToPhys(virtAddr uintptr) uintptr
}

// DirectMap translates addresses inside a linear mapping of physical memory
// that starts at Offset. The kernel uses KernelDirectMapBase; hosted builds
// use the base of the memory arena standing in for RAM.
type DirectMap struct {
	Offset uintptr
}

// PhysToVirt implements AddressTranslator.
func (m DirectMap) PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + m.Offset
}

// VirtToPhys implements AddressTranslator.
func (m DirectMap) VirtToPhys(virtAddr uintptr) uintptr {
	return virtAddr - m.Offset
}
