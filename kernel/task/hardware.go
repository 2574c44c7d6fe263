package task

import (
	"kcore/kernel"
	"kcore/kernel/cpu"
	"kcore/kernel/mm/pmm"
	"kcore/kernel/mm/vmm"
)

// Hardware exposes the privileged state of the CPU that calls its methods.
// cpu.Local implements it on bare metal.
type Hardware interface {
	ID() uint32

	SegmentSelectors() (fs, gs uint64)
	LoadSegmentSelectors(fs, gs uint64)

	CurrentTSS() cpu.TaskStateSegment
	SetCurrentTSS(tss cpu.TaskStateSegment)

	ActiveAddressSpace() uintptr
	LoadAddressSpace(root uintptr)
	FlushTLB()

	EnableInterrupts()
	DisableInterrupts()
	Idle()

	// SwitchContext saves the running flow into prev and resumes next. It
	// returns when another flow switches back to prev.
	SwitchContext(prev, next *cpu.Context)
}

// PageAllocator hands out physical pages. pmm.Manager implements it.
type PageAllocator interface {
	Allocate(count uint64, flags pmm.PageFlag) (*pmm.Page, *kernel.Error)
	Free(page *pmm.Page)
}

// Config lists the collaborators of a Scheduler.
type Config struct {
	// Memory supplies task pages and page tables.
	Memory PageAllocator

	// Translator gives access to physical memory.
	Translator vmm.AddressTranslator

	// Mapper installs user mappings. Only needed for AttachAddressSpace.
	Mapper vmm.Mapper

	Hardware Hardware

	// KernelRoot is the physical address of the kernel PML4.
	KernelRoot uintptr

	// KernelThreadStart is the first resume address of kernel threads.
	// Defaults to the amd64 entry trampoline.
	KernelThreadStart uintptr

	// SyscallReturn is the first resume address of user tasks. It is
	// owned by the syscall layer; user tasks cannot be created without it.
	SyscallReturn uintptr

	// TraceSwitches logs every context switch.
	TraceSwitches bool
}
