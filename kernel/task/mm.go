package task

import (
	"unsafe"

	"kcore/kernel"
	"kcore/kernel/mm"
	"kcore/kernel/mm/pmm"
	"kcore/kernel/mm/vmm"
)

// UserCodeBase is the virtual address where the user code page is mapped.
const UserCodeBase = uintptr(0x400000)

var (
	// ErrImageTooLarge is returned when a user image does not fit in the
	// user code page.
	ErrImageTooLarge = &kernel.Error{Module: "task", Message: "user image larger than a page"}

	// ErrNoMapper is returned by AttachAddressSpace when the scheduler has
	// no Mapper configured.
	ErrNoMapper = &kernel.Error{Module: "task", Message: "no page mapper configured"}

	// ErrAddressSpaceAttached is returned by AttachAddressSpace for a task
	// that already has a user address space.
	ErrAddressSpaceAttached = &kernel.Error{Module: "task", Message: "task already has an address space"}
)

// MemoryDescriptor describes the user address space of a task.
type MemoryDescriptor struct {
	// PML4 is the frame of the top-level page table. Its kernel entry is
	// a copy of the kernel's own.
	PML4 mm.Frame

	// StartCode and EndCode bound the mapped user code region.
	StartCode, EndCode uintptr

	// CodeFrame backs the user code page.
	CodeFrame mm.Frame
}

// AttachAddressSpace gives t a user address space holding image at
// UserCodeBase. The new PML4 shares the kernel half with the kernel root. If
// t is the calling CPU's current task the new root is loaded immediately.
//
// t must not be executing on another CPU.
func (s *Scheduler) AttachAddressSpace(t *Task, image []byte) *kernel.Error {
	if t.mm != nil {
		return ErrAddressSpaceAttached
	}
	if uintptr(len(image)) > mm.PageSize {
		return ErrImageTooLarge
	}
	if s.cfg.Mapper == nil {
		return ErrNoMapper
	}

	rootPage, err := s.cfg.Memory.Allocate(1, pmm.PageKernel|pmm.PageMapped)
	if err != nil {
		return err
	}
	codePage, err := s.cfg.Memory.Allocate(1, pmm.PageMapped)
	if err != nil {
		s.cfg.Memory.Free(rootPage)
		return err
	}

	tr := s.cfg.Translator
	root := mm.FrameFromAddress(rootPage.PhysAddress)
	vmm.ClearTable(tr, root)
	vmm.CopyKernelEntry(vmm.TableAt(tr, root), vmm.TableAt(tr, mm.FrameFromAddress(s.cfg.KernelRoot)))

	code := mm.FrameFromAddress(codePage.PhysAddress)
	codeAddr := tr.PhysToVirt(code.Address())
	kernel.Memset(codeAddr, 0, mm.PageSize)
	if len(image) > 0 {
		kernel.Memcopy(uintptr(unsafe.Pointer(&image[0])), codeAddr, uintptr(len(image)))
	}

	flags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible
	if err = s.cfg.Mapper.MapFrame(root, mm.PageFromAddress(UserCodeBase), code, flags); err != nil {
		s.cfg.Memory.Free(codePage)
		s.cfg.Memory.Free(rootPage)
		return err
	}

	md := &taskPageAt(t.base).mm
	*md = MemoryDescriptor{
		PML4:      root,
		StartCode: UserCodeBase,
		EndCode:   UserCodeBase + mm.PageSize,
		CodeFrame: code,
	}
	t.mm = md

	if t == s.Current() {
		hw := s.cfg.Hardware
		hw.LoadAddressSpace(root.Address())
		hw.FlushTLB()
	}

	return nil
}

// UserEntryRegs returns the register snapshot that enters user mode at the
// start of md's code region through sysret: RCX holds the entry point, R11
// the flags and RSP the top of the code page.
func UserEntryRegs(md *MemoryDescriptor) Regs {
	sp := uint64(md.EndCode-1) &^ 0xf
	return Regs{
		RCX:    uint64(md.StartCode),
		R11:    rflagsIF,
		RSP:    sp,
		RBP:    sp,
		RIP:    uint64(md.StartCode),
		RFlags: rflagsIF,
	}
}
