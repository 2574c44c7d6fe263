package task

import (
	"unsafe"

	"kcore/kernel"
	"kcore/kernel/kfmt"
	"kcore/kernel/mm"
	"kcore/kernel/mm/pmm"
)

var errNoThreadEntry = &kernel.Error{Module: "task", Message: "kernel thread has no entry point"}

// allocTaskPage allocates and clears a task page. The returned task is
// Uninterruptible and not linked into the ring.
func (s *Scheduler) allocTaskPage() (*taskPage, *kernel.Error) {
	page, err := s.cfg.Memory.Allocate(1, pmm.PageKernel|pmm.PageActive|pmm.PageMapped)
	if err != nil {
		return nil, err
	}

	base := s.cfg.Translator.PhysToVirt(page.PhysAddress)
	kernel.Memset(base, 0, mm.PageSize)

	tp := taskPageAt(base)
	t := &tp.task
	t.setState(StateUninterruptible)
	t.onCPU = noCPU
	t.page = page
	t.base = base

	return tp, nil
}

// CreateTask creates a task that starts from the register snapshot regs. The
// task is linked into the ring right after the calling CPU's current task and
// becomes eligible for scheduling only once fully built.
//
// Kernel threads (FlagKernelThread) start in the kernel thread trampoline;
// other tasks start in the syscall return trampoline. regs.RSP and regs.RBP
// are overwritten with the new stack top.
func (s *Scheduler) CreateTask(regs *Regs, flags Flag) (*Task, *kernel.Error) {
	return s.createTask(regs, flags, nil, 0)
}

func (s *Scheduler) createTask(regs *Regs, flags Flag, entry func(uint64), arg uint64) (*Task, *kernel.Error) {
	resumeAddr := s.cfg.KernelThreadStart
	if flags&FlagKernelThread == 0 {
		if resumeAddr = s.cfg.SyscallReturn; resumeAddr == 0 {
			return nil, ErrNoSyscallReturn
		}
	}

	tp, err := s.allocTaskPage()
	if err != nil {
		return nil, err
	}

	t := &tp.task
	t.Flags = flags &^ flagBootStack

	creator := s.Current()
	s.lock.Acquire()
	if !s.insert(t, creator) {
		s.lock.Release()
		s.cfg.Memory.Free(t.page)
		return nil, ErrTaskLimit
	}
	s.ring[t.slot].entry, s.ring[t.slot].arg = entry, arg
	s.lock.Release()

	stackTop := tp.stackTop()
	regs.RSP = uint64(stackTop)
	regs.RBP = uint64(stackTop)
	*tp.regs() = *regs

	t.thread.RSP0 = stackTop
	t.thread.RSP = stackTop - regsSize
	t.thread.RIP = resumeAddr
	t.thread.FS, t.thread.GS = KernelDS, KernelDS

	t.setState(StateRunning)
	return t, nil
}

// CreateKernelThread creates a kernel thread that runs entry(arg) and exits
// when entry returns.
func (s *Scheduler) CreateKernelThread(entry func(uint64), arg uint64, flags Flag) (*Task, *kernel.Error) {
	regs := Regs{
		RBX:    uint64(*(*uintptr)(unsafe.Pointer(&entry))),
		RDI:    arg,
		RSI:    uint64(uintptr(unsafe.Pointer(s))),
		CS:     KernelCS,
		SS:     KernelDS,
		RFlags: rflagsIF,
		RIP:    uint64(s.cfg.KernelThreadStart),
	}

	return s.createTask(&regs, flags|FlagKernelThread, entry, arg)
}

// KernelThreadEntry runs the body of the calling CPU's current task, which
// must be a kernel thread that has just been switched to for the first time,
// and then exits it. It never returns.
func (s *Scheduler) KernelThreadEntry() {
	s.FinishSwitch()
	s.cfg.Hardware.EnableInterrupts()

	t := s.Current()
	s.lock.Acquire()
	entry, arg := s.ring[t.slot].entry, s.ring[t.slot].arg
	s.lock.Release()

	if entry == nil {
		panicFn(errNoThreadEntry)
	} else {
		entry(arg)
	}

	s.Exit(0)
}

// Exit stops the calling CPU's current task. The task is never selected
// again; its page is not reclaimed. Exit never returns.
func (s *Scheduler) Exit(code uint64) {
	t := s.Current()
	kfmt.Printf("[task] pid %d exited with code %d\n", t.PID, code)
	t.setState(StateUninterruptible)

	for {
		s.Schedule()
		s.cfg.Hardware.Idle()
	}
}
