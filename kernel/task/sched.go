package task

import (
	"sync/atomic"

	"kcore/kernel"
	"kcore/kernel/cpu"
	"kcore/kernel/kfmt"
	"kcore/kernel/sync"
)

var (
	// ErrInvalidConfig is returned by Init when a required collaborator is
	// missing.
	ErrInvalidConfig = &kernel.Error{Module: "sched", Message: "scheduler config lacks a required collaborator"}

	errSwitchToNil     = &kernel.Error{Module: "sched", Message: "switch to nil task"}
	errSwitchToBlocked = &kernel.Error{Module: "sched", Message: "switch to a task that is not running"}
	errCorruptStack    = &kernel.Error{Module: "sched", Message: "saved stack pointer outside the task stack"}
	errTaskOnOtherCPU  = &kernel.Error{Module: "sched", Message: "task is executing on another CPU"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// slot is one entry of the scheduler ring. A slot is free when task is nil.
type slot struct {
	task       *Task
	next, prev int32

	// entry and arg are the body of a kernel thread. Keeping the func
	// value here keeps it reachable for the garbage collector.
	entry func(uint64)
	arg   uint64
}

// Scheduler owns the ring of tasks and switches CPUs between them. Tasks are
// picked round-robin by walking the ring backwards from the current task.
//
// A Scheduler is built once during boot with Init and shared by all CPUs.
type Scheduler struct {
	cfg Config

	// lock protects the ring, the slot contents and nextPID.
	lock    sync.Spinlock
	ring    [MaxTasks]slot
	count   int
	anchor  int32
	nextPID uint64

	// Per-CPU state, only touched by the CPU that owns the entry.
	current      [cpu.MaxCPUs]*Task
	switchedFrom [cpu.MaxCPUs]*Task
	scratch      [cpu.MaxCPUs]cpu.Context
}

// Init sets up the scheduler and turns the calling flow into the init task
// (pid 0). The init task keeps running on the boot stack; its page provides
// the kernel stack installed in the TSS for traps taken while it runs.
func (s *Scheduler) Init(cfg Config) *kernel.Error {
	if cfg.Memory == nil || cfg.Translator == nil || cfg.Hardware == nil {
		return ErrInvalidConfig
	}
	if cfg.KernelThreadStart == 0 {
		cfg.KernelThreadStart = kernelThreadStartPC()
	}

	s.cfg = cfg
	s.anchor = -1
	s.count = 0
	s.nextPID = 0

	tp, err := s.allocTaskPage()
	if err != nil {
		return err
	}

	t := &tp.task
	t.Flags = FlagKernelThread | FlagIdle | flagBootStack
	t.thread.RSP0 = tp.stackTop()
	t.thread.FS, t.thread.GS = KernelDS, KernelDS

	hw := cfg.Hardware
	id := hw.ID()

	s.lock.Acquire()
	s.insert(t, nil)
	s.lock.Release()

	t.onCPU = int32(id)
	s.current[id] = t

	tss := hw.CurrentTSS()
	tss.SetRSP0(uint64(t.thread.RSP0))
	hw.SetCurrentTSS(tss)
	hw.LoadSegmentSelectors(t.thread.FS, t.thread.GS)

	t.setState(StateRunning)
	kfmt.Printf("[sched] init task ready on cpu %d, kernel stack top: 0x%x\n", id, t.thread.RSP0)
	return nil
}

// Current returns the task executing on the calling CPU.
func (s *Scheduler) Current() *Task {
	return s.current[s.cfg.Hardware.ID()]
}

// TaskCount returns the number of tasks in the ring.
func (s *Scheduler) TaskCount() int {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.count
}

// VisitTasks invokes visitor for every task in ring order starting with the
// init task. The visitor runs with the ring locked and must not create tasks
// or schedule. It returns false to stop the walk.
func (s *Scheduler) VisitTasks(visitor func(*Task) bool) {
	s.lock.Acquire()
	defer s.lock.Release()

	for i, n := s.anchor, 0; n < s.count; i, n = s.ring[i].next, n+1 {
		if !visitor(s.ring[i].task) {
			return
		}
	}
}

// Schedule switches the calling CPU to the task that precedes the current
// one in the ring, skipping tasks that are not runnable or already executing
// elsewhere. It returns immediately if there is no such task; otherwise it
// returns once the current task is selected again.
func (s *Scheduler) Schedule() {
	hw := s.cfg.Hardware
	hw.DisableInterrupts()
	id := int32(hw.ID())

	s.lock.Acquire()
	cur := s.current[id]
	next := s.pickNext(cur, id)
	s.lock.Release()

	if next == nil {
		hw.EnableInterrupts()
		return
	}

	s.SwitchTo(cur, next)
}

// pickNext walks the ring backwards from cur and claims the first runnable
// task for the CPU id. With no current task the walk starts at the init
// task. The caller holds the ring lock.
func (s *Scheduler) pickNext(cur *Task, id int32) *Task {
	if s.count == 0 {
		return nil
	}

	i := s.anchor
	if cur != nil {
		i = s.ring[cur.slot].prev
	}

	for n := 0; n < s.count; n, i = n+1, s.ring[i].prev {
		t := s.ring[i].task
		if t == cur || t.State() != StateRunning {
			continue
		}
		if atomic.CompareAndSwapInt32(&t.onCPU, noCPU, id) {
			return t
		}
	}

	return nil
}

// SwitchTo moves the calling CPU from prev to next. The steps run in a fixed
// order: segment selectors, TSS.RSP0, the address space root and finally the
// stack switch. Interrupts are enabled again once prev is resumed.
//
// prev may be nil on a CPU that has no current task; its flow is then saved
// into a per-CPU scratch context and never resumed. Invalid switches are
// fatal.
func (s *Scheduler) SwitchTo(prev, next *Task) {
	hw := s.cfg.Hardware
	id := int32(hw.ID())

	switch {
	case next == nil:
		panicFn(errSwitchToNil)
		return
	case next.State() != StateRunning:
		panicFn(errSwitchToBlocked)
		return
	case !next.ownsStackPointer(next.thread.RSP):
		next.Regs().Print()
		panicFn(errCorruptStack)
		return
	}

	if !atomic.CompareAndSwapInt32(&next.onCPU, noCPU, id) && atomic.LoadInt32(&next.onCPU) != id {
		panicFn(errTaskOnOtherCPU)
		return
	}

	if s.cfg.TraceSwitches {
		if prev != nil {
			kfmt.Printf("[sched] cpu %d: pid %d -> pid %d\n", id, prev.PID, next.PID)
		} else {
			kfmt.Printf("[sched] cpu %d: idle -> pid %d\n", id, next.PID)
		}
	}

	prevCtx := &s.scratch[id]
	if prev != nil {
		prev.thread.FS, prev.thread.GS = hw.SegmentSelectors()
		prevCtx = &prev.thread.Context
	}
	hw.LoadSegmentSelectors(next.thread.FS, next.thread.GS)

	tss := hw.CurrentTSS()
	tss.SetRSP0(uint64(next.thread.RSP0))
	hw.SetCurrentTSS(tss)

	root := s.cfg.KernelRoot
	if next.mm != nil {
		root = next.mm.PML4.Address()
	}
	if hw.ActiveAddressSpace() != root {
		hw.LoadAddressSpace(root)
		hw.FlushTLB()
	}

	s.current[id] = next
	s.switchedFrom[id] = prev
	hw.SwitchContext(prevCtx, &next.thread.Context)

	// execution continues here when prev is selected again
	s.FinishSwitch()
	hw.EnableInterrupts()
}

// FinishSwitch releases the task the calling CPU switched away from so other
// CPUs may pick it. It runs on the resumed side of every switch; entry
// trampolines of tasks that run for the first time must call it too.
func (s *Scheduler) FinishSwitch() {
	id := s.cfg.Hardware.ID()

	from := s.switchedFrom[id]
	s.switchedFrom[id] = nil
	if from != nil && from != s.current[id] {
		atomic.StoreInt32(&from.onCPU, noCPU)
	}
}

// insert links t into the ring after the task after. A nil after appends to
// the init task, or makes t the first task. The caller holds the ring lock.
func (s *Scheduler) insert(t *Task, after *Task) bool {
	free := int32(-1)
	for i := range s.ring {
		if s.ring[i].task == nil {
			free = int32(i)
			break
		}
	}
	if free < 0 {
		return false
	}

	t.PID = s.nextPID
	s.nextPID++
	t.slot = free
	s.ring[free] = slot{task: t, next: free, prev: free}
	s.count++

	if s.anchor < 0 {
		s.anchor = free
		return true
	}

	at := s.anchor
	if after != nil {
		at = after.slot
	}
	next := s.ring[at].next
	s.ring[free].prev, s.ring[free].next = at, next
	s.ring[at].next = free
	s.ring[next].prev = free

	return true
}
