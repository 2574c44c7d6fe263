// Package task implements task control blocks, fork-style task creation and
// the round-robin scheduler with its context switch path.
package task

import (
	"sync/atomic"
	"unsafe"

	"kcore/kernel"
	"kcore/kernel/cpu"
	"kcore/kernel/mm"
	"kcore/kernel/mm/pmm"
)

const (
	// MaxTasks is the capacity of the scheduler ring.
	MaxTasks = 512

	// StackSize is the distance between a task page base and the top of its
	// kernel stack.
	StackSize = mm.PageSize

	// KernelCS is the kernel code segment selector.
	KernelCS = 0x08

	// KernelDS is the kernel data segment selector.
	KernelDS = 0x10

	// rflagsIF is the interrupt enable bit of RFLAGS.
	rflagsIF = 1 << 9

	// noCPU marks a task that is not executing on any CPU.
	noCPU = -1
)

// State is the scheduling state of a task.
type State uint32

const (
	// StateRunning marks a task that is eligible for selection. It does not
	// imply that the task is executing.
	StateRunning State = iota

	// StateUninterruptible marks a task that must not be selected, either
	// because it is still being built or because it has exited.
	StateUninterruptible
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateUninterruptible:
		return "uninterruptible"
	default:
		return "unknown"
	}
}

// Flag describes task properties.
type Flag uint32

const (
	// FlagKernelThread marks a task that runs kernel code only.
	FlagKernelThread Flag = 1 << iota

	// FlagIdle marks the init task.
	FlagIdle

	// flagBootStack marks a task whose saved stack pointer lives on the
	// boot stack rather than on its own page.
	flagBootStack
)

var (
	// ErrTaskLimit is returned when the scheduler ring is full.
	ErrTaskLimit = &kernel.Error{Module: "task", Message: "task limit reached"}

	// ErrNoSyscallReturn is returned when creating a user task without a
	// registered syscall return trampoline.
	ErrNoSyscallReturn = &kernel.Error{Module: "task", Message: "no syscall return trampoline registered"}
)

// Thread holds the CPU state of a suspended task.
type Thread struct {
	// Context is the stack pointer and resume address used by the
	// context switch.
	cpu.Context

	// RSP0 is the kernel stack top loaded into the TSS while the task runs.
	RSP0 uintptr

	FS, GS uint64
}

// Task is the control block of one schedulable unit. It lives at the base of
// the page that also holds the task's kernel stack.
type Task struct {
	PID      uint64
	Flags    Flag
	Priority int32
	Signal   uint64

	// state is accessed atomically.
	state uint32

	// onCPU is the id of the CPU executing the task or noCPU. It is
	// accessed atomically.
	onCPU int32

	// slot is the index of the task in the scheduler ring.
	slot int32

	mm *MemoryDescriptor

	page *pmm.Page
	base uintptr

	thread Thread
}

// taskPage is the layout of a task page: the control block and the memory
// descriptor slot at the low end, the kernel stack growing down from the top
// and the initial register snapshot just below the stack top.
type taskPage struct {
	task Task
	mm   MemoryDescriptor
}

const regsSize = unsafe.Sizeof(Regs{})

func taskPageAt(base uintptr) *taskPage {
	return (*taskPage)(unsafe.Pointer(base))
}

func (p *taskPage) base() uintptr {
	return uintptr(unsafe.Pointer(p))
}

func (p *taskPage) stackTop() uintptr {
	return p.base() + StackSize
}

func (p *taskPage) regs() *Regs {
	return (*Regs)(unsafe.Pointer(p.stackTop() - regsSize))
}

// State returns the scheduling state of the task.
func (t *Task) State() State {
	return State(atomic.LoadUint32(&t.state))
}

func (t *Task) setState(s State) {
	atomic.StoreUint32(&t.state, uint32(s))
}

// Thread returns the saved CPU state of the task.
func (t *Task) Thread() *Thread {
	return &t.thread
}

// MM returns the address space descriptor of the task or nil for tasks that
// run in the kernel address space only.
func (t *Task) MM() *MemoryDescriptor {
	return t.mm
}

// KernelThread returns true if the task runs kernel code only.
func (t *Task) KernelThread() bool {
	return t.Flags&FlagKernelThread != 0
}

// StackTop returns the top of the task's kernel stack.
func (t *Task) StackTop() uintptr {
	return t.base + StackSize
}

// Regs returns the register snapshot the task was created with.
func (t *Task) Regs() *Regs {
	return taskPageAt(t.base).regs()
}

// ownsStackPointer returns true if sp points inside the task's kernel stack.
func (t *Task) ownsStackPointer(sp uintptr) bool {
	if t.Flags&flagBootStack != 0 {
		return true
	}
	return sp > t.base+unsafe.Sizeof(taskPage{}) && sp <= t.StackTop()
}
