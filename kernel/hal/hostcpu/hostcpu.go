// Package hostcpu emulates the privileged state of one CPU so that the
// scheduler can run as an ordinary process. Every execution context is backed
// by a goroutine; SwitchContext hands control from one goroutine to the next
// so that exactly one of them runs at a time, like the flows of a real CPU.
package hostcpu

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"kcore/kernel/cpu"
)

// resumeMarker is stored as the resume address of suspended contexts.
const resumeMarker = ^uintptr(0)

// fiber is a goroutine parked until it is switched to.
type fiber struct {
	wake chan struct{}
}

func newFiber() *fiber {
	return &fiber{wake: make(chan struct{}, 1)}
}

// Stats counts privileged operations performed on a CPU.
type Stats struct {
	Switches        uint64
	RootLoads       uint64
	TLBFlushes      uint64
	SelectorLoads   uint64
	InterruptToggle uint64
}

// CPU is an emulated CPU. The zero value is not usable; use New.
type CPU struct {
	id uint32

	// mu guards the register file below.
	mu         sync.Mutex
	fs, gs     uint64
	tss        cpu.TaskStateSegment
	root       uintptr
	interrupts bool

	entries *xsync.MapOf[uintptr, func()]
	fibers  *xsync.MapOf[*cpu.Context, *fiber]

	// running is only touched by the goroutine that currently owns the CPU.
	running *fiber

	stats    Stats
	switches uint64

	// IdleFn is invoked by Idle. It defaults to runtime.Gosched.
	IdleFn func()
}

// New returns a CPU with the given id whose active address space is root.
func New(id uint32, root uintptr) *CPU {
	return &CPU{
		id:      id,
		root:    root,
		entries: xsync.NewMapOf[uintptr, func()](),
		fibers:  xsync.NewMapOf[*cpu.Context, *fiber](),
	}
}

// RegisterEntry associates a resume address with the Go function that runs
// when a context with that address is switched to for the first time.
func (c *CPU) RegisterEntry(pc uintptr, fn func()) {
	c.entries.Store(pc, fn)
}

// ID implements task.Hardware.
func (c *CPU) ID() uint32 { return c.id }

// SegmentSelectors implements task.Hardware.
func (c *CPU) SegmentSelectors() (fs, gs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fs, c.gs
}

// LoadSegmentSelectors implements task.Hardware.
func (c *CPU) LoadSegmentSelectors(fs, gs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fs, c.gs = fs, gs
	c.stats.SelectorLoads++
}

// CurrentTSS implements task.Hardware.
func (c *CPU) CurrentTSS() cpu.TaskStateSegment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tss
}

// SetCurrentTSS implements task.Hardware.
func (c *CPU) SetCurrentTSS(tss cpu.TaskStateSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tss = tss
}

// ActiveAddressSpace implements task.Hardware.
func (c *CPU) ActiveAddressSpace() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// LoadAddressSpace implements task.Hardware.
func (c *CPU) LoadAddressSpace(root uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.root = root
	c.stats.RootLoads++
}

// FlushTLB implements task.Hardware.
func (c *CPU) FlushTLB() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TLBFlushes++
}

// EnableInterrupts implements task.Hardware.
func (c *CPU) EnableInterrupts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupts = true
	c.stats.InterruptToggle++
}

// DisableInterrupts implements task.Hardware.
func (c *CPU) DisableInterrupts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupts = false
	c.stats.InterruptToggle++
}

// InterruptsEnabled reports the emulated interrupt flag.
func (c *CPU) InterruptsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupts
}

// Idle implements task.Hardware.
func (c *CPU) Idle() {
	if c.IdleFn != nil {
		c.IdleFn()
		return
	}
	runtime.Gosched()
}

// Stats returns a copy of the operation counters.
func (c *CPU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Switches = atomic.LoadUint64(&c.switches)
	return s
}

// SwitchContext implements task.Hardware. The calling goroutine is parked in
// prev and the goroutine behind next is resumed. A context that has never
// run is started on a new goroutine from the entry registered for its
// resume address.
func (c *CPU) SwitchContext(prev, next *cpu.Context) {
	self := c.running
	if self == nil {
		// first switch away from the boot flow
		self = newFiber()
	}
	c.fibers.Store(prev, self)
	prev.RIP = resumeMarker

	target, loaded := c.fibers.Load(next)
	if !loaded {
		fn, ok := c.entries.Load(next.RIP)
		if !ok {
			panic(fmt.Sprintf("hostcpu: cpu %d: no entry registered for resume address 0x%x", c.id, next.RIP))
		}

		target = newFiber()
		c.fibers.Store(next, target)
		go func(f *fiber) {
			<-f.wake
			fn()
		}(target)
	}

	atomic.AddUint64(&c.switches, 1)
	c.running = target
	target.wake <- struct{}{}
	<-self.wake
}
