// Package cpu provides access to the privileged amd64 state used by the
// kernel core: interrupts, the page table root, segment selectors, the task
// state segment and the stack switch primitive.
package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// Idle enables interrupts and halts the CPU until the next interrupt arrives.
func Idle()

// FlushTLB flushes all non-global TLB entries by reloading CR3.
func FlushTLB()

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadFS returns the selector currently loaded in the FS segment register.
func ReadFS() uint64

// ReadGS returns the selector currently loaded in the GS segment register.
func ReadGS() uint64

// LoadFS loads sel into the FS segment register.
func LoadFS(sel uint64)

// LoadGS loads sel into the GS segment register.
func LoadGS(sel uint64)

// SwitchContext stores the stack pointer and resume address of the running
// flow into prev and continues execution from next. The call returns only
// when some other flow switches back to prev.
func SwitchContext(prev, next *Context)

// resumeContext is the resume address recorded by SwitchContext.
func resumeContext()

// resumeContextPC returns the address of resumeContext.
func resumeContextPC() uintptr

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// APICID returns the initial local APIC ID of the executing CPU as reported
// by CPUID leaf 1.
func APICID() uint32 {
	_, ebx, _, _ := cpuidFn(1)
	return ebx >> 24
}
