package cpu

// Local exposes the privileged state of whichever CPU executes its methods.
// It carries no state of its own.
type Local struct{}

// ID returns the local APIC ID of the executing CPU.
func (Local) ID() uint32 { return APICID() }

// SegmentSelectors returns the live FS and GS selectors.
func (Local) SegmentSelectors() (fs, gs uint64) { return ReadFS(), ReadGS() }

// LoadSegmentSelectors loads the FS and GS segment registers.
func (Local) LoadSegmentSelectors(fs, gs uint64) {
	LoadFS(fs)
	LoadGS(gs)
}

// CurrentTSS returns a copy of the executing CPU's task state segment.
func (l Local) CurrentTSS() TaskStateSegment { return tssTable[l.ID()] }

// SetCurrentTSS overwrites the executing CPU's task state segment.
func (l Local) SetCurrentTSS(tss TaskStateSegment) { tssTable[l.ID()] = tss }

// ActiveAddressSpace returns the physical address of the active PML4.
func (Local) ActiveAddressSpace() uintptr { return ActivePDT() }

// LoadAddressSpace installs the PML4 at root as the active page table.
func (Local) LoadAddressSpace(root uintptr) { SwitchPDT(root) }

// FlushTLB flushes the translation cache.
func (Local) FlushTLB() { FlushTLB() }

// EnableInterrupts enables interrupt handling.
func (Local) EnableInterrupts() { EnableInterrupts() }

// DisableInterrupts disables interrupt handling.
func (Local) DisableInterrupts() { DisableInterrupts() }

// Idle waits for the next interrupt.
func (Local) Idle() { Idle() }

// SwitchContext suspends prev and resumes next.
func (Local) SwitchContext(prev, next *Context) { SwitchContext(prev, next) }
