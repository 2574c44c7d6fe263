package cpu

// MaxCPUs defines the number of CPUs whose per-CPU state is tracked. Local
// APIC IDs are expected to be smaller than this value.
const MaxCPUs = 64

// TaskStateSegment mirrors the 104-byte amd64 task state segment. The 64-bit
// stack pointers are not naturally aligned in the hardware layout so they are
// stored as dword pairs and accessed through methods.
type TaskStateSegment struct {
	reserved0 uint32
	rsp       [6]uint32
	reserved1 [2]uint32
	ist       [14]uint32
	reserved2 [2]uint32
	reserved3 uint16

	// IOMapBase is the offset of the I/O permission bitmap.
	IOMapBase uint16
}

// RSP0 returns the stack pointer loaded when the CPU enters ring 0 from a
// less privileged level.
func (t *TaskStateSegment) RSP0() uint64 {
	return uint64(t.rsp[0]) | uint64(t.rsp[1])<<32
}

// SetRSP0 updates the ring 0 stack pointer.
func (t *TaskStateSegment) SetRSP0(rsp uint64) {
	t.rsp[0] = uint32(rsp)
	t.rsp[1] = uint32(rsp >> 32)
}

// tssTable holds one task state segment per CPU. The GDT setup code points
// each CPU's TSS descriptor at its entry.
var tssTable [MaxCPUs]TaskStateSegment

// TSSAddress returns the address of the task state segment owned by the CPU
// with the given id.
func TSSAddress(id uint32) *TaskStateSegment {
	return &tssTable[id]
}
