package cpu

// Context is the minimal execution state saved by SwitchContext: the stack
// pointer of the suspended flow, the address execution continues from and its
// frame pointer. Other callee state of a suspended flow lives on its own
// stack.
//
// The field order is relied upon by the assembly implementation.
type Context struct {
	RSP uintptr
	RIP uintptr
	RBP uintptr
}
