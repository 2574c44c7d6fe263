package task

// kernelThreadStart is the first resume address of kernel threads. It is
// entered with the stack pointer on the register snapshot; it restores the
// snapshot and calls (*Scheduler).KernelThreadEntry on the scheduler held in
// RSI.
func kernelThreadStart()

// kernelThreadStartPC returns the address of kernelThreadStart.
func kernelThreadStartPC() uintptr

// runKernelThread is called by kernelThreadStart.
func runKernelThread(s *Scheduler) {
	s.KernelThreadEntry()
}
