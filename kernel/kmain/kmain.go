package kmain

import (
	"kcore/kernel"
	"kcore/kernel/cpu"
	"kcore/kernel/kfmt"
	"kcore/kernel/mm"
	"kcore/kernel/mm/pmm"
	"kcore/kernel/mm/vmm"
	"kcore/kernel/task"
	"kcore/multiboot"
)

var (
	physMem   pmm.Manager
	scheduler task.Scheduler

	directMap = vmm.DirectMap{Offset: vmm.KernelDirectMapBase}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain never returns; once the core is up the boot flow becomes the init
// task and idles between scheduling rounds.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	physMem.Init(directMap)
	physMem.AddMemoryMap()
	reserved := physMem.ReserveRange(kernelStart, kernelEnd)
	kfmt.Printf("[kmain] reserved %d pages for the kernel image [0x%x - 0x%x)\n", reserved, kernelStart, kernelEnd)
	mm.SetFrameAllocator(physMem.AllocFrame)
	physMem.PrintStats()

	var err *kernel.Error
	if err = scheduler.Init(task.Config{
		Memory:     &physMem,
		Translator: directMap,
		Mapper:     &vmm.TableMapper{Translator: directMap},
		Hardware:   cpu.Local{},
		KernelRoot: cpu.ActivePDT(),
	}); err != nil {
		kfmt.Panic(err)
	}

	if _, err = scheduler.CreateKernelThread(initThread, 0, 0); err != nil {
		kfmt.Panic(err)
	}

	for {
		scheduler.Schedule()
		cpu.Idle()
	}
}

// initThread reports the state of the core once scheduling works.
func initThread(uint64) {
	kfmt.Printf("[kmain] init thread running as pid %d\n", scheduler.Current().PID)
	scheduler.VisitTasks(func(t *task.Task) bool {
		kfmt.Printf("[kmain] pid %d: %s\n", t.PID, t.State().String())
		return true
	})
	physMem.PrintStats()
}
