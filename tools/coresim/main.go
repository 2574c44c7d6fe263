// Command coresim boots the kernel core inside a regular process. Physical
// memory is an mmap-ed arena, the CPU is emulated with goroutines and the
// memory map is synthesized in the multiboot format. It runs a handful of
// kernel threads plus one user task to completion and prints the kernel log.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"kcore/kernel"
	"kcore/kernel/hal/hostcpu"
	"kcore/kernel/hal/hostmem"
	"kcore/kernel/kfmt"
	"kcore/kernel/mm"
	"kcore/kernel/mm/pmm"
	"kcore/kernel/mm/vmm"
	"kcore/kernel/task"
	"kcore/multiboot"
)

const (
	physBase = 0x100000

	// resume addresses the emulated CPU maps to Go entry points
	threadStartPC   = 0x1000
	syscallReturnPC = 0x2000
)

// userImage is "xor eax, eax; syscall".
var userImage = []byte{0x31, 0xc0, 0x0f, 0x05}

type options struct {
	memMiB  uint
	threads uint
	rounds  uint
	trace   bool
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[coresim] error: %s\n", err.Error())
	os.Exit(1)
}

// kernelErr converts a kernel error into an error, preserving nil.
func kernelErr(err *kernel.Error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// memoryMap encodes regions as a multiboot info blob holding a single memory
// map tag.
func memoryMap(regions []multiboot.MemoryMapEntry) []byte {
	le := binary.LittleEndian
	var b []byte

	// fixed info header: total size and reserved
	b = le.AppendUint32(b, 0)
	b = le.AppendUint32(b, 0)

	b = le.AppendUint32(b, 6)
	b = le.AppendUint32(b, uint32(16+24*len(regions)))
	b = le.AppendUint32(b, 24)
	b = le.AppendUint32(b, 0)
	for _, r := range regions {
		b = le.AppendUint64(b, r.PhysAddress)
		b = le.AppendUint64(b, r.Length)
		b = le.AppendUint32(b, uint32(r.Type))
		b = le.AppendUint32(b, 0)
	}

	// end tag
	b = le.AppendUint32(b, 0)
	b = le.AppendUint32(b, 8)

	le.PutUint32(b, uint32(len(b)))
	return b
}

// bootInfo places the memory map blob in its own page outside the Go heap,
// where a boot loader would leave it.
func bootInfo(regions []multiboot.MemoryMapEntry) (*hostmem.Arena, error) {
	blob := memoryMap(regions)

	page, err := hostmem.New(0, mm.RoundUp(uintptr(len(blob))))
	if err != nil {
		return nil, errors.Wrap(err, "allocate boot info")
	}
	copy(page.Bytes(), blob)
	return page, nil
}

func run(opts options) error {
	size := uintptr(opts.memMiB) << 20
	arena, err := hostmem.New(physBase, size)
	if err != nil {
		return errors.Wrap(err, "allocate physical memory")
	}
	defer arena.Close()

	info, err := bootInfo([]multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
		{PhysAddress: 0xf0000, Length: 0x10000, Type: multiboot.MemReserved},
		{PhysAddress: physBase, Length: uint64(size), Type: multiboot.MemAvailable},
	})
	if err != nil {
		return err
	}
	defer info.Close()
	multiboot.SetInfoPtr(info.PhysToVirt(0))
	defer multiboot.SetInfoPtr(0)

	var physMem pmm.Manager
	physMem.Init(arena)
	physMem.AddMemoryMap()
	mm.SetFrameAllocator(physMem.AllocFrame)

	kernelRoot, kerr := physMem.AllocFrame()
	if kerr != nil {
		return kernelErr(kerr, "allocate kernel page table")
	}
	vmm.ClearTable(arena, kernelRoot)

	hw := hostcpu.New(0, kernelRoot.Address())

	var sched task.Scheduler
	if kerr = sched.Init(task.Config{
		Memory:            &physMem,
		Translator:        arena,
		Mapper:            &vmm.TableMapper{Translator: arena},
		Hardware:          hw,
		KernelRoot:        kernelRoot.Address(),
		KernelThreadStart: threadStartPC,
		SyscallReturn:     syscallReturnPC,
		TraceSwitches:     opts.trace,
	}); kerr != nil {
		return kernelErr(kerr, "init scheduler")
	}

	hw.RegisterEntry(threadStartPC, sched.KernelThreadEntry)
	hw.RegisterEntry(syscallReturnPC, func() {
		sched.FinishSwitch()
		hw.EnableInterrupts()

		t := sched.Current()
		regs := t.Regs()
		kfmt.Printf("[user] pid %d: sysret to 0x%x, user stack 0x%x, root 0x%x\n", t.PID, regs.RCX, regs.RSP, hw.ActiveAddressSpace())
		sched.Exit(0)
	})

	for i := uint(0); i < opts.threads; i++ {
		if _, kerr = sched.CreateKernelThread(func(id uint64) {
			for round := uint(0); round < opts.rounds; round++ {
				kfmt.Printf("[kthread %d] round %d\n", id, round)
				sched.Schedule()
			}
		}, uint64(i), 0); kerr != nil {
			return kernelErr(kerr, "create kernel thread")
		}
	}

	user, kerr := sched.CreateTask(&task.Regs{}, 0)
	if kerr != nil {
		return kernelErr(kerr, "create user task")
	}
	if kerr = sched.AttachAddressSpace(user, userImage); kerr != nil {
		return kernelErr(kerr, "attach user address space")
	}
	*user.Regs() = task.UserEntryRegs(user.MM())

	for alive := true; alive; {
		sched.Schedule()

		alive = false
		sched.VisitTasks(func(t *task.Task) bool {
			if t.Flags&task.FlagIdle == 0 && t.State() == task.StateRunning {
				alive = true
				return false
			}
			return true
		})
	}

	physMem.PrintStats()
	stats := hw.Stats()
	kfmt.Printf("[coresim] switches: %d, root loads: %d, tlb flushes: %d\n", stats.Switches, stats.RootLoads, stats.TLBFlushes)
	return nil
}

func main() {
	var opts options
	flag.UintVar(&opts.memMiB, "mem", 4, "size of physical memory in MiB")
	flag.UintVar(&opts.threads, "threads", 3, "number of kernel threads to spawn")
	flag.UintVar(&opts.rounds, "rounds", 2, "scheduling rounds each kernel thread runs for")
	flag.BoolVar(&opts.trace, "trace", false, "log every context switch")
	flag.Parse()

	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: os.Stdout, Prefix: []byte("cpu0 | ")})

	if err := run(opts); err != nil {
		exit(err)
	}
}
