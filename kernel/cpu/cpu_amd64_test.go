package cpu

import (
	"testing"
	"unsafe"
)

func TestAPICID(t *testing.T) {
	defer func() {
		cpuidFn = ID
	}()

	specs := []struct {
		ebx uint32
		exp uint32
	}{
		{0x00000800, 0},
		{0x01020800, 1},
		{0x3f100800, 63},
	}

	for specIndex, spec := range specs {
		cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) {
			if leaf != 1 {
				t.Errorf("[spec %d] expected CPUID leaf 1; got %d", specIndex, leaf)
			}
			return 0, spec.ebx, 0, 0
		}

		if got := APICID(); got != spec.exp {
			t.Errorf("[spec %d] expected APICID to return %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestTaskStateSegment(t *testing.T) {
	if exp, got := uintptr(104), unsafe.Sizeof(TaskStateSegment{}); got != exp {
		t.Fatalf("expected TSS size to be %d; got %d", exp, got)
	}

	var tss TaskStateSegment
	for _, rsp := range []uint64{0, 0x1000, 0xffff800000123ff0} {
		tss.SetRSP0(rsp)
		if got := tss.RSP0(); got != rsp {
			t.Errorf("expected RSP0 to be 0x%x; got 0x%x", rsp, got)
		}
	}

	// RSP0 is located at byte offset 4
	tss.SetRSP0(0x1122334455667788)
	raw := (*[104]byte)(unsafe.Pointer(&tss))
	if raw[4] != 0x88 || raw[11] != 0x11 {
		t.Fatalf("expected RSP0 to be stored little-endian at offset 4; got % x", raw[4:12])
	}

	if TSSAddress(3) != &tssTable[3] {
		t.Fatal("expected TSSAddress to return the per-CPU table entry")
	}
}

func TestContextLayout(t *testing.T) {
	var ctx Context
	if off := unsafe.Offsetof(ctx.RSP); off != 0 {
		t.Errorf("expected RSP offset to be 0; got %d", off)
	}
	if off := unsafe.Offsetof(ctx.RIP); off != 8 {
		t.Errorf("expected RIP offset to be 8; got %d", off)
	}
	if off := unsafe.Offsetof(ctx.RBP); off != 16 {
		t.Errorf("expected RBP offset to be 16; got %d", off)
	}
	if size := unsafe.Sizeof(ctx); size != 24 {
		t.Errorf("expected Context size to be 24; got %d", size)
	}
}

func TestResumeAddress(t *testing.T) {
	// SwitchContext records resumeContext as the resume address of the
	// suspended flow; its address must resolve once the package links.
	if resumeContextPC() == 0 {
		t.Fatal("expected resumeContext to have a non-zero address")
	}
}
