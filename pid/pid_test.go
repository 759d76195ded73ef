package pid

import (
	"testing"

	"sv39os/addr"
	"sv39os/frame"
	"sv39os/memset"
)

func TestPidAllocReuse(t *testing.T) {
	a := NewAllocator()
	h1 := a.Alloc()
	p1 := h1.Pid()
	h1.Release()

	h2 := a.Alloc()
	if h2.Pid() != p1 {
		t.Fatalf("expected recycled pid %v, got %v", p1, h2.Pid())
	}
}

func TestPidZeroNeverHandedOut(t *testing.T) {
	a := NewAllocator()
	h := a.Alloc()
	if h.Pid() == 0 {
		t.Fatalf("pid 0 must never be allocated")
	}
}

func TestKernelStackDisjointRanges(t *testing.T) {
	alloc := frame.New(addr.NewPhysAddr(0), addr.NewPhysAddr(4096*4096))
	kernel := memset.NewBare(alloc)

	ks1 := NewKernelStack(1, kernel)
	ks2 := NewKernelStack(2, kernel)

	if ks1.Top() == ks2.Top() {
		t.Fatalf("expected distinct PIDs to get disjoint kernel stacks")
	}
	if ks1.bottom < ks2.top && ks2.bottom < ks1.top {
		t.Fatalf("kernel stacks overlap: [%#x,%#x) and [%#x,%#x)", ks1.bottom, ks1.top, ks2.bottom, ks2.top)
	}
}
