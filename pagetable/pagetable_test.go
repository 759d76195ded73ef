package pagetable

import (
	"testing"

	"sv39os/addr"
	"sv39os/frame"
)

func newTestAlloc(npages int) *frame.Allocator {
	return frame.New(addr.NewPhysAddr(0), addr.NewPhysAddr(uint64(npages)*addr.PageSize))
}

func TestMapTranslateUnmap(t *testing.T) {
	alloc := newTestAlloc(16)
	pt := New(alloc)

	vpn := addr.NewVirtPageNum(0x12345)
	f := alloc.MustAlloc()
	pt.Map(vpn, f.PPN(), FlagR|FlagW)

	pte, ok := pt.Translate(vpn)
	if !ok {
		t.Fatalf("expected translate to succeed after map")
	}
	if pte.PPN() != f.PPN() {
		t.Fatalf("got ppn %v, want %v", pte.PPN(), f.PPN())
	}
	if pte.Flags()&FlagW == 0 {
		t.Fatalf("expected W flag to survive round trip")
	}

	pt.Unmap(vpn)
	if _, ok := pt.Translate(vpn); ok {
		t.Fatalf("expected translate to fail after unmap")
	}
}

func TestRemapPanics(t *testing.T) {
	alloc := newTestAlloc(16)
	pt := New(alloc)
	vpn := addr.NewVirtPageNum(1)
	f := alloc.MustAlloc()
	pt.Map(vpn, f.PPN(), FlagR)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic remapping an already-valid leaf")
		}
	}()
	f2 := alloc.MustAlloc()
	pt.Map(vpn, f2.PPN(), FlagR)
}

func TestTokenRoundTrip(t *testing.T) {
	alloc := newTestAlloc(4)
	pt := New(alloc)
	tok := pt.Token()
	if RootFromToken(tok) != pt.Root() {
		t.Fatalf("token round trip mismatch")
	}
}

func TestTryUnmapMissing(t *testing.T) {
	alloc := newTestAlloc(4)
	pt := New(alloc)
	if e := pt.TryUnmap(addr.NewVirtPageNum(99)); e == 0 {
		t.Fatalf("expected non-OK errno for unmapped vpn")
	}
}

func TestTranslateVAHonorsOffset(t *testing.T) {
	alloc := newTestAlloc(4)
	pt := New(alloc)
	vpn := addr.NewVirtPageNum(7)
	f := alloc.MustAlloc()
	pt.Map(vpn, f.PPN(), FlagR|FlagW)

	va := addr.NewVirtAddr(uint64(vpn)<<addr.PageShift + 0x42)
	pa, ok := pt.TranslateVA(va)
	if !ok {
		t.Fatalf("expected TranslateVA to succeed")
	}
	if pa.PageOffset() != 0x42 {
		t.Fatalf("got offset %#x, want 0x42", pa.PageOffset())
	}
}
