package memset

import (
	"testing"

	"sv39os/addr"
	"sv39os/frame"
)

func newTestAlloc(npages int) *frame.Allocator {
	return frame.New(addr.NewPhysAddr(0), addr.NewPhysAddr(uint64(npages)*addr.PageSize))
}

func TestInsertAndRemoveFramedArea(t *testing.T) {
	alloc := newTestAlloc(64)
	ms := NewBare(alloc)

	start := addr.NewVirtAddr(0x1000)
	end := addr.NewVirtAddr(0x4000)
	ms.InsertFramedArea(start, end, PermR|PermW|PermU)

	if !ms.AllMapped(start.Page(), end.Page()) {
		t.Fatalf("expected the whole area to be mapped")
	}
	if !ms.RemoveArea(start.Page()) {
		t.Fatalf("expected RemoveArea to find the area by its start VPN")
	}
	if ms.AnyMapped(start.Page(), end.Page()) {
		t.Fatalf("expected the area to be fully unmapped after removal")
	}
}

func TestAnyMappedRejectsOverlap(t *testing.T) {
	alloc := newTestAlloc(64)
	ms := NewBare(alloc)

	ms.InsertFramedArea(addr.NewVirtAddr(0x2000), addr.NewVirtAddr(0x4000), PermR|PermW)
	if !ms.AnyMapped(addr.NewVirtAddr(0x3000).Page(), addr.NewVirtAddr(0x5000).Page()) {
		t.Fatalf("expected overlap with an existing area to be detected")
	}
}

func TestPushIdenticalMapping(t *testing.T) {
	alloc := newTestAlloc(64)
	ms := NewBare(alloc)

	startPA := addr.NewPhysAddr(0x80000000)
	endPA := addr.NewPhysAddr(0x80003000)
	area := NewMapArea(addr.VirtAddr(startPA), addr.VirtAddr(endPA), Identical, PermR|PermX)
	ms.Push(area, nil)

	pa, ok := ms.PageTable().TranslateVA(addr.VirtAddr(startPA))
	if !ok || pa != startPA {
		t.Fatalf("expected identity map, got pa=%#x ok=%v", pa, ok)
	}
}

func TestPushFramedCopiesData(t *testing.T) {
	alloc := newTestAlloc(64)
	ms := NewBare(alloc)

	area := NewMapArea(addr.NewVirtAddr(0x10000), addr.NewVirtAddr(0x11000), Framed, PermR|PermW|PermU)
	payload := []byte("hello world")
	ms.Push(area, payload)

	pa, ok := ms.PageTable().TranslateVA(addr.NewVirtAddr(0x10000))
	if !ok {
		t.Fatalf("expected va to be mapped")
	}
	got := ms.FrameBytesAt(pa)[:len(payload)]
	if string(got) != "hello world" {
		t.Fatalf("got %q, want %q", got, payload)
	}
}
