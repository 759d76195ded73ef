// Package memset implements per-address-space memory management:
// MapArea (a contiguous virtual page range with one mapping kind and
// permission set) plus MemorySet (a page table and its ordered area
// list), with ELF loading via the standard debug/elf package.
package memset

import (
	"debug/elf"
	"fmt"
	"sort"
	"sync"

	"sv39os/addr"
	"sv39os/frame"
	"sv39os/internal/kconfig"
	"sv39os/internal/klog"
	"sv39os/pagetable"
)

// MapType distinguishes an area that is identity-mapped (kernel image,
// MMIO) from one backed by freshly allocated, owned frames.
type MapType int

const (
	Identical MapType = iota
	Framed
)

// Perm is a permission set restricted to R/W/X/U; no COW/shared bits
// exist here since demand paging and SMP are non-goals.
type Perm uint8

const (
	PermR Perm = 1 << 0
	PermW Perm = 1 << 1
	PermX Perm = 1 << 2
	PermU Perm = 1 << 3
)

func (p Perm) pteFlags() pagetable.PTE {
	var f pagetable.PTE
	if p&PermR != 0 {
		f |= pagetable.FlagR
	}
	if p&PermW != 0 {
		f |= pagetable.FlagW
	}
	if p&PermX != 0 {
		f |= pagetable.FlagX
	}
	if p&PermU != 0 {
		f |= pagetable.FlagU
	}
	return f
}

// MapArea is a contiguous VPN range mapped uniformly.
type MapArea struct {
	start addr.VirtPageNum // inclusive
	end   addr.VirtPageNum // exclusive
	typ   MapType
	perm  Perm

	// frames backs only Framed areas: every VPN in range maps to an
	// owned FrameTracker whose PPN equals the mapped PPN.
	frames map[addr.VirtPageNum]*frame.Tracker
}

// NewMapArea builds a map area over [startVA, endVA) (rounded to page
// boundaries) with the given type and permissions.
func NewMapArea(startVA, endVA addr.VirtAddr, typ MapType, perm Perm) *MapArea {
	start := startVA.Page()
	end := addr.VirtAddr(addr.RoundUp(uint64(endVA))).Page()
	ma := &MapArea{start: start, end: end, typ: typ, perm: perm}
	if typ == Framed {
		ma.frames = make(map[addr.VirtPageNum]*frame.Tracker)
	}
	return ma
}

// VPNRange returns the area's [start, end) VPN range.
func (ma *MapArea) VPNRange() (addr.VirtPageNum, addr.VirtPageNum) { return ma.start, ma.end }

func (ma *MapArea) mapOne(pt *pagetable.Table, vpn addr.VirtPageNum, alloc *frame.Allocator) {
	var ppn addr.PhysPageNum
	switch ma.typ {
	case Identical:
		ppn = addr.NewPhysPageNum(uint64(vpn))
	case Framed:
		f := alloc.MustAlloc()
		ma.frames[vpn] = f
		ppn = f.PPN()
	default:
		panic("memset: unknown map type")
	}
	pt.Map(vpn, ppn, ma.perm.pteFlags())
}

func (ma *MapArea) mapAll(pt *pagetable.Table, alloc *frame.Allocator) {
	for v := ma.start; v < ma.end; v++ {
		ma.mapOne(pt, v, alloc)
	}
}

func (ma *MapArea) unmapAll(pt *pagetable.Table) {
	for v := ma.start; v < ma.end; v++ {
		pt.Unmap(v)
		if ma.typ == Framed {
			if f, ok := ma.frames[v]; ok {
				f.Drop()
				delete(ma.frames, v)
			}
		}
	}
}

// copyData copies data into the area's frames starting at the area's
// first page, page by page.
func (ma *MapArea) copyData(pt *pagetable.Table, data []byte) {
	if ma.typ != Framed {
		panic("memset: copyData on a non-Framed area")
	}
	off := 0
	for v := ma.start; v < ma.end && off < len(data); v++ {
		f := ma.frames[v]
		n := copy(f.Bytes(), data[off:])
		off += n
	}
}

// Pages exposes each mapped VPN's backing bytes for a Framed area, in
// VPN order -- used by MemorySet.FromExisted to copy a parent's pages
// into a freshly built child area.
func (ma *MapArea) Pages() []struct {
	VPN   addr.VirtPageNum
	Bytes []byte
} {
	if ma.typ != Framed {
		return nil
	}
	vpns := make([]addr.VirtPageNum, 0, len(ma.frames))
	for v := range ma.frames {
		vpns = append(vpns, v)
	}
	sort.Slice(vpns, func(i, j int) bool { return vpns[i] < vpns[j] })
	out := make([]struct {
		VPN   addr.VirtPageNum
		Bytes []byte
	}, len(vpns))
	for i, v := range vpns {
		out[i] = struct {
			VPN   addr.VirtPageNum
			Bytes []byte
		}{VPN: v, Bytes: ma.frames[v].Bytes()}
	}
	return out
}

// MemorySet is a page table plus its ordered list of map areas. One
// lock guards every mutation of the area list and page table
// together.
type MemorySet struct {
	mu    sync.Mutex
	pt    *pagetable.Table
	areas []*MapArea
	alloc *frame.Allocator
}

// NewBare builds an empty memory set with a fresh page table.
func NewBare(alloc *frame.Allocator) *MemorySet {
	return &MemorySet{pt: pagetable.New(alloc), alloc: alloc}
}

// Token returns the satp value selecting this address space.
func (ms *MemorySet) Token() uint64 { return ms.pt.Token() }

// PageTable exposes the underlying table for translation lookups
// (trap-context PPN resolution, user-buffer copies).
func (ms *MemorySet) PageTable() *pagetable.Table { return ms.pt }

// Push maps area's full VPN range into the table and, for a Framed
// area, copies data (if any) into the freshly allocated frames
// page-aligned to the area's start.
func (ms *MemorySet) Push(area *MapArea, data []byte) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	area.mapAll(ms.pt, ms.alloc)
	if data != nil {
		area.copyData(ms.pt, data)
	}
	ms.areas = append(ms.areas, area)
}

// InsertFramedArea builds and pushes a Framed area over [start, end)
// with the given permissions.
func (ms *MemorySet) InsertFramedArea(start, end addr.VirtAddr, perm Perm) {
	ms.Push(NewMapArea(start, end, Framed, perm), nil)
}

// RemoveArea unmaps and drops the area covering startVPN, if any is
// found with that exact start (used by munmap).
func (ms *MemorySet) RemoveArea(startVPN addr.VirtPageNum) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for i, a := range ms.areas {
		if a.start == startVPN {
			a.unmapAll(ms.pt)
			ms.areas = append(ms.areas[:i], ms.areas[i+1:]...)
			return true
		}
	}
	return false
}

// AnyMapped reports whether any VPN in [start, end) is currently
// mapped in this address space -- used to reject overlapping mmap
// requests and to validate munmap ranges.
func (ms *MemorySet) AnyMapped(start, end addr.VirtPageNum) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for v := start; v < end; v++ {
		if _, ok := ms.pt.Translate(v); ok {
			return true
		}
	}
	return false
}

// AllMapped reports whether every VPN in [start, end) is currently
// mapped.
func (ms *MemorySet) AllMapped(start, end addr.VirtPageNum) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for v := start; v < end; v++ {
		if _, ok := ms.pt.Translate(v); !ok {
			return false
		}
	}
	return true
}

// Activate writes satp to select this address space. In this
// user-mode kernel simulation there is no real MMU/CSR to program;
// Activate is the seam a trap.Mach implementation hooks to do so on
// real hardware: write satp with the token and issue a TLB fence.
func (ms *MemorySet) Activate(mach interface {
	WriteSatp(uint64)
	FenceVMA()
}) {
	mach.WriteSatp(ms.Token())
	mach.FenceVMA()
}

// MapTrampoline maps the trampoline code page (physical address
// trampolinePA) at the fixed TRAMPOLINE virtual address with R|X, the
// identity mapping shared by every address space in the system.
func (ms *MemorySet) MapTrampoline(trampolinePA addr.PhysAddr) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.pt.Map(kconfig.Trampoline.Page(), trampolinePA.Page(), pagetable.FlagR|pagetable.FlagX)
}

// FromELF builds a user address space from raw ELF bytes: one Framed
// area per PT_LOAD segment (permissions derived from segment flags,
// plus U), a guard page, a user stack, a writable non-U trap-context
// page, and the trampoline. It returns the memory set, the initial
// user stack pointer, and the entry point. A corrupt ELF (bad magic,
// wrong class, unreadable segment) is a halt: app images are baked
// into the kernel or its disk image, so a malformed one is a broken
// build, not a user mistake to surface.
func FromELF(data []byte, alloc *frame.Allocator, trampolinePA addr.PhysAddr) (ms *MemorySet, userSP uint64, entry uint64) {
	f, err := elf.NewFile(newReaderAt(data))
	if err != nil {
		klog.Fatalf("memset: not an ELF file: %v", err)
	}
	if f.Class != elf.ELFCLASS64 {
		klog.Fatalf("memset: not a 64-bit ELF")
	}

	ms = NewBare(alloc)
	maxEnd := addr.VirtAddr(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		startVA := addr.NewVirtAddr(prog.Vaddr)
		endVA := addr.NewVirtAddr(prog.Vaddr + prog.Memsz)
		var perm Perm = PermU
		if prog.Flags&elf.PF_R != 0 {
			perm |= PermR
		}
		if prog.Flags&elf.PF_W != 0 {
			perm |= PermW
		}
		if prog.Flags&elf.PF_X != 0 {
			perm |= PermX
		}
		area := NewMapArea(startVA, endVA, Framed, perm)
		segData := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(segData, 0); err != nil && prog.Filesz > 0 {
			klog.Fatalf("memset: reading PT_LOAD segment: %v", err)
		}
		ms.Push(area, segData)
		if uint64(endVA) > uint64(maxEnd) {
			maxEnd = endVA
		}
	}

	// guard page, then the user stack.
	guardBottom := addr.VirtAddr(addr.RoundUp(uint64(maxEnd)))
	stackBottom := addr.VirtAddr(uint64(guardBottom) + addr.PageSize)
	stackTop := addr.VirtAddr(uint64(stackBottom) + kconfig.UserStackSize)
	ms.InsertFramedArea(stackBottom, stackTop, PermR|PermW|PermU)

	// trap-context page: writable, not user-accessible, just below
	// the trampoline.
	ms.InsertFramedArea(kconfig.TrapContextVA, kconfig.Trampoline, PermR|PermW)

	ms.MapTrampoline(trampolinePA)

	return ms, uint64(stackTop), f.Entry
}

// FromExisted builds a fresh memory set mirroring src's areas: for
// every Framed area, fresh frames are allocated and the source page
// bytes are copied across. Used by fork. The trampoline is remapped
// fresh rather than cloned from the source's area list; it is the
// same physical page system-wide.
func FromExisted(src *MemorySet, alloc *frame.Allocator, trampolinePA addr.PhysAddr) *MemorySet {
	src.mu.Lock()
	defer src.mu.Unlock()

	dst := NewBare(alloc)
	for _, a := range src.areas {
		na := NewMapArea(a.start.Addr(), a.end.Addr(), a.typ, a.perm)
		na.mapAll(dst.pt, alloc)
		if a.typ == Framed {
			for _, pg := range a.Pages() {
				copy(na.frames[pg.VPN].Bytes(), pg.Bytes)
			}
		}
		dst.areas = append(dst.areas, na)
	}
	dst.MapTrampoline(trampolinePA)
	return dst
}

// NewKernel produces the kernel's own MemorySet: the trampoline
// mapped with R|X at the fixed TRAMPOLINE VA, and identity maps for
// every [start,end) range the caller supplies (text/rodata/data/bss/
// free RAM/MMIO windows -- those physical ranges are determined by
// the linker script and device tree, both out of this package's
// scope, so the caller supplies them).
func NewKernel(alloc *frame.Allocator, trampolinePA addr.PhysAddr, identityRanges []struct {
	Start addr.PhysAddr
	End   addr.PhysAddr
	Perm  Perm
}) *MemorySet {
	ms := NewBare(alloc)
	for _, r := range identityRanges {
		startVA := addr.NewVirtAddr(uint64(r.Start))
		endVA := addr.NewVirtAddr(uint64(r.End))
		ms.Push(NewMapArea(startVA, endVA, Identical, r.Perm), nil)
	}
	ms.MapTrampoline(trampolinePA)
	return ms
}

// Uvmfree releases every user-area frame and unmaps every user leaf,
// keeping the trap-context mapping intact only if keepTrapContext is
// true -- Destroy (used by exec and by reaping) passes false; exit
// needs to release eagerly while the trap-context PPN remains valid
// for the parent to reap later.
func (ms *MemorySet) Uvmfree(keepTrapContext bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	kept := ms.areas[:0]
	for _, a := range ms.areas {
		if keepTrapContext && a.start.Addr() == kconfig.TrapContextVA {
			kept = append(kept, a)
			continue
		}
		a.unmapAll(ms.pt)
	}
	ms.areas = kept
}

// Destroy releases every remaining area frame and then the page-table
// node frames themselves. The memory set is unusable afterwards; exec
// calls this on the address space it replaces, and reaping a zombie
// calls it on the child's.
func (ms *MemorySet) Destroy() {
	ms.Uvmfree(false)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.pt.Drop()
}

// FrameBytesAt returns the backing byte slice for the page containing
// pa, for translated-buffer copies.
func (ms *MemorySet) FrameBytesAt(pa addr.PhysAddr) []byte {
	return ms.alloc.PageBytesOf(pa.Page())
}

// TrapContextPPN resolves the fixed trap-context virtual page to its
// current physical page number.
func (ms *MemorySet) TrapContextPPN() (addr.PhysPageNum, bool) {
	pte, ok := ms.pt.Translate(kconfig.TrapContextVA.Page())
	if !ok {
		return 0, false
	}
	return pte.PPN(), true
}

// readerAt adapts a byte slice to io.ReaderAt for debug/elf.NewFile.
type readerAt struct{ b []byte }

func newReaderAt(b []byte) *readerAt { return &readerAt{b: b} }

func (r *readerAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.b)) {
		return 0, fmt.Errorf("memset: read past end of ELF image")
	}
	n := copy(p, r.b[off:])
	if n < len(p) {
		return n, fmt.Errorf("memset: short read")
	}
	return n, nil
}
