// Package pagetable implements the SV39 three-level page table:
// walk/map/unmap and satp token encoding, with the minimal flag set
// the hardware defines (no software COW bit -- demand paging and SMP
// TLB shootdown are out of scope here).
package pagetable

import (
	"sv39os/addr"
	"sv39os/errno"
	"sv39os/frame"
)

// PTE flag bits.
const (
	FlagV PTE = 1 << 0 // valid
	FlagR PTE = 1 << 1 // readable
	FlagW PTE = 1 << 2 // writable
	FlagX PTE = 1 << 3 // executable
	FlagU PTE = 1 << 4 // user-accessible
	FlagG PTE = 1 << 5 // global
	FlagA PTE = 1 << 6 // accessed
	FlagD PTE = 1 << 7 // dirty

	flagBits = 8
	ppnShift = 10 // SV39 PTE format: 10 reserved/flag bits, then a 44-bit PPN
)

// PTE is one page table entry: a physical page number plus flag bits,
// packed the way SV39 hardware expects (bits 9:0 flags, bits 53:10 PPN).
type PTE uint64

// NewPTE packs a physical page number and flag set into a PTE.
func NewPTE(ppn addr.PhysPageNum, flags PTE) PTE {
	return PTE(uint64(ppn)<<ppnShift) | (flags & (1<<flagBits - 1))
}

// PPN extracts the physical page number from a PTE.
func (p PTE) PPN() addr.PhysPageNum {
	return addr.NewPhysPageNum(uint64(p) >> ppnShift)
}

// Flags extracts the flag bits from a PTE.
func (p PTE) Flags() PTE { return p & (1<<flagBits - 1) }

// IsValid reports whether the V bit is set.
func (p PTE) IsValid() bool { return p&FlagV != 0 }

// satpModeSV39 is the mode selector in the high bits of satp for SV39.
const satpModeSV39 = uint64(8) << 60

// Token encodes an SV39 satp value selecting this page table as root.
func Token(root addr.PhysPageNum) uint64 {
	return satpModeSV39 | uint64(root)
}

// RootFromToken extracts the root PPN from a satp token.
func RootFromToken(token uint64) addr.PhysPageNum {
	return addr.NewPhysPageNum(token & (1<<44 - 1))
}

// Table is an SV39 page table: a root PPN plus the ordered set of
// frame trackers that own every table node this table allocated. A
// table built via FromToken wraps a foreign root for read-only walks
// and owns no frames.
type Table struct {
	root   addr.PhysPageNum
	frames []*frame.Tracker
	alloc  *frame.Allocator
	owned  bool
}

// New allocates a fresh root frame and returns an empty page table
// that owns it.
func New(alloc *frame.Allocator) *Table {
	root := alloc.MustAlloc()
	return &Table{
		root:   root.PPN(),
		frames: []*frame.Tracker{root},
		alloc:  alloc,
		owned:  true,
	}
}

// FromToken wraps a foreign satp token for non-owning, read-only
// walks -- used to translate another address space's pages without
// taking ownership of its nodes.
func FromToken(token uint64, alloc *frame.Allocator) *Table {
	return &Table{root: RootFromToken(token), alloc: alloc, owned: false}
}

// Root returns the root physical page number.
func (t *Table) Root() addr.PhysPageNum { return t.root }

// Token returns the satp encoding selecting this table.
func (t *Table) Token() uint64 { return Token(t.root) }

func (t *Table) nodeBytes(ppn addr.PhysPageNum) []byte {
	return t.alloc.PageBytesOf(ppn)
}

func storePTE(b []byte, idx int, p PTE) {
	v := uint64(p)
	for j := 0; j < 8; j++ {
		b[idx*8+j] = byte(v >> (8 * j))
	}
}

func loadPTE(b []byte, idx int) PTE {
	var v uint64
	for j := 0; j < 8; j++ {
		v |= uint64(b[idx*8+j]) << (8 * j)
	}
	return PTE(v)
}

// findPTE walks the three levels for vpn, allocating intermediate
// nodes on the way if create is true. It returns nil if a node is
// missing and create is false.
func (t *Table) findPTE(vpn addr.VirtPageNum, create bool) *pteLoc {
	idxs := vpn.Indexes()
	ppn := t.root
	for level := 0; level < 3; level++ {
		b := t.nodeBytes(ppn)
		i := int(idxs[level])
		pte := loadPTE(b, i)
		if level == 2 {
			return &pteLoc{bytes: b, index: i}
		}
		if !pte.IsValid() {
			if !create {
				return nil
			}
			node := t.alloc.MustAlloc()
			t.frames = append(t.frames, node)
			// intermediate nodes carry only the V bit: no
			// R/W/X, so hardware treats them as pointers to
			// the next level, never as leaves.
			storePTE(b, i, NewPTE(node.PPN(), FlagV))
			ppn = node.PPN()
		} else {
			ppn = pte.PPN()
		}
	}
	panic("unreachable")
}

// pteLoc names the byte slice and slot index of one resolved PTE.
type pteLoc struct {
	bytes []byte
	index int
}

func (l *pteLoc) load() PTE   { return loadPTE(l.bytes, l.index) }
func (l *pteLoc) store(p PTE) { storePTE(l.bytes, l.index, p) }

// Translate performs a non-mutating walk, returning the leaf PTE for
// vpn if every level is valid.
func (t *Table) Translate(vpn addr.VirtPageNum) (PTE, bool) {
	loc := t.findPTE(vpn, false)
	if loc == nil {
		return 0, false
	}
	pte := loc.load()
	if !pte.IsValid() {
		return 0, false
	}
	return pte, true
}

// TranslateVA resolves a full virtual address to its physical
// address, honoring the in-page offset.
func (t *Table) TranslateVA(va addr.VirtAddr) (addr.PhysAddr, bool) {
	pte, ok := t.Translate(va.Page())
	if !ok {
		return 0, false
	}
	return addr.PhysAddr(uint64(pte.PPN().Addr()) | va.PageOffset()), true
}

// Map installs a leaf mapping vpn -> ppn with the given flags (which
// must not include FlagV; it is set implicitly). Allocation failure
// while walking intermediate levels is fatal; remapping an
// already-valid leaf is a kernel bug and panics.
func (t *Table) Map(vpn addr.VirtPageNum, ppn addr.PhysPageNum, flags PTE) {
	if !t.owned {
		panic("pagetable: Map on a non-owning (FromToken) table")
	}
	loc := t.findPTE(vpn, true)
	if loc.load().IsValid() {
		panic("pagetable: remap of already-mapped vpn")
	}
	loc.store(NewPTE(ppn, flags|FlagV))
}

// Unmap clears the leaf mapping for vpn. It panics if vpn was not
// mapped.
func (t *Table) Unmap(vpn addr.VirtPageNum) {
	if !t.owned {
		panic("pagetable: Unmap on a non-owning (FromToken) table")
	}
	loc := t.findPTE(vpn, false)
	if loc == nil || !loc.load().IsValid() {
		panic("pagetable: unmap of unmapped vpn")
	}
	loc.store(0)
}

// TryUnmap is Unmap's recoverable cousin: it returns errno.EINVAL
// instead of panicking when vpn isn't mapped (errno.OK otherwise),
// for syscalls (munmap) that must
// surface -1 to user space rather than crash the kernel.
func (t *Table) TryUnmap(vpn addr.VirtPageNum) errno.Errno {
	loc := t.findPTE(vpn, false)
	if loc == nil || !loc.load().IsValid() {
		return errno.EINVAL
	}
	loc.store(0)
	return errno.OK
}

// Drop releases every node frame this table owns. Safe to call only
// on an owning table (one built with New, not FromToken).
func (t *Table) Drop() {
	if !t.owned {
		return
	}
	for _, f := range t.frames {
		f.Drop()
	}
	t.frames = nil
}
