// Package frame implements the physical frame allocator: a
// stack-discipline free-list-plus-bump-pointer allocator over the free
// physical page range. There is no refcounting -- fork copies frames
// eagerly in this kernel, so a page is never shared between address
// spaces.
package frame

import (
	"sync"

	"sv39os/addr"
	"sv39os/internal/klog"
)

// Allocator hands out and recycles physical page numbers from
// [start, end) in PPN space. Allocation and deallocation are
// serialized by a single lock.
type Allocator struct {
	mu sync.Mutex

	start addr.PhysPageNum
	end   addr.PhysPageNum // exclusive
	// current is the high-water bump pointer: all ppns in
	// [start, current) have been handed out at least once.
	current addr.PhysPageNum
	// recycled holds ppns below current that have been freed and are
	// available for reuse, preferred over bumping current further.
	recycled []addr.PhysPageNum
	// live tracks ppns currently on loan, to catch double-frees.
	live map[addr.PhysPageNum]bool
	// pages backs each handed-out ppn with real storage; see
	// pageBytes below.
	pages map[addr.PhysPageNum][]byte
}

// New constructs an allocator over the physical page range
// [startAddr, endAddr), rounding start up and end down to page
// boundaries so the usable range never exceeds what was requested.
func New(startAddr, endAddr addr.PhysAddr) *Allocator {
	start := addr.NewPhysAddr(addr.RoundUp(uint64(startAddr))).Page()
	end := addr.NewPhysAddr(addr.RoundDown(uint64(endAddr))).Page()
	return &Allocator{
		start:   start,
		end:     end,
		current: start,
		live:    make(map[addr.PhysPageNum]bool),
		pages:   make(map[addr.PhysPageNum][]byte),
	}
}

// Alloc returns a fresh, zeroed FrameTracker, or false if physical
// memory is exhausted. Exhaustion is fatal at every call site that
// cannot itself recover (page-table and kernel-structure allocation);
// callers that can surface ENOMEM to user space (e.g. a process
// growing its heap) should check the bool themselves before calling
// into frame.MustAlloc.
func (a *Allocator) Alloc() (*Tracker, bool) {
	a.mu.Lock()
	ppn, ok := a.allocLocked()
	a.mu.Unlock()
	if !ok {
		return nil, false
	}
	t := &Tracker{ppn: ppn, owner: a}
	t.zero()
	return t, true
}

// MustAlloc allocates a frame or halts the kernel. Page-table and
// kernel-structure allocation cannot recover from exhaustion, so
// those call sites use this instead of Alloc.
func (a *Allocator) MustAlloc() *Tracker {
	t, ok := a.Alloc()
	if !ok {
		klog.Fatalf("frame: out of physical memory")
	}
	return t
}

func (a *Allocator) allocLocked() (addr.PhysPageNum, bool) {
	if n := len(a.recycled); n > 0 {
		ppn := a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		a.live[ppn] = true
		return ppn, true
	}
	if a.current >= a.end {
		return 0, false
	}
	ppn := a.current
	a.current++
	a.live[ppn] = true
	return ppn, true
}

// dealloc returns ppn to the free pool. It panics on double-free or on
// a ppn this allocator never handed out.
func (a *Allocator) dealloc(ppn addr.PhysPageNum) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ppn < a.start || ppn >= a.current {
		klog.Fatalf("frame: dealloc of ppn %#x never allocated", ppn)
	}
	if !a.live[ppn] {
		klog.Fatalf("frame: double free of ppn %#x", ppn)
	}
	delete(a.live, ppn)
	a.recycled = append(a.recycled, ppn)
}

// Tracker is the exclusive owner of one physical page: creation
// allocates, destruction (via Drop, since Go has no RAII) deallocates
// and zero-fills. A ppn is live in at most one Tracker at a time.
type Tracker struct {
	ppn     addr.PhysPageNum
	owner   *Allocator
	dropped bool
}

// PPN returns the physical page number this tracker owns.
func (t *Tracker) PPN() addr.PhysPageNum { return t.ppn }

// Bytes returns the raw 4096-byte backing storage for this frame, via
// the allocator's page store.
func (t *Tracker) Bytes() []byte {
	return t.owner.pageBytes(t.ppn)
}

func (t *Tracker) zero() {
	if b := t.Bytes(); b != nil {
		for i := range b {
			b[i] = 0
		}
	}
}

// Drop releases the frame back to the allocator, zero-filling it
// first. Safe to call at most once; a second call panics, mirroring
// the double-free panic dealloc itself would raise.
func (t *Tracker) Drop() {
	if t.dropped {
		klog.Fatalf("frame: tracker for ppn %#x dropped twice", t.ppn)
	}
	t.dropped = true
	t.zero()
	t.owner.dealloc(t.ppn)
}

// backing storage ----------------------------------------------------
//
// A real kernel resolves a PPN to bytes via the direct map. In this
// user-mode simulation we keep a flat map of
// page-sized byte slices per allocator so page tables and memory sets
// can actually read/write frame contents in tests without a real MMU.

// PageBytesOf returns the backing storage for an arbitrary ppn known
// to be owned by this allocator (used by pagetable to read/write
// table nodes via their physical page number).
func (a *Allocator) PageBytesOf(ppn addr.PhysPageNum) []byte {
	return a.pageBytes(ppn)
}

func (a *Allocator) pageBytes(ppn addr.PhysPageNum) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.pages[ppn]
	if !ok {
		b = make([]byte, addr.PageSize)
		a.pages[ppn] = b
	}
	return b
}
