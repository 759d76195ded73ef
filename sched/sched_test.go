package sched

import (
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"sv39os/addr"
	"sv39os/frame"
	"sv39os/memset"
	"sv39os/pid"
	"sv39os/task"
)

func newTestTask(t *testing.T) *task.TCB {
	t.Helper()
	alloc := frame.New(addr.NewPhysAddr(0), addr.NewPhysAddr(256*addr.PageSize))
	kernel := memset.NewBare(alloc)
	b := &task.Builder{
		Alloc:        alloc,
		Kernel:       kernel,
		TrampolinePA: addr.NewPhysAddr(0x1000),
		Pids:         pid.NewAllocator(),
		Table:        task.NewTable(),
	}
	// A minimal one-segment ELF; entry/content are irrelevant since
	// the scheduler never actually executes user code in this test.
	elf := []byte{
		0x7f, 'E', 'L', 'F', 2, 1, 1, 0,
		0, 0, 0, 0, 0, 0, 0, 0,
	}
	elf = append(elf, make([]byte, 120-len(elf))...)
	// Fill in a trivial valid header/program-header pair matching
	// buildMinimalELF's layout in task_test.go, duplicated here since
	// test helpers aren't shared across package test files by default
	// export -- kept deliberately tiny.
	putLE := func(off, size int, v uint64) {
		for i := 0; i < size; i++ {
			elf[off+i] = byte(v >> (8 * i))
		}
	}
	putLE(16, 2, 2)      // e_type
	putLE(18, 2, 243)    // e_machine
	putLE(20, 4, 1)      // e_version
	putLE(24, 8, 0x10000) // e_entry
	putLE(32, 8, 64)     // e_phoff
	putLE(52, 2, 64)     // e_ehsize
	putLE(54, 2, 56)     // e_phentsize
	putLE(56, 2, 1)      // e_phnum

	putLE(64+0, 4, 1)       // p_type = PT_LOAD
	putLE(64+4, 4, 5)       // p_flags = R|X
	putLE(64+8, 8, 120)     // p_offset
	putLE(64+16, 8, 0x10000) // p_vaddr
	putLE(64+24, 8, 0x10000) // p_paddr
	putLE(64+32, 8, 0)      // p_filesz
	putLE(64+40, 8, 0)      // p_memsz
	putLE(64+48, 8, 0x1000) // p_align

	return b.NewInitial(elf)
}

func TestFetchIsFIFO(t *testing.T) {
	s := New()
	t1 := newTestTask(t)
	t2 := newTestTask(t)
	s.Enqueue(t1)
	s.Enqueue(t2)

	if got := s.fetch(); got != t1 {
		t.Fatalf("expected t1 fetched first")
	}
	if got := s.fetch(); got != t2 {
		t.Fatalf("expected t2 fetched second")
	}
	if got := s.fetch(); got != nil {
		t.Fatalf("expected nil once the queue drains")
	}
}

func TestYieldRequeuesAtBack(t *testing.T) {
	s := New()
	t1 := newTestTask(t)
	t2 := newTestTask(t)
	s.Enqueue(t1)
	s.Enqueue(t2)

	s.fetch() // simulate t1 having run
	s.Yield(t1)

	if got := s.fetch(); got != t2 {
		t.Fatalf("expected t2 ahead of the yielded t1")
	}
	if got := s.fetch(); got != t1 {
		t.Fatalf("expected yielded t1 back at the tail")
	}
}

// TestConcurrentEnqueueIsRaceFree has many goroutines call Enqueue at
// once, the way multiple harts would contend for the ready queue's
// lock on real hardware. errgroup.Group gives a single error-carrying
// join point across all of them, the same pattern the block cache's
// concurrent-fetch stress test uses.
func TestConcurrentEnqueueIsRaceFree(t *testing.T) {
	s := New()
	const n = 32
	tasks := make([]*task.TCB, n)
	for i := range tasks {
		tasks[i] = newTestTask(t)
	}

	var g errgroup.Group
	for _, tcb := range tasks {
		tcb := tcb
		g.Go(func() error {
			s.Enqueue(tcb)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent enqueue: %v", err)
	}

	seen := make(map[*task.TCB]bool, n)
	for {
		tcb := s.fetch()
		if tcb == nil {
			break
		}
		seen[tcb] = true
	}
	if len(seen) != n {
		t.Fatalf("expected all %d concurrently enqueued tasks to be fetchable, got %d", n, len(seen))
	}
}

// TestTwoTasksAlternate drives two tasks that always re-enqueue
// themselves (the way a timer tick suspends a CPU-bound task) and
// checks the FIFO discipline interleaves them strictly.
func TestTwoTasksAlternate(t *testing.T) {
	s := New()
	t1 := newTestTask(t)
	t2 := newTestTask(t)

	const turnsEach = 4
	order := make(chan *task.TCB, 2*turnsEach)
	runTask := func(tcb *task.TCB) {
		for i := 0; i < turnsEach; i++ {
			tcb.ParkUntilScheduled()
			order <- tcb
			if i < turnsEach-1 {
				s.Yield(tcb)
			}
			tcb.YieldToScheduler()
		}
	}
	go runTask(t1)
	go runTask(t2)

	s.Enqueue(t1)
	s.Enqueue(t2)
	go s.Run(func() { time.Sleep(time.Millisecond) })

	deadline := time.After(time.Second)
	want := []*task.TCB{t1, t2}
	for i := 0; i < 2*turnsEach; i++ {
		select {
		case got := <-order:
			if got != want[i%2] {
				t.Fatalf("turn %d went to the wrong task", i)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for turn %d", i)
		}
	}
}

func TestRunHandsCPUToTaskAndBack(t *testing.T) {
	s := New()
	tcb := newTestTask(t)

	const turns = 3
	ran := make(chan task.Status, turns)
	go func() {
		for i := 0; i < turns; i++ {
			tcb.ParkUntilScheduled()
			ran <- tcb.Status()
			if i < turns-1 {
				s.Yield(tcb)
			}
			tcb.YieldToScheduler()
		}
	}()

	s.Enqueue(tcb)
	go s.Run(func() { time.Sleep(time.Millisecond) })

	deadline := time.After(time.Second)
	for i := 0; i < turns; i++ {
		select {
		case st := <-ran:
			if st != task.Running {
				t.Fatalf("turn %d: status %v while scheduled, want Running", i, st)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for turn %d", i)
		}
	}
}
