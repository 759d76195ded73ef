// Package sched implements the ready-queue scheduler: a FIFO ready
// queue and the run-loop that repeatedly picks the next ready task
// and switches to it.
//
// On bare metal the context switch is a hand-written assembly
// __switch that swaps callee-saved registers and stack pointers
// between two kernel stacks. Go offers no portable way to do that
// (goroutine stacks are managed by the runtime and move under GC), so
// this port switches "tasks" by parking and waking goroutines instead:
// each task.TCB runs in a dedicated goroutine and ReadyForRun/
// ParkUntilScheduled (task/task.go) stand in for the
// save-context/jump-to-next-context pair. The FIFO ready-queue
// ordering and the one-task-"running"-at-a-time invariant are
// preserved exactly; only the mechanism a single CPU uses to
// multiplex onto them changes.
package sched

import (
	"sync"

	"sv39os/task"
)

// Scheduler owns the ready queue and serializes "who runs next" so
// that, even though tasks execute as goroutines, only one is ever
// logically Running at a time -- matching a single-hart cooperative
// model with no preemption inside the kernel itself.
type Scheduler struct {
	mu    sync.Mutex
	ready []*task.TCB
}

// New returns an empty scheduler.
func New() *Scheduler { return &Scheduler{} }

// Enqueue appends t to the back of the ready queue.
func (s *Scheduler) Enqueue(t *task.TCB) {
	s.mu.Lock()
	s.ready = append(s.ready, t)
	s.mu.Unlock()
}

// fetch pops the task at the front of the ready queue, or nil if
// empty.
func (s *Scheduler) fetch() *task.TCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return nil
	}
	t := s.ready[0]
	s.ready = s.ready[1:]
	return t
}

// Run is the scheduler's main loop: it repeatedly takes the front of
// the ready queue, hands the CPU to that task's goroutine, and blocks
// until the task hands it back (by yielding or exiting). idle is
// invoked (and may block) when the ready queue is momentarily empty,
// standing in for the wait-for-interrupt idle path.
//
// Each task's goroutine drives its side of the handoff:
//
//	for {
//		tcb.ParkUntilScheduled()
//		// ... run until a suspension point ...
//		s.Yield(tcb)          // or tcb.Exit(...) and no re-enqueue
//		tcb.YieldToScheduler()
//	}
func (s *Scheduler) Run(idle func()) {
	for {
		t := s.fetch()
		if t == nil {
			idle()
			continue
		}
		t.ReadyForRun()
		t.WaitUntilYield()
	}
}

// Yield cooperatively gives up the current task's turn: it is
// re-enqueued at the back of the ready queue. The task's goroutine
// calls YieldToScheduler then ParkUntilScheduled right after.
func (s *Scheduler) Yield(current *task.TCB) {
	s.Enqueue(current)
}
