// Package accnt tracks per-task user/kernel time accounting: a small
// mutex-protected counter pair updated around every trap/syscall
// boundary.
package accnt

import "sync"

// Accnt is a tick-granularity accumulator of time spent in user mode
// versus kernel mode for one task.
type Accnt struct {
	mu        sync.Mutex
	userTicks   uint64
	kernelTicks uint64

	lastEntry uint64 // tick count when the task last entered the kernel
	inKernel  bool
}

// EnterKernel records that the task just trapped into the kernel at
// tick `now`, crediting the time since the last transition to user
// mode.
func (a *Accnt) EnterKernel(now uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.inKernel {
		a.userTicks += now - a.lastEntry
	}
	a.lastEntry = now
	a.inKernel = true
}

// LeaveKernel records that the task is about to return to user mode
// at tick `now`, crediting the time since it entered the kernel.
func (a *Accnt) LeaveKernel(now uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inKernel {
		a.kernelTicks += now - a.lastEntry
	}
	a.lastEntry = now
	a.inKernel = false
}

// Snapshot returns the accumulated (user, kernel) tick counts so far.
func (a *Accnt) Snapshot() (userTicks, kernelTicks uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userTicks, a.kernelTicks
}
