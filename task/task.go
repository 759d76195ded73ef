// Package task implements the process model: the task control block
// (parent/children list, fd table, status machine, exit code) and the
// fork/exec/spawn/wait/exit operations, including reparenting a dying
// task's children onto the initial process.
package task

import (
	"sync"

	"sv39os/addr"
	"sv39os/errno"
	"sv39os/file"
	"sv39os/frame"
	"sv39os/internal/accnt"
	"sv39os/internal/kconfig"
	"sv39os/memset"
	"sv39os/pid"
	"sv39os/trap"
)

// Status is a task's scheduling state.
type Status int

const (
	Ready Status = iota
	Running
	Zombie
)

// Context is the callee-saved register set __switch exchanges between
// two tasks' kernel stacks. This Go port has no manual stack/register
// control, so the sched package doesn't walk through Context the way
// assembly would; it is retained as a data record, and its Ra slot
// doubles as the "resume point" a goroutine-based switch conceptually
// resumes at.
type Context struct {
	Ra uint64
	Sp uint64
	S  [12]uint64
}

// GotoTrapReturn builds the initial switch context for a brand-new
// task: the first switch into it starts execution at the trap-return
// path on the task's own kernel stack. The trap-return entry address
// is linker-determined on real hardware; here it is carried
// symbolically by the scheduler's handoff, so only Sp is meaningful.
func GotoTrapReturn(kernelStackTop uint64) Context {
	return Context{Sp: kernelStackTop}
}

// TCB is one task control block.
type TCB struct {
	mu sync.Mutex

	pidHandle *pid.Handle
	kstack    *pid.KernelStack

	status Status

	memSet   *memset.MemorySet
	trapCtx  *trap.TrapContext
	taskCtx  Context
	baseSize uint64

	// parentPid is the non-owning back-reference to the parent,
	// re-resolved through the process table on use; zero for the
	// initial task. Ownership runs strictly parent -> children.
	parentPid pid.Pid
	children  []*TCB

	exitCode int32

	fds *file.Table

	acc *accnt.Accnt

	// resumeCh and yieldCh are the two legs of the goroutine-based
	// context switch standing in for the assembly-level __switch this
	// Go port cannot perform: the scheduler signals resumeCh to hand
	// the CPU to this task's goroutine, and the task signals yieldCh
	// to hand it back.
	resumeCh chan struct{}
	yieldCh  chan struct{}
}

// Table is the process table: every live TCB indexed by PID, used to
// resolve a parent/child reference from a raw PID -- a back-reference
// is stored as a PID and looked up here, rather than an unsafe direct
// pointer held across a GC-invisible boundary.
type Table struct {
	mu   sync.Mutex
	byPid map[pid.Pid]*TCB
}

// NewTable returns an empty process table.
func NewTable() *Table {
	return &Table{byPid: make(map[pid.Pid]*TCB)}
}

func (t *Table) insert(tcb *TCB) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byPid[tcb.Pid()] = tcb
}

// Lookup resolves a PID to its live TCB.
func (t *Table) Lookup(p pid.Pid) (*TCB, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, ok := t.byPid[p]
	return tcb, ok
}

func (t *Table) remove(p pid.Pid) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byPid, p)
}

// Snapshot returns every live task currently in the table, in no
// particular order. Used by diagnostic tooling (see
// syscall.ProfileSnapshot) that needs to enumerate all tasks rather
// than look one up by PID.
func (t *Table) Snapshot() []*TCB {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*TCB, 0, len(t.byPid))
	for _, tcb := range t.byPid {
		out = append(out, tcb)
	}
	return out
}

// Pid returns the task's process ID.
func (t *TCB) Pid() pid.Pid { return t.pidHandle.Pid() }

// Status returns the task's current scheduling status.
func (t *TCB) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *TCB) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// TrapContext returns the task's trap frame, for the trap layer to
// read/mutate directly.
func (t *TCB) TrapContext() *trap.TrapContext { return t.trapCtx }

// MemorySet returns the task's address space.
func (t *TCB) MemorySet() *memset.MemorySet { return t.memSet }

// SwitchContext returns the task's saved callee-context record.
func (t *TCB) SwitchContext() *Context { return &t.taskCtx }

// KernelStackTop returns the top of this task's kernel stack, the
// initial kernel SP trap_return switches to.
func (t *TCB) KernelStackTop() uint64 { return t.kstack.Top() }

// Files returns the task's file-descriptor table.
func (t *TCB) Files() *file.Table { return t.fds }

// Accounting returns the task's user/kernel tick accumulator.
func (t *TCB) Accounting() *accnt.Accnt { return t.acc }

// ExitCode returns the task's exit code; only meaningful once Status
// is Zombie.
func (t *TCB) ExitCode() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// Builder bundles the shared resources NewInitial/Fork need but which
// don't belong on any single TCB: the frame allocator, the kernel
// address space, the trampoline's physical page, and the process
// table every new TCB registers itself into.
type Builder struct {
	Alloc        *frame.Allocator
	Kernel       *memset.MemorySet
	TrampolinePA addr.PhysAddr
	Pids         *pid.Allocator
	Table        *Table
}

// NewInitial builds the first user task directly from an ELF image,
// with no parent.
func (b *Builder) NewInitial(elfData []byte) *TCB {
	ms, userSP, entry := memset.FromELF(elfData, b.Alloc, b.TrampolinePA)
	return b.build(ms, userSP, entry, nil)
}

func (b *Builder) build(ms *memset.MemorySet, userSP, entry uint64, parent *TCB) *TCB {
	handle := b.Pids.Alloc()
	kstack := pid.NewKernelStack(handle.Pid(), b.Kernel)

	tcb := &TCB{
		pidHandle: handle,
		kstack:    kstack,
		status:    Ready,
		memSet:    ms,
		baseSize:  userSP,
		fds:       file.NewStdTable(&file.Stdin{}, &file.Stdout{}),
		acc:       &accnt.Accnt{},
		resumeCh:  make(chan struct{}, 1),
		yieldCh:   make(chan struct{}, 1),
	}

	tcb.taskCtx = GotoTrapReturn(kstack.Top())
	tcb.trapCtx = trap.AppInitContext(entry, userSP, ms.Token(), kstack.Top(), uint64(kconfig.Trampoline))

	b.Table.insert(tcb)
	if parent != nil {
		tcb.parentPid = parent.Pid()
		parent.mu.Lock()
		parent.children = append(parent.children, tcb)
		parent.mu.Unlock()
	}
	return tcb
}

// Fork duplicates parent into a new child task: a copy of its address
// space (copy-on-write is a non-goal; every frame is duplicated
// eagerly), a cloned fd table, and the same trap context so the child
// also appears to return from the fork syscall, with a0 overwritten to
// 0 by the caller in the syscall layer.
func (b *Builder) Fork(parent *TCB) *TCB {
	ms := memset.FromExisted(parent.memSet, b.Alloc, b.TrampolinePA)

	handle := b.Pids.Alloc()
	kstack := pid.NewKernelStack(handle.Pid(), b.Kernel)

	child := &TCB{
		pidHandle: handle,
		kstack:    kstack,
		status:    Ready,
		memSet:    ms,
		baseSize:  parent.baseSize,
		parentPid: parent.Pid(),
		fds:       parent.fds.Clone(),
		acc:       &accnt.Accnt{},
		resumeCh:  make(chan struct{}, 1),
		yieldCh:   make(chan struct{}, 1),
	}

	child.taskCtx = GotoTrapReturn(kstack.Top())
	childTrap := *parent.trapCtx
	childTrap.KernelSP = kstack.Top()
	child.trapCtx = &childTrap

	b.Table.insert(child)
	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()

	return child
}

// Exec replaces the calling task's address space with a fresh ELF
// image in place, keeping its PID, kernel stack, parent, and fd table.
func (t *TCB) Exec(elfData []byte, alloc *frame.Allocator, trampolinePA addr.PhysAddr) {
	ms, userSP, entry := memset.FromELF(elfData, alloc, trampolinePA)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.memSet.Destroy()
	t.memSet = ms
	t.baseSize = userSP
	t.trapCtx = trap.AppInitContext(entry, userSP, ms.Token(), t.kstack.Top(), uint64(kconfig.Trampoline))
}

// AdoptChild registers child as t's child directly, for spawn, which
// builds a brand-new task rather than forking t.
func (t *TCB) AdoptChild(child *TCB) {
	child.mu.Lock()
	child.parentPid = t.Pid()
	child.mu.Unlock()

	t.mu.Lock()
	t.children = append(t.children, child)
	t.mu.Unlock()
}

// Children returns a snapshot of the task's child list.
func (t *TCB) Children() []*TCB {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]*TCB, len(t.children))
	copy(cp, t.children)
	return cp
}

// Waitpid implements waitpid semantics: pid == -1 matches any child,
// otherwise an exact PID match is required. Returns
// (childPid, exitCode, errno.OK) on success; errno.ENOCHILD if no
// matching child exists at all; errno.EAGAIN if matching children
// exist but none have exited yet.
func (t *TCB) Waitpid(table *Table, target pid.Pid) (pid.Pid, int32, errno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()

	found := false
	for i, c := range t.children {
		if target != -1 && c.Pid() != target {
			continue
		}
		found = true
		if c.Status() == Zombie {
			t.children = append(t.children[:i], t.children[i+1:]...)
			table.remove(c.Pid())
			c.memSet.Destroy()
			c.pidHandle.Release()
			c.kstack.Unmap()
			return c.Pid(), c.ExitCode(), errno.OK
		}
	}
	if !found {
		return 0, 0, errno.ENOCHILD
	}
	return 0, 0, errno.EAGAIN
}

// Exit terminates the task with the given code: its user address
// space is released immediately (keeping only the trap-context page,
// whose frame stays valid until a parent reaps it), and its children
// are reparented onto initTask.
func (t *TCB) Exit(code int32, initTask *TCB) {
	t.mu.Lock()
	children := t.children
	t.children = nil
	t.exitCode = code
	t.status = Zombie
	ms := t.memSet
	t.mu.Unlock()

	ms.Uvmfree(true)

	if initTask != nil {
		initTask.mu.Lock()
		for _, c := range children {
			c.mu.Lock()
			c.parentPid = initTask.Pid()
			c.mu.Unlock()
			initTask.children = append(initTask.children, c)
		}
		initTask.mu.Unlock()
	}
}

// Parent resolves the task's back-reference through the process
// table. ok is false for the initial task and for tasks whose parent
// is already gone.
func (t *TCB) Parent(table *Table) (*TCB, bool) {
	t.mu.Lock()
	p := t.parentPid
	t.mu.Unlock()
	if p == 0 {
		return nil, false
	}
	return table.Lookup(p)
}

// ReadyForRun signals this task's parked goroutine to resume. Called
// only by the scheduler when it selects this task to run next.
func (t *TCB) ReadyForRun() {
	t.setStatus(Ready)
	select {
	case t.resumeCh <- struct{}{}:
	default:
	}
}

// ParkUntilScheduled blocks the task's goroutine until the scheduler
// selects this task to run again.
func (t *TCB) ParkUntilScheduled() {
	<-t.resumeCh
	t.setStatus(Running)
}

// YieldToScheduler hands the CPU back: the task's goroutine calls
// this after re-enqueuing itself (suspension) or after Exit, then
// loops back into ParkUntilScheduled or returns.
func (t *TCB) YieldToScheduler() {
	select {
	case t.yieldCh <- struct{}{}:
	default:
	}
}

// WaitUntilYield blocks the scheduler until the running task hands the
// CPU back via YieldToScheduler.
func (t *TCB) WaitUntilYield() {
	<-t.yieldCh
}
