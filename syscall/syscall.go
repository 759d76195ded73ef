// Package syscall implements the syscall dispatch table: a single
// id-to-handler switch, wrapped with per-call U/S time accounting via
// internal/accnt.
package syscall

import (
	"strconv"

	"github.com/google/pprof/profile"

	"sv39os/addr"
	"sv39os/diag"
	"sv39os/easyfs"
	"sv39os/errno"
	"sv39os/file"
	"sv39os/frame"
	"sv39os/internal/klog"
	"sv39os/memset"
	"sv39os/pid"
	"sv39os/task"
	"sv39os/timer"
)

// IDs, aligned with the RISC-V Linux syscall numbers for the calls
// both kernels share.
const (
	Unlinkat  = 35
	Linkat    = 37
	Open      = 56
	Close     = 57
	Read      = 63
	Write     = 64
	Fstat     = 80
	Exit      = 93
	Trace     = 94
	Yield     = 124
	GetTime   = 169
	Getpid    = 172
	Munmap    = 215
	Ls        = 216
	Fork      = 220
	Exec      = 221
	Mmap      = 222
	Waitpid   = 260
	Spawn     = 400
	TaskInfo  = 410
)

// Deps bundles the kernel services a syscall handler may need. It is
// constructed once by the kernel wiring code and closed over by the
// Dispatch function handed to trap.Dispatch.
type Deps struct {
	Current func() *task.TCB
	Table   *task.Table
	Builder *task.Builder
	Alloc   *frame.Allocator
	TrampolinePA addr.PhysAddr
	Sched   interface {
		Enqueue(*task.TCB)
		Yield(*task.TCB)
	}
	Timer   timer.SBI
	LoadELF func(name string) ([]byte, bool)
	FSRoot  func() *easyfs.Inode

	// Symbols resolves a return address to its raw (possibly mangled)
	// symbol name, for sysTrace's call-chain dump. Left nil in
	// configurations that never loaded ELF symbol tables; sysTrace
	// then logs bare addresses (at debug level, see sysTrace).
	Symbols func(pc uint64) (raw string, ok bool)
}

// errU64 converts a negative errno into the two's-complement uint64
// used as a syscall return value. A plain uint64(int64(e)) conversion
// fails to compile when e is a constant, since the constant evaluator
// rejects a negative-to-unsigned conversion that is representable only
// via wraparound; routing through a parameter sidesteps that.
func errU64(e errno.Errno) uint64 { return uint64(int64(e)) }

// Dispatch routes one syscall by ID, matching the (id, a0, a1, a2)
// convention trap.Dispatch's injected callback uses. The handler is
// bracketed by accounting updates: time since the last return to user
// mode is credited as U-time on entry, and time spent inside the
// handler as S-time on exit.
func Dispatch(d *Deps, id uint64, args [3]uint64) uint64 {
	cur := d.Current()
	acc := cur.Accounting()
	acc.EnterKernel(timer.GetTime(d.Timer))
	ret := route(d, cur, id, args)
	acc.LeaveKernel(timer.GetTime(d.Timer))
	return ret
}

func route(d *Deps, cur *task.TCB, id uint64, args [3]uint64) uint64 {
	switch id {
	case Exit:
		return sysExit(d, cur, int32(args[0]))
	case Yield:
		return sysYield(d, cur)
	case GetTime:
		return timer.GetTimeMs(d.Timer)
	case Getpid:
		return uint64(cur.Pid())
	case Fork:
		return sysFork(d, cur)
	case Waitpid:
		return sysWaitpid(d, cur, int64(int32(args[0])), args[1])
	case Read:
		return sysReadWrite(cur, int(args[0]), args[1], int(args[2]), false)
	case Write:
		return sysReadWrite(cur, int(args[0]), args[1], int(args[2]), true)
	case Close:
		return sysClose(cur, int(args[0]))
	case Mmap:
		return sysMmap(cur, args[0], args[1], uint64(args[2]))
	case Munmap:
		return sysMunmap(cur, args[0], args[1])
	case Open:
		return sysOpen(d, cur, args[0], uint32(args[1]))
	case Exec:
		return sysExec(d, cur, args[0])
	case Spawn:
		return sysSpawn(d, cur, args[0])
	case Linkat:
		return sysLinkat(d, args[0], args[1])
	case Unlinkat:
		return sysUnlinkat(d, args[0])
	case TaskInfo:
		return sysTaskInfo(d, cur, args[0], args[1])
	case Fstat:
		return sysFstat(cur, int(args[0]), args[1])
	case Trace:
		return sysTrace(d, cur)
	case Ls:
		return sysLs(d)
	default:
		klog.Fatalf("syscall: unsupported id %d", id)
		return 0
	}
}

func sysExit(d *Deps, cur *task.TCB, code int32) uint64 {
	var initTask *task.TCB
	if t, ok := d.Table.Lookup(1); ok {
		initTask = t
	}
	cur.Exit(code, initTask)
	return 0
}

func sysYield(d *Deps, cur *task.TCB) uint64 {
	d.Sched.Yield(cur)
	return 0
}

func sysFork(d *Deps, cur *task.TCB) uint64 {
	child := d.Builder.Fork(cur)
	// The child's copy of the trap context still has the parent's a0
	// slot; fork convention has it see 0 as its own return value while
	// the parent sees the child's PID.
	child.TrapContext().Regs[trapA0] = 0
	d.Sched.Enqueue(child)
	return uint64(child.Pid())
}

const trapA0 = 10 // mirrors trap.RegA0; duplicated to avoid importing trap just for one constant

func sysWaitpid(d *Deps, cur *task.TCB, target int64, codePtr uint64) uint64 {
	childPid, code, e := cur.Waitpid(d.Table, pid.Pid(target))
	if e != errno.OK {
		return uint64(int64(e))
	}
	if codePtr != 0 {
		var buf [4]byte
		for i := 0; i < 4; i++ {
			buf[i] = byte(uint32(code) >> (8 * i))
		}
		if !writeUserBuffer(cur, codePtr, buf[:]) {
			return errU64(errno.EFAULT)
		}
	}
	return uint64(childPid)
}

func sysReadWrite(cur *task.TCB, fd int, bufPtr uint64, length int, write bool) uint64 {
	f, ok := cur.Files().Get(fd)
	if !ok {
		return errU64(errno.EBADF)
	}
	if write {
		if !f.Writable() {
			return errU64(errno.EPERM)
		}
		buf := translateUserBuffer(cur, bufPtr, length)
		if buf == nil {
			return errU64(errno.EFAULT)
		}
		return uint64(f.Write(buf))
	}
	if !f.Readable() {
		return errU64(errno.EPERM)
	}
	buf := make([]byte, length)
	n := f.Read(buf)
	if !writeUserBuffer(cur, bufPtr, buf[:n]) {
		return errU64(errno.EFAULT)
	}
	return uint64(n)
}

func sysClose(cur *task.TCB, fd int) uint64 {
	if !cur.Files().Close(fd) {
		return errU64(errno.EBADF)
	}
	return 0
}

// translateUserBuffer resolves a user-space (VA, length) span to a
// host-addressable byte slice by walking the task's page table one
// page at a time.
// Returns nil if any page in the span is unmapped.
func translateUserBuffer(cur *task.TCB, va uint64, length int) []byte {
	pt := cur.MemorySet().PageTable()
	out := make([]byte, 0, length)
	remaining := length
	cursor := va
	for remaining > 0 {
		pa, ok := pt.TranslateVA(addr.NewVirtAddr(cursor))
		if !ok {
			return nil
		}
		offsetInPage := int(pa.PageOffset())
		chunk := addr.PageSize - offsetInPage
		if chunk > remaining {
			chunk = remaining
		}
		// The page table only gives us the PPN; the frame allocator
		// is the thing that actually owns addressable bytes per
		// page in this simulation (see frame.Allocator.PageBytesOf).
		bytes := cur.MemorySet().FrameBytesAt(pa)
		out = append(out, bytes[offsetInPage:offsetInPage+chunk]...)
		cursor += uint64(chunk)
		remaining -= chunk
	}
	return out
}

// writeUserBuffer scatters data into user memory at va, one page at a
// time. Returns false if any page in the span is unmapped.
func writeUserBuffer(cur *task.TCB, va uint64, data []byte) bool {
	pt := cur.MemorySet().PageTable()
	written := 0
	cursor := va
	for written < len(data) {
		pa, ok := pt.TranslateVA(addr.NewVirtAddr(cursor))
		if !ok {
			return false
		}
		off := int(pa.PageOffset())
		page := cur.MemorySet().FrameBytesAt(pa)
		chunk := addr.PageSize - off
		if rem := len(data) - written; chunk > rem {
			chunk = rem
		}
		copy(page[off:off+chunk], data[written:written+chunk])
		written += chunk
		cursor += uint64(chunk)
	}
	return true
}

func sysMmap(cur *task.TCB, start, length, port uint64) uint64 {
	if start%addr.PageSize != 0 || length == 0 {
		return errU64(errno.EINVAL)
	}
	if port&^0x7 != 0 || port&0x7 == 0 {
		return errU64(errno.EINVAL)
	}
	end := start + length
	ms := cur.MemorySet()
	sVPN := addr.NewVirtAddr(start).Page()
	eVPN := addr.NewVirtAddr((end + addr.PageSize - 1) &^ (addr.PageSize - 1)).Page()
	if ms.AnyMapped(sVPN, eVPN) {
		return errU64(errno.EINVAL)
	}
	var perm memset.Perm
	if port&1 != 0 {
		perm |= memset.PermR
	}
	if port&2 != 0 {
		perm |= memset.PermW
	}
	if port&4 != 0 {
		perm |= memset.PermX
	}
	perm |= memset.PermU
	ms.InsertFramedArea(addr.NewVirtAddr(start), addr.NewVirtAddr(end), perm)
	return 0
}

// readUserString reads a NUL-terminated string out of user memory one
// byte at a time, stopping at the NUL or at the first unmapped byte.
func readUserString(cur *task.TCB, va uint64) string {
	var out []byte
	pt := cur.MemorySet().PageTable()
	cursor := va
	for {
		pa, ok := pt.TranslateVA(addr.NewVirtAddr(cursor))
		if !ok {
			break
		}
		off := int(pa.PageOffset())
		page := cur.MemorySet().FrameBytesAt(pa)
		b := page[off]
		if b == 0 {
			break
		}
		out = append(out, b)
		cursor++
	}
	return string(out)
}

func sysOpen(d *Deps, cur *task.TCB, pathPtr uint64, flags uint32) uint64 {
	if d.FSRoot == nil {
		return errU64(errno.ENOENT)
	}
	name := readUserString(cur, pathPtr)
	f, e := file.OpenFile(d.FSRoot(), name, file.OpenFlags(flags))
	if e != errno.OK {
		return uint64(int64(e))
	}
	return uint64(cur.Files().Alloc(f))
}

func sysExec(d *Deps, cur *task.TCB, pathPtr uint64) uint64 {
	if d.LoadELF == nil {
		return errU64(errno.ENOENT)
	}
	name := readUserString(cur, pathPtr)
	elfData, ok := d.LoadELF(name)
	if !ok {
		return errU64(errno.ENOENT)
	}
	cur.Exec(elfData, d.Alloc, d.TrampolinePA)
	return 0
}

// sysSpawn creates a fresh child task directly from an ELF image
// named by the user-space path at pathPtr, without requiring the
// parent to fork first: the fork+exec pair collapsed into one
// operation, with no intermediate copy of the parent's address space.
func sysSpawn(d *Deps, cur *task.TCB, pathPtr uint64) uint64 {
	if d.LoadELF == nil {
		return errU64(errno.ENOENT)
	}
	name := readUserString(cur, pathPtr)
	elfData, ok := d.LoadELF(name)
	if !ok {
		return errU64(errno.ENOENT)
	}
	child := d.Builder.NewInitial(elfData)
	cur.AdoptChild(child)
	d.Sched.Enqueue(child)
	return uint64(child.Pid())
}

func sysLinkat(d *Deps, oldPtr, newPtr uint64) uint64 {
	if d.FSRoot == nil {
		return errU64(errno.ENOENT)
	}
	cur := d.Current()
	oldName := readUserString(cur, oldPtr)
	newName := readUserString(cur, newPtr)
	return uint64(int64(d.FSRoot().Linkat(oldName, newName)))
}

func sysUnlinkat(d *Deps, pathPtr uint64) uint64 {
	if d.FSRoot == nil {
		return errU64(errno.ENOENT)
	}
	cur := d.Current()
	name := readUserString(cur, pathPtr)
	return uint64(int64(d.FSRoot().Unlink(name)))
}

// taskInfoBytes is the fixed encoded size of the TaskInfo struct this
// syscall writes into user memory: status (1 byte, padded to 4), then
// user and kernel tick counts (8 bytes each).
const taskInfoBytes = 20

// sysTaskInfo looks up the task named by id in the process table and
// reports its status and U/S tick counts into outPtr, a pointer in
// the calling task's address space. An id with no live task is
// treated as out of range, returning -1 without touching outPtr.
func sysTaskInfo(d *Deps, cur *task.TCB, id, outPtr uint64) uint64 {
	target, ok := d.Table.Lookup(pid.Pid(id))
	if !ok {
		return errU64(errno.ENOENT)
	}

	userTicks, kernelTicks := target.Accounting().Snapshot()
	var buf [taskInfoBytes]byte
	buf[0] = byte(target.Status())
	putUint64LE(buf[4:12], userTicks)
	putUint64LE(buf[12:20], kernelTicks)

	if !writeUserBuffer(cur, outPtr, buf[:]) {
		return errU64(errno.EFAULT)
	}
	return 0
}

// statBytes is the fixed encoded size of the Stat struct sys_fstat
// writes: just a size field, this filesystem carrying no uid/mode/
// mtime metadata.
const statBytes = 8

func sysFstat(cur *task.TCB, fd int, outPtr uint64) uint64 {
	f, ok := cur.Files().Get(fd)
	if !ok {
		return errU64(errno.EBADF)
	}
	osInode, ok := f.(*file.OSInode)
	if !ok {
		return errU64(errno.EINVAL)
	}

	var buf [statBytes]byte
	putUint64LE(buf[:], uint64(osInode.Size()))
	if !writeUserBuffer(cur, outPtr, buf[:]) {
		return errU64(errno.EFAULT)
	}
	return 0
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// trapFP is the register index of x8/s0, the frame pointer (trap
// defines no alias for it), kept local for the same reason trapA0 is:
// pulling in the trap package for one register index isn't worth the
// dependency.
const trapFP = 8

// maxTraceDepth bounds sysTrace's stack walk against a corrupted or
// cyclic frame-pointer chain in user memory; a well-formed chain
// always terminates at fp=0 long before this.
const maxTraceDepth = 256

// sysTrace walks the caller's frame-pointer chain and logs each
// (ra, prev_fp) pair through klog.Debugf, so the pairs are printed
// only while klog.Debug is true and nothing is printed otherwise. Each
// RISC-V stack frame stores its return
// address at fp-8 and the caller's fp at fp-16; the chain ends when
// fp reads back as 0. When the caller
// wired a symbol resolver (Deps.Symbols), each return address is
// additionally resolved to a demangled function name.
func sysTrace(d *Deps, cur *task.TCB) uint64 {
	fp := cur.TrapContext().Regs[trapFP]
	for depth := 0; fp != 0 && depth < maxTraceDepth; depth++ {
		buf := translateUserBuffer(cur, fp-16, 16)
		if buf == nil {
			return errU64(errno.EFAULT)
		}
		prevFP := leUint64(buf[0:8])
		ra := leUint64(buf[8:16])
		if name := resolveFrameSymbol(d, ra); name != "" {
			klog.Debugf("trace[%d]: ra=%#x (%s) prev_fp=%#x", depth, ra, name, prevFP)
		} else {
			klog.Debugf("trace[%d]: ra=%#x prev_fp=%#x", depth, ra, prevFP)
		}
		fp = prevFP
	}
	return 0
}

// resolveFrameSymbol resolves pc to a demangled symbol name via
// Deps.Symbols and diag.DemangleFrame, or "" when no resolver is
// wired or pc has no known symbol.
func resolveFrameSymbol(d *Deps, pc uint64) string {
	if d.Symbols == nil {
		return ""
	}
	raw, ok := d.Symbols(pc)
	if !ok {
		return ""
	}
	return diag.DemangleFrame(raw)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// sysLs enumerates the root directory, logging each name through
// klog.Debugf; the names are printed only while klog.Debug is true.
func sysLs(d *Deps) uint64 {
	if d.FSRoot == nil {
		return errU64(errno.ENOENT)
	}
	for _, name := range d.FSRoot().Ls() {
		klog.Debugf("%s", name)
	}
	return 0
}

// ProfileSnapshot builds a pprof profile of every live task's
// accounting counters, letting an operator inspect scheduling
// fairness with standard pprof tooling instead of an ad hoc dump.
// Callers typically expose this behind a debug command rather than a
// syscall, since it walks the whole process table rather than one
// task's state.
func ProfileSnapshot(d *Deps, clockHz uint64) *profile.Profile {
	tasks := d.Table.Snapshot()
	samples := make([]diag.TaskSample, 0, len(tasks))
	for _, t := range tasks {
		samples = append(samples, diag.TaskSample{
			Pid:   t.Pid(),
			Name:  "task-" + strconv.Itoa(int(t.Pid())),
			Accnt: t.Accounting(),
		})
	}
	return diag.BuildProfile(samples, clockHz)
}

func sysMunmap(cur *task.TCB, start, length uint64) uint64 {
	if start%addr.PageSize != 0 {
		return errU64(errno.EINVAL)
	}
	end := start + length
	ms := cur.MemorySet()
	sVPN := addr.NewVirtAddr(start).Page()
	eVPN := addr.NewVirtAddr((end + addr.PageSize - 1) &^ (addr.PageSize - 1)).Page()
	if !ms.AllMapped(sVPN, eVPN) {
		return errU64(errno.EINVAL)
	}
	if !ms.RemoveArea(sVPN) {
		return errU64(errno.EINVAL)
	}
	return 0
}
