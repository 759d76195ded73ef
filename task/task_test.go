package task

import (
	"encoding/binary"
	"testing"

	"sv39os/addr"
	"sv39os/errno"
	"sv39os/frame"
	"sv39os/memset"
	"sv39os/pid"
)

// buildMinimalELF hand-assembles the smallest ELF64 executable
// debug/elf.NewFile will accept: one PT_LOAD segment covering code at
// vaddr, entry point equal to vaddr, no section headers.
func buildMinimalELF(vaddr uint64, code []byte) []byte {
	const ehdrSize = 64
	const phdrSize = 56
	dataOff := uint64(ehdrSize + phdrSize)

	buf := make([]byte, dataOff+uint64(len(code)))

	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little endian
	buf[6] = 1 // EI_VERSION

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)      // e_type = ET_EXEC
	le.PutUint16(buf[18:], 243)    // e_machine = EM_RISCV
	le.PutUint32(buf[20:], 1)      // e_version
	le.PutUint64(buf[24:], vaddr)  // e_entry
	le.PutUint64(buf[32:], ehdrSize) // e_phoff
	le.PutUint64(buf[40:], 0)      // e_shoff
	le.PutUint32(buf[48:], 0)      // e_flags
	le.PutUint16(buf[52:], ehdrSize)
	le.PutUint16(buf[54:], phdrSize)
	le.PutUint16(buf[56:], 1) // e_phnum
	le.PutUint16(buf[58:], 0)
	le.PutUint16(buf[60:], 0)
	le.PutUint16(buf[62:], 0)

	ph := buf[ehdrSize:]
	le.PutUint32(ph[0:], 1)            // p_type = PT_LOAD
	le.PutUint32(ph[4:], 5)            // p_flags = R|X
	le.PutUint64(ph[8:], dataOff)      // p_offset
	le.PutUint64(ph[16:], vaddr)       // p_vaddr
	le.PutUint64(ph[24:], vaddr)       // p_paddr
	le.PutUint64(ph[32:], uint64(len(code))) // p_filesz
	le.PutUint64(ph[40:], uint64(len(code))) // p_memsz
	le.PutUint64(ph[48:], 0x1000)      // p_align

	copy(buf[dataOff:], code)
	return buf
}

func newTestBuilder() *Builder {
	alloc := frame.New(addr.NewPhysAddr(0), addr.NewPhysAddr(256*addr.PageSize))
	kernel := memset.NewBare(alloc)
	return &Builder{
		Alloc:        alloc,
		Kernel:       kernel,
		TrampolinePA: addr.NewPhysAddr(0x1000),
		Pids:         pid.NewAllocator(),
		Table:        NewTable(),
	}
}

func newTestELF() []byte {
	return buildMinimalELF(0x10000, []byte{0x13, 0, 0, 0})
}

func TestNewInitialBuildsReadyTask(t *testing.T) {
	b := newTestBuilder()
	tcb := b.NewInitial(newTestELF())
	if tcb.Status() != Ready {
		t.Fatalf("expected a freshly built task to be Ready")
	}
	if tcb.Pid() == 0 {
		t.Fatalf("expected a nonzero pid")
	}
	if _, ok := b.Table.Lookup(tcb.Pid()); !ok {
		t.Fatalf("expected NewInitial to register the task in the process table")
	}
	if tcb.SwitchContext().Sp != tcb.KernelStackTop() {
		t.Fatalf("expected the initial switch context to start on the task's kernel stack")
	}
}

func TestForkRegistersChildAndSharesNoFrames(t *testing.T) {
	b := newTestBuilder()
	parent := b.NewInitial(newTestELF())

	child := b.Fork(parent)
	if child.Pid() == parent.Pid() {
		t.Fatalf("expected fork to allocate a distinct pid")
	}

	children := parent.Children()
	if len(children) != 1 || children[0].Pid() != child.Pid() {
		t.Fatalf("expected parent to list the forked child")
	}
	if child.TrapContext().KernelSP != child.KernelStackTop() {
		t.Fatalf("expected the child's trap context to point at its own kernel stack")
	}
	codeVPN := addr.NewVirtAddr(0x10000).Page()
	ppte, pok := parent.MemorySet().PageTable().Translate(codeVPN)
	cpte, cok := child.MemorySet().PageTable().Translate(codeVPN)
	if !pok || !cok || ppte.PPN() == cpte.PPN() {
		t.Fatalf("expected parent and child to map the code page to distinct frames")
	}
}

func TestExitReparentsChildrenToInit(t *testing.T) {
	b := newTestBuilder()
	initTask := b.NewInitial(newTestELF())
	parent := b.Fork(initTask)
	grandchild := b.Fork(parent)

	parent.Exit(0, initTask)

	found := false
	for _, c := range initTask.Children() {
		if c.Pid() == grandchild.Pid() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected grandchild to be reparented onto init after its parent exited")
	}
	if p, ok := grandchild.Parent(b.Table); !ok || p.Pid() != initTask.Pid() {
		t.Fatalf("expected grandchild's parent back-reference to resolve to init")
	}
}

func TestParentBackReference(t *testing.T) {
	b := newTestBuilder()
	parent := b.NewInitial(newTestELF())
	child := b.Fork(parent)

	if _, ok := parent.Parent(b.Table); ok {
		t.Fatalf("expected the initial task to have no parent")
	}
	if p, ok := child.Parent(b.Table); !ok || p.Pid() != parent.Pid() {
		t.Fatalf("expected child's parent back-reference to resolve to its forker")
	}
}

func TestWaitpidAgainThenZombie(t *testing.T) {
	b := newTestBuilder()
	parent := b.NewInitial(newTestELF())
	child := b.Fork(parent)

	if _, _, e := parent.Waitpid(b.Table, child.Pid()); e != errno.EAGAIN {
		t.Fatalf("expected EAGAIN before the child exits, got %v", e)
	}

	child.Exit(7, nil)

	gotPid, gotCode, e := parent.Waitpid(b.Table, child.Pid())
	if e != errno.OK {
		t.Fatalf("expected OK after the child exits, got %v", e)
	}
	if gotPid != child.Pid() || gotCode != 7 {
		t.Fatalf("got pid=%v code=%d, want pid=%v code=7", gotPid, gotCode, child.Pid())
	}
	if _, ok := b.Table.Lookup(child.Pid()); ok {
		t.Fatalf("expected a reaped child to be removed from the process table")
	}
}

func TestWaitpidUnknownPidReturnsENOCHILD(t *testing.T) {
	b := newTestBuilder()
	parent := b.NewInitial(newTestELF())
	if _, _, e := parent.Waitpid(b.Table, 999); e != errno.ENOCHILD {
		t.Fatalf("expected ENOCHILD for an unrelated pid, got %v", e)
	}
}

func TestAdoptChildForSpawn(t *testing.T) {
	b := newTestBuilder()
	parent := b.NewInitial(newTestELF())
	spawned := b.NewInitial(newTestELF())

	parent.AdoptChild(spawned)

	children := parent.Children()
	if len(children) != 1 || children[0].Pid() != spawned.Pid() {
		t.Fatalf("expected AdoptChild to register spawned as a child")
	}
}
