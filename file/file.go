// Package file implements the per-process file-descriptor layer: the
// File interface, the stdio handles, and a File-flavored wrapper
// around an easyfs.Inode.
package file

import (
	"sync"

	"sv39os/easyfs"
	"sv39os/errno"
)

// File is the common interface every kind of open descriptor
// implements.
type File interface {
	Readable() bool
	Writable() bool
	Read(buf []byte) int
	Write(buf []byte) int
}

// Stdin is the console input stream. Read is expected to be driven
// one byte at a time by a console front end this package does not
// implement (console I/O is outside this kernel's portable scope);
// PushByte lets that front end push bytes in.
type Stdin struct {
	mu  sync.Mutex
	buf []byte
}

func (s *Stdin) Readable() bool  { return true }
func (s *Stdin) Writable() bool  { return false }

// PushByte is called by the console driver when a byte arrives.
func (s *Stdin) PushByte(b byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, b)
}

// Read returns at most one byte at a time from fd 0. It does not
// block: if no byte is buffered yet, Read returns 0 at once, and
// sys_read passes that 0 back to user space -- this kernel has no
// blocking wait queues or retry loop for console input.
func (s *Stdin) Read(buf []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 || len(buf) == 0 {
		return 0
	}
	buf[0] = s.buf[0]
	s.buf = s.buf[1:]
	return 1
}

func (s *Stdin) Write(buf []byte) int { return 0 }

// Stdout writes to the kernel console. Sink is injected so this
// package has no direct dependency on the console/SBI glue, which is
// outside this kernel's scope.
type Stdout struct {
	Sink func(p []byte)
}

func (s *Stdout) Readable() bool { return false }
func (s *Stdout) Writable() bool { return true }
func (s *Stdout) Read(buf []byte) int { return 0 }
func (s *Stdout) Write(buf []byte) int {
	if s.Sink != nil {
		s.Sink(buf)
	}
	return len(buf)
}

// OpenFlags mirrors the open(2)-style flags the open syscall accepts.
type OpenFlags uint32

const (
	RDONLY OpenFlags = 0
	WRONLY OpenFlags = 1 << 0
	RDWR   OpenFlags = 1 << 1
	CREATE OpenFlags = 1 << 9
	TRUNC  OpenFlags = 1 << 10
)

func (f OpenFlags) readWrite() (readable, writable bool) {
	switch f & (WRONLY | RDWR) {
	case 0:
		return true, false
	case WRONLY:
		return false, true
	default:
		return true, true
	}
}

// OSInode wraps an easyfs.Inode with an open-file offset and the
// permission bits derived from the flags it was opened with.
type OSInode struct {
	mu       sync.Mutex
	readable bool
	writable bool
	offset   int
	inode    *easyfs.Inode
}

// OpenFile opens name within dir according to flags, creating it if
// flags includes CREATE and it doesn't already exist, and truncating
// it if flags includes TRUNC.
func OpenFile(dir *easyfs.Inode, name string, flags OpenFlags) (*OSInode, errno.Errno) {
	readable, writable := flags.readWrite()

	target, ok := dir.Find(name)
	if !ok {
		if flags&CREATE == 0 {
			return nil, errno.ENOENT
		}
		target, ok = dir.Create(name)
		if !ok {
			return nil, errno.EEXIST
		}
	}

	if flags&TRUNC != 0 {
		target.Clear()
	}

	return &OSInode{readable: readable, writable: writable, inode: target}, errno.OK
}

func (f *OSInode) Readable() bool { return f.readable }
func (f *OSInode) Writable() bool { return f.writable }

// Size reports the underlying inode's current byte size, for fstat.
func (f *OSInode) Size() uint32 { return f.inode.Size() }

func (f *OSInode) Read(buf []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.inode.ReadAt(f.offset, buf)
	f.offset += n
	return n
}

func (f *OSInode) Write(buf []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.inode.WriteAt(f.offset, buf)
	f.offset += n
	return n
}

// Table is a process's file-descriptor table: a sparse array of
// slots. Close merely clears a slot rather than compacting the table,
// so existing fd numbers remain stable.
type Table struct {
	mu    sync.Mutex
	slots []File
}

// NewStdTable returns a table with fd 0 = stdin, fd 1 = stdout, and
// fd 2 = the same stdout already populated, matching the
// Stdin/Stdout/Stdout convention every spawned task inherits.
func NewStdTable(stdin *Stdin, stdout *Stdout) *Table {
	return &Table{slots: []File{stdin, stdout, stdout}}
}

// Alloc installs f in the first free slot (or appends one) and
// returns its fd.
func (t *Table) Alloc(f File) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = f
			return i
		}
	}
	t.slots = append(t.slots, f)
	return len(t.slots) - 1
}

// Get returns the File at fd, or false if fd is out of range or
// closed.
func (t *Table) Get(fd int) (File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, false
	}
	return t.slots[fd], true
}

// Close clears fd's slot. Returns false if fd was already closed or
// out of range.
func (t *Table) Close(fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return false
	}
	t.slots[fd] = nil
	return true
}

// Clone duplicates the table's slot layout (same File values, shared
// underlying state), for fork.
func (t *Table) Clone() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]File, len(t.slots))
	copy(cp, t.slots)
	return &Table{slots: cp}
}
