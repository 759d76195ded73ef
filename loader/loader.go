// Package loader resolves an app name to its ELF bytes, supporting two
// modes: an embedded image built into the kernel binary at link time
// (a compiled-in byte table, here a Go map built by go:embed), and a
// filesystem-backed lookup through easyfs.
package loader

import "sv39os/easyfs"

// Embedded is the link-time image table mode: a fixed set of apps
// baked into the kernel image, used before a real filesystem
// exists.
type Embedded struct {
	apps map[string][]byte
}

// NewEmbedded wraps a name->ELF-bytes table, typically populated via
// go:embed in the kernel's main package (embedding the build output of
// an app link-time table is outside what this library package does
// itself).
func NewEmbedded(apps map[string][]byte) *Embedded {
	return &Embedded{apps: apps}
}

// Load looks up name in the embedded table.
func (e *Embedded) Load(name string) ([]byte, bool) {
	b, ok := e.apps[name]
	return b, ok
}

// Names lists every embedded app name, for a bare initial listing
// command.
func (e *Embedded) Names() []string {
	names := make([]string, 0, len(e.apps))
	for n := range e.apps {
		names = append(names, n)
	}
	return names
}

// FSBacked is the filesystem mode: apps are regular files under the
// easyfs root directory, read in full before exec/spawn uses them, a
// thin adapter over the root Inode's Find and ReadAt.
type FSBacked struct {
	root *easyfs.Inode
}

// NewFSBacked wraps an easyfs root directory inode.
func NewFSBacked(root *easyfs.Inode) *FSBacked {
	return &FSBacked{root: root}
}

// Load reads the named file from the filesystem root in full.
func (f *FSBacked) Load(name string) ([]byte, bool) {
	target, ok := f.root.Find(name)
	if !ok {
		return nil, false
	}
	size := target.Size()
	buf := make([]byte, size)
	n := target.ReadAt(0, buf)
	return buf[:n], true
}
