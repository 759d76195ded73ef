package easyfs

import (
	"bytes"
	"testing"

	"sv39os/errno"
)

func newTestFS(t *testing.T, blocks uint32) (*FileSystem, *Inode) {
	t.Helper()
	dev := NewMemBlockDevice(int(blocks))
	fs, root := Create(dev, blocks, 16)
	return fs, root
}

func TestCreateFindLs(t *testing.T) {
	_, root := newTestFS(t, 2048)

	if _, ok := root.Find("hello"); ok {
		t.Fatalf("expected hello not to exist yet")
	}
	f, ok := root.Create("hello")
	if !ok || f == nil {
		t.Fatalf("expected Create to succeed")
	}
	if _, ok := root.Create("hello"); ok {
		t.Fatalf("expected duplicate Create to fail")
	}

	names := root.Ls()
	if len(names) != 1 || names[0] != "hello" {
		t.Fatalf("got names %v, want [hello]", names)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	_, root := newTestFS(t, 2048)
	f, _ := root.Create("data.bin")

	payload := bytes.Repeat([]byte("0123456789abcdef"), 1000) // 32 blocks, crosses into indirect1
	n := f.WriteAt(0, payload)
	if n != len(payload) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}

	buf := make([]byte, len(payload))
	got := f.ReadAt(0, buf)
	if got != len(payload) {
		t.Fatalf("read %d bytes, want %d", got, len(payload))
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("round-tripped data does not match")
	}
}

func TestWriteAtOffsetGrowsFile(t *testing.T) {
	_, root := newTestFS(t, 2048)
	f, _ := root.Create("sparse")
	f.WriteAt(100, []byte("tail"))
	if f.Size() != 104 {
		t.Fatalf("got size %d, want 104", f.Size())
	}
}

func TestClearFreesBlocks(t *testing.T) {
	_, root := newTestFS(t, 2048)
	f, _ := root.Create("big")
	f.WriteAt(0, bytes.Repeat([]byte{1}, 8*BlockSize))
	f.Clear()
	if f.Size() != 0 {
		t.Fatalf("expected size 0 after Clear, got %d", f.Size())
	}
}

func TestLinkatAndUnlinkShareData(t *testing.T) {
	_, root := newTestFS(t, 2048)
	f, _ := root.Create("orig")
	f.WriteAt(0, []byte("shared"))

	if e := root.Linkat("orig", "alias"); e != 0 {
		t.Fatalf("linkat failed: %v", e)
	}

	alias, ok := root.Find("alias")
	if !ok {
		t.Fatalf("expected alias to resolve")
	}
	buf := make([]byte, 6)
	alias.ReadAt(0, buf)
	if string(buf) != "shared" {
		t.Fatalf("got %q, want shared", buf)
	}

	// unlinking the original name must not affect the alias's data,
	// since the inode is still referenced by it.
	if e := root.Unlink("orig"); e != 0 {
		t.Fatalf("unlink failed: %v", e)
	}
	if _, ok := root.Find("orig"); ok {
		t.Fatalf("expected orig to be gone after unlink")
	}
	alias2, ok := root.Find("alias")
	if !ok {
		t.Fatalf("expected alias to still resolve after orig is unlinked")
	}
	buf2 := make([]byte, 6)
	alias2.ReadAt(0, buf2)
	if string(buf2) != "shared" {
		t.Fatalf("alias lost its data after sibling unlink: %q", buf2)
	}
}

func TestUnlinkUnknownNameReturnsENOENT(t *testing.T) {
	_, root := newTestFS(t, 2048)
	if e := root.Unlink("nope"); e != errno.ENOENT {
		t.Fatalf("expected unlink of unknown name to fail with ENOENT, got %v", e)
	}
}

func TestOpenAfterRemount(t *testing.T) {
	dev := NewMemBlockDevice(2048)
	fs, root := Create(dev, 2048, 16)
	f, _ := root.Create("persisted")
	f.WriteAt(0, []byte("hi"))
	fs.SyncAll()

	_, reopenedRoot := Open(dev, 16)
	found, ok := reopenedRoot.Find("persisted")
	if !ok {
		t.Fatalf("expected persisted file to survive remount")
	}
	buf := make([]byte, 2)
	found.ReadAt(0, buf)
	if string(buf) != "hi" {
		t.Fatalf("got %q, want hi", buf)
	}
}
