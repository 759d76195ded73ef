package main

import (
	"testing"

	"golang.org/x/tools/txtar"

	"sv39os/easyfs"
)

// skeletonFixture is a golden skeleton tree: a root-level file and a
// nested one, so the flatten-with-'_' behavior gets exercised the
// same way a real multi-directory app skeleton would.
const skeletonFixture = `
-- filea.txt --
hello from filea
-- apps/hello.txt --
hello from a nested app
`

func TestAddFilesFromTxtarFixture(t *testing.T) {
	archive := txtar.Parse([]byte(skeletonFixture))
	fsys, err := txtar.FS(archive)
	if err != nil {
		t.Fatalf("txtar.FS: %v", err)
	}

	dev := easyfs.NewMemBlockDevice(2048)
	_, root := easyfs.Create(dev, 2048, 16)

	if err := addFilesFromFS(root, fsys); err != nil {
		t.Fatalf("addFilesFromFS: %v", err)
	}

	top, ok := root.Find("filea.txt")
	if !ok {
		t.Fatalf("expected filea.txt to be created at the root")
	}
	buf := make([]byte, top.Size())
	if n := top.ReadAt(0, buf); string(buf[:n]) != "hello from filea\n" {
		t.Fatalf("got %q, want %q", buf[:n], "hello from filea\n")
	}

	nested, ok := root.Find("apps_hello.txt")
	if !ok {
		t.Fatalf("expected apps/hello.txt to flatten to apps_hello.txt")
	}
	buf = make([]byte, nested.Size())
	if n := nested.ReadAt(0, buf); string(buf[:n]) != "hello from a nested app\n" {
		t.Fatalf("got %q, want %q", buf[:n], "hello from a nested app\n")
	}

	names := root.Ls()
	if len(names) != 2 {
		t.Fatalf("expected exactly 2 root entries, got %v", names)
	}
}
