// Command mkfs builds an easy-fs disk image by walking a skeleton
// file tree and replicating it into a freshly created filesystem
// image. easy-fs's directory has only one level, so subdirectories
// in the skeleton are flattened
// with '_' joining path components instead of being replicated as
// real directories. The skeleton is read through an fs.FS so the same
// walk can be driven by a real host directory or by an in-memory
// fixture (see addFilesFromFS and its txtar-backed test).
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"sv39os/easyfs"
)

const (
	defaultTotalBlocks = 8192
	cacheCapacity      = 16
)

func main() {
	skelDir := flag.String("skel", "", "host directory tree to copy into the image")
	imagePath := flag.String("image", "fs.img", "output disk image path")
	totalBlocks := flag.Uint("blocks", defaultTotalBlocks, "total 512-byte blocks in the image")
	flag.Parse()

	if *skelDir == "" {
		fmt.Fprintln(os.Stderr, "mkfs: -skel is required")
		os.Exit(1)
	}

	f, err := os.Create(*imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: creating image: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if err := f.Truncate(int64(*totalBlocks) * easyfs.BlockSize); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: sizing image: %v\n", err)
		os.Exit(1)
	}

	dev, err := easyfs.NewHostBlockDevice(int(f.Fd()), int(*totalBlocks))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: mapping image: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	efs, root := easyfs.Create(dev, uint32(*totalBlocks), cacheCapacity)

	if err := addFiles(root, *skelDir); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}

	efs.SyncAll()
	if err := dev.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: syncing image: %v\n", err)
		os.Exit(1)
	}
}

// addFiles walks skelDir on the host and copies every regular file
// into root via addFilesFromFS.
func addFiles(root *easyfs.Inode, skelDir string) error {
	return addFilesFromFS(root, os.DirFS(skelDir))
}

// addFilesFromFS walks fsys and copies every regular file into root,
// flattening any subdirectory structure into the file name since
// easy-fs has only one directory level. Driving this off fs.FS rather
// than the host filesystem directly lets golden-image tests supply a
// txtar-parsed fixture in place of a real directory tree.
func addFilesFromFS(root *easyfs.Inode, fsys fs.FS) error {
	return fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("accessing %q: %w", path, err)
		}
		if d.IsDir() {
			return nil
		}

		flatName := strings.ReplaceAll(path, "/", "_")

		target, ok := root.Create(flatName)
		if !ok {
			return fmt.Errorf("creating %q: already exists", flatName)
		}
		return copyInto(fsys, path, target)
	})
}

func copyInto(fsys fs.FS, path string, target *easyfs.Inode) error {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return fmt.Errorf("reading %q: %w", path, err)
	}
	target.WriteAt(0, data)
	return nil
}
