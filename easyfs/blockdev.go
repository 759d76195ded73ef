// Package easyfs is the standalone on-disk filesystem library:
// superblock, two bitmaps, indexed inodes, a pinning block cache, and
// a single-level directory.
package easyfs

import (
	"sync"

	"golang.org/x/sys/unix"
)

// BlockSize is the size in bytes of one on-disk block.
const BlockSize = 512

// BlockDevice is the abstract block I/O port: the virtio-blk driver
// and its MMIO glue are external collaborators; only this narrow
// contract is part of the kernel proper.
type BlockDevice interface {
	ReadBlock(id int, buf *[BlockSize]byte)
	WriteBlock(id int, buf *[BlockSize]byte)
}

// MemBlockDevice is an in-memory BlockDevice, useful for unit tests
// that don't want a host file backing the image.
type MemBlockDevice struct {
	mu     sync.Mutex
	blocks [][BlockSize]byte
}

// NewMemBlockDevice returns a zero-filled block device with nBlocks
// blocks.
func NewMemBlockDevice(nBlocks int) *MemBlockDevice {
	return &MemBlockDevice{blocks: make([][BlockSize]byte, nBlocks)}
}

func (d *MemBlockDevice) ReadBlock(id int, buf *[BlockSize]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	*buf = d.blocks[id]
}

func (d *MemBlockDevice) WriteBlock(id int, buf *[BlockSize]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocks[id] = *buf
}

// HostBlockDevice backs a BlockDevice with a memory-mapped host file,
// the reference implementation used by cmd/mkfs and integration tests
// in place of the real virtio-blk MMIO port. The image is mapped once
// with unix.Mmap, giving block access the same zero-copy shape a real
// MMIO-backed disk port would have.
type HostBlockDevice struct {
	mu   sync.Mutex
	data []byte
}

// NewHostBlockDevice maps the given file descriptor's first
// sizeBlocks*BlockSize bytes for read/write access. The caller owns
// the fd's lifetime; Close unmaps but does not close the fd.
func NewHostBlockDevice(fd int, sizeBlocks int) (*HostBlockDevice, error) {
	n := sizeBlocks * BlockSize
	data, err := unix.Mmap(fd, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &HostBlockDevice{data: data}, nil
}

func (d *HostBlockDevice) ReadBlock(id int, buf *[BlockSize]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(buf[:], d.data[id*BlockSize:(id+1)*BlockSize])
}

func (d *HostBlockDevice) WriteBlock(id int, buf *[BlockSize]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.data[id*BlockSize:(id+1)*BlockSize], buf[:])
}

// Sync flushes the mapped region back to the backing file.
func (d *HostBlockDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return unix.Msync(d.data, unix.MS_SYNC)
}

// Close unmaps the backing region.
func (d *HostBlockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return unix.Munmap(d.data)
}
