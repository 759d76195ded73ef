package easyfs

import (
	"sync"

	"sv39os/internal/klog"
)

// inodesPerBlock is how many DiskInode structs pack into one block.
const inodesPerBlock = BlockSize / diskInodeBytes

// FileSystem is the mounted easy-fs instance: the superblock plus the
// two bitmaps and the cache manager that backs every block access.
type FileSystem struct {
	mu sync.Mutex

	mgr *CacheManager

	sb SuperBlock

	inodeBitmap *bitmap
	dataBitmap  *bitmap

	inodeAreaStart int
	dataAreaStart  int

	// opMu serializes every vfs-level operation (find, create, ls,
	// clear, linkat, unlink): these operations touch multiple
	// blocks (a directory's data plus the target inode, sometimes a
	// third sibling inode) and must appear atomic to other inodes
	// sharing the same mount. Using one lock for both allocation
	// (mu) and these multi-block operations would deadlock on
	// reentrant alloc calls from within an operation already holding
	// opMu, so the two are kept distinct.
	opMu sync.Mutex

	// nlink counts directory entries referencing each inode ID. A
	// freshly created file starts at 1; linkat increments it,
	// unlink decrements it and only returns the inode's blocks to
	// the free pool (via deallocInode/deallocData) once it reaches
	// zero. Both the decrement and the potential free happen while
	// opMu is held for the whole unlink call, so no other goroutine
	// can ever observe a directory entry that aliases an
	// already-freed inode mid-operation -- the hazard a naive
	// "drop the directory lock, then drop the inode lock" ordering
	// would create.
	nlink map[int]int
}

// layout computes the five region sizes for a filesystem of
// totalBlocks blocks: the inode bitmap gets one bit per imapRatio
// blocks, rounded up to whole bitmap blocks, and the inode area holds
// one inode per bit of those whole blocks (1024 inode-area blocks per
// bitmap block); whatever blocks remain go to the data region and its
// bitmap.
func layout(totalBlocks uint32) SuperBlock {
	inodeBitmapBlocks := (totalBlocks/imapRatio + bitsPerBlock - 1) / bitsPerBlock
	if inodeBitmapBlocks == 0 {
		inodeBitmapBlocks = 1
	}
	inodeAreaBlocks := inodeBitmapBlocks * bitsPerBlock / inodesPerBlock
	if inodeAreaBlocks == 0 {
		inodeAreaBlocks = 1
	}

	usedSoFar := 1 + inodeBitmapBlocks + inodeAreaBlocks
	remaining := uint32(0)
	if totalBlocks > usedSoFar {
		remaining = totalBlocks - usedSoFar
	}
	dataBitmapBlocks := (remaining + bitsPerBlock) / (bitsPerBlock + 1)
	if dataBitmapBlocks == 0 && remaining > 0 {
		dataBitmapBlocks = 1
	}
	dataAreaBlocks := uint32(0)
	if remaining > dataBitmapBlocks {
		dataAreaBlocks = remaining - dataBitmapBlocks
	}

	return SuperBlock{
		Magic:             efsMagic,
		TotalBlocks:       totalBlocks,
		InodeBitmapBlocks: inodeBitmapBlocks,
		InodeAreaBlocks:   inodeAreaBlocks,
		DataBitmapBlocks:  dataBitmapBlocks,
		DataAreaBlocks:    dataAreaBlocks,
	}
}

// imapRatio reserves roughly one inode bitmap bit per imapRatio data
// blocks, the same rule of thumb easy-fs's mkfs uses (one inode per a
// few dozen blocks of expected file size).
const imapRatio = 32

// Create formats a fresh filesystem onto dev spanning totalBlocks
// blocks, writes the superblock and a root directory inode, and
// returns the mounted FileSystem plus its root Inode handle.
func Create(dev BlockDevice, totalBlocks uint32, cacheCapacity int) (*FileSystem, *Inode) {
	mgr := NewCacheManager(dev, cacheCapacity)
	sb := layout(totalBlocks)

	fs := &FileSystem{
		mgr:            mgr,
		sb:             sb,
		inodeBitmap:    newBitmap(1, int(sb.InodeBitmapBlocks)),
		dataBitmap:     newBitmap(1+int(sb.InodeBitmapBlocks)+int(sb.InodeAreaBlocks), int(sb.DataBitmapBlocks)),
		inodeAreaStart: 1 + int(sb.InodeBitmapBlocks),
		nlink:          make(map[int]int),
	}
	fs.dataAreaStart = fs.inodeAreaStart + int(sb.InodeAreaBlocks) + int(sb.DataBitmapBlocks)

	for i := 0; i < int(totalBlocks); i++ {
		mgr.Get(i).Modify(0, func(data []byte) {
			for j := range data {
				data[j] = 0
			}
		})
	}

	mgr.Get(0).Modify(0, func(data []byte) {
		sb.encode(data)
	})

	rootInode := fs.allocInode()
	pos := fs.diskInodePos(rootInode)
	mgr.Get(pos.blockID).Modify(pos.offset, func(data []byte) {
		d := DiskInode{Type: InodeDir}
		d.encode(data[:diskInodeBytes])
	})
	fs.nlink[rootInode] = 1

	mgr.SyncAll()

	return fs, &Inode{fs: fs, inodeID: rootInode}
}

// Open mounts an existing filesystem image from dev, reading and
// validating the superblock, and returns the root Inode. A magic
// mismatch means the device holds no filesystem this kernel could
// ever use; that is a halt, not a condition to surface.
func Open(dev BlockDevice, cacheCapacity int) (*FileSystem, *Inode) {
	mgr := NewCacheManager(dev, cacheCapacity)
	var sb SuperBlock
	mgr.Get(0).Read(0, func(data []byte) {
		sb = decodeSuperBlock(data)
	})
	if !sb.Valid() {
		klog.Fatalf("easyfs: superblock magic mismatch (got %#x)", sb.Magic)
	}

	fs := &FileSystem{
		mgr:            mgr,
		sb:             sb,
		inodeBitmap:    newBitmap(1, int(sb.InodeBitmapBlocks)),
		dataBitmap:     newBitmap(1+int(sb.InodeBitmapBlocks)+int(sb.InodeAreaBlocks), int(sb.DataBitmapBlocks)),
		inodeAreaStart: 1 + int(sb.InodeBitmapBlocks),
		nlink:          make(map[int]int),
	}
	fs.dataAreaStart = fs.inodeAreaStart + int(sb.InodeAreaBlocks) + int(sb.DataBitmapBlocks)
	fs.nlink[0] = 1

	return fs, &Inode{fs: fs, inodeID: 0}
}

type diskInodePos struct {
	blockID int
	offset  int
}

// diskInodePos locates inodeID's DiskInode within the inode area.
func (fs *FileSystem) diskInodePos(inodeID int) diskInodePos {
	blk := fs.inodeAreaStart + inodeID/inodesPerBlock
	off := (inodeID % inodesPerBlock) * diskInodeBytes
	return diskInodePos{blockID: blk, offset: off}
}

// allocInode allocates a fresh inode ID. Inode bitmap exhaustion is
// unrecoverable at every call site (file creation has no partial
// fallback), so it panics rather than surfacing an error.
func (fs *FileSystem) allocInode() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id := fs.inodeBitmap.alloc(fs.mgr)
	if id < 0 {
		panic("easyfs: inode bitmap exhausted")
	}
	return id
}

func (fs *FileSystem) deallocInode(inodeID int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.inodeBitmap.dealloc(fs.mgr, inodeID)
}

// allocData allocates one data block and returns its absolute block
// id (offset by the data area's start).
func (fs *FileSystem) allocData() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	bit := fs.dataBitmap.alloc(fs.mgr)
	if bit < 0 {
		panic("easyfs: data block bitmap exhausted")
	}
	return uint32(fs.dataAreaStart + bit)
}

// deallocData returns an absolute data block id to the free pool,
// zeroing its bytes first so a reused block never leaks a previous
// file's bytes.
func (fs *FileSystem) deallocData(blockID uint32) {
	fs.mgr.Get(int(blockID)).Modify(0, func(data []byte) {
		for i := range data {
			data[i] = 0
		}
	})
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dataBitmap.dealloc(fs.mgr, int(blockID)-fs.dataAreaStart)
}

// SyncAll flushes every dirty cached block to the device.
func (fs *FileSystem) SyncAll() { fs.mgr.SyncAll() }
