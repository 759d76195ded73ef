package easyfs

import "sv39os/errno"

// Inode is a handle onto one on-disk inode. It records the inode's
// block location, not its contents; every operation re-reads the
// DiskInode through the block cache. Linkat/Unlink implement
// nlink-counted hard links (see the nlink bookkeeping on
// FileSystem).
type Inode struct {
	fs      *FileSystem
	inodeID int
}

// readDiskInode and modifyDiskInode pin the inode's block for the
// closure's duration: fn routinely re-enters the cache (walking data
// and indirect blocks, allocating from the bitmaps), and the pin keeps
// this entry from being chosen as an eviction victim mid-operation.
func (n *Inode) readDiskInode(fn func(d *DiskInode)) {
	pos := n.fs.diskInodePos(n.inodeID)
	bc := n.fs.mgr.Get(pos.blockID)
	bc.Pin()
	defer bc.Unpin()
	bc.Read(pos.offset, func(data []byte) {
		d := decodeDiskInode(data)
		fn(&d)
	})
}

func (n *Inode) modifyDiskInode(fn func(d *DiskInode)) {
	pos := n.fs.diskInodePos(n.inodeID)
	bc := n.fs.mgr.Get(pos.blockID)
	bc.Pin()
	defer bc.Unpin()
	bc.Modify(pos.offset, func(data []byte) {
		d := decodeDiskInode(data)
		fn(&d)
		d.encode(data[:diskInodeBytes])
	})
}

// IsDir reports whether this inode names a directory.
func (n *Inode) IsDir() bool {
	isDir := false
	n.readDiskInode(func(d *DiskInode) { isDir = d.IsDir() })
	return isDir
}

// Size reports the inode's current byte size.
func (n *Inode) Size() uint32 {
	var size uint32
	n.readDiskInode(func(d *DiskInode) { size = d.Size })
	return size
}

func (n *Inode) findInodeIDLocked(name string) (int, bool) {
	var found int = -1
	n.readDiskInode(func(d *DiskInode) {
		count := int(d.Size) / DirEntrySize
		var raw [DirEntrySize]byte
		for i := 0; i < count; i++ {
			d.ReadAt(i*DirEntrySize, raw[:], n.fs.mgr)
			e := decodeDirEntry(raw)
			if e.Name == name {
				found = int(e.Inode)
				return
			}
		}
	})
	if found < 0 {
		return 0, false
	}
	return found, true
}

// Find looks up name within this directory, returning a handle on the
// target inode if found.
func (n *Inode) Find(name string) (*Inode, bool) {
	n.fs.opMu.Lock()
	defer n.fs.opMu.Unlock()
	id, ok := n.findInodeIDLocked(name)
	if !ok {
		return nil, false
	}
	return &Inode{fs: n.fs, inodeID: id}, true
}

// Ls lists the entry names in this directory.
func (n *Inode) Ls() []string {
	n.fs.opMu.Lock()
	defer n.fs.opMu.Unlock()
	var names []string
	n.readDiskInode(func(d *DiskInode) {
		count := int(d.Size) / DirEntrySize
		var raw [DirEntrySize]byte
		for i := 0; i < count; i++ {
			d.ReadAt(i*DirEntrySize, raw[:], n.fs.mgr)
			names = append(names, decodeDirEntry(raw).Name)
		}
	})
	return names
}

// increaseTo grows d (a directory or file inode already loaded) to
// newSize, allocating as many fresh data blocks as needed first.
func (n *Inode) increaseTo(d *DiskInode, newSize uint32) {
	if newSize <= d.Size {
		return
	}
	needed := d.BlocksNumNeeded(newSize)
	blocks := make([]uint32, needed)
	for i := range blocks {
		blocks[i] = n.fs.allocData()
	}
	d.setOldSize(d.Size)
	d.IncreaseSize(newSize, blocks, n.fs.mgr)
}

func (n *Inode) appendDirEntry(e DirEntry) {
	n.modifyDiskInode(func(d *DiskInode) {
		offset := d.Size
		n.increaseTo(d, offset+DirEntrySize)
		raw := encodeDirEntry(e)
		d.WriteAt(int(offset), raw[:], n.fs.mgr)
	})
}

// Create makes a new empty file named name in this directory and
// returns a handle on it. Returns false if name already exists.
func (n *Inode) Create(name string) (*Inode, bool) {
	n.fs.opMu.Lock()
	defer n.fs.opMu.Unlock()

	if _, exists := n.findInodeIDLocked(name); exists {
		return nil, false
	}

	newID := n.fs.allocInode()
	pos := n.fs.diskInodePos(newID)
	n.fs.mgr.Get(pos.blockID).Modify(pos.offset, func(data []byte) {
		d := DiskInode{Type: InodeFile}
		d.encode(data[:diskInodeBytes])
	})
	n.fs.nlink[newID] = 1

	n.appendDirEntry(DirEntry{Name: name, Inode: uint32(newID)})
	n.fs.SyncAll()

	return &Inode{fs: n.fs, inodeID: newID}, true
}

// Linkat adds a new directory entry named newName aliasing the same
// inode that oldName currently resolves to within this directory,
// incrementing its link count so the data survives as long as any
// name still points at it. Fails with EEXIST if newName is already
// taken or ENOENT if oldName doesn't resolve.
func (n *Inode) Linkat(oldName, newName string) errno.Errno {
	n.fs.opMu.Lock()
	defer n.fs.opMu.Unlock()

	targetID, ok := n.findInodeIDLocked(oldName)
	if !ok {
		return errno.ENOENT
	}
	if _, exists := n.findInodeIDLocked(newName); exists {
		return errno.EEXIST
	}

	n.appendDirEntry(DirEntry{Name: newName, Inode: uint32(targetID)})
	n.fs.nlink[targetID]++
	n.fs.SyncAll()
	return errno.OK
}

// Unlink removes name's directory entry from this directory and
// decrements the target inode's link count, freeing its data blocks
// and inode slot once the count reaches zero. Both the directory
// mutation and the possible free happen under fs.opMu, so no other
// lookup can ever observe a dangling inode reference mid-unlink.
func (n *Inode) Unlink(name string) errno.Errno {
	n.fs.opMu.Lock()
	defer n.fs.opMu.Unlock()

	targetID, ok := n.findInodeIDLocked(name)
	if !ok {
		return errno.ENOENT
	}

	n.removeDirEntryLocked(name)

	n.fs.nlink[targetID]--
	if n.fs.nlink[targetID] <= 0 {
		delete(n.fs.nlink, targetID)
		victim := &Inode{fs: n.fs, inodeID: targetID}
		victim.clearLocked()
		n.fs.deallocInode(targetID)
	}
	n.fs.SyncAll()
	return errno.OK
}

// removeDirEntryLocked rewrites this directory's entry list omitting
// name, shrinking its size by one DirEntrySize. Must be called with
// fs.opMu held. The last entry is moved into the removed slot and the
// directory is truncated by one entry, rather than leaving a hole.
func (n *Inode) removeDirEntryLocked(name string) {
	n.modifyDiskInode(func(d *DiskInode) {
		count := int(d.Size) / DirEntrySize
		var raw [DirEntrySize]byte
		victim := -1
		for i := 0; i < count; i++ {
			d.ReadAt(i*DirEntrySize, raw[:], n.fs.mgr)
			if decodeDirEntry(raw).Name == name {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		if victim != count-1 {
			var last [DirEntrySize]byte
			d.ReadAt((count-1)*DirEntrySize, last[:], n.fs.mgr)
			d.WriteAt(victim*DirEntrySize, last[:], n.fs.mgr)
		}
		d.Size -= DirEntrySize
	})
}

func (n *Inode) clearLocked() {
	n.modifyDiskInode(func(d *DiskInode) {
		freed := d.ClearSize(n.fs.mgr)
		for _, blk := range freed {
			n.fs.deallocData(blk)
		}
	})
}

// Clear truncates this inode's data to zero length, freeing every
// block it held.
func (n *Inode) Clear() {
	n.fs.opMu.Lock()
	defer n.fs.opMu.Unlock()
	n.clearLocked()
	n.fs.SyncAll()
}

// ReadAt copies into buf starting at offset, returning the number of
// bytes read.
func (n *Inode) ReadAt(offset int, buf []byte) int {
	n.fs.opMu.Lock()
	defer n.fs.opMu.Unlock()
	var read int
	n.readDiskInode(func(d *DiskInode) {
		read = d.ReadAt(offset, buf, n.fs.mgr)
	})
	return read
}

// WriteAt writes data at offset, growing the file if necessary, and
// returns the number of bytes written.
func (n *Inode) WriteAt(offset int, data []byte) int {
	n.fs.opMu.Lock()
	defer n.fs.opMu.Unlock()
	var written int
	n.modifyDiskInode(func(d *DiskInode) {
		end := uint32(offset + len(data))
		n.increaseTo(d, end)
		written = d.WriteAt(offset, data, n.fs.mgr)
	})
	n.fs.SyncAll()
	return written
}
