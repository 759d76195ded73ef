package easyfs

import "encoding/binary"

// DiskInode is the on-disk inode layout: a size field plus a
// direct/indirect1/indirect2 block index, traversed with
// block-granular index arithmetic throughout.
const (
	directCount = 28
	indirectEntries = BlockSize / 4 // 128 u32 entries per indirect block

	indirect1Bound = directCount + indirectEntries                  // 156
	indirect2Bound = indirect1Bound + indirectEntries*indirectEntries // 16540
)

// InodeType distinguishes a plain file from a directory, stored
// alongside the block index.
type InodeType uint32

const (
	InodeFile InodeType = 0
	InodeDir  InodeType = 1
)

// diskInodeBytes is the fixed on-disk size of one DiskInode; four of
// them pack into one 512-byte block.
const diskInodeBytes = 4 + directCount*4 + 4 + 4 + 4

// DiskInode mirrors the decoded on-disk structure while it is being
// manipulated in memory; callers encode/decode it against a
// BlockCache-backed byte slice via encode/decodeDiskInode.
type DiskInode struct {
	Size      uint32
	Direct    [directCount]uint32
	Indirect1 uint32
	Indirect2 uint32
	Type      InodeType

	// oldSizeBeforeGrowth is transient state the caller sets (via
	// setOldSize) immediately before IncreaseSize, so the indirect2
	// block-filling arithmetic can tell where the previous allocation
	// left off. It is never encoded to disk.
	oldSizeBeforeGrowth uint32
}

func decodeDiskInode(b []byte) DiskInode {
	var d DiskInode
	d.Size = binary.LittleEndian.Uint32(b[0:4])
	for i := 0; i < directCount; i++ {
		d.Direct[i] = binary.LittleEndian.Uint32(b[4+i*4 : 8+i*4])
	}
	off := 4 + directCount*4
	d.Indirect1 = binary.LittleEndian.Uint32(b[off : off+4])
	d.Indirect2 = binary.LittleEndian.Uint32(b[off+4 : off+8])
	d.Type = InodeType(binary.LittleEndian.Uint32(b[off+8 : off+12]))
	return d
}

func (d *DiskInode) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], d.Size)
	for i := 0; i < directCount; i++ {
		binary.LittleEndian.PutUint32(b[4+i*4:8+i*4], d.Direct[i])
	}
	off := 4 + directCount*4
	binary.LittleEndian.PutUint32(b[off:off+4], d.Indirect1)
	binary.LittleEndian.PutUint32(b[off+4:off+8], d.Indirect2)
	binary.LittleEndian.PutUint32(b[off+8:off+12], uint32(d.Type))
}

// IsDir reports whether this inode names a directory.
func (d *DiskInode) IsDir() bool { return d.Type == InodeDir }

// dataBlocks returns the number of data blocks needed to hold size
// bytes.
func dataBlocks(size uint32) uint32 {
	return (size + BlockSize - 1) / BlockSize
}

// totalBlocks returns the total block count (data plus the indirect
// index blocks needed to address it) for a file of the given size.
func totalBlocks(size uint32) uint32 {
	db := dataBlocks(size)
	total := db
	if db > directCount {
		total++ // indirect1 block
	}
	if db > indirect1Bound {
		total++ // indirect2 block itself
		extra := db - uint32(indirect1Bound)
		total += (extra + indirectEntries - 1) / indirectEntries
	}
	return total
}

// BlocksNumNeeded returns how many additional blocks must be
// allocated to grow this inode from its current size to newSize.
func (d *DiskInode) BlocksNumNeeded(newSize uint32) uint32 {
	if newSize <= d.Size {
		return 0
	}
	return totalBlocks(newSize) - totalBlocks(d.Size)
}

// getBlockID resolves the innerID'th data block (0-based) to an
// absolute block id, walking indirect1/indirect2 via mgr as needed.
func (d *DiskInode) getBlockID(innerID uint32, mgr *CacheManager) uint32 {
	if innerID < directCount {
		return d.Direct[innerID]
	}
	innerID -= directCount
	if innerID < indirectEntries {
		var id uint32
		mgr.Get(int(d.Indirect1)).Read(0, func(data []byte) {
			id = binary.LittleEndian.Uint32(data[innerID*4 : innerID*4+4])
		})
		return id
	}
	innerID -= indirectEntries
	first := innerID / indirectEntries
	second := innerID % indirectEntries
	var l1 uint32
	mgr.Get(int(d.Indirect2)).Read(0, func(data []byte) {
		l1 = binary.LittleEndian.Uint32(data[first*4 : first*4+4])
	})
	var id uint32
	mgr.Get(int(l1)).Read(0, func(data []byte) {
		id = binary.LittleEndian.Uint32(data[second*4 : second*4+4])
	})
	return id
}

// IncreaseSize grows the inode to newSize, consuming newBlocks (freshly
// allocated, in order) to fill in the direct/indirect1/indirect2
// index slots that the growth newly needs.
func (d *DiskInode) IncreaseSize(newSize uint32, newBlocks []uint32, mgr *CacheManager) {
	cur := dataBlocks(d.Size)
	d.Size = newSize
	target := dataBlocks(newSize)
	idx := 0

	for cur < target && cur < directCount {
		d.Direct[cur] = newBlocks[idx]
		idx++
		cur++
	}

	if target <= directCount {
		return
	}

	if cur == directCount {
		d.Indirect1 = newBlocks[idx]
		idx++
	}
	cur -= directCount
	target1 := target - directCount
	if target1 > indirectEntries {
		target1 = indirectEntries
	}

	mgr.Get(int(d.Indirect1)).Modify(0, func(data []byte) {
		for cur < target1 {
			binary.LittleEndian.PutUint32(data[cur*4:cur*4+4], newBlocks[idx])
			idx++
			cur++
		}
	})

	if target <= indirect1Bound {
		return
	}

	// The direct/indirect1 running counters (cur, target1) only track
	// the first two regions; the indirect2 region is computed
	// separately, relative to its own base, using the size this
	// inode had before this growth started.
	oldAbs := dataBlocks(d.oldSizeBeforeGrowth)
	newAbs := target
	startRel := int(oldAbs) - indirect1Bound
	if startRel < 0 {
		startRel = 0
	}
	endRel := int(newAbs) - indirect1Bound

	if d.Indirect2 == 0 && endRel > startRel {
		d.Indirect2 = newBlocks[idx]
		idx++
	}

	a1First := startRel / indirectEntries
	a1Last := (endRel - 1) / indirectEntries
	mgr.Get(int(d.Indirect2)).Modify(0, func(l2 []byte) {
		for first := a1First; first <= a1Last; first++ {
			lo := first * indirectEntries
			hi := lo + indirectEntries
			if lo < startRel {
				lo = startRel
			}
			if hi > endRel {
				hi = endRel
			}
			if lo >= hi {
				continue
			}
			l1ID := binary.LittleEndian.Uint32(l2[first*4 : first*4+4])
			if l1ID == 0 {
				l1ID = newBlocks[idx]
				idx++
				binary.LittleEndian.PutUint32(l2[first*4:first*4+4], l1ID)
			}
			mgr.Get(int(l1ID)).Modify(0, func(l1 []byte) {
				for second := lo; second < hi; second++ {
					rel := second - first*indirectEntries
					binary.LittleEndian.PutUint32(l1[rel*4:rel*4+4], newBlocks[idx])
					idx++
				}
			})
		}
	})
}

// oldSizeBeforeGrowth is set by the caller (Inode.increaseTo) before
// calling IncreaseSize, purely so the indirect2 arithmetic above can
// recover the previous size; it is not part of the persisted layout.
func (d *DiskInode) setOldSize(old uint32) { d.oldSizeBeforeGrowth = old }

// ClearSize resets the inode to size 0, returning every block id it
// held (data blocks plus indirect index blocks) so the caller can
// return them to the block bitmap.
func (d *DiskInode) ClearSize(mgr *CacheManager) []uint32 {
	var freed []uint32
	dataCnt := dataBlocks(d.Size)
	cur := uint32(0)

	for cur < dataCnt && cur < directCount {
		freed = append(freed, d.Direct[cur])
		d.Direct[cur] = 0
		cur++
	}

	if dataCnt > directCount {
		freed = append(freed, d.Indirect1)
		bound1 := dataCnt - directCount
		if bound1 > indirectEntries {
			bound1 = indirectEntries
		}
		mgr.Get(int(d.Indirect1)).Read(0, func(data []byte) {
			for i := uint32(0); i < bound1; i++ {
				freed = append(freed, binary.LittleEndian.Uint32(data[i*4:i*4+4]))
			}
		})
		d.Indirect1 = 0
	}

	if dataCnt > indirect1Bound {
		freed = append(freed, d.Indirect2)
		rel := dataCnt - uint32(indirect1Bound)
		firstCount := (rel + indirectEntries - 1) / indirectEntries
		mgr.Get(int(d.Indirect2)).Read(0, func(l2 []byte) {
			remaining := rel
			for first := uint32(0); first < firstCount; first++ {
				l1ID := binary.LittleEndian.Uint32(l2[first*4 : first*4+4])
				freed = append(freed, l1ID)
				n := remaining
				if n > indirectEntries {
					n = indirectEntries
				}
				mgr.Get(int(l1ID)).Read(0, func(l1 []byte) {
					for second := uint32(0); second < n; second++ {
						freed = append(freed, binary.LittleEndian.Uint32(l1[second*4:second*4+4]))
					}
				})
				remaining -= n
			}
		})
		d.Indirect2 = 0
	}

	d.Size = 0
	return freed
}

// ReadAt copies into buf starting at offset within the file's data,
// returning the number of bytes copied (possibly less than len(buf)
// if offset+len(buf) exceeds the current size).
func (d *DiskInode) ReadAt(offset int, buf []byte, mgr *CacheManager) int {
	end := offset + len(buf)
	if end > int(d.Size) {
		end = int(d.Size)
	}
	if offset >= end {
		return 0
	}
	read := 0
	cur := offset
	for cur < end {
		blk := cur / BlockSize
		inBlock := cur % BlockSize
		chunk := BlockSize - inBlock
		if rem := end - cur; chunk > rem {
			chunk = rem
		}
		id := d.getBlockID(uint32(blk), mgr)
		mgr.Get(int(id)).Read(inBlock, func(data []byte) {
			copy(buf[read:read+chunk], data[:chunk])
		})
		read += chunk
		cur += chunk
	}
	return read
}

// WriteAt copies data into the file starting at offset, assuming the
// caller has already grown the inode (via increaseTo) so every
// touched block is allocated.
func (d *DiskInode) WriteAt(offset int, data []byte, mgr *CacheManager) int {
	end := offset + len(data)
	if end > int(d.Size) {
		end = int(d.Size)
	}
	written := 0
	cur := offset
	for cur < end {
		blk := cur / BlockSize
		inBlock := cur % BlockSize
		chunk := BlockSize - inBlock
		if rem := end - cur; chunk > rem {
			chunk = rem
		}
		id := d.getBlockID(uint32(blk), mgr)
		mgr.Get(int(id)).Modify(inBlock, func(dst []byte) {
			copy(dst[:chunk], data[written:written+chunk])
		})
		written += chunk
		cur += chunk
	}
	return written
}
