package easyfs

import (
	"encoding/binary"

	"golang.org/x/text/unicode/norm"
)

// efsMagic identifies a valid easy-fs superblock.
const efsMagic = 0x3b800001

// SuperBlock is the first on-disk block: magic plus the five region
// sizes a non-journaled filesystem needs.
type SuperBlock struct {
	Magic          uint32
	TotalBlocks    uint32
	InodeBitmapBlocks uint32
	InodeAreaBlocks  uint32
	DataBitmapBlocks uint32
	DataAreaBlocks   uint32
}

const superBlockBytes = 4 * 6

func (sb *SuperBlock) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], sb.Magic)
	binary.LittleEndian.PutUint32(b[4:8], sb.TotalBlocks)
	binary.LittleEndian.PutUint32(b[8:12], sb.InodeBitmapBlocks)
	binary.LittleEndian.PutUint32(b[12:16], sb.InodeAreaBlocks)
	binary.LittleEndian.PutUint32(b[16:20], sb.DataBitmapBlocks)
	binary.LittleEndian.PutUint32(b[20:24], sb.DataAreaBlocks)
}

func decodeSuperBlock(b []byte) SuperBlock {
	return SuperBlock{
		Magic:             binary.LittleEndian.Uint32(b[0:4]),
		TotalBlocks:       binary.LittleEndian.Uint32(b[4:8]),
		InodeBitmapBlocks: binary.LittleEndian.Uint32(b[8:12]),
		InodeAreaBlocks:   binary.LittleEndian.Uint32(b[12:16]),
		DataBitmapBlocks:  binary.LittleEndian.Uint32(b[16:20]),
		DataAreaBlocks:    binary.LittleEndian.Uint32(b[20:24]),
	}
}

// Valid reports whether the magic number matches, the mount-time
// sanity check.
func (sb *SuperBlock) Valid() bool { return sb.Magic == efsMagic }

// bitsPerBlock is the number of allocation bits one block's bitmap
// block can represent.
const bitsPerBlock = BlockSize * 8

// bitmap is a run of consecutive blocks, each block holding
// bitsPerBlock allocation bits. alloc scans block by block, then lane
// by lane (64-bit words) for the first lane that isn't all-ones, so a
// bit index decomposes as (block, lane, inner).
type bitmap struct {
	startBlockID int
	blocks       int
}

func newBitmap(startBlockID, blocks int) *bitmap {
	return &bitmap{startBlockID: startBlockID, blocks: blocks}
}

// maximum is the total number of bits this bitmap can represent.
func (bm *bitmap) maximum() int { return bm.blocks * bitsPerBlock }

// alloc finds and sets the first clear bit, returning its absolute
// index, or -1 if the bitmap is full.
func (bm *bitmap) alloc(mgr *CacheManager) int {
	for blk := 0; blk < bm.blocks; blk++ {
		bc := mgr.Get(bm.startBlockID + blk)
		found := -1
		bc.Modify(0, func(data []byte) {
			words := bytesAsWords(data)
			for lane := 0; lane < len(words); lane++ {
				if words[lane] == ^uint64(0) {
					continue
				}
				inner := trailingOnes(words[lane])
				words[lane] |= uint64(1) << uint(inner)
				putWords(data, words)
				found = blk*bitsPerBlock + lane*64 + inner
				break
			}
		})
		if found >= 0 {
			return found
		}
	}
	return -1
}

// dealloc clears bit, the absolute index previously returned by
// alloc. Deallocating a bit that is already clear is a double free
// and panics.
func (bm *bitmap) dealloc(mgr *CacheManager, bit int) {
	blk, lane, inner := decomposeBit(bit)
	bc := mgr.Get(bm.startBlockID + blk)
	bc.Modify(0, func(data []byte) {
		words := bytesAsWords(data)
		if words[lane]&(uint64(1)<<uint(inner)) == 0 {
			panic("easyfs: bitmap double free")
		}
		words[lane] &^= uint64(1) << uint(inner)
		putWords(data, words)
	})
}

func decomposeBit(bit int) (blk, lane, inner int) {
	blk = bit / bitsPerBlock
	rem := bit % bitsPerBlock
	lane = rem / 64
	inner = rem % 64
	return
}

func bytesAsWords(b []byte) []uint64 {
	words := make([]uint64, BlockSize/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(b[i*8 : i*8+8])
	}
	return words
}

func putWords(b []byte, words []uint64) {
	for i, w := range words {
		binary.LittleEndian.PutUint64(b[i*8:i*8+8], w)
	}
}

// trailingOnes counts the number of consecutive set bits starting
// from bit 0, locating the first clear bit in a non-full word.
func trailingOnes(v uint64) int {
	n := 0
	for v&1 == 1 {
		n++
		v >>= 1
	}
	return n
}

// DirEntrySize is the fixed on-disk size of one directory entry: a
// 28-byte NUL-padded name plus a 4-byte inode number.
const (
	dirNameBytes = 27
	DirEntrySize = dirNameBytes + 1 + 4
)

// DirEntry is one single-level directory entry. Names are normalized
// to NFC before encoding so that visually identical names collide
// regardless of the composed/decomposed form the caller used to spell
// them.
type DirEntry struct {
	Name  string
	Inode uint32
}

func encodeDirEntry(e DirEntry) [DirEntrySize]byte {
	var buf [DirEntrySize]byte
	name := norm.NFC.String(e.Name)
	copy(buf[:dirNameBytes], name)
	binary.LittleEndian.PutUint32(buf[dirNameBytes+1:], e.Inode)
	return buf
}

func decodeDirEntry(buf [DirEntrySize]byte) DirEntry {
	end := 0
	for end < dirNameBytes && buf[end] != 0 {
		end++
	}
	return DirEntry{
		Name:  string(buf[:end]),
		Inode: binary.LittleEndian.Uint32(buf[dirNameBytes+1:]),
	}
}
