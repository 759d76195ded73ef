package easyfs

import (
	"sync"

	"sv39os/internal/kconfig"
)

// BlockCache wraps one in-memory copy of a disk block plus its dirty
// bit: every read/modify goes through the cached bytes and the dirty
// bit decides whether Sync writes back.
type BlockCache struct {
	mu      sync.Mutex
	blockID int
	dev     BlockDevice
	data    [BlockSize]byte
	dirty   bool
	pins    int
}

func loadBlockCache(blockID int, dev BlockDevice) *BlockCache {
	bc := &BlockCache{blockID: blockID, dev: dev}
	dev.ReadBlock(blockID, &bc.data)
	return bc
}

// Read runs fn against the bytes at offset within this block,
// read-only.
func (c *BlockCache) Read(offset int, fn func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.data[offset:])
}

// Modify runs fn against the bytes at offset within this block and
// marks the block dirty.
func (c *BlockCache) Modify(offset int, fn func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.data[offset:])
	c.dirty = true
}

// Sync writes the block back to the device if dirty, clearing the
// dirty bit.
func (c *BlockCache) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirty {
		c.dev.WriteBlock(c.blockID, &c.data)
		c.dirty = false
	}
}

// Pin marks the entry in use across a compound operation (one that
// re-enters the cache while this entry's contents are still live in a
// caller's closure), excluding it from eviction until Unpin.
func (c *BlockCache) Pin() {
	c.mu.Lock()
	c.pins++
	c.mu.Unlock()
}

// Unpin releases a Pin.
func (c *BlockCache) Unpin() {
	c.mu.Lock()
	c.pins--
	c.mu.Unlock()
}

// CacheManager is the fixed-capacity block cache: at most
// kconfig.BlockCacheCapacity resident blocks, with eviction scanning
// oldest-first for the first unpinned entry. The manager lock and the
// per-entry locks are split so callers can hold a *BlockCache across
// a blocking operation without holding the manager lock.
type CacheManager struct {
	mu       sync.Mutex
	capacity int
	order    []int // block IDs, oldest first
	entries  map[int]*BlockCache
	dev      BlockDevice
}

// NewCacheManager returns an empty manager bound to dev with the given
// capacity (the default is kconfig.BlockCacheCapacity == 16).
func NewCacheManager(dev BlockDevice, capacity int) *CacheManager {
	return &CacheManager{
		capacity: capacity,
		entries:  make(map[int]*BlockCache),
		dev:      dev,
	}
}

// NewDefaultCacheManager returns a manager with the kernel's standard
// 16-entry capacity.
func NewDefaultCacheManager(dev BlockDevice) *CacheManager {
	return NewCacheManager(dev, kconfig.BlockCacheCapacity)
}

// Get returns the cache entry for blockID, loading it from the device
// (evicting an unpinned victim first if the manager is full) if it
// isn't already resident. Get does not pin the entry it returns; a
// caller that needs the entry to stay resident (e.g. across a yield
// point) calls Pin on it and Unpin when done.
func (m *CacheManager) Get(blockID int) *BlockCache {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bc, ok := m.entries[blockID]; ok {
		return bc
	}

	if len(m.order) >= m.capacity {
		m.evictLocked()
	}

	bc := loadBlockCache(blockID, m.dev)
	m.entries[blockID] = bc
	m.order = append(m.order, blockID)
	return bc
}

// evictLocked scans the order list front-to-back for the first entry
// that is neither pinned nor mid-access, flushes and drops it. The
// TryLock probe is what makes a re-entrant Get (a nested cache access
// made while the calling goroutine still holds another entry's lock)
// safe: the held entry simply fails the probe and is skipped. Panics
// if every resident entry is in use.
func (m *CacheManager) evictLocked() {
	for i, id := range m.order {
		bc := m.entries[id]
		if !bc.mu.TryLock() {
			continue
		}
		if bc.pins > 0 {
			bc.mu.Unlock()
			continue
		}
		if bc.dirty {
			bc.dev.WriteBlock(bc.blockID, &bc.data)
			bc.dirty = false
		}
		bc.mu.Unlock()
		delete(m.entries, id)
		m.order = append(m.order[:i], m.order[i+1:]...)
		return
	}
	panic("easyfs: block cache exhausted, every resident entry is pinned")
}

// SyncAll flushes every resident dirty block.
func (m *CacheManager) SyncAll() {
	m.mu.Lock()
	entries := make([]*BlockCache, 0, len(m.entries))
	for _, bc := range m.entries {
		entries = append(entries, bc)
	}
	m.mu.Unlock()
	for _, bc := range entries {
		bc.Sync()
	}
}
