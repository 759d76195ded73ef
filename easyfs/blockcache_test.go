package easyfs

import (
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestBlockCacheWriteThroughOnSync(t *testing.T) {
	dev := NewMemBlockDevice(4)
	mgr := NewCacheManager(dev, 16)

	bc := mgr.Get(1)
	bc.Modify(0, func(data []byte) { data[0] = 0x42 })

	var raw [BlockSize]byte
	dev.ReadBlock(1, &raw)
	if raw[0] != 0 {
		t.Fatalf("write should not reach the device before Sync")
	}

	bc.Sync()
	dev.ReadBlock(1, &raw)
	if raw[0] != 0x42 {
		t.Fatalf("expected write to reach the device after Sync")
	}
}

func TestCacheManagerEvictsUnpinned(t *testing.T) {
	dev := NewMemBlockDevice(8)
	mgr := NewCacheManager(dev, 2)

	mgr.Get(0)
	mgr.Get(1)
	// capacity is 2 and both are unpinned; a third Get must evict one.
	bc := mgr.Get(2)
	if bc == nil {
		t.Fatalf("expected eviction to make room for block 2")
	}
	if len(mgr.order) != 2 {
		t.Fatalf("expected resident count to stay at capacity, got %d", len(mgr.order))
	}
}

func TestCacheManagerPanicsWhenAllPinned(t *testing.T) {
	dev := NewMemBlockDevice(8)
	mgr := NewCacheManager(dev, 2)

	a := mgr.Get(0)
	b := mgr.Get(1)
	a.Pin()
	b.Pin()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic when every resident block is pinned")
		}
	}()
	mgr.Get(2)
}

// TestConcurrentGetIsRaceFree exercises many goroutines hammering the
// same small cache concurrently, verifying that the capacity bound
// (at most `capacity` resident entries) holds under contention.
func TestConcurrentGetIsRaceFree(t *testing.T) {
	dev := NewMemBlockDevice(64)
	mgr := NewCacheManager(dev, 8)

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		blockID := i % 64
		g.Go(func() error {
			bc := mgr.Get(blockID)
			bc.Modify(0, func(data []byte) { data[0]++ })
			bc.Sync()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mgr.order) > 8 {
		t.Fatalf("resident count %d exceeds capacity 8", len(mgr.order))
	}
}
