package pcache

import (
	"bytes"
	"testing"

	"github.com/casys-kaist/KeOS-sub001/blockdev"
	"github.com/casys-kaist/KeOS-sub001/errs"
	"github.com/casys-kaist/KeOS-sub001/fs"
)

func newTestFS(t *testing.T) (*fs.FS, int64) {
	t.Helper()
	disk := blockdev.NewMemDisk(4096 * blockdev.SectorsPerBlock)
	dev := blockdev.New(disk)
	f, err := fs.Format(dev, 16, 256)
	if err != errs.Ok {
		t.Fatalf("format: %v", err)
	}
	ino, err := f.Create(f.RootIno(), "cached.bin", false)
	if err != errs.Ok {
		t.Fatalf("create: %v", err)
	}
	return f, ino
}

// TestReadAfterWriteBeforeWriteback is the page-cache read-after-write
// scenario: a write through the cache must be visible to a cache read
// immediately, but must not reach the backing store until Writeback.
func TestReadAfterWriteBeforeWriteback(t *testing.T) {
	f, ino := newTestFS(t)
	c := New(4, f)

	page := make([]byte, blockdev.BlockSize)
	copy(page, "ABCD")
	c.Write(ino, 0, page)

	got := make([]byte, blockdev.BlockSize)
	if err := c.Read(ino, 0, got); err != nil {
		t.Fatalf("cache read: %v", err)
	}
	if !bytes.HasPrefix(got, []byte("ABCD")) {
		t.Fatalf("cache read = %q, want prefix ABCD", got[:4])
	}

	raw := make([]byte, 4)
	if _, _, err := f.Read(ino, 0, raw); err != errs.Ok {
		t.Fatalf("raw read: %v", err)
	}
	if bytes.Equal(raw, []byte("ABCD")) {
		t.Fatal("backing store was updated before Writeback")
	}

	if err := c.Writeback(ino); err != nil {
		t.Fatalf("writeback: %v", err)
	}

	raw2 := make([]byte, 4)
	if _, _, err := f.Read(ino, 0, raw2); err != errs.Ok {
		t.Fatalf("raw read after writeback: %v", err)
	}
	if !bytes.Equal(raw2, []byte("ABCD")) {
		t.Fatalf("backing store after writeback = %q, want ABCD", raw2)
	}
}

func TestReadFillsFromBackendOnMiss(t *testing.T) {
	f, ino := newTestFS(t)
	page := make([]byte, blockdev.BlockSize)
	copy(page, "seedseed")
	if err := f.Write(ino, 0, page, 0); err != errs.Ok {
		t.Fatalf("seed write: %v", err)
	}

	c := New(4, f)
	got := make([]byte, blockdev.BlockSize)
	if err := c.Read(ino, 0, got); err != nil {
		t.Fatalf("cache read: %v", err)
	}
	if !bytes.HasPrefix(got, []byte("seedseed")) {
		t.Fatalf("cache read = %q, want prefix seedseed", got[:8])
	}
}

func TestEvictionPrefersCleanSlots(t *testing.T) {
	f, ino := newTestFS(t)
	c := New(2, f)

	a := make([]byte, blockdev.BlockSize)
	copy(a, "clean-a")
	b := make([]byte, blockdev.BlockSize)
	copy(b, "dirty-b")

	// fba 0 stays clean (read-only fill), fba 1 becomes dirty.
	if err := f.Write(ino, 0, a, 0); err != errs.Ok {
		t.Fatalf("seed: %v", err)
	}
	got := make([]byte, blockdev.BlockSize)
	if err := c.Read(ino, 0, got); err != nil {
		t.Fatalf("read fba 0: %v", err)
	}
	c.Write(ino, 1, b)

	// Installing a third slot must evict the clean fba-0 slot, not the
	// dirty fba-1 slot.
	third := make([]byte, blockdev.BlockSize)
	copy(third, "third")
	c.Write(ino, 2, third)

	c.mu.Lock()
	_, hasFba0 := c.slots[key{ino, 0}]
	_, hasFba1 := c.slots[key{ino, 1}]
	_, hasFba2 := c.slots[key{ino, 2}]
	c.mu.Unlock()
	if hasFba0 {
		t.Fatal("clean slot should have been evicted first")
	}
	if !hasFba1 || !hasFba2 {
		t.Fatal("dirty and newest slots should survive eviction")
	}
}

func TestUnlinkDropsSlotsWithoutWriteback(t *testing.T) {
	f, ino := newTestFS(t)
	c := New(4, f)
	page := make([]byte, blockdev.BlockSize)
	copy(page, "gone")
	c.Write(ino, 0, page)

	c.Unlink(ino)

	c.mu.Lock()
	_, ok := c.slots[key{ino, 0}]
	c.mu.Unlock()
	if ok {
		t.Fatal("unlink should have dropped the cached slot")
	}

	raw := make([]byte, 4)
	if _, _, err := f.Read(ino, 0, raw); err != errs.Ok {
		t.Fatalf("raw read: %v", err)
	}
	if bytes.Equal(raw, []byte("gone")) {
		t.Fatal("unlink must not write back dirty data")
	}
}
