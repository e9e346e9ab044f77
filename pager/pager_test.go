package pager

import (
	"testing"

	"github.com/casys-kaist/KeOS-sub001/errs"
	"github.com/casys-kaist/KeOS-sub001/mem"
	"github.com/casys-kaist/KeOS-sub001/vmregion"
)

func newPagerT(t *testing.T) (*Pager, *mem.Pool) {
	t.Helper()
	pool, err := mem.NewPool(256)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	p, ok := New(pool, nil)
	if !ok {
		t.Fatal("new pager failed")
	}
	return p, pool
}

// S1 — COW correctness: parent writes 0x11, forks, child writes 0x22;
// each observes only its own write afterward.
func TestForkCOWIndependence(t *testing.T) {
	p, pool := newPagerT(t)
	va := mem.VA(0x400000)
	if _, err := p.Mmap(va, mem.PGSIZE, vmregion.PermRead|vmregion.PermWrite, vmregion.Lazy, nil); err != errs.Ok {
		t.Fatalf("mmap: %v", err)
	}
	frame, _, ok := p.GetUserPage(va)
	if !ok {
		t.Fatal("get_user_page failed")
	}
	frame[0] = 0x11
	if err := p.HandlePageFault(va, true); err != errs.Ok {
		t.Fatalf("initial write fault: %v", err)
	}

	child, err := p.Fork()
	if err != errs.Ok {
		t.Fatalf("fork: %v", err)
	}
	_ = pool

	if err := child.HandlePageFault(va, true); err != errs.Ok {
		t.Fatalf("child cow fault: %v", err)
	}
	cf, _, ok := child.GetUserPage(va)
	if !ok {
		t.Fatal("child get_user_page failed")
	}
	cf[0] = 0x22

	pf, _, ok := p.GetUserPage(va)
	if !ok {
		t.Fatal("parent get_user_page failed")
	}
	if pf[0] != 0x11 {
		t.Fatalf("parent observed %#x, want 0x11", pf[0])
	}
	cf2, _, ok := child.GetUserPage(va)
	if !ok {
		t.Fatal("child get_user_page failed")
	}
	if cf2[0] != 0x22 {
		t.Fatalf("child observed %#x, want 0x22", cf2[0])
	}
}

func TestLazyMmapMaterializesOnFault(t *testing.T) {
	p, _ := newPagerT(t)
	va := mem.VA(0x500000)
	if _, err := p.Mmap(va, mem.PGSIZE, vmregion.PermRead|vmregion.PermWrite, vmregion.Lazy, nil); err != errs.Ok {
		t.Fatalf("mmap: %v", err)
	}
	if !p.AccessOK(va, va+mem.PGSIZE, false) {
		t.Fatal("access_ok should be true for lazily-mapped range")
	}
	frame, _, ok := p.GetUserPage(va)
	if !ok || len(frame) != mem.PGSIZE {
		t.Fatal("expected materialized zero page")
	}
}

func TestMunmapReleasesFrames(t *testing.T) {
	p, pool := newPagerT(t)
	va := mem.VA(0x600000)
	if _, err := p.Mmap(va, mem.PGSIZE, vmregion.PermRead|vmregion.PermWrite, vmregion.Eager, nil); err != errs.Ok {
		t.Fatalf("mmap: %v", err)
	}
	before := pool.Free()
	n, err := p.Munmap(va)
	if err != errs.Ok || n != mem.PGSIZE {
		t.Fatalf("munmap: n=%d err=%v", n, err)
	}
	if pool.Free() != before+1 {
		t.Fatal("frame not released on munmap")
	}
	if p.AccessOK(va, va+mem.PGSIZE, false) {
		t.Fatal("access_ok should be false after munmap")
	}
}

func TestFaultOutsideMappingIsFatal(t *testing.T) {
	p, _ := newPagerT(t)
	if err := p.HandlePageFault(mem.VA(0x700000), false); err.Kind() != errs.BadAddress {
		t.Fatalf("expected BadAddress, got %v", err)
	}
}
