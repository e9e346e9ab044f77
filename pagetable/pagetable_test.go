package pagetable

import (
	"testing"

	"github.com/casys-kaist/KeOS-sub001/mem"
)

func newPoolT(t *testing.T, n int) *mem.Pool {
	t.Helper()
	p, err := mem.NewPool(n)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestMapWalkUnmap(t *testing.T) {
	pool := newPoolT(t, 64)
	tbl, ok := New(pool, nil)
	if !ok {
		t.Fatal("new table failed")
	}

	va := mem.VA(0x1000)
	_, pa, ok := pool.AllocZeroed()
	if !ok {
		t.Fatal("alloc failed")
	}

	if r := tbl.Map(va, pa, WRITABLE|USER); r != OK {
		t.Fatalf("map result = %v", r)
	}
	if r := tbl.Map(va, pa, WRITABLE|USER); r != DUPLICATED {
		t.Fatalf("expected DUPLICATED, got %v", r)
	}

	e, ok := tbl.Walk(va)
	if !ok || e.Addr() != pa || !e.Writable() {
		t.Fatalf("walk mismatch: %+v ok=%v", e, ok)
	}

	gotPA, flags, ok := tbl.Unmap(va)
	if !ok || gotPA != pa || flags&WRITABLE == 0 {
		t.Fatalf("unmap mismatch")
	}
	if _, ok := tbl.Walk(va); ok {
		t.Fatal("expected not present after unmap")
	}
}

func TestCloneForForkSharesAndStripsWritable(t *testing.T) {
	pool := newPoolT(t, 64)
	parent, ok := New(pool, nil)
	if !ok {
		t.Fatal("new table failed")
	}
	va := mem.VA(0x2000)
	_, pa, ok := pool.AllocZeroed()
	if !ok {
		t.Fatal("alloc failed")
	}
	if r := parent.Map(va, pa, WRITABLE|USER); r != OK {
		t.Fatalf("map failed: %v", r)
	}

	child, ok := parent.CloneForFork()
	if !ok {
		t.Fatal("clone failed")
	}

	pe, ok := parent.Walk(va)
	if !ok || pe.Writable() || !pe.CowShared() {
		t.Fatalf("parent entry not stripped: %+v", pe)
	}
	ce, ok := child.Walk(va)
	if !ok || ce.Writable() || !ce.CowShared() || ce.Addr() != pa {
		t.Fatalf("child entry mismatch: %+v", ce)
	}
	if got := pool.Refcount(pa); got < 2 {
		t.Fatalf("refcount = %d, want >= 2", got)
	}
}

func TestUnalignedMapRejected(t *testing.T) {
	pool := newPoolT(t, 16)
	tbl, _ := New(pool, nil)
	if r := tbl.Map(mem.VA(0x1001), mem.PA(0), 0); r != UNALIGNED {
		t.Fatalf("expected UNALIGNED, got %v", r)
	}
}
