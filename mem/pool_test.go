package mem

import "testing"

func TestAllocZeroedIsZeroAndRefcountOne(t *testing.T) {
	p, err := NewPool(64)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	pg, pa, ok := p.AllocZeroed()
	if !ok {
		t.Fatal("alloc failed")
	}
	for i, b := range pg {
		if b != 0 {
			t.Fatalf("byte %d not zero", i)
		}
	}
	if got := p.Refcount(pa); got != 1 {
		t.Fatalf("refcount = %d, want 1", got)
	}
}

func TestReleaseOnlyFreesAtZero(t *testing.T) {
	p, err := NewPool(4)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	_, pa, ok := p.AllocZeroed()
	if !ok {
		t.Fatal("alloc failed")
	}
	p.Retain(pa)
	if got := p.Refcount(pa); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}
	before := p.Free()
	p.Release(pa)
	if p.Free() != before {
		t.Fatal("page freed before refcount reached zero")
	}
	p.Release(pa)
	if p.Free() != before+1 {
		t.Fatal("page not freed when refcount reached zero")
	}
}

func TestAllocContig(t *testing.T) {
	p, err := NewPool(16)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	pas, ok := p.AllocContig(4)
	if !ok {
		t.Fatal("contig alloc failed")
	}
	for i := 1; i < len(pas); i++ {
		if pas[i] != pas[i-1]+PGSIZE {
			t.Fatalf("frames not contiguous: %v", pas)
		}
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	p, err := NewPool(4)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	_, pa, _ := p.AllocZeroed()
	p.Release(pa)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double release")
		}
	}()
	p.Release(pa)
}
