package addrspace

import (
	"testing"

	"github.com/casys-kaist/KeOS-sub001/errs"
	"github.com/casys-kaist/KeOS-sub001/mem"
	"github.com/casys-kaist/KeOS-sub001/vmregion"
)

func newAS(t *testing.T) (*AddressSpace, *mem.Pool) {
	t.Helper()
	pool, err := mem.NewPool(256)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	as, ok := New(pool, nil)
	if !ok {
		t.Fatal("new address space failed")
	}
	return as, pool
}

func TestMmapRejectsBelowUsermin(t *testing.T) {
	as, _ := newAS(t)
	if _, err := as.Mmap(mem.VA(0x1000), mem.PGSIZE, vmregion.PermRead, vmregion.Lazy, nil); err.Kind() != errs.BadAddress {
		t.Fatalf("expected BadAddress below USERMIN, got %v", err)
	}
}

func TestMmapRejectsPastUsermax(t *testing.T) {
	as, _ := newAS(t)
	if _, err := as.Mmap(USERMAX-mem.VA(mem.PGSIZE), 2*mem.PGSIZE, vmregion.PermRead, vmregion.Lazy, nil); err.Kind() != errs.BadAddress {
		t.Fatalf("expected BadAddress crossing USERMAX, got %v", err)
	}
}

func TestAddressSpaceMmapFaultFork(t *testing.T) {
	as, _ := newAS(t)
	va := USERMIN + mem.VA(0x10000)
	if _, err := as.Mmap(va, mem.PGSIZE, vmregion.PermRead|vmregion.PermWrite, vmregion.Lazy, nil); err != errs.Ok {
		t.Fatalf("mmap: %v", err)
	}
	if !as.AccessOK(va, va+mem.PGSIZE, true) {
		t.Fatal("access_ok should allow write within the fresh mapping")
	}
	frame, _, ok := as.GetUserPage(va)
	if !ok {
		t.Fatal("get_user_page failed")
	}
	frame[0] = 0xAB
	if err := as.HandlePageFault(va, true); err != errs.Ok {
		t.Fatalf("write fault: %v", err)
	}

	child, err := as.Fork()
	if err != errs.Ok {
		t.Fatalf("fork: %v", err)
	}
	if err := child.HandlePageFault(va, true); err != errs.Ok {
		t.Fatalf("child cow fault: %v", err)
	}
	cf, _, ok := child.GetUserPage(va)
	if !ok {
		t.Fatal("child get_user_page failed")
	}
	cf[0] = 0xCD

	pf, _, ok := as.GetUserPage(va)
	if !ok {
		t.Fatal("parent get_user_page failed")
	}
	if pf[0] != 0xAB {
		t.Fatalf("parent observed %#x, want 0xAB", pf[0])
	}
}
