// Package pager implements the per-process virtual-memory policy (C3):
// eager/lazy mapping, page-fault resolution, copy-on-write, and fork
// duplication, over a pagetable.Table and mem.Pool. Grounded on the
// teacher's Vm_t / Sys_pgfault (biscuit/src/vm/as.go): Lock_pmap-style
// exclusive locking around every table edit and fault, the COW-refcount
// fast path ("if this anonymous COW page is mapped exactly once... skip
// the copy"), and the fork contract (strip WRITABLE, set COW-SHARED on
// both sides, bump refcounts, broadcast TLB shootdown once).
package pager

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/casys-kaist/KeOS-sub001/errs"
	"github.com/casys-kaist/KeOS-sub001/mem"
	"github.com/casys-kaist/KeOS-sub001/pagetable"
	"github.com/casys-kaist/KeOS-sub001/vmregion"
)

// Pager owns one address space's page table, mapping list, and the
// address-space-exclusive lock spec.md §4.3 requires around every table
// edit and fault.
type Pager struct {
	mu     sync.Mutex
	pool   *mem.Pool
	table  *pagetable.Table
	region vmregion.Region

	// faults dedups concurrent faults on the same page: "two threads
	// simultaneously faulted on same page" (as.go's Sys_pgfault comment),
	// formalized with singleflight per SPEC_FULL.md §3.
	faults singleflight.Group
}

// New creates an empty pager over a freshly allocated root page table.
func New(pool *mem.Pool, sd pagetable.Shootdown) (*Pager, bool) {
	tbl, ok := pagetable.New(pool, sd)
	if !ok {
		return nil, false
	}
	return &Pager{pool: pool, table: tbl}, true
}

// RootPA returns the physical address of the page table's top level.
func (p *Pager) RootPA() mem.PA { return p.table.Root() }

func pagesIn(size int) int { return size / mem.PGSIZE }

// Mmap inserts a Mapping covering [va, va+size) and, for Policy==Eager,
// immediately installs its leaf PTEs. va and size must already be
// page-aligned; the caller (AddressSpace) is responsible for range
// validation against the user VA window.
func (p *Pager) Mmap(va mem.VA, size int, perm vmregion.Perm, policy vmregion.Policy, backing *vmregion.Backing) (mem.VA, errs.Err_t) {
	if size <= 0 || !va.Aligned() || size%mem.PGSIZE != 0 {
		return 0, errs.E(errs.InvalidArgument)
	}
	m := &vmregion.Mapping{Start: va, End: va + mem.VA(size), Perm: perm, Policy: policy, Backing: backing}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.region.Insert(m); err != nil {
		return 0, errs.E(errs.InvalidArgument)
	}

	if policy != vmregion.Eager {
		return va, errs.Ok
	}

	installed := make([]mem.VA, 0, pagesIn(size))
	for off := 0; off < size; off += mem.PGSIZE {
		cur := va + mem.VA(off)
		pa, err := p.materializeEager(backing, off)
		if err != errs.Ok {
			p.rollbackInstalled(installed)
			p.region.Remove(va)
			return 0, err
		}
		flags := permFlags(perm)
		if r := p.table.Map(cur, pa, flags); r != pagetable.OK {
			p.pool.Release(pa)
			p.rollbackInstalled(installed)
			p.region.Remove(va)
			return 0, errs.E(errs.OutOfMemory)
		}
		installed = append(installed, cur)
	}
	return va, errs.Ok
}

func (p *Pager) materializeEager(backing *vmregion.Backing, off int) (mem.PA, errs.Err_t) {
	frame, pa, ok := p.pool.AllocZeroed()
	if !ok {
		return 0, errs.E(errs.OutOfMemory)
	}
	if backing != nil {
		if _, err := backing.File.ReadPage(backing.Offset+off, frame); err != nil {
			p.pool.Release(pa)
			return 0, errs.E(errs.IOError)
		}
	}
	return pa, errs.Ok
}

func (p *Pager) rollbackInstalled(vas []mem.VA) {
	for _, va := range vas {
		if pa, _, ok := p.table.Unmap(va); ok {
			p.pool.Release(pa)
		}
	}
}

func permFlags(perm vmregion.Perm) pagetable.Flags {
	f := pagetable.USER
	if perm&vmregion.PermWrite != 0 {
		f |= pagetable.WRITABLE
	}
	return f
}

// Munmap releases the mapping starting at va: frees every backing frame,
// clears the page-table entries, and invalidates the TLB once per page.
func (p *Pager) Munmap(va mem.VA) (int, errs.Err_t) {
	if !va.Aligned() {
		return 0, errs.E(errs.InvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.region.Remove(va)
	if !ok {
		return 0, errs.E(errs.NoSuchEntry)
	}
	n := int(m.End - m.Start)
	for cur := m.Start; cur < m.End; cur += mem.PGSIZE {
		if pa, _, ok := p.table.Unmap(cur); ok {
			p.pool.Release(pa)
		}
	}
	return n, errs.Ok
}

// AccessOK reports whether every VA in [start, end) lies inside a mapping
// whose permission allows the access, without materializing anything.
func (p *Pager) AccessOK(start, end mem.VA, isWrite bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for va := start; va < end; {
		m, ok := p.region.Lookup(va)
		if !ok {
			return false
		}
		if isWrite && m.Perm&vmregion.PermWrite == 0 {
			return false
		}
		va = m.End
	}
	return true
}

// GetUserPage resolves va to a present, installed frame, materializing it
// under lazy/COW policy as needed, and returns it with its effective
// permission.
func (p *Pager) GetUserPage(va mem.VA) (mem.Frame, vmregion.Perm, bool) {
	p.mu.Lock()
	m, ok := p.region.Lookup(va)
	if !ok {
		p.mu.Unlock()
		return nil, 0, false
	}
	if e, present := p.table.Walk(va.Page()); present {
		p.mu.Unlock()
		return p.pool.Dmap(e.Addr()), m.Perm, true
	}
	p.mu.Unlock()

	if err := p.HandlePageFault(va, false); err != errs.Ok {
		return nil, 0, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e, present := p.table.Walk(va.Page())
	if !present {
		return nil, 0, false
	}
	return p.pool.Dmap(e.Addr()), m.Perm, true
}

// HandlePageFault dispatches on the faulting mapping and access type:
// not-present within a lazy/eager mapping materializes the page; a write
// to a COW-SHARED, present-but-read-only page copies it; anything else is
// fatal (the caller terminates the process), matching spec.md §4.3.
func (p *Pager) HandlePageFault(va mem.VA, isWrite bool) errs.Err_t {
	page := va.Page()
	_, err, _ := p.faults.Do(faultKey(p, page), func() (any, error) {
		e := p.handlePageFaultLocked(page, isWrite)
		return nil, errFromErr(e)
	})
	if err == nil {
		return errs.Ok
	}
	return err.(wrappedErr).e
}

type wrappedErr struct{ e errs.Err_t }

func (w wrappedErr) Error() string { return w.e.Error() }

func errFromErr(e errs.Err_t) error {
	if e.IsOk() {
		return nil
	}
	return wrappedErr{e}
}

func faultKey(p *Pager, va mem.VA) string {
	// The page address alone is a sufficient key: each Pager has its own
	// singleflight.Group, and one Pager backs one address space.
	return va.String()
}

func (p *Pager) handlePageFaultLocked(va mem.VA, isWrite bool) errs.Err_t {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.region.Lookup(va)
	if !ok {
		return errs.E(errs.BadAddress)
	}
	if isWrite && m.Perm&vmregion.PermWrite == 0 {
		return errs.E(errs.PermissionDenied)
	}

	e, present := p.table.Walk(va)
	if present && isWrite && e.Writable() {
		// Another fault on this page already resolved it.
		return errs.Ok
	}
	if present && !isWrite {
		return errs.Ok
	}

	if present && isWrite && e.CowShared() {
		return p.cowFault(va, e)
	}
	if !present && m.Policy == vmregion.Lazy {
		return p.lazyFault(m, va)
	}
	if !present && m.Policy == vmregion.Eager {
		// Eager mappings install every page up front; reaching here means
		// the page was unmapped out from under the mapping record, which
		// is a fatal address-space inconsistency.
		return errs.E(errs.BadAddress)
	}
	return errs.E(errs.BadAddress)
}

func (p *Pager) lazyFault(m *vmregion.Mapping, va mem.VA) errs.Err_t {
	var frame mem.Frame
	var pa mem.PA
	var ok bool
	if m.Backing != nil {
		off := m.Backing.Offset + int(va-m.Start)
		frame, pa, ok = p.pool.AllocZeroed()
		if !ok {
			return errs.E(errs.OutOfMemory)
		}
		if _, err := m.Backing.File.ReadPage(off, frame); err != nil {
			p.pool.Release(pa)
			return errs.E(errs.IOError)
		}
	} else {
		frame, pa, ok = p.pool.AllocZeroed()
		if !ok {
			return errs.E(errs.OutOfMemory)
		}
	}
	flags := permFlags(m.Perm)
	if p.table.Map(va, pa, flags) != pagetable.OK {
		p.pool.Release(pa)
		return errs.E(errs.OutOfMemory)
	}
	return errs.Ok
}

// cowFault handles a write fault on a COW-SHARED page: the fast path
// reclaims a singly-referenced frame in place; otherwise it copies.
func (p *Pager) cowFault(va mem.VA, e pagetable.PTE) errs.Err_t {
	pa := e.Addr()
	if p.pool.Refcount(pa) == 1 {
		p.table.Protect(va, pagetable.WRITABLE|pagetable.USER)
		return errs.Ok
	}
	newFrame, newPA, ok := p.pool.AllocZeroed()
	if !ok {
		return errs.E(errs.OutOfMemory)
	}
	copy(newFrame, p.pool.Dmap(pa))
	if _, _, ok := p.table.Unmap(va); ok {
		p.pool.Release(pa)
	}
	if p.table.Map(va, newPA, pagetable.WRITABLE|pagetable.USER) != pagetable.OK {
		p.pool.Release(newPA)
		return errs.E(errs.OutOfMemory)
	}
	return errs.Ok
}

// Fork duplicates this pager's mappings and page-table structure for a
// child address space: Mapping records are copied, every present
// writable leaf is converted to shared read-only+COW on both sides, and
// the child shares the parent's pool and TLB-shootdown facility.
func (p *Pager) Fork() (*Pager, errs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()

	childTable, ok := p.table.CloneForFork()
	if !ok {
		return nil, errs.E(errs.OutOfMemory)
	}
	child := &Pager{pool: p.pool, table: childTable}
	for _, m := range p.region.All() {
		cp := *m
		if err := child.region.Insert(&cp); err != nil {
			return nil, errs.E(errs.InvalidArgument)
		}
	}
	return child, errs.Ok
}
