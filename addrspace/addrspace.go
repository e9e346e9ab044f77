// Package addrspace implements the address space façade (C4): a thin
// wrapper composing pagetable.Table (via pager.Pager) and exposing
// mmap/munmap/access_ok/fork/get_user_page/root_pa, per spec.md §4.4.
// Grounded on the teacher's Vm_t, which plays the same composing role
// over Pmap_t + Vmregion_t (biscuit/src/vm/as.go).
package addrspace

import (
	"github.com/casys-kaist/KeOS-sub001/errs"
	"github.com/casys-kaist/KeOS-sub001/mem"
	"github.com/casys-kaist/KeOS-sub001/pager"
	"github.com/casys-kaist/KeOS-sub001/pagetable"
	"github.com/casys-kaist/KeOS-sub001/vmregion"
)

// AddressSpace owns one process's page table and mapping policy. Its
// lifetime is tied to its owning process: it is torn down only after
// every thread sharing it has exited.
type AddressSpace struct {
	pool  *mem.Pool
	pager *pager.Pager
}

// USERMIN is the lowest user virtual address; below it (and at the zero
// page) mmap is always rejected, mirroring the teacher's USERMIN split
// (mem/dmap.go) between kernel and user VA.
const USERMIN = mem.VA(1 << 30)

// USERMAX is the (exclusive) top of the user VA window used by this
// teaching kernel.
const USERMAX = mem.VA(1 << 46)

// New creates an empty address space backed by pool, using sd for
// cross-CPU TLB invalidation broadcasts.
func New(pool *mem.Pool, sd pagetable.Shootdown) (*AddressSpace, bool) {
	pg, ok := pager.New(pool, sd)
	if !ok {
		return nil, false
	}
	return &AddressSpace{pool: pool, pager: pg}, true
}

// RootPA returns the physical address of the top-level page table, for
// installing into a CPU's root-table register.
func (as *AddressSpace) RootPA() mem.PA { return as.pager.RootPA() }

func inUserWindow(va mem.VA, size int) bool {
	if va < USERMIN {
		return false
	}
	end := va + mem.VA(size)
	return end > va && end <= USERMAX
}

// Mmap validates the requested range against the user VA window and
// delegates to the pager.
func (as *AddressSpace) Mmap(va mem.VA, size int, perm vmregion.Perm, policy vmregion.Policy, backing *vmregion.Backing) (mem.VA, errs.Err_t) {
	if size <= 0 || !va.Aligned() || size%mem.PGSIZE != 0 {
		return 0, errs.E(errs.InvalidArgument)
	}
	if !inUserWindow(va, size) {
		return 0, errs.E(errs.BadAddress)
	}
	return as.pager.Mmap(va, size, perm, policy, backing)
}

// Munmap releases the mapping starting at va.
func (as *AddressSpace) Munmap(va mem.VA) (int, errs.Err_t) {
	return as.pager.Munmap(va)
}

// AccessOK reports whether [start, end) is entirely covered by mappings
// compatible with isWrite, without materializing anything.
func (as *AddressSpace) AccessOK(start, end mem.VA, isWrite bool) bool {
	return as.pager.AccessOK(start, end, isWrite)
}

// GetUserPage resolves va to a present frame, materializing it as needed.
func (as *AddressSpace) GetUserPage(va mem.VA) (mem.Frame, vmregion.Perm, bool) {
	return as.pager.GetUserPage(va)
}

// HandlePageFault resolves a page fault at va for the given access type.
func (as *AddressSpace) HandlePageFault(va mem.VA, isWrite bool) errs.Err_t {
	return as.pager.HandlePageFault(va, isWrite)
}

// Fork produces a child address space sharing COW pages with this one.
func (as *AddressSpace) Fork() (*AddressSpace, errs.Err_t) {
	childPager, err := as.pager.Fork()
	if err != errs.Ok {
		return nil, err
	}
	return &AddressSpace{pool: as.pool, pager: childPager}, errs.Ok
}
