// Package hv implements the hypervisor core (C10-C12): VMCS lifecycle,
// the VM-entry/exit loop, extended page tables, and VM-exit dispatch for
// port I/O, MSR, CPUID, MMIO, and hypercalls. Grounded on
// bobuhiro11-gokvm's machine package (machine.go, state.go,
// cpuid/features.go) for the overall vCPU/exit-loop shape, reworked from
// real KVM ioctls to an in-process simulation since this module is
// hosted rather than backed by /dev/kvm: "VM-entry" interprets a guest
// instruction stream held in a Go byte slice instead of trapping real
// VMX exits.
package hv

import (
	"encoding/binary"

	"github.com/casys-kaist/KeOS-sub001/mem"
)

// EPTFlags is the permission/attribute bitset carried by one EPT entry,
// spec.md §3/§4.11. Unlike host PTEs these are READ/WRITE/EXECUTE rather
// than PRESENT/WRITABLE/USER: a zero entry already means "not present".
type EPTFlags uint64

const (
	EPTRead    EPTFlags = 1 << 0
	EPTWrite   EPTFlags = 1 << 1
	EPTExecute EPTFlags = 1 << 2
	// MemType occupies bits 3-5 (EPT memory type, e.g. write-back = 6);
	// stored verbatim and not interpreted by the walker itself.
	eptMemTypeShift = 3
	EPTAccessed EPTFlags = 1 << 8
	EPTDirty    EPTFlags = 1 << 9
	eptHuge     EPTFlags = 1 << 7

	eptAddrMask = EPTFlags(0xffffffffff000)
)

// MemType packs an EPT memory type (0=UC, 6=WB, ...) into the flags word.
func MemType(t int) EPTFlags { return EPTFlags(t&0x7) << eptMemTypeShift }

func eptPresent(f EPTFlags) bool { return f&(EPTRead|EPTWrite|EPTExecute) != 0 }

// Has reports whether all bits of want are set in f.
func (f EPTFlags) Has(want EPTFlags) bool { return f&want == want }

// EPTEntry is one second-level translation entry.
type EPTEntry uint64

func mkEPTEntry(pa mem.PA, f EPTFlags) EPTEntry {
	return EPTEntry(EPTFlags(pa)&eptAddrMask | (f &^ eptAddrMask))
}

func (e EPTEntry) Addr() mem.PA    { return mem.PA(EPTFlags(e) & eptAddrMask) }
func (e EPTEntry) Flags() EPTFlags { return EPTFlags(e) &^ eptAddrMask }
func (e EPTEntry) Present() bool   { return eptPresent(e.Flags()) }

func eptRead(f mem.Frame, idx int) EPTEntry {
	return EPTEntry(binary.LittleEndian.Uint64(f[idx*8 : idx*8+8]))
}

func eptWrite(f mem.Frame, idx int, e EPTEntry) {
	binary.LittleEndian.PutUint64(f[idx*8:idx*8+8], uint64(e))
}

func eptIndices(gpa mem.GPA) (l4, l3, l2, l1 int) {
	v := uint64(gpa)
	return int((v >> 39) & 0x1ff), int((v >> 30) & 0x1ff), int((v >> 21) & 0x1ff), int((v >> 12) & 0x1ff)
}

// EPT is one guest's second-level (GPA->HPA) translation structure
// (C11). Operations mirror pagetable.Table's walk/map/unmap but use
// EPT-format entries, per spec.md §4.11.
type EPT struct {
	pool   *mem.Pool
	root   mem.Frame
	rootPA mem.PA
}

// NewEPT allocates an empty EPT rooted at a fresh zeroed frame.
func NewEPT(pool *mem.Pool) (*EPT, bool) {
	root, pa, ok := pool.AllocZeroed()
	if !ok {
		return nil, false
	}
	return &EPT{pool: pool, root: root, rootPA: pa}, true
}

// Root returns the physical address of the EPT's top-level table,
// analogous to the EPTP field of the VMCS.
func (t *EPT) Root() mem.PA { return t.rootPA }

// Walk translates gpa to (hpa, flags), reporting present=false if any
// level of the path is absent.
func (t *EPT) Walk(gpa mem.GPA) (EPTEntry, bool) {
	l4, l3, l2, l1 := eptIndices(gpa)
	tbl := t.root
	for _, idx := range []int{l4, l3} {
		e := eptRead(tbl, idx)
		if !e.Present() {
			return 0, false
		}
		tbl = t.pool.Dmap(e.Addr())
	}
	e2 := eptRead(tbl, l2)
	if !e2.Present() {
		return 0, false
	}
	if e2.Flags()&eptHuge != 0 {
		return e2, true
	}
	tbl = t.pool.Dmap(e2.Addr())
	e1 := eptRead(tbl, l1)
	if !e1.Present() {
		return 0, false
	}
	return e1, true
}

// Map installs a 4 KiB leaf translation gpa -> hpa with the given
// permission/attribute flags, allocating any missing intermediate
// tables. It refuses to overwrite an existing mapping (the caller must
// Unmap first).
func (t *EPT) Map(gpa mem.GPA, hpa mem.PA, f EPTFlags) bool {
	if !gpa.Aligned() || !hpa.Aligned() {
		return false
	}
	l4, l3, l2, l1 := eptIndices(gpa)
	tbl := t.root
	for _, idx := range []int{l4, l3, l2} {
		e := eptRead(tbl, idx)
		if !e.Present() {
			child, pa, ok := t.pool.AllocZeroed()
			if !ok {
				return false
			}
			ne := mkEPTEntry(pa, EPTRead|EPTWrite|EPTExecute)
			eptWrite(tbl, idx, ne)
			tbl = child
		} else {
			tbl = t.pool.Dmap(e.Addr())
		}
	}
	if eptRead(tbl, l1).Present() {
		return false
	}
	eptWrite(tbl, l1, mkEPTEntry(hpa, f))
	return true
}

// Unmap clears the leaf translation for gpa, returning its former (hpa,
// flags) or ok=false if nothing was mapped there.
func (t *EPT) Unmap(gpa mem.GPA) (mem.PA, EPTFlags, bool) {
	l4, l3, l2, l1 := eptIndices(gpa)
	tbl := t.root
	for _, idx := range []int{l4, l3, l2} {
		e := eptRead(tbl, idx)
		if !e.Present() {
			return 0, 0, false
		}
		tbl = t.pool.Dmap(e.Addr())
	}
	e := eptRead(tbl, l1)
	if !e.Present() {
		return 0, 0, false
	}
	eptWrite(tbl, l1, 0)
	return e.Addr(), e.Flags(), true
}

// Protect rewrites the permission flags of the leaf entry for gpa,
// preserving its host address.
func (t *EPT) Protect(gpa mem.GPA, f EPTFlags) bool {
	hpa, _, ok := t.Unmap(gpa)
	if !ok {
		return false
	}
	return t.Map(gpa, hpa, f)
}
