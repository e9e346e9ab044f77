// Package pagetable implements the 4-level x86-64 translation structure
// (C1): walk, map, unmap, permission edits, fork-time structural clone,
// and cross-CPU TLB invalidation. It is grounded on the teacher's
// mem.Pmap_t / PTE_* constants (biscuit/src/mem/mem.go) and the walk
// usage in vm/as.go (pmap_walk, Pmap_lookup, Tlbshoot), reworked to
// operate over mem.Pool frames addressed with encoding/binary rather
// than the teacher's unsafe-pointer direct map, since this module is
// hosted rather than freestanding.
package pagetable

import (
	"encoding/binary"

	"github.com/casys-kaist/KeOS-sub001/mem"
)

// Flags is the PTE flag bitset. Bits 9-10 are software-reserved, used here
// as COW-SHARED and FILE-BACKED per spec.md §3.
type Flags uint64

const (
	PRESENT Flags = 1 << 0
	WRITABLE Flags = 1 << 1
	USER     Flags = 1 << 2
	ACCESSED Flags = 1 << 5
	DIRTY    Flags = 1 << 6
	HUGE     Flags = 1 << 7 // 2 MiB leaf at the PD level
	COWSHARED Flags = 1 << 9
	FILEBACKED Flags = 1 << 10
	NX       Flags = 1 << 63

	addrMaskPA = Flags(0xffffffffff000) // bits 12..51, PA portion of a PTE
)

const entries = 512

// PTE is one page-table entry: a packed (PA, Flags) pair.
type PTE uint64

func mkPTE(pa mem.PA, f Flags) PTE {
	return PTE(Flags(pa)&addrMaskPA | (f &^ addrMaskPA))
}

// Addr extracts the physical address encoded in the entry.
func (e PTE) Addr() mem.PA { return mem.PA(Flags(e) & addrMaskPA) }

// Flags extracts the flag bits.
func (e PTE) Flags() Flags { return Flags(e) &^ addrMaskPA }

func (e PTE) Present() bool  { return e.Flags()&PRESENT != 0 }
func (e PTE) Writable() bool { return e.Flags()&WRITABLE != 0 }
func (e PTE) CowShared() bool { return e.Flags()&COWSHARED != 0 }

func readEntry(f mem.Frame, idx int) PTE {
	return PTE(binary.LittleEndian.Uint64(f[idx*8 : idx*8+8]))
}

func writeEntry(f mem.Frame, idx int, e PTE) {
	binary.LittleEndian.PutUint64(f[idx*8:idx*8+8], uint64(e))
}

func indices(va mem.VA) (l4, l3, l2, l1 int) {
	v := uint64(va)
	return int((v >> 39) & 0x1ff), int((v >> 30) & 0x1ff), int((v >> 21) & 0x1ff), int((v >> 12) & 0x1ff)
}

// Shootdown is the cross-CPU TLB invalidation facility spec.md §4.1
// describes: the originator broadcasts to every CPU sharing this root and
// spins until each has acknowledged.
type Shootdown interface {
	// InvalidatePage asks every CPU currently running root to flush va,
	// blocking until all have acknowledged.
	InvalidatePage(root mem.PA, va mem.VA)
	// InvalidateAll asks every CPU currently running root to reload it.
	InvalidateAll(root mem.PA)
}

// NopShootdown is a Shootdown that does nothing: correct for single-CPU
// configurations or tests where no other CPU can observe the change.
type NopShootdown struct{}

func (NopShootdown) InvalidatePage(mem.PA, mem.VA) {}
func (NopShootdown) InvalidateAll(mem.PA)          {}

// Table is one process's 4-level page table (C1).
type Table struct {
	pool      *mem.Pool
	root      mem.Frame
	rootPA    mem.PA
	shootdown Shootdown
}

// New allocates an empty top-level table.
func New(pool *mem.Pool, sd Shootdown) (*Table, bool) {
	root, pa, ok := pool.AllocZeroed()
	if !ok {
		return nil, false
	}
	if sd == nil {
		sd = NopShootdown{}
	}
	return &Table{pool: pool, root: root, rootPA: pa, shootdown: sd}, true
}

// Root returns the physical address of the top-level table, analogous to
// CR3 / EPTP.
func (t *Table) Root() mem.PA { return t.rootPA }

// Walk returns the leaf PTE for va without allocating intermediate
// tables: PRESENT=false (a zero PTE) if any level along the path is
// absent.
func (t *Table) Walk(va mem.VA) (PTE, bool) {
	l4, l3, l2, l1 := indices(va)
	tbl := t.root
	for _, idx := range []int{l4, l3} {
		e := readEntry(tbl, idx)
		if !e.Present() {
			return 0, false
		}
		tbl = t.pool.Dmap(e.Addr())
	}
	e2 := readEntry(tbl, l2)
	if !e2.Present() {
		return 0, false
	}
	if e2.Flags()&HUGE != 0 {
		return e2, true
	}
	tbl = t.pool.Dmap(e2.Addr())
	e1 := readEntry(tbl, l1)
	if !e1.Present() {
		return 0, false
	}
	return e1, true
}

// WalkMut returns a settable reference to the leaf slot for va,
// allocating any missing intermediate tables along the way. It returns
// ok=false only on OOM.
func (t *Table) WalkMut(va mem.VA) (*Ref, bool) {
	l4, l3, l2, l1 := indices(va)
	tbl := t.root
	for _, idx := range []int{l4, l3, l2} {
		e := readEntry(tbl, idx)
		if !e.Present() {
			child, pa, ok := t.pool.AllocZeroed()
			if !ok {
				return nil, false
			}
			ne := mkPTE(pa, PRESENT|WRITABLE|USER)
			writeEntry(tbl, idx, ne)
			e = ne
			tbl = child
		} else {
			tbl = t.pool.Dmap(e.Addr())
		}
	}
	return &Ref{frame: tbl, idx: l1}, true
}

// Ref is a settable reference to one leaf PTE slot.
type Ref struct {
	frame mem.Frame
	idx   int
}

func (r *Ref) Get() PTE     { return readEntry(r.frame, r.idx) }
func (r *Ref) Set(e PTE)    { writeEntry(r.frame, r.idx, e) }

// MapResult reports the outcome of Map.
type MapResult int

const (
	OK MapResult = iota
	DUPLICATED
	UNALIGNED
)

// Map installs a leaf translation va -> pa with the given flags.
func (t *Table) Map(va mem.VA, pa mem.PA, f Flags) MapResult {
	if !va.Aligned() || !pa.Aligned() {
		return UNALIGNED
	}
	ref, ok := t.WalkMut(va)
	if !ok {
		return DUPLICATED // OOM surfaces to caller as "could not map"; see Pager for OOM errs
	}
	if ref.Get().Present() {
		return DUPLICATED
	}
	ref.Set(mkPTE(pa, f|PRESENT))
	return OK
}

// Unmap clears the leaf translation for va, returning its former (pa,
// flags), or ok=false if nothing was mapped there.
func (t *Table) Unmap(va mem.VA) (mem.PA, Flags, bool) {
	ref, ok := t.WalkMut(va)
	if !ok {
		return 0, 0, false
	}
	e := ref.Get()
	if !e.Present() {
		return 0, 0, false
	}
	ref.Set(0)
	t.shootdown.InvalidatePage(t.rootPA, va)
	return e.Addr(), e.Flags(), true
}

// Protect rewrites the flags of the leaf PTE for va, preserving its
// address. Tightening a permission requires a broadcast shootdown per
// spec.md §4.1(a); loosening only needs local invalidation, which the
// caller's Shootdown implementation may special-case.
func (t *Table) Protect(va mem.VA, f Flags) bool {
	ref, ok := t.WalkMut(va)
	if !ok {
		return false
	}
	e := ref.Get()
	if !e.Present() {
		return false
	}
	tightened := e.Writable() && f&WRITABLE == 0
	ref.Set(mkPTE(e.Addr(), f|PRESENT))
	if tightened {
		t.shootdown.InvalidatePage(t.rootPA, va)
	}
	return true
}

// CloneForFork clones the intermediate table structure into a new root
// but shares leaf frames with the original, stripping WRITABLE and
// setting COWSHARED on both sides — spec.md §4.1's fork contract. It
// retains every shared USER leaf frame once, for the child's reference
// (the caller doesn't need to Retain again), and broadcasts one
// InvalidateAll for the parent's root, whose leaves lost WRITABLE.
func (t *Table) CloneForFork() (*Table, bool) {
	child, ok := New(t.pool, t.shootdown)
	if !ok {
		return nil, false
	}
	ok = t.cloneLevel(t.root, child.root, 3)
	t.shootdown.InvalidateAll(t.rootPA)
	if !ok {
		return nil, false
	}
	return child, true
}

func (t *Table) cloneLevel(src, dst mem.Frame, level int) bool {
	for idx := 0; idx < entries; idx++ {
		e := readEntry(src, idx)
		if !e.Present() {
			continue
		}
		if level == 0 || e.Flags()&HUGE != 0 {
			// Leaf: share the frame, strip WRITABLE, set COWSHARED on
			// both copies.
			if e.Writable() {
				newFlags := (e.Flags() &^ WRITABLE) | COWSHARED
				writeEntry(src, idx, mkPTE(e.Addr(), newFlags))
				writeEntry(dst, idx, mkPTE(e.Addr(), newFlags))
			} else {
				writeEntry(dst, idx, e)
			}
			if e.Flags()&USER != 0 {
				t.pool.Retain(e.Addr())
			}
			continue
		}
		// Intermediate: recursively clone the child table.
		childSrc := t.pool.Dmap(e.Addr())
		childDst, childPA, ok := t.pool.AllocZeroed()
		if !ok {
			return false
		}
		writeEntry(dst, idx, mkPTE(childPA, e.Flags()))
		if !t.cloneLevel(childSrc, childDst, level-1) {
			return false
		}
	}
	return true
}
