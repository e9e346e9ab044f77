package hv

import (
	"github.com/casys-kaist/KeOS-sub001/errs"
	"github.com/casys-kaist/KeOS-sub001/mem"
)

// Guest owns one VM's guest-physical address space: the EPT (C11) plus
// lazy backing by real host frames drawn from the shared physical page
// pool (C2). RAM below ramSize materializes lazily, the same policy C3
// uses for anonymous VA mappings; GPAs at or above ramSize are never
// backed by RAM and any access to one that isn't claimed by a
// registered MMIODevice is an unresolvable EPT violation.
type Guest struct {
	pool    *mem.Pool
	ept     *EPT
	ramSize mem.GPA
}

// NewGuest builds a Guest with an empty EPT and a RAM ceiling of
// ramBytes, rounded up to a whole number of pages.
func NewGuest(pool *mem.Pool, ramBytes int) (*Guest, error) {
	ept, ok := NewEPT(pool)
	if !ok {
		return nil, errs.E(errs.OutOfMemory)
	}
	return &Guest{pool: pool, ept: ept, ramSize: mem.GPA(mem.RoundupPages(ramBytes))}, nil
}

// EPT returns the guest's extended page table.
func (g *Guest) EPT() *EPT { return g.ept }

// InRAM reports whether gpa falls below the guest's RAM ceiling.
func (g *Guest) InRAM(gpa mem.GPA) bool { return gpa < g.ramSize }

// materialize lazily allocates and installs a zeroed host frame for the
// RAM page containing gpa, per spec.md §4.12's "EPT violation ...
// otherwise lazily allocate+install a host page for guest RAM".
func (g *Guest) materialize(gpa mem.GPA) (mem.PA, error) {
	page := gpa.Page()
	if e, ok := g.ept.Walk(page); ok {
		return e.Addr(), nil
	}
	frame, pa, ok := g.pool.AllocZeroed()
	_ = frame
	if !ok {
		return 0, errs.E(errs.OutOfMemory)
	}
	if !g.ept.Map(page, pa, EPTRead|EPTWrite|EPTExecute|MemType(6)) {
		g.pool.Release(pa)
		return 0, errs.E(errs.OutOfMemory)
	}
	return pa, nil
}

// frameFor resolves the host frame backing the RAM page at gpa,
// materializing it on first touch. It is a Bug to call this for a GPA
// outside RAM: callers must route MMIO GPAs through the Dispatcher
// instead.
func (g *Guest) frameFor(gpa mem.GPA) mem.Frame {
	if !g.InRAM(gpa) {
		errs.Bug("hv: frameFor called on non-RAM gpa %s", gpa)
	}
	pa, err := g.materialize(gpa)
	if err != nil {
		errs.Bug("hv: guest RAM materialization failed: %v", err)
	}
	return g.pool.Dmap(pa)
}

// Read copies n bytes of guest RAM starting at gpa. Used both to fetch
// the next instruction at RIP and to satisfy MOV instructions whose
// operand is ordinary guest memory rather than an MMIO GPA.
func (g *Guest) Read(gpa mem.GPA, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; {
		off := (gpa + mem.GPA(i)).Offset()
		frame := g.frameFor(gpa + mem.GPA(i))
		k := copy(out[i:], frame[off:])
		i += k
	}
	return out
}

// Write stores b into guest RAM starting at gpa.
func (g *Guest) Write(gpa mem.GPA, b []byte) {
	for i := 0; i < len(b); {
		off := (gpa + mem.GPA(i)).Offset()
		frame := g.frameFor(gpa + mem.GPA(i))
		k := copy(frame[off:], b[i:])
		i += k
	}
}
