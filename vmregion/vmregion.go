// Package vmregion implements the per-address-space ordered collection of
// Mappings described in spec.md §3-§4.3, grounded on the teacher's
// vm.Vmregion_t / vm.Vminfo_t (referenced throughout biscuit/src/vm/as.go
// though their defining file was not part of the retrieved pack; the
// shape here — mtype_t, perms, file-backing — follows as.go's own use of
// vmi.Mtype, vmi.Perms, vmi.file.foff, vmi._mkvmi).
package vmregion

import (
	"sort"

	"github.com/casys-kaist/KeOS-sub001/mem"
)

// Policy is the mapping's materialization policy.
type Policy int

const (
	Eager Policy = iota
	Lazy
	CowChild
)

// Perm is the mapping's effective permission bits.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// Backing describes an optional file backing a mapping.
type Backing struct {
	File   FileRef
	Offset int
	Shared bool
}

// FileRef is the narrow capability a Mapping needs from whatever object
// backs a file-mapped region: read a page's worth of content at an
// offset. It keeps vmregion decoupled from any particular fs package.
type FileRef interface {
	ReadPage(offset int, buf []byte) (int, error)
}

// Mapping is a half-open VA range with its permissions, optional file
// backing, and materialization policy. Mappings in one address space
// never overlap (spec.md §3).
type Mapping struct {
	Start, End mem.VA
	Perm       Perm
	Policy     Policy
	Backing    *Backing
}

// Contains reports whether va falls within [Start, End).
func (m *Mapping) Contains(va mem.VA) bool { return va >= m.Start && va < m.End }

// Region is the ordered, non-overlapping collection of Mappings for one
// address space.
type Region struct {
	maps []*Mapping // sorted by Start
}

// ErrOverlap is returned by Insert when the new mapping intersects an
// existing one.
type ErrOverlap struct{}

func (ErrOverlap) Error() string { return "vmregion: overlapping mapping" }

// Insert adds m to the region, keeping it sorted. It refuses to insert an
// overlapping range.
func (r *Region) Insert(m *Mapping) error {
	i := sort.Search(len(r.maps), func(i int) bool { return r.maps[i].Start >= m.Start })
	if i > 0 && r.maps[i-1].End > m.Start {
		return ErrOverlap{}
	}
	if i < len(r.maps) && m.End > r.maps[i].Start {
		return ErrOverlap{}
	}
	r.maps = append(r.maps, nil)
	copy(r.maps[i+1:], r.maps[i:])
	r.maps[i] = m
	return nil
}

// Lookup returns the Mapping covering va, if any.
func (r *Region) Lookup(va mem.VA) (*Mapping, bool) {
	i := sort.Search(len(r.maps), func(i int) bool { return r.maps[i].End > va })
	if i < len(r.maps) && r.maps[i].Contains(va) {
		return r.maps[i], true
	}
	return nil, false
}

// Remove deletes the mapping starting exactly at start, if present, and
// reports whether one was removed.
func (r *Region) Remove(start mem.VA) (*Mapping, bool) {
	i := sort.Search(len(r.maps), func(i int) bool { return r.maps[i].Start >= start })
	if i < len(r.maps) && r.maps[i].Start == start {
		m := r.maps[i]
		r.maps = append(r.maps[:i], r.maps[i+1:]...)
		return m, true
	}
	return nil, false
}

// All returns the mappings in address order. Callers must not mutate the
// returned slice.
func (r *Region) All() []*Mapping { return r.maps }

// Clear drops every mapping, e.g. when an address space is being torn
// down. It does not close or release anything the mappings refer to.
func (r *Region) Clear() { r.maps = nil }

// FindUnused returns the lowest VA at or above start that has len bytes
// free, mirroring the teacher's Vm_t.Unusedva_inner.
func (r *Region) FindUnused(start mem.VA, length int) mem.VA {
	candidate := start
	for _, m := range r.maps {
		if candidate+mem.VA(length) <= m.Start {
			return candidate
		}
		if candidate < m.End {
			candidate = m.End
		}
	}
	return candidate
}
