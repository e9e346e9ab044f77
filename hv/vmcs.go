package hv

import (
	"sync"

	"github.com/casys-kaist/KeOS-sub001/errs"
	"github.com/casys-kaist/KeOS-sub001/mem"
)

// Field identifies one VMCS field, per spec.md §4.10/§6's "standard
// Intel VT-x field encoding". Only the subset this teaching hypervisor
// actually reads/writes is enumerated; unknown fields are rejected at
// WriteField/ReadField rather than silently accepted.
type Field int

const (
	GuestCR0 Field = iota
	GuestCR3
	GuestCR4
	GuestRSP
	GuestRIP
	GuestRFLAGS
	GuestCS
	GuestSS
	HostCR0
	HostCR3
	HostCR4
	HostRSP
	HostRIP
	HostCS
	HostSS
	EPTPointer
	VMEntryInterruptionInfo
	VMExitInstructionLength
	numFields
)

// VMCS is one vCPU's control structure: a page-sized region prefixed
// with a revision ID (spec.md §4.10), owning guest state, host state,
// and the entry/exit controls this teaching hypervisor exercises.
// Active on at most one host CPU at a time, matching the architectural
// rule that a VMCS must be Clear'ed before migrating to another CPU.
type VMCS struct {
	mu         sync.Mutex
	revisionID uint32
	fields     [numFields]uint64
	activeCPU  int // -1 if clear (not loaded on any host CPU)
}

// clearedMarker is the sentinel value of activeCPU before any Load.
const clearedMarker = -1

// NewVMCS allocates a fresh, cleared VMCS region.
func NewVMCS(revisionID uint32) *VMCS {
	return &VMCS{revisionID: revisionID, activeCPU: clearedMarker}
}

// Clear evicts the VMCS from whichever host CPU currently has it
// loaded, as required before Load-ing it onto a different CPU.
func (v *VMCS) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.activeCPU = clearedMarker
}

// Load makes v the active VMCS on cpu. It is a Bug (programming
// invariant violation, spec.md §7) to Load a VMCS that is already
// active on a different CPU without first Clear-ing it.
func (v *VMCS) Load(cpu int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.activeCPU != clearedMarker && v.activeCPU != cpu {
		errs.Bug("hv: VMCS loaded on cpu %d while still active on cpu %d", cpu, v.activeCPU)
	}
	v.activeCPU = cpu
}

// Active reports whether v is currently loaded, and on which host CPU.
func (v *VMCS) Active() (cpu int, loaded bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.activeCPU, v.activeCPU != clearedMarker
}

// WriteField stores a value into field.
func (v *VMCS) WriteField(f Field, val uint64) {
	if f < 0 || f >= numFields {
		errs.Bug("hv: write to unknown VMCS field %d", f)
	}
	v.mu.Lock()
	v.fields[f] = val
	v.mu.Unlock()
}

// ReadField loads the value of field.
func (v *VMCS) ReadField(f Field) uint64 {
	if f < 0 || f >= numFields {
		errs.Bug("hv: read of unknown VMCS field %d", f)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fields[f]
}

// PopulateHostState snapshots the current host CPU's CR0/CR3/CR4,
// RSP/RIP-for-VM-exit-entry, and segment selectors into the VMCS's
// host-state fields, per spec.md §6. In this hosted simulation "current
// host segment selectors"/"CR*" are the values the VM loop's own
// runtime context supplies, since there is no real ring-0 to read them
// from.
func (v *VMCS) PopulateHostState(cr0, cr3, cr4 uint64, rsp, rip mem.VA, cs, ss uint16) {
	v.WriteField(HostCR0, cr0)
	v.WriteField(HostCR3, cr3)
	v.WriteField(HostCR4, cr4)
	v.WriteField(HostRSP, uint64(rsp))
	v.WriteField(HostRIP, uint64(rip))
	v.WriteField(HostCS, uint64(cs))
	v.WriteField(HostSS, uint64(ss))
}

// PopulateGuestState installs the initial guest-state image required to
// VM-enter into the chosen guest mode (spec.md §6): CR0/CR3/CR4,
// RSP/RIP, RFLAGS, and code/stack segment selectors.
func (v *VMCS) PopulateGuestState(cr0, cr3, cr4 uint64, rsp, rip mem.GPA, rflags uint64, cs, ss uint16) {
	v.WriteField(GuestCR0, cr0)
	v.WriteField(GuestCR3, cr3)
	v.WriteField(GuestCR4, cr4)
	v.WriteField(GuestRSP, uint64(rsp))
	v.WriteField(GuestRIP, uint64(rip))
	v.WriteField(GuestRFLAGS, rflags)
	v.WriteField(GuestCS, uint64(cs))
	v.WriteField(GuestSS, uint64(ss))
}

// SetEPTPointer records the extended page table this VMCS's guest
// translates through.
func (v *VMCS) SetEPTPointer(eptRoot mem.PA) { v.WriteField(EPTPointer, uint64(eptRoot)) }
