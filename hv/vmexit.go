package hv

import (
	"fmt"

	"github.com/casys-kaist/KeOS-sub001/errs"
	"github.com/casys-kaist/KeOS-sub001/mem"
)

// Direction is the transfer direction of a port-I/O VM-exit.
type Direction int

const (
	In Direction = iota
	Out
)

func (d Direction) String() string {
	if d == In {
		return "in"
	}
	return "out"
}

// PIOHandler is the capability a device registers for a range of I/O
// ports (spec.md §4.12): "for in/out and string variants, decode port,
// direction, width, and memory operand; call the PIO handler registered
// for that port." Grounded on gokvm's registerIOPortHandler/ioportHandlers
// table (machine.go), collapsed to one interface value per port instead
// of a [2]func array.
type PIOHandler interface {
	In(port uint16, width int) (uint64, error)
	Out(port uint16, width int, val uint64) error
}

// CPUIDResult is one leaf's register output.
type CPUIDResult struct{ EAX, EBX, ECX, EDX uint32 }

// MSRHandler is a per-MSR read/write pair; an MSR absent from the
// Dispatcher's table produces a general-protection injection into the
// guest per spec.md §4.12.
type MSRHandler struct {
	Read  func() (uint64, error)
	Write func(uint64) error
}

// MMIODevice answers loads/stores to a GPA range by EPT-violation
// emulation (spec.md §4.12's "EPT violation" handling).
type MMIODevice interface {
	Range() (start, end mem.GPA)
	Load(gpa mem.GPA, width int) (uint64, error)
	Store(gpa mem.GPA, width int, val uint64) error
}

// Hypercall is a VMCALL handler; argument passing follows spec.md §6:
// hypercall number in RAX, up to six parameters in RDI, RSI, RDX, RCX,
// R8, R9 (the teaching convention this hypervisor uses, distinct from
// the kernel's own syscall ABI which uses R10 in RCX's place).
type Hypercall func(args [6]uint64) (uint64, error)

// Dispatcher bundles the pluggable VM-exit handler capability sets
// spec.md §9 calls for: CPUID policy, MSR table, PIO handlers, MMIO
// devices, and hypercalls. Selected once at VM boot, per spec.md §9
// ("not swapped dynamically").
type Dispatcher struct {
	CPUID      map[uint32]CPUIDResult
	MSRs       map[uint32]MSRHandler
	PIO        map[uint16]PIOHandler
	MMIO       []MMIODevice
	Hypercalls map[uint64]Hypercall
}

// NewDispatcher returns an empty Dispatcher; callers register handlers
// before starting the VM loop.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		CPUID:      map[uint32]CPUIDResult{},
		MSRs:       map[uint32]MSRHandler{},
		PIO:        map[uint16]PIOHandler{},
		Hypercalls: map[uint64]Hypercall{},
	}
}

// RegisterPIO installs handler for every port in [start, end).
func (d *Dispatcher) RegisterPIO(start, end uint16, h PIOHandler) {
	for p := start; p < end; p++ {
		d.PIO[p] = h
	}
}

// mmioFor returns the device covering gpa, if any.
func (d *Dispatcher) mmioFor(gpa mem.GPA) (MMIODevice, bool) {
	for _, dev := range d.MMIO {
		start, end := dev.Range()
		if gpa >= start && gpa < end {
			return dev, true
		}
	}
	return nil, false
}

// GPFault is returned by dispatch when a handler table lookup misses
// in a way the real architecture would inject as a #GP into the guest
// rather than terminate the VM (e.g. an unmodeled MSR).
type GPFault struct{ Reason string }

func (f GPFault) Error() string { return "hv: guest #GP: " + f.Reason }

// cpuid answers a CPUID exit: known leaves come from the policy table;
// unknown leaves return all zeros per spec.md §4.12.
func (d *Dispatcher) cpuid(eax, ecx uint32) CPUIDResult {
	if r, ok := d.CPUID[eax]; ok {
		return r
	}
	return CPUIDResult{}
}

// rdmsr and wrmsr surface GPFault for an MSR not in the table, which the
// VM loop injects into the guest rather than terminating it.
func (d *Dispatcher) rdmsr(msr uint32) (uint64, error) {
	h, ok := d.MSRs[msr]
	if !ok || h.Read == nil {
		return 0, GPFault{Reason: fmt.Sprintf("rdmsr %#x", msr)}
	}
	return h.Read()
}

func (d *Dispatcher) wrmsr(msr uint32, val uint64) error {
	h, ok := d.MSRs[msr]
	if !ok || h.Write == nil {
		return GPFault{Reason: fmt.Sprintf("wrmsr %#x", msr)}
	}
	return h.Write(val)
}

// vmcall dispatches a hypercall by number (RAX); an unregistered number
// is a guest error, not a host bug.
func (d *Dispatcher) vmcall(num uint64, args [6]uint64) (uint64, error) {
	h, ok := d.Hypercalls[num]
	if !ok {
		return 0, errs.E(errs.UnknownInstruction)
	}
	return h(args)
}

// ioPort performs one single (non-string) port transfer of width bytes,
// per the PIO handler registered for port; an unregistered port is a
// fatal VM error (spec.md §4.12 Failure semantics).
func (d *Dispatcher) ioPort(dir Direction, port uint16, width int, val uint64) (uint64, error) {
	h, ok := d.PIO[port]
	if !ok {
		return 0, fmt.Errorf("hv: unhandled %s on port %#x", dir, port)
	}
	if dir == In {
		return h.In(port, width)
	}
	return 0, h.Out(port, width, val)
}

// mmioAccess performs one MMIO load/store of width bytes at gpa; per
// spec.md §4.12, an EPT violation to a GPA with no registered MMIO
// device and outside guest RAM terminates the VM (handled by the
// caller, vmloop.go, which owns the "is this backed by guest RAM"
// decision).
func (d *Dispatcher) mmioAccess(dir Direction, gpa mem.GPA, width int, val uint64) (uint64, error) {
	dev, ok := d.mmioFor(gpa)
	if !ok {
		return 0, fmt.Errorf("hv: EPT violation at %s with no MMIO device registered", gpa)
	}
	if dir == In {
		return dev.Load(gpa, width)
	}
	return 0, dev.Store(gpa, width, val)
}
