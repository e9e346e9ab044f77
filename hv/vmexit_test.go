package hv

import (
	"context"
	"testing"

	"github.com/casys-kaist/KeOS-sub001/mem"
)

// recordingPIO is a PIOHandler that records every byte written to it, in
// order, for spec.md §8 scenario S6.
type recordingPIO struct{ got []byte }

func (r *recordingPIO) In(port uint16, width int) (uint64, error) { return 0, nil }
func (r *recordingPIO) Out(port uint16, width int, val uint64) error {
	r.got = append(r.got, byte(val))
	return nil
}

func newTestGuest(t *testing.T) (*Guest, *mem.Pool) {
	t.Helper()
	pool := newTestPool(t, 256)
	g, err := NewGuest(pool, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	return g, pool
}

// writeOutProgram assembles, at gpa, a "mov al, c; out dx, al" pair per
// byte of s, terminated with HLT, and returns its length. DX is expected
// to already hold the target port (set directly on the vCPU's GPRs, the
// way a real boot loader's initial register image would, rather than
// emitted as guest code).
func writeOutProgram(g *Guest, gpa mem.GPA, s string) int {
	code := make([]byte, 0, len(s)*3+1)
	for i := 0; i < len(s); i++ {
		code = append(code, 0xB0, s[i]) // MOV AL, imm8
		code = append(code, 0xEE)       // OUT DX, AL
	}
	code = append(code, 0xF4) // HLT
	g.Write(gpa, code)
	return len(code)
}

// TestPIOExitSequence is spec.md §8 scenario S6: the guest executes
// `out dx, al` for the sequence "Hello pio\n" and the registered port
// handler observes exactly those bytes in order.
func TestPIOExitSequence(t *testing.T) {
	guest, _ := newTestGuest(t)
	const rip = mem.GPA(0x1000)
	const msg = "Hello pio\n"
	writeOutProgram(guest, rip, msg)

	disp := NewDispatcher()
	pio := &recordingPIO{}
	disp.RegisterPIO(0x3f8, 0x3f9, pio)

	vmcs := NewVMCS(1)
	vmcs.WriteField(GuestRIP, uint64(rip))
	vm := NewVM(0, vmcs, guest, disp)
	vm.Regs.RDX = 0x3f8

	loop := &VMLoop{VMs: []*VM{vm}}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("VM loop: %v", err)
	}
	if !vm.Halted {
		t.Fatal("vm did not halt")
	}
	if string(pio.got) != msg {
		t.Fatalf("port observed %q, want %q", pio.got, msg)
	}
}

func TestCPUIDUnknownLeafIsZero(t *testing.T) {
	guest, _ := newTestGuest(t)
	disp := NewDispatcher()
	disp.CPUID[0] = CPUIDResult{EAX: 1, EBX: 2, ECX: 3, EDX: 4}

	const rip = mem.GPA(0x2000)
	guest.Write(rip, []byte{0x0F, 0xA2, 0xF4}) // CPUID; HLT
	vmcs := NewVMCS(1)
	vmcs.WriteField(GuestRIP, uint64(rip))
	vm := NewVM(0, vmcs, guest, disp)
	vm.Regs.RAX = 0 // leaf 0: known
	if _, err := vm.Step(); err != nil {
		t.Fatal(err)
	}
	if vm.Regs.RBX != 2 || vm.Regs.RCX != 3 || vm.Regs.RDX != 4 {
		t.Fatalf("known leaf 0 mismatch: %+v", vm.Regs)
	}

	vm.Regs.RIP = uint64(rip)
	vm.Regs.RAX = 99 // unknown leaf: all zeros
	if _, err := vm.Step(); err != nil {
		t.Fatal(err)
	}
	if vm.Regs.RAX != 0 || vm.Regs.RBX != 0 {
		t.Fatalf("unknown leaf not zeroed: %+v", vm.Regs)
	}
}

func TestWRMSRUnknownInjectsGPNotFatal(t *testing.T) {
	guest, _ := newTestGuest(t)
	disp := NewDispatcher()
	const rip = mem.GPA(0x3000)
	guest.Write(rip, []byte{0x0F, 0x30, 0xF4}) // WRMSR; HLT
	vmcs := NewVMCS(1)
	vmcs.WriteField(GuestRIP, uint64(rip))
	vm := NewVM(0, vmcs, guest, disp)
	vm.Regs.RCX = 0xC0000080 // EFER, unregistered
	halted, err := vm.Step()
	if err != nil {
		t.Fatalf("unmodeled MSR should inject #GP, not terminate: %v", err)
	}
	if halted {
		t.Fatal("should not halt on an injected #GP")
	}
}

func TestVMCallDispatchesHypercall(t *testing.T) {
	guest, _ := newTestGuest(t)
	disp := NewDispatcher()
	var gotArg uint64
	disp.Hypercalls[1] = func(args [6]uint64) (uint64, error) {
		gotArg = args[0]
		return 42, nil
	}
	const rip = mem.GPA(0x4000)
	guest.Write(rip, []byte{0x0F, 0x01, 0xC1, 0xF4}) // VMCALL; HLT
	vmcs := NewVMCS(1)
	vmcs.WriteField(GuestRIP, uint64(rip))
	vm := NewVM(0, vmcs, guest, disp)
	vm.Regs.RAX = 1   // print
	vm.Regs.RDI = 'H' // arg0
	if _, err := vm.Step(); err != nil {
		t.Fatal(err)
	}
	if gotArg != 'H' {
		t.Fatalf("hypercall arg = %v, want 'H'", gotArg)
	}
	if vm.Regs.RAX != 42 {
		t.Fatalf("hypercall return = %v, want 42", vm.Regs.RAX)
	}
}

// TestMMIOStoreRoutesToDevice is spec.md §4.12's EPT-violation MMIO
// path: a store to a GPA registered to a device is emulated as a
// load/store of the decoded width rather than touching guest RAM.
type recordingMMIO struct {
	start, end mem.GPA
	stores     []uint64
}

func (d *recordingMMIO) Range() (mem.GPA, mem.GPA) { return d.start, d.end }
func (d *recordingMMIO) Load(gpa mem.GPA, width int) (uint64, error) { return 0, nil }
func (d *recordingMMIO) Store(gpa mem.GPA, width int, val uint64) error {
	d.stores = append(d.stores, val)
	return nil
}

func TestMMIOStoreRoutesToDevice(t *testing.T) {
	guest, _ := newTestGuest(t)
	dev := &recordingMMIO{start: 0xf0000000, end: 0xf0001000}
	disp := NewDispatcher()
	disp.MMIO = append(disp.MMIO, dev)

	const rip = mem.GPA(0x5000)
	// mov dword ptr [rbx], eax ; hlt
	guest.Write(rip, []byte{0x89, 0x03, 0xF4})
	vmcs := NewVMCS(1)
	vmcs.WriteField(GuestRIP, uint64(rip))
	vm := NewVM(0, vmcs, guest, disp)
	vm.Regs.RBX = uint64(dev.start)
	vm.Regs.RAX = 0xcafef00d
	if _, err := vm.Step(); err != nil {
		t.Fatal(err)
	}
	if len(dev.stores) != 1 || dev.stores[0] != 0xcafef00d {
		t.Fatalf("mmio store = %v, want [0xcafef00d]", dev.stores)
	}
}
