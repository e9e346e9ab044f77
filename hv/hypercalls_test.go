package hv

import (
	"bytes"
	"context"
	"testing"

	"github.com/casys-kaist/KeOS-sub001/mem"
)

// TestExitHypercallPropagatesCodeWithoutError is spec.md §4.12's
// exit(code) convention: VMCALL #0 halts the vCPU and records the
// guest's exit code, but Step reports no error — a graceful shutdown,
// not a dispatch failure.
func TestExitHypercallPropagatesCodeWithoutError(t *testing.T) {
	guest, _ := newTestGuest(t)
	disp := NewDispatcher()
	var out bytes.Buffer
	RegisterStandardHypercalls(disp, &out)

	const rip = mem.GPA(0x6000)
	guest.Write(rip, []byte{0x0F, 0x01, 0xC1}) // VMCALL
	vmcs := NewVMCS(1)
	vmcs.WriteField(GuestRIP, uint64(rip))
	vm := NewVM(0, vmcs, guest, disp)
	vm.Regs.RAX = HypercallExit
	vm.Regs.RDI = 7

	halted, err := vm.Step()
	if err != nil {
		t.Fatalf("exit hypercall returned an error: %v", err)
	}
	if !halted || !vm.Halted {
		t.Fatal("exit hypercall should halt the vCPU")
	}
	if vm.ExitCode == nil || *vm.ExitCode != 7 {
		t.Fatalf("ExitCode = %v, want 7", vm.ExitCode)
	}
}

// TestPrintHypercallWritesToConsole is spec.md §4.12's print(char)
// convention.
func TestPrintHypercallWritesToConsole(t *testing.T) {
	guest, _ := newTestGuest(t)
	disp := NewDispatcher()
	var out bytes.Buffer
	RegisterStandardHypercalls(disp, &out)

	const rip = mem.GPA(0x7000)
	guest.Write(rip, []byte{0x0F, 0x01, 0xC1, 0xF4}) // VMCALL; HLT
	vmcs := NewVMCS(1)
	vmcs.WriteField(GuestRIP, uint64(rip))
	vm := NewVM(0, vmcs, guest, disp)
	vm.Regs.RAX = HypercallPrint
	vm.Regs.RDI = 'A'

	loop := &VMLoop{VMs: []*VM{vm}}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("VM loop: %v", err)
	}
	if out.String() != "A" {
		t.Fatalf("console output = %q, want %q", out.String(), "A")
	}
}
