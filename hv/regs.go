package hv

import "golang.org/x/arch/x86/x86asm"

// GPRs is the saved general-purpose register block for one vCPU,
// grounded on gokvm's kvm.Regs / SaveCPUState(state.go): the VM loop
// spills this on every VM-exit and reloads it on VM-entry (spec.md
// §4.10).
type GPRs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Get reads a general-purpose register by its x86asm.Reg identity, used
// by the instruction emulator (C12) to resolve decoded operands.
func (g *GPRs) Get(r x86asm.Reg) uint64 {
	switch r {
	case x86asm.RAX, x86asm.EAX, x86asm.AX, x86asm.AL:
		return g.RAX
	case x86asm.RBX, x86asm.EBX, x86asm.BX, x86asm.BL:
		return g.RBX
	case x86asm.RCX, x86asm.ECX, x86asm.CX, x86asm.CL:
		return g.RCX
	case x86asm.RDX, x86asm.EDX, x86asm.DX, x86asm.DL:
		return g.RDX
	case x86asm.RSI, x86asm.ESI, x86asm.SI:
		return g.RSI
	case x86asm.RDI, x86asm.EDI, x86asm.DI:
		return g.RDI
	case x86asm.RBP, x86asm.EBP, x86asm.BP:
		return g.RBP
	case x86asm.RSP, x86asm.ESP, x86asm.SP:
		return g.RSP
	default:
		return 0
	}
}

// Set writes a general-purpose register, truncating low8/16/32-bit
// writes per the architectural rule that a 32-bit write zero-extends
// but an 8/16-bit write preserves the upper bits.
func (g *GPRs) Set(r x86asm.Reg, v uint64) {
	if r >= x86asm.EAX && r <= x86asm.R15L {
		v &= 0xffffffff
	}
	switch r {
	case x86asm.RAX, x86asm.EAX:
		g.RAX = v
	case x86asm.AL:
		g.RAX = g.RAX&^0xff | v&0xff
	case x86asm.AX:
		g.RAX = g.RAX&^0xffff | v&0xffff
	case x86asm.RBX, x86asm.EBX:
		g.RBX = v
	case x86asm.RCX, x86asm.ECX:
		g.RCX = v
	case x86asm.RDX, x86asm.EDX:
		g.RDX = v
	case x86asm.RSI, x86asm.ESI:
		g.RSI = v
	case x86asm.RDI, x86asm.EDI:
		g.RDI = v
	case x86asm.RBP, x86asm.EBP:
		g.RBP = v
	case x86asm.RSP, x86asm.ESP:
		g.RSP = v
	}
}

// DirectionFlag reports RFLAGS.DF, which the string I/O emulator (C12)
// uses to decide whether (E/R)SI/(E/R)DI advance or retreat.
func (g *GPRs) DirectionFlag() bool { return g.RFLAGS&(1<<10) != 0 }
