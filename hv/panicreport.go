package hv

import (
	"github.com/ianlancetaylor/demangle"

	"github.com/casys-kaist/KeOS-sub001/klog"
	"github.com/casys-kaist/KeOS-sub001/mem"
)

// GuestPanicArgs is the hypercall convention a guest panic handler uses
// to report a crash to the host: RDI/RSI bound the mangled symbol name
// of the panicking function in guest memory, RDX carries the faulting
// guest instruction pointer. The guest kernel's symbol names are
// Rust-mangled (the system this module's guest ABI descends from is a
// Rust kernel), so the host demangles them before logging.
const GuestPanicArgs = 6

// NewGuestPanicHypercall returns a Hypercall that reads a mangled
// symbol name out of guest memory, demangles it for a human-readable
// crash log, and acknowledges the report (return value is unused by
// the guest, which halts immediately after the call).
func NewGuestPanicHypercall(guest *Guest) Hypercall {
	return func(args [GuestPanicArgs]uint64) (uint64, error) {
		ptr := mem.GPA(args[0])
		n := args[1]
		ip := args[2]

		const maxSymbolLen = 512
		if n > maxSymbolLen {
			n = maxSymbolLen
		}

		mangled := string(guest.Read(ptr, int(n)))
		readable := demangle.Filter(mangled)

		klog.Default().Error("guest panic",
			"symbol", readable,
			"mangled", mangled,
			"rip", ip,
		)
		return 0, nil
	}
}
