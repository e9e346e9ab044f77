package hv

import (
	"fmt"
	"io"
)

// Standard hypercall numbers spec.md §4.12 names explicitly, ahead of
// any device-specific calls a guest or test registers on top of them.
const (
	HypercallExit  uint64 = 0
	HypercallPrint uint64 = 1
)

// VMExitRequest is returned by the exit(code) hypercall to signal a
// guest-requested, graceful shutdown rather than a VM-exit dispatch
// failure. Step/VMLoop treat it as "propagate the code to the owner",
// per spec.md §4.12, not as the diagnostic termination a real dispatch
// error causes.
type VMExitRequest struct {
	Code int64
}

func (e VMExitRequest) Error() string {
	return fmt.Sprintf("guest requested exit(%d)", e.Code)
}

// RegisterStandardHypercalls installs the exit(code) and print(char)
// conventions onto disp: exit(code) (RDI holds code) returns a
// VMExitRequest for the VM loop to recognize, and print(char) (RDI
// holds the character) writes it to console.
func RegisterStandardHypercalls(disp *Dispatcher, console io.Writer) {
	disp.Hypercalls[HypercallExit] = func(args [6]uint64) (uint64, error) {
		return 0, VMExitRequest{Code: int64(args[0])}
	}
	disp.Hypercalls[HypercallPrint] = func(args [6]uint64) (uint64, error) {
		_, err := console.Write([]byte{byte(args[0])})
		return 0, err
	}
}
