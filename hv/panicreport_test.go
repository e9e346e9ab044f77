package hv

import (
	"bytes"
	"strings"
	"testing"

	"github.com/casys-kaist/KeOS-sub001/klog"
	"github.com/casys-kaist/KeOS-sub001/mem"
)

// captureLog routes klog's default logger into a buffer for the rest of
// the test.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := klog.Default()
	klog.SetDefault(klog.New("hv", &buf))
	t.Cleanup(func() { klog.SetDefault(prev) })
	return &buf
}

// TestGuestPanicHypercallDemangles exercises the guest-panic reporting
// convention: a Rust-mangled symbol in guest memory is read, demangled,
// and the call still succeeds even though the readable symbol itself
// isn't returned to the guest (only a VM-exit error would be).
func TestGuestPanicHypercallDemangles(t *testing.T) {
	guest, _ := newTestGuest(t)
	const mangled = "_ZN4core6option15Option$LT$T$GT$6unwrap17h1a2b3c4d5e6f7a8bE"
	const gpa = mem.GPA(0x8000)
	guest.Write(gpa, []byte(mangled))
	logged := captureLog(t)

	fn := NewGuestPanicHypercall(guest)
	ret, err := fn([GuestPanicArgs]uint64{uint64(gpa), uint64(len(mangled)), 0xdeadbeef})
	if err != nil {
		t.Fatalf("guest panic hypercall: %v", err)
	}
	if ret != 0 {
		t.Fatalf("return = %d, want 0", ret)
	}
	if out := logged.String(); !strings.Contains(out, "symbol=") || strings.Contains(out, "symbol="+mangled) {
		t.Fatalf("logged symbol was not demangled: %q", out)
	}
}

// TestGuestPanicHypercallPassesThroughUnmangled ensures a plain ASCII
// symbol (one Filter doesn't recognize as mangled) is reported
// unharmed rather than mangled further or rejected.
func TestGuestPanicHypercallPassesThroughUnmangled(t *testing.T) {
	guest, _ := newTestGuest(t)
	const sym = "kmain"
	const gpa = mem.GPA(0x9000)
	guest.Write(gpa, []byte(sym))
	logged := captureLog(t)

	fn := NewGuestPanicHypercall(guest)
	if _, err := fn([GuestPanicArgs]uint64{uint64(gpa), uint64(len(sym)), 0}); err != nil {
		t.Fatalf("guest panic hypercall: %v", err)
	}
	if out := logged.String(); !strings.Contains(out, "symbol=kmain mangled=kmain") {
		t.Fatalf("plain symbol not logged unchanged: %q", out)
	}
}
