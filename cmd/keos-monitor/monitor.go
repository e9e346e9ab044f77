package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// ErrNoTTY is returned when stdin is not a terminal, mirroring
// smoynes-elsie/internal/tty's Console.
var ErrNoTTY = errors.New("keos-monitor: stdin is not a tty")

// Monitor is a raw-mode console that redraws a single status line per
// tick and forwards key presses to the caller.
type Monitor struct {
	fd    int
	out   *term.Terminal
	state *term.State
	keyCh chan byte
}

// NewMonitor puts stdin into raw mode and starts a background reader
// that forwards each byte on Keys(). It returns ErrNoTTY if stdin is
// not a terminal, in which case the caller should fall back to plain
// output.
func NewMonitor(in, out *os.File) (*Monitor, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	m := &Monitor{
		fd:    fd,
		out:   term.NewTerminal(out, ""),
		state: saved,
		keyCh: make(chan byte, 8),
	}
	go m.readKeys(in)
	return m, nil
}

// Keys returns the channel keypresses are delivered on.
func (m *Monitor) Keys() <-chan byte { return m.keyCh }

// Render overwrites the current line with msg.
func (m *Monitor) Render(msg string) {
	fmt.Fprintf(m.out, "\r\x1b[K%s", msg)
}

// Restore returns the terminal to its original mode.
func (m *Monitor) Restore() {
	_ = term.Restore(m.fd, m.state)
}

func (m *Monitor) readKeys(in *os.File) {
	r := bufio.NewReader(in)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		m.keyCh <- b
	}
}
