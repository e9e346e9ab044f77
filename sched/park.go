// Package sched implements the park/unpark facility and the per-core
// preemptive round-robin scheduler (C5), per spec.md §4.5. It is the
// hosted stand-in for the teacher's thread/CPU machinery: biscuit's
// proc/ package (the likely home of an equivalent in the original
// project) was not present in the retrieved pack, so the scheduling
// state machine and naming below follow spec.md directly, in the
// teacher's _t-suffixed, explicit-lock style.
package sched

import (
	"sync"
)

// State is a thread's scheduling state.
type State int

const (
	Running State = iota
	Ready
	Parked
	Idle
	Exited
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Ready:
		return "READY"
	case Parked:
		return "PARKED"
	case Idle:
		return "IDLE"
	case Exited:
		return "EXITED"
	default:
		return "UNKNOWN"
	}
}

// Thread_t is one schedulable thread. Real register/stack state belongs
// to whatever caller builds Thread_t (a process/VCPU abstraction out of
// this package's scope); sched only tracks what scheduling needs.
type Thread_t struct {
	mu sync.Mutex

	ID       uint64
	state    State
	pinned   bool
	affinity int // home CPU index, meaningful only when pinned

	quantum   int // remaining quantum ticks
	terminate bool

	wake chan struct{} // one-slot wake token sent by Unpark to resume a parked thread
}

// NewThread constructs a thread in the Ready state with a fresh wake
// channel.
func NewThread(id uint64) *Thread_t {
	return &Thread_t{ID: id, state: Ready, wake: make(chan struct{}, 1)}
}

// State returns the thread's current scheduling state.
func (t *Thread_t) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pin fixes the thread to a specific CPU: it is never stolen and is only
// ever dequeued by its home CPU (spec.md §4.5 Affinity).
func (t *Thread_t) Pin(cpu int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pinned = true
	t.affinity = cpu
}

// Pinned reports whether the thread is pinned, and to which CPU.
func (t *Thread_t) Pinned() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.affinity, t.pinned
}

// RequestTermination sets the thread's termination flag, checked at the
// next scheduler entry — the only way spec.md §5 allows interrupting a
// parked thread short of process teardown.
func (t *Thread_t) RequestTermination() {
	t.mu.Lock()
	t.terminate = true
	t.mu.Unlock()
}

// Terminating reports whether termination has been requested.
func (t *Thread_t) Terminating() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminate
}

// ParkHandle is the opaque handle returned by Park, held by whoever
// intends to wake the thread later.
type ParkHandle struct {
	thread *Thread_t
}

// Park transitions t to Parked and suspends the calling goroutine until
// some party calls Unpark(handle). It must only be called by the
// goroutine simulating t's execution.
func Park(t *Thread_t) ParkHandle {
	t.mu.Lock()
	t.state = Parked
	t.mu.Unlock()

	<-t.wake
	return ParkHandle{thread: t}
}

// Unpark transitions t from Parked to Ready and wakes it; it does not put
// t on a run queue (Scheduler.Unpark does that). Calling Unpark on a thread that is not parked is a no-op
// racing-wakeup (the park loop will simply not block next time), matching
// how CondVar/Semaphore use it.
func Unpark(h ParkHandle) {
	t := h.thread
	t.mu.Lock()
	if t.state == Parked {
		t.state = Ready
	}
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Handle wraps a Thread_t as a ParkHandle without requiring the thread to
// currently be parked — used by the scheduler's own push path.
func Handle(t *Thread_t) ParkHandle { return ParkHandle{thread: t} }

// Thread returns the thread this handle refers to.
func (h ParkHandle) Thread() *Thread_t { return h.thread }
