// Package ksync implements the sleeping synchronization primitives (C6):
// Mutex, CondVar, and Semaphore, built directly over sched's park/unpark,
// per spec.md §4.6. None of the retrieved pack's Go repos implement a
// kernel-level sync layer of this kind (biscuit leans on its forked
// runtime's own locks), so the wait-queue shape and call contracts below
// follow spec.md directly, in the teacher's explicit-unlock, no-reentrance
// style rather than Go's usual RAII mutex.
package ksync

import (
	"sync"

	"github.com/casys-kaist/KeOS-sub001/sched"
)

// Mutex wraps an inner spinlock (stood in here by a plain sync.Mutex,
// since a hosted simulation has no cheaper primitive) guarding a boolean
// lock state and a FIFO wait queue of blocked threads. Unlock is explicit:
// dropping it without calling Unlock is a programming bug.
type Mutex struct {
	inner   sync.Mutex
	locked  bool
	owner   *sched.Thread_t
	waiters []*sched.Thread_t
}

// Lock acquires the mutex, blocking current on contention.
func (m *Mutex) Lock(current *sched.Thread_t) {
	for {
		m.inner.Lock()
		if !m.locked {
			m.locked = true
			m.owner = current
			m.inner.Unlock()
			return
		}
		m.waiters = append(m.waiters, current)
		m.inner.Unlock()
		sched.Park(current)
	}
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock(current *sched.Thread_t) bool {
	m.inner.Lock()
	defer m.inner.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	m.owner = current
	return true
}

// Unlock releases the mutex. current must be the thread that currently
// holds it; calling Unlock on an unlocked mutex, or from a thread that
// does not own it, is a programming bug and panics.
func (m *Mutex) Unlock(current *sched.Thread_t) {
	m.inner.Lock()
	if !m.locked || m.owner != current {
		m.inner.Unlock()
		panic("ksync: unlock of unlocked mutex or unlock by non-owner")
	}
	m.locked = false
	m.owner = nil
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		sched.Unpark(sched.Handle(next))
	}
	m.inner.Unlock()
}

// heldBy reports whether current holds the mutex — used by CondVar to
// enforce that signal/broadcast are called with the mutex held.
func (m *Mutex) heldBy(current *sched.Thread_t) bool {
	m.inner.Lock()
	defer m.inner.Unlock()
	return m.locked && m.owner == current
}
