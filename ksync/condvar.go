package ksync

import (
	"sync"

	"github.com/casys-kaist/KeOS-sub001/sched"
)

// CondVar is a FIFO wait queue always used paired with a caller-supplied
// Mutex, per spec.md §4.6.
type CondVar struct {
	mu      sync.Mutex
	waiters []*sched.Thread_t
}

// WaitWhile must be called with m held by current. While pred returns
// true it atomically enqueues current and releases m, parks, and on wake
// reacquires m before re-checking pred; it returns once pred is false,
// with m held again.
func (c *CondVar) WaitWhile(m *Mutex, current *sched.Thread_t, pred func() bool) {
	for pred() {
		c.mu.Lock()
		c.waiters = append(c.waiters, current)
		c.mu.Unlock()

		m.Unlock(current)
		sched.Park(current)
		m.Lock(current)
	}
}

// Signal wakes one waiter. m must be held by current — signaling without
// the guard held risks a missed wakeup, so this panics if it is not.
func (c *CondVar) Signal(m *Mutex, current *sched.Thread_t) {
	if !m.heldBy(current) {
		panic("ksync: condvar signal without mutex held")
	}
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		return
	}
	next := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.mu.Unlock()
	sched.Unpark(sched.Handle(next))
}

// Broadcast wakes every waiter. m must be held by current.
func (c *CondVar) Broadcast(m *Mutex, current *sched.Thread_t) {
	if !m.heldBy(current) {
		panic("ksync: condvar broadcast without mutex held")
	}
	c.mu.Lock()
	all := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, t := range all {
		sched.Unpark(sched.Handle(t))
	}
}
