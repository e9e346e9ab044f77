package ksync

import "github.com/casys-kaist/KeOS-sub001/sched"

// Semaphore is a counting semaphore over an internal Mutex+CondVar, per
// spec.md §4.6.
type Semaphore struct {
	mu      Mutex
	cv      CondVar
	permits int
}

// NewSemaphore creates a semaphore with n initial permits.
func NewSemaphore(n int) *Semaphore { return &Semaphore{permits: n} }

// Permit is the scoped handle Wait returns; Release must be called
// exactly once, mirroring Mutex's explicit-unlock discipline.
type Permit struct {
	sem      *Semaphore
	owner    *sched.Thread_t
	released bool
}

// Wait decrements the permit count, blocking current until one is
// available.
func (s *Semaphore) Wait(current *sched.Thread_t) *Permit {
	s.mu.Lock(current)
	s.cv.WaitWhile(&s.mu, current, func() bool { return s.permits == 0 })
	s.permits--
	s.mu.Unlock(current)
	return &Permit{sem: s, owner: current}
}

// Signal increments the permit count and wakes one waiter, if any.
func (s *Semaphore) Signal(current *sched.Thread_t) {
	s.mu.Lock(current)
	s.permits++
	s.cv.Signal(&s.mu, current)
	s.mu.Unlock(current)
}

// Release returns the permit, equivalent to calling Signal on the
// semaphore it came from. Releasing a permit twice is a programming bug
// and panics, matching Mutex.Unlock's discipline.
func (p *Permit) Release() {
	if p.released {
		panic("ksync: permit released twice")
	}
	p.released = true
	p.sem.Signal(p.owner)
}
