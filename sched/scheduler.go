package sched

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultQuantum is the fixed scheduling slice length, spec.md §4.5.
const DefaultQuantum = 5 * time.Millisecond

// TickInterval is the periodic timer period that decrements the running
// thread's remaining quantum.
const TickInterval = 1 * time.Millisecond

// runQueue is one CPU's FIFO ready queue.
type runQueue struct {
	mu    sync.Mutex
	items []*Thread_t
}

func (q *runQueue) pushTail(t *Thread_t) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
}

func (q *runQueue) popHead() (*Thread_t, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

// stealHead removes and returns the head of the queue for another CPU to
// run, per spec.md §4.5 "steal from another CPU's queue head".
func (q *runQueue) stealHead() (*Thread_t, bool) {
	return q.popHead()
}

func (q *runQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Scheduler holds one ready queue per CPU and implements push/next_to_run/
// park/unpark exactly as spec.md §4.5 describes. It never executes thread
// bodies itself — that is the caller's responsibility (see Run's exec) — it
// only tracks which thread is ready to run where.
type Scheduler struct {
	queues  []*runQueue
	quantum int // ticks per quantum
}

// New creates a scheduler with nCPU per-core queues.
func New(nCPU int) *Scheduler {
	s := &Scheduler{queues: make([]*runQueue, nCPU), quantum: int(DefaultQuantum / TickInterval)}
	for i := range s.queues {
		s.queues[i] = &runQueue{}
	}
	return s
}

// NumCPU returns the number of CPUs this scheduler manages.
func (s *Scheduler) NumCPU() int { return len(s.queues) }

// QueueLen reports the number of ready threads waiting on cpu's run
// queue, for monitoring tools; it takes the same lock Push/NextToRun
// do and is safe to call concurrently with scheduling.
func (s *Scheduler) QueueLen(cpu int) int { return s.queues[cpu].len() }

// Push enqueues thread at the tail of cpu's ready queue.
func (s *Scheduler) Push(cpu int, t *Thread_t) {
	t.mu.Lock()
	t.state = Ready
	t.quantum = s.quantum
	t.mu.Unlock()
	s.queues[cpu].pushTail(t)
}

// NextToRun dequeues the head of cpu's own queue; if empty, it attempts to
// steal from another CPU's queue head (skipping pinned threads, which are
// only ever dequeued by their home CPU); if every queue is empty it
// returns (nil, false) and the caller enters Idle.
func (s *Scheduler) NextToRun(cpu int) (*Thread_t, bool) {
	if t, ok := s.queues[cpu].popHead(); ok {
		return s.claim(t, cpu)
	}
	n := len(s.queues)
	for i := 1; i < n; i++ {
		victim := (cpu + i) % n
		if t, ok := s.stealFrom(victim); ok {
			return s.claim(t, cpu)
		}
	}
	return nil, false
}

// stealFrom pops the victim queue's head only if it is not pinned; a
// pinned head blocks stealing past it so affinity is never violated,
// while non-pinned threads behind it remain unreachable this round (a
// simple, correct approximation of per-CPU work stealing).
func (s *Scheduler) stealFrom(victim int) (*Thread_t, bool) {
	q := s.queues[victim]
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	head := q.items[0]
	if _, pinned := head.Pinned(); pinned {
		q.mu.Unlock()
		return nil, false
	}
	q.items = q.items[1:]
	q.mu.Unlock()
	return head, true
}

func (s *Scheduler) claim(t *Thread_t, cpu int) (*Thread_t, bool) {
	t.mu.Lock()
	t.state = Running
	t.mu.Unlock()
	return t, true
}

// Reschedule picks the next thread to run on cpu, re-enqueuing current (if
// still Ready/Running and not terminating) at the tail of cpu's own queue
// first so FIFO order within one CPU is preserved.
func (s *Scheduler) Reschedule(cpu int, current *Thread_t) (*Thread_t, bool) {
	if current != nil {
		current.mu.Lock()
		stillRunnable := current.state == Running && !current.terminate
		current.mu.Unlock()
		if stillRunnable {
			s.Push(cpu, current)
		}
	}
	return s.NextToRun(cpu)
}

// Park suspends the calling thread and, on return, the handle is already
// usable for Unpark by whichever party wakes it.
func (s *Scheduler) Park(t *Thread_t) ParkHandle {
	return Park(t)
}

// Unpark transitions the thread back to Ready and pushes it to its
// affinity CPU if pinned, else to home (CPU 0 is used as the default
// "local" queue when the caller has no better notion of "local").
func (s *Scheduler) Unpark(h ParkHandle) {
	t := h.Thread()
	t.mu.Lock()
	if t.state == Parked {
		t.state = Ready
	}
	cpu, pinned := t.affinity, t.pinned
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
	if !pinned {
		cpu = 0
	}
	s.queues[cpu].pushTail(t)
}

// Run drives the scheduler's nCPU goroutines via errgroup until ctx is
// canceled, calling exec(thread) to "execute" one quantum's worth of work
// for whichever thread NextToRun hands back. exec returns true if the
// thread parked, exited, or otherwise should not be put back on a ready
// queue, and false if it simply ran out of quantum and should be
// re-pushed to run again later.
func (s *Scheduler) Run(ctx context.Context, exec func(cpu int, t *Thread_t) (yielded bool)) error {
	g, ctx := errgroup.WithContext(ctx)
	for cpu := 0; cpu < len(s.queues); cpu++ {
		cpu := cpu
		g.Go(func() error {
			var current *Thread_t
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				t, ok := s.NextToRun(cpu)
				if !ok {
					current = nil
					continue // Idle: spin until interrupted; a real CPU would halt.
				}
				current = t
				yielded := exec(cpu, t)
				if !yielded {
					s.Push(cpu, current)
				}
			}
		})
	}
	return g.Wait()
}
