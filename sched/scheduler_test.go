package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// S3 — Round-robin load balance: on N=4 CPUs, push 4x10 = 40 tasks all
// onto CPU 0's queue; work stealing must spread them so every CPU
// executes at least 1 and fewer than 40.
func TestRoundRobinLoadBalance(t *testing.T) {
	const nCPU = 4
	const nTasks = 40
	s := New(nCPU)

	var perCPU [nCPU]int64
	var remaining int64 = nTasks

	for i := 0; i < nTasks; i++ {
		s.Push(0, NewThread(uint64(i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx, func(cpu int, th *Thread_t) bool {
			atomic.AddInt64(&perCPU[cpu], 1)
			th.mu.Lock()
			th.state = Exited
			th.mu.Unlock()
			if atomic.AddInt64(&remaining, -1) == 0 {
				close(done)
			}
			return true // exited: do not requeue
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out before all tasks ran")
	}
	cancel()
	time.Sleep(10 * time.Millisecond)

	for cpu, n := range perCPU {
		if n < 1 || n >= nTasks {
			t.Fatalf("cpu %d ran %d tasks, want in [1, %d)", cpu, n, nTasks)
		}
	}
}

func TestParkUnpark(t *testing.T) {
	th := NewThread(1)
	done := make(chan struct{})
	go func() {
		Park(th)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	if th.State() != Parked {
		t.Fatalf("expected Parked, got %v", th.State())
	}
	Unpark(Handle(th))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("park did not return after unpark")
	}
}

func TestPinnedThreadNotStolen(t *testing.T) {
	s := New(2)
	pinned := NewThread(1)
	pinned.Pin(0)
	s.Push(0, pinned)

	if t2, ok := s.NextToRun(1); ok {
		t.Fatalf("cpu 1 should not have stolen pinned thread, got %v", t2)
	}
	th, ok := s.NextToRun(0)
	if !ok || th != pinned {
		t.Fatal("home cpu should dequeue the pinned thread")
	}
}
