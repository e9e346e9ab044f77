package ksync

import (
	"testing"
	"time"

	"github.com/casys-kaist/KeOS-sub001/sched"
)

func TestSemaphoreBlocksUntilSignal(t *testing.T) {
	sem := NewSemaphore(0)
	waiter := sched.NewThread(1)
	acquired := make(chan struct{})

	go func() {
		p := sem.Wait(waiter)
		close(acquired)
		p.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("wait returned before any permit was signaled")
	case <-time.After(50 * time.Millisecond):
	}

	signaler := sched.NewThread(2)
	sem.Signal(signaler)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after signal")
	}
}

func TestSemaphoreReleaseTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double release")
		}
	}()
	sem := NewSemaphore(1)
	th := sched.NewThread(1)
	p := sem.Wait(th)
	p.Release()
	p.Release()
}

func TestCondVarBroadcastWakesAll(t *testing.T) {
	var m Mutex
	var cv CondVar
	ready := false

	const n = 3
	done := make(chan int, n)
	for i := 0; i < n; i++ {
		th := sched.NewThread(uint64(i))
		go func(th *sched.Thread_t) {
			m.Lock(th)
			cv.WaitWhile(&m, th, func() bool { return !ready })
			m.Unlock(th)
			done <- 1
		}(th)
	}

	time.Sleep(30 * time.Millisecond)
	setter := sched.NewThread(100)
	m.Lock(setter)
	ready = true
	cv.Broadcast(&m, setter)
	m.Unlock(setter)

	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("not every waiter woke after broadcast")
		}
	}
}
