package concurrency

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := NewGoRoutinePool(3)
	var count int32
	for i := 0; i < 50; i++ {
		p.Schedule(func() {
			atomic.AddInt32(&count, 1)
		})
	}
	p.Stop()
	if got := atomic.LoadInt32(&count); got != 50 {
		t.Errorf("tasks executed: expected 50, got %d", got)
	}
}

func TestSimpleMutex(t *testing.T) {
	m := NewSimpleMutex()
	m.Lock()
	if m.TryLock() {
		t.Fatal("TryLock succeeded on a locked mutex")
	}
	if m.LockTimeout(10 * time.Millisecond) {
		t.Fatal("LockTimeout succeeded on a locked mutex")
	}
	m.Unlock()
	if !m.TryLock() {
		t.Fatal("TryLock failed on an unlocked mutex")
	}
	m.Unlock()
}
