package performance

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// TestWorkerPoolRunsTasks tests worker pool basic functionality.
func TestWorkerPoolRunsTasks(t *testing.T) {
	pool := NewWorkerPool(4, 200, zerolog.Nop())
	pool.Start()

	var counter int64
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		if !pool.Submit(func() {
			atomic.AddInt64(&counter, 1)
			wg.Done()
		}) {
			wg.Done()
			t.Fatalf("submit %d rejected with queue capacity 200", i)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for tasks to complete")
	}

	pool.Stop()

	if counter != 100 {
		t.Errorf("Expected 100 tasks completed, got %d", counter)
	}
	stats := pool.Stats()
	if stats.TasksDone != 100 || stats.Running {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestWorkerPoolSubmitNeverBlocks(t *testing.T) {
	pool := NewWorkerPool(1, 1, zerolog.Nop())
	pool.Start()
	defer pool.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(func() {
		close(started)
		<-release
	})
	<-started

	if !pool.Submit(func() {}) {
		t.Fatal("queue slot should accept one task")
	}
	if pool.Submit(func() {}) {
		t.Error("full queue should reject without blocking")
	}
	if got := pool.Stats().Rejected; got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}
	close(release)
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1, 4, zerolog.Nop())
	pool.Start()

	var ran atomic.Bool
	pool.Submit(func() { panic("boom") })
	pool.Submit(func() { ran.Store(true) })
	pool.Stop()

	if !ran.Load() {
		t.Error("worker should survive a panicking task")
	}
	if got := pool.Stats().TasksFailed; got != 1 {
		t.Errorf("TasksFailed = %d, want 1", got)
	}
}

func TestWorkerPoolRejectsAfterStop(t *testing.T) {
	pool := NewWorkerPool(2, 4, zerolog.Nop())
	if pool.Submit(func() {}) {
		t.Error("submit before Start should be rejected")
	}
	pool.Start()
	pool.Stop()
	pool.Stop()
	if pool.Submit(func() {}) {
		t.Error("submit after Stop should be rejected")
	}
}
