package workers_test

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/riverrun/daytrader-engine/internal/workers"
)

func TestPoolRunsJobs(t *testing.T) {
	p := workers.New(4, 64, zap.NewNop())

	var ran int64
	for i := 0; i < 20; i++ {
		p.Submit(func() { atomic.AddInt64(&ran, 1) })
	}
	p.Stop()

	if got := atomic.LoadInt64(&ran); got != 20 {
		t.Errorf("ran %d jobs, want 20", got)
	}
}

func TestPoolContainsPanics(t *testing.T) {
	p := workers.New(1, 8, zap.NewNop())

	var ran int64
	p.Submit(func() { panic("boom") })
	p.Submit(func() { atomic.AddInt64(&ran, 1) })
	p.Stop()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("a panicking job should not kill the worker")
	}
}

func TestPoolDropsWhenFull(t *testing.T) {
	p := workers.New(1, 1, zap.NewNop())

	block := make(chan struct{})
	p.Submit(func() { <-block })
	for i := 0; i < 10; i++ {
		p.Submit(func() {})
	}

	deadline := time.After(time.Second)
	for p.Dropped() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected jobs to be dropped when the queue is full")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	close(block)
	p.Stop()
}
