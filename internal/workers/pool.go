// Package workers provides a bounded goroutine pool for fire-and-forget
// work (persistence writes, WS broadcasts) that must never block the
// trading loops.
package workers

import (
	"sync"

	"go.uber.org/zap"
)

// Pool runs submitted jobs on a fixed number of goroutines, queuing excess
// work up to a bound and dropping (with a logged warning) beyond that.
type Pool struct {
	jobs chan func()
	log  *zap.Logger
	wg   sync.WaitGroup

	droppedMu sync.Mutex
	dropped   int64
}

// New starts a Pool with size workers and a queue depth of queueSize.
func New(size, queueSize int, log *zap.Logger) *Pool {
	if size <= 0 {
		size = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	p := &Pool{
		jobs: make(chan func(), queueSize),
		log:  log,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker pool job panic", zap.Any("recover", r))
		}
	}()
	job()
}

// Submit enqueues a job without blocking. If the queue is full the job is
// dropped and counted; fire-and-forget work must not stall callers.
func (p *Pool) Submit(job func()) {
	select {
	case p.jobs <- job:
	default:
		p.droppedMu.Lock()
		p.dropped++
		p.droppedMu.Unlock()
		p.log.Warn("worker pool queue full, dropping job")
	}
}

// Dropped returns the count of jobs dropped due to a full queue.
func (p *Pool) Dropped() int64 {
	p.droppedMu.Lock()
	defer p.droppedMu.Unlock()
	return p.dropped
}

// Stop closes the job queue and waits for in-flight and queued jobs to
// finish.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}
