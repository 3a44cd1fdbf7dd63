// Package performance provides the bounded worker pool that runs notification
// dispatch off the ingestion path.
package performance

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// WorkerPool runs submitted tasks on a fixed set of goroutines fed by a bounded queue.
type WorkerPool struct {
	workers   int
	taskQueue chan func()
	logger    zerolog.Logger

	mu      sync.RWMutex // guards running against Submit racing Stop
	running bool
	wg      sync.WaitGroup

	tasksTotal  atomic.Uint64
	tasksDone   atomic.Uint64
	tasksFailed atomic.Uint64
	rejected    atomic.Uint64
}

// NewWorkerPool creates a pool. workers <= 0 defaults to runtime.NumCPU();
// queueSize <= 0 defaults to 100 slots per worker.
func NewWorkerPool(workers, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = workers * 100
	}
	return &WorkerPool{
		workers:   workers,
		taskQueue: make(chan func(), queueSize),
		logger:    logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start starts the workers. Calling it twice is a no-op.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.taskQueue {
		p.run(task)
	}
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.tasksFailed.Add(1)
			p.logger.Error().Interface("panic", r).Msg("Task panicked")
		}
		p.tasksDone.Add(1)
	}()
	task()
}

// Submit enqueues task without blocking.
// Returns false if the pool is not running or the queue is full.
func (p *WorkerPool) Submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		p.rejected.Add(1)
		return false
	}

	select {
	case p.taskQueue <- task:
		p.tasksTotal.Add(1)
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// Stop refuses new tasks, drains the queue and waits for the workers to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	return PoolStats{
		Workers:     p.workers,
		Running:     running,
		TasksTotal:  p.tasksTotal.Load(),
		TasksDone:   p.tasksDone.Load(),
		TasksFailed: p.tasksFailed.Load(),
		Rejected:    p.rejected.Load(),
		QueueLen:    len(p.taskQueue),
	}
}

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Workers     int    `json:"workers"`
	Running     bool   `json:"running"`
	TasksTotal  uint64 `json:"tasksTotal"`
	TasksDone   uint64 `json:"tasksDone"`
	TasksFailed uint64 `json:"tasksFailed"`
	Rejected    uint64 `json:"rejected"`
	QueueLen    int    `json:"queueLen"`
}
