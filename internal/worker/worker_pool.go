// ============================================================================
// Beaver Scheduler - Worker Pool
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Runs job executions on a fixed set of Worker goroutines.
//
// Components:
//   ┌─────────────┐
//   │  Scheduler  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//    ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │    Pool     │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool()        - create channels
//   2. Start(n)         - launch n workers
//   3. Submit(ctx, t)   - enqueue a task; blocks while the queue is full
//   4. ReceiveResult()  - take the next result
//   5. Stop()           - refuse new tasks, cancel running jobs, wait for
//                         workers, then close resultCh
//
// Shutdown ordering:
//   Stop closes stopCh before taking the write lock. A Submit blocked on a
//   full queue holds the read lock and sees stopCh, so it returns and the
//   lock is released before taskCh is closed. A send on a closed taskCh is
//   therefore impossible.
//
//   Results already produced stay readable after Stop; ReceiveResult
//   returns ErrPoolClosed once they are drained.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/beaver-scheduler/internal/metrics"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool is a fixed-size set of workers sharing one task queue.
type Pool struct {
	registry *Registry
	log      zerolog.Logger
	metrics  *metrics.Collector

	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// baseCtx is the parent of every job context; cancelled by Stop.
	baseCtx    context.Context
	cancelJobs context.CancelFunc

	mu      sync.RWMutex
	started bool
	stopped bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

func WithLogger(l zerolog.Logger) PoolOption {
	return func(p *Pool) { p.log = l }
}

func WithMetrics(c *metrics.Collector) PoolOption {
	return func(p *Pool) { p.metrics = c }
}

// NewPool creates a pool whose task and result queues hold bufferSize
// entries. Jobs are resolved through registry.
func NewPool(bufferSize int, registry *Registry, opts ...PoolOption) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		registry:   registry,
		log:        zerolog.Nop(),
		taskCh:     make(chan Task, bufferSize),
		resultCh:   make(chan Result, bufferSize),
		stopCh:     make(chan struct{}),
		baseCtx:    ctx,
		cancelJobs: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With().Str("component", "worker_pool").Logger()
	return p
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}
	if p.registry == nil {
		return errors.New("pool has no job registry")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(p.baseCtx)
		}(w)
	}
	p.started = true
	p.log.Info().Int("workers", workerCount).Msg("worker pool started")
	return nil
}

// Submit enqueues task, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task.Job == nil || task.Job.JobSpec == nil {
		return errors.New("task has no job")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveResult blocks until a result is available. After Stop it keeps
// returning buffered results, then ErrPoolClosed.
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	select {
	case r, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop refuses new tasks, cancels the contexts of running jobs and waits
// for the workers to exit. Queued tasks still run, with a cancelled
// context. The caller must keep draining results until Stop returns.
func (p *Pool) Stop() {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if !started {
		return
	}

	first := false
	p.stopOnce.Do(func() {
		first = true
		close(p.stopCh)
	})
	if !first {
		return
	}

	p.mu.Lock()
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.cancelJobs()
	p.wg.Wait()
	close(p.resultCh)
	p.log.Info().Msg("worker pool stopped")
}

func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
