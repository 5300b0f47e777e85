// ============================================================================
// Beaver Scheduler - Worker
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: One goroutine that runs job executions taken from the pool.
//
// Loop:
//   1. Receive a Task from taskCh (blocking).
//   2. Look up the JobFunc for the task's JobKey.
//   3. Run it under a context that is cancelled on pool shutdown and, if
//      the task has a timeout, when the timeout expires.
//   4. Send the Result to resultCh. The send blocks, so the pool's owner
//      must keep draining results.
//
// Failure handling:
//   - Unknown JobKey: failed result carrying ErrUnknownJobKey.
//   - Panic inside the job: recovered and reported as a failed result.
//   - A JobFunc returning an error always counts as a failure.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/beaver-scheduler/internal/metrics"
)

// Worker is one execution goroutine.
type Worker struct {
	id       int
	registry *Registry
	taskCh   <-chan Task
	resultCh chan<- Result
	log      zerolog.Logger
	metrics  *metrics.Collector
}

func newWorker(id int, p *Pool) *Worker {
	return &Worker{
		id:       id,
		registry: p.registry,
		taskCh:   p.taskCh,
		resultCh: p.resultCh,
		log:      p.log.With().Int("worker", id).Logger(),
		metrics:  p.metrics,
	}
}

// Run executes tasks until taskCh is closed. base is cancelled when the
// pool stops so long-running jobs can return early.
func (w *Worker) Run(base context.Context) {
	for task := range w.taskCh {
		w.resultCh <- w.runTask(base, task)
	}
}

func (w *Worker) runTask(base context.Context, task Task) Result {
	job := task.Job
	jc := &JobContext{
		SchedulerID: task.SchedulerID,
		JobSpec:     job.JobSpec.Clone(),
		Execution:   job.LastJobExecutionDetails.Clone(),
		JobData:     job.JobSpec.JobData.Clone(),
		Logger:      w.log.With().Str("job", job.Name()).Str("job_key", job.JobSpec.JobKey).Logger(),
	}
	if jc.JobData == nil {
		jc.JobData = make(map[string]string)
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(base, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(base)
	}
	defer cancel()

	w.metrics.JobStarted()
	start := time.Now()
	succeeded, err := w.execute(ctx, job.JobSpec.JobKey, jc)
	if err != nil {
		succeeded = false
	}
	elapsed := time.Since(start)
	w.metrics.JobFinished(succeeded, elapsed)

	ev := w.log.Debug()
	if err != nil {
		ev = w.log.Warn().Err(err)
	}
	ev.Str("job", job.Name()).Bool("succeeded", succeeded).Dur("took", elapsed).Msg("job finished")

	return Result{
		Job:       job,
		Succeeded: succeeded,
		Err:       err,
		Duration:  elapsed,
		JobData:   jc.JobData,
	}
}

// execute runs the registered JobFunc and converts a panic into an error.
func (w *Worker) execute(ctx context.Context, key string, jc *JobContext) (succeeded bool, err error) {
	fn, err := w.registry.Lookup(key)
	if err != nil {
		return false, err
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Str("job", jc.JobSpec.Name).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job panicked")
			succeeded, err = false, fmt.Errorf("worker: job panicked: %v", r)
		}
	}()
	return fn(ctx, jc)
}
