// ============================================================================
// Beaver Scheduler - Scheduler
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: Drives jobs through their triggers using a JobStore and a
//          worker pool.
//
// Loops (2 goroutines):
//   1. Watch loop  - takes ready jobs from the store's JobWatcher, asks the
//                    job's trigger what to do and saves the outcome.
//   2. Result loop - takes finished executions from the worker pool,
//                    records the outcome and re-latches the trigger.
//
// Job handling by state (watch loop):
//   Pending   -> trigger Latch
//   Triggered -> trigger Fire, or Misfire when the fire time is older than
//                the misfire threshold
//   Orphaned  -> last execution marked failed, then trigger Latch
//   other     -> Stop
//
// Actions:
//   Skip       -> Scheduled
//   ExecuteJob -> Running, new execution record, submitted to the pool
//   DeleteJob  -> job deleted
//   Stop       -> Stopped, fire time cleared
//
// A save that loses a version race is discarded; the other writer wins.
// Watcher and storage errors pause the watch loop with exponential backoff
// capped at ErrorRecoveryDelay.
//
// Shutdown (Close):
//   1. Stop the watch loop.
//   2. Stop the pool. Running jobs see a cancelled context; their results
//      are still recorded.
//   3. Wait for the result loop.
//   4. Unregister, which orphans anything still marked Running.
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore"
	"github.com/ChuLiYu/beaver-scheduler/internal/metrics"
	"github.com/ChuLiYu/beaver-scheduler/internal/worker"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

const (
	DefaultErrorRecoveryDelay = 30 * time.Second
	DefaultWorkers            = 4

	// completionTimeout bounds the save that records a finished execution.
	completionTimeout = 30 * time.Second

	statusRunning   = "Running."
	statusSucceeded = "Completed successfully."
	statusFailed    = "Completed with an unspecified error."
)

// ErrClosed is returned by every call on a closed Scheduler.
var ErrClosed = errors.New("scheduler: closed")

// Config holds the scheduler settings. Zero values select the defaults.
type Config struct {
	// Name identifies this instance in the store's registrations.
	Name string
	// Workers is the number of concurrent job executions.
	Workers int
	// QueueSize bounds executions waiting for a worker.
	QueueSize int
	// ErrorRecoveryDelay caps the pause after a watcher or storage error.
	ErrorRecoveryDelay time.Duration
	// JobTimeout limits one execution; zero means no limit.
	JobTimeout time.Duration
}

// Scheduler runs jobs from a JobStore.
type Scheduler struct {
	id       uuid.UUID
	cfg      Config
	store    jobstore.JobStore
	pool     *worker.Pool
	log      zerolog.Logger
	metrics  *metrics.Collector
	now      func() time.Time
	executed atomic.Int64

	mu          sync.Mutex
	registered  bool
	poolStarted bool
	closed      bool
	watcher     jobstore.JobWatcher
	cancelWatch context.CancelFunc
	watchDone   chan struct{}
	startTime   time.Time

	resultWg sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithClock replaces time.Now for trigger evaluation.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = func() time.Time { return types.UTC(now()) }
		}
	}
}

// WithID fixes the scheduler id instead of generating one.
func WithID(id uuid.UUID) Option {
	return func(s *Scheduler) { s.id = id }
}

// WithMetrics records job executions on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

var instanceSeq atomic.Int64

func defaultName() string {
	host, err := os.Hostname()
	if err != nil {
		return "Scheduler"
	}
	return fmt.Sprintf("%s/%s, Scheduler #%d", host, filepath.Base(os.Args[0]), instanceSeq.Add(1))
}

// New creates a scheduler over store. Jobs are resolved by JobKey through
// registry. The scheduler does nothing until Start.
func New(store jobstore.JobStore, registry *worker.Registry, cfg Config, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if registry == nil {
		return nil, errors.New("scheduler: job registry is required")
	}
	if cfg.Workers < 0 || cfg.QueueSize < 0 || cfg.JobTimeout < 0 {
		return nil, errors.New("scheduler: workers, queue size and job timeout must not be negative")
	}
	if cfg.ErrorRecoveryDelay < 0 {
		return nil, errors.New("scheduler: error recovery delay must not be negative")
	}
	if cfg.Name == "" {
		cfg.Name = defaultName()
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.ErrorRecoveryDelay == 0 {
		cfg.ErrorRecoveryDelay = DefaultErrorRecoveryDelay
	}

	s := &Scheduler{
		id:    uuid.New(),
		cfg:   cfg,
		store: store,
		log:   zerolog.Nop(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "scheduler").Str("scheduler_id", s.id.String()).Logger()
	s.pool = worker.NewPool(cfg.QueueSize, registry,
		worker.WithLogger(s.log),
		worker.WithMetrics(s.metrics))
	return s, nil
}

func (s *Scheduler) ID() uuid.UUID { return s.id }

func (s *Scheduler) Name() string { return s.cfg.Name }

// Start registers the scheduler and begins processing jobs. Calling Start
// on a running scheduler does nothing; after Stop it resumes processing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.watcher != nil {
		return nil
	}

	if !s.registered {
		if err := s.store.RegisterScheduler(ctx, s.id, s.cfg.Name); err != nil {
			return fmt.Errorf("scheduler: register: %w", err)
		}
		s.registered = true
	}
	if !s.poolStarted {
		if err := s.pool.Start(s.cfg.Workers); err != nil {
			return fmt.Errorf("scheduler: start workers: %w", err)
		}
		s.poolStarted = true
		s.startTime = time.Now()
		s.resultWg.Add(1)
		go s.resultLoop()
	}

	w, err := s.store.CreateJobWatcher(s.id)
	if err != nil {
		return fmt.Errorf("scheduler: create watcher: %w", err)
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.watcher, s.cancelWatch, s.watchDone = w, cancel, done
	go func() {
		defer close(done)
		s.watchLoop(watchCtx, w)
	}()

	s.log.Info().Str("name", s.cfg.Name).Int("workers", s.cfg.Workers).Msg("scheduler started")
	return nil
}

// Stop halts the watch loop. Running jobs keep running and their results
// are still recorded. Stop on a stopped scheduler does nothing.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	w, cancel, done := s.watcher, s.cancelWatch, s.watchDone
	s.watcher, s.cancelWatch, s.watchDone = nil, nil, nil
	s.mu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	cancel()
	<-done
	s.log.Info().Msg("scheduler stopped")
	return err
}

// IsRunning reports whether the watch loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watcher != nil
}

// Close stops the scheduler for good: the watch loop ends, running jobs
// are cancelled and recorded, and the registration is dropped. The store
// is not closed.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var result *multierror.Error
	if err := s.Stop(); err != nil {
		result = multierror.Append(result, err)
	}

	s.pool.Stop()
	s.resultWg.Wait()

	s.mu.Lock()
	registered := s.registered
	s.registered = false
	s.mu.Unlock()
	if registered {
		ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
		defer cancel()
		if err := s.store.UnregisterScheduler(ctx, s.id); err != nil && !errors.Is(err, jobstore.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("scheduler: unregister: %w", err))
		}
	}

	s.log.Info().Int64("executed", s.executed.Load()).Msg("scheduler closed")
	return result.ErrorOrNil()
}

// Status is a point-in-time view of a scheduler.
type Status struct {
	ID       uuid.UUID
	Name     string
	Running  bool
	Workers  int
	Executed int64
	Uptime   time.Duration
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:       s.id,
		Name:     s.cfg.Name,
		Running:  s.watcher != nil,
		Workers:  s.pool.GetWorkerCount(),
		Executed: s.executed.Load(),
	}
	if !s.startTime.IsZero() {
		st.Uptime = time.Since(s.startTime)
	}
	return st
}

// ============================================================================
// Job management
// ============================================================================

func (s *Scheduler) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// CreateJob adds a job created now. See jobstore.JobStore.CreateJob.
func (s *Scheduler) CreateJob(ctx context.Context, spec *types.JobSpec, action types.CreateJobConflictAction) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.store.CreateJob(ctx, spec, s.now(), action)
}

func (s *Scheduler) UpdateJob(ctx context.Context, existingName string, spec *types.JobSpec) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.store.UpdateJob(ctx, existingName, spec)
}

func (s *Scheduler) DeleteJob(ctx context.Context, name string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.store.DeleteJob(ctx, name)
}

func (s *Scheduler) GetJobDetails(ctx context.Context, name string) (*types.JobDetails, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.GetJobDetails(ctx, name)
}

func (s *Scheduler) ListJobNames(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.ListJobNames(ctx)
}

// ============================================================================
// Loops
// ============================================================================

// newRecoveryBackOff paces the watch loop after errors. The pause grows
// from at most a second up to ErrorRecoveryDelay and never gives up.
func (s *Scheduler) newRecoveryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(time.Second, s.cfg.ErrorRecoveryDelay)
	b.MaxInterval = s.cfg.ErrorRecoveryDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Scheduler) watchLoop(ctx context.Context, w jobstore.JobWatcher) {
	bo := s.newRecoveryBackOff()
	for {
		job, err := w.GetNextJobToProcess(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err == nil && job == nil:
			return
		case errors.Is(err, jobstore.ErrClosed):
			s.log.Warn().Msg("job store closed; watch loop exiting")
			return
		case err == nil:
			err = s.scheduleJob(ctx, job)
		}
		if err == nil {
			bo.Reset()
			continue
		}
		if ctx.Err() != nil {
			return
		}

		pause := bo.NextBackOff()
		s.log.Error().Err(err).Dur("retry_in", pause).Msg("watch loop error")
		timer := time.NewTimer(pause)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) resultLoop() {
	defer s.resultWg.Done()
	for {
		res, err := s.pool.ReceiveResult(context.Background())
		if err != nil {
			if !errors.Is(err, worker.ErrPoolClosed) {
				s.log.Error().Err(err).Msg("result loop stopped")
			}
			return
		}
		s.finishJob(res)
	}
}

// ============================================================================
// Trigger evaluation
// ============================================================================

// scheduleJob evaluates job's trigger and persists the outcome.
func (s *Scheduler) scheduleJob(ctx context.Context, job *types.JobDetails) error {
	now := s.now()
	action := s.updateTrigger(now, job)
	return s.performAction(ctx, now, job, action)
}

// updateTrigger asks the trigger what to do with job and copies the
// trigger's next fire time and misfire threshold onto job. A trigger that
// fails or panics stops the job.
func (s *Scheduler) updateTrigger(now time.Time, job *types.JobDetails) (action types.ScheduleAction) {
	log := s.log.With().Str("job", job.Name()).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("trigger panicked; stopping job")
			action = types.ActionStop
		}
	}()

	trig := job.JobSpec.Trigger
	var (
		cond types.ScheduleCondition
		err  error
	)
	switch job.JobState {
	case types.StatePending:
		cond = types.ConditionLatch

	case types.StateTriggered:
		cond = types.ConditionFire
		fire, threshold := job.NextTriggerFireTime, job.NextTriggerMisfireThreshold
		if fire == nil {
			log.Warn().Msg("triggered job has no fire time; treating as misfire")
			cond = types.ConditionMisfire
		} else if threshold != nil && now.Sub(*fire) > *threshold {
			cond = types.ConditionMisfire
		}

	case types.StateOrphaned:
		cond = types.ConditionLatch
		msg := fmt.Sprintf("Job %q was orphaned by its scheduler. It may have failed part way through execution. Assuming that the job failed.", job.Name())
		if job.LastJobExecutionDetails == nil {
			job.LastJobExecutionDetails = types.NewJobExecutionDetails(s.id, time.Time{})
			msg += " In addition, the job's last execution details were missing."
		}
		exec := job.LastJobExecutionDetails
		exec.Succeeded = false
		exec.StatusMessage = msg
		exec.EndTime = types.TimePtr(now)
		log.Warn().Msg("recovering orphaned job")

	default:
		log.Warn().Str("state", string(job.JobState)).Msg("unexpected job state; stopping job")
		return types.ActionStop
	}

	action, err = trig.Schedule(cond, now, job.LastJobExecutionDetails)
	if err != nil {
		log.Error().Err(err).Stringer("condition", cond).Msg("trigger failed; stopping job")
		return types.ActionStop
	}
	job.NextTriggerFireTime = types.UTCPtr(trig.NextFireTime())
	job.NextTriggerMisfireThreshold = trig.NextMisfireThreshold()
	log.Debug().Stringer("condition", cond).Stringer("action", action).Msg("trigger evaluated")
	return action
}

// performAction applies action to job. Losing a version race is not an
// error: the job has moved on and the watcher will report it again.
func (s *Scheduler) performAction(ctx context.Context, now time.Time, job *types.JobDetails, action types.ScheduleAction) error {
	log := s.log.With().Str("job", job.Name()).Stringer("action", action).Logger()

	var err error
	switch action {
	case types.ActionSkip:
		job.JobState = types.StateScheduled
		err = s.store.SaveJobDetails(ctx, job)

	case types.ActionDeleteJob:
		_, err = s.store.DeleteJob(ctx, job.Name())

	case types.ActionExecuteJob:
		job.JobState = types.StateRunning
		exec := types.NewJobExecutionDetails(s.id, now)
		exec.StatusMessage = statusRunning
		job.LastJobExecutionDetails = exec
		if err = s.store.SaveJobDetails(ctx, job); err != nil {
			break
		}
		task := worker.Task{SchedulerID: s.id, Job: job.Clone(), Timeout: s.cfg.JobTimeout}
		if subErr := s.pool.Submit(ctx, task); subErr != nil {
			log.Error().Err(subErr).Msg("could not start job")
			s.finishJob(worker.Result{
				Job: job,
				Err: fmt.Errorf("job runner failed to start the job: %w", subErr),
			})
		}

	default:
		job.JobState = types.StateStopped
		job.NextTriggerFireTime = nil
		job.NextTriggerMisfireThreshold = nil
		err = s.store.SaveJobDetails(ctx, job)
	}

	if errors.Is(err, jobstore.ErrConcurrentModification) {
		log.Debug().Msg("job changed concurrently; discarding")
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduler: %s job %q: %w", action, job.Name(), err)
	}
	return nil
}

// maxCompletionAttempts bounds retries when the job was updated while it
// ran.
const maxCompletionAttempts = 3

// finishJob records a finished execution and latches the trigger for the
// next occurrence.
func (s *Scheduler) finishJob(res worker.Result) {
	s.executed.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()

	job := res.Job.Clone()
	exec := job.LastJobExecutionDetails
	log := s.log.With().Str("job", job.Name()).Logger()

	for attempt := 1; ; attempt++ {
		s.applyResult(job, exec, res)
		err := s.completeJob(ctx, job)
		if err == nil {
			return
		}
		if !errors.Is(err, jobstore.ErrConcurrentModification) || attempt == maxCompletionAttempts {
			log.Error().Err(err).Msg("could not record job completion")
			return
		}

		// The job may have been updated while it ran. Apply the
		// result to the fresh record if it is still this execution.
		fresh, getErr := s.store.GetJobDetails(ctx, job.Name())
		if getErr != nil {
			log.Error().Err(getErr).Msg("could not reload job after conflict")
			return
		}
		if fresh == nil || fresh.JobState != types.StateRunning || !sameExecution(fresh.LastJobExecutionDetails, exec) {
			log.Debug().Msg("job changed while running; discarding completion")
			return
		}
		job = fresh
	}
}

func (s *Scheduler) applyResult(job *types.JobDetails, started *types.JobExecutionDetails, res worker.Result) {
	exec := started.Clone()
	if exec == nil {
		exec = types.NewJobExecutionDetails(s.id, s.now())
	}
	exec.EndTime = types.TimePtr(s.now())
	exec.Succeeded = res.Succeeded && res.Err == nil
	switch {
	case res.Err != nil:
		exec.StatusMessage = fmt.Sprintf("Job execution failed: %v", res.Err)
	case exec.Succeeded:
		exec.StatusMessage = statusSucceeded
	default:
		exec.StatusMessage = statusFailed
	}
	job.LastJobExecutionDetails = exec
	if res.Err == nil && res.JobData != nil {
		job.JobSpec.JobData = res.JobData.Clone()
	}
}

// completeJob latches the trigger after an execution and saves job.
func (s *Scheduler) completeJob(ctx context.Context, job *types.JobDetails) error {
	now := s.now()
	action := s.latch(now, job)
	switch action {
	case types.ActionSkip, types.ActionExecuteJob:
		job.JobState = types.StateScheduled
	case types.ActionDeleteJob:
		_, err := s.store.DeleteJob(ctx, job.Name())
		return err
	default:
		job.JobState = types.StateCompleted
		job.NextTriggerFireTime = nil
		job.NextTriggerMisfireThreshold = nil
	}
	return s.store.SaveJobDetails(ctx, job)
}

func (s *Scheduler) latch(now time.Time, job *types.JobDetails) (action types.ScheduleAction) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("job", job.Name()).Interface("panic", r).Msg("trigger panicked after execution")
			action = types.ActionStop
		}
	}()
	trig := job.JobSpec.Trigger
	action, err := trig.Schedule(types.ConditionLatch, now, job.LastJobExecutionDetails)
	if err != nil {
		s.log.Error().Str("job", job.Name()).Err(err).Msg("trigger failed after execution")
		return types.ActionStop
	}
	job.NextTriggerFireTime = types.UTCPtr(trig.NextFireTime())
	job.NextTriggerMisfireThreshold = trig.NextMisfireThreshold()
	return action
}

func sameExecution(a, b *types.JobExecutionDetails) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.SchedulerID == b.SchedulerID && a.StartTime.Equal(b.StartTime)
}
