// ============================================================================
// Beaver Scheduler - In-Memory Job Store
// ============================================================================
//
// Package: internal/jobstore
// File: memory_store.go
// Purpose: Process-local reference implementation of JobStore.
//
// Data structures:
//   jobs       map[string]*JobDetails  single source of truth, keyed by name
//   schedulers map[uuid.UUID]string    registered scheduler names
//   seq        int64                   store-wide version counter
//
// Versions are drawn from one counter so a job that is deleted and created
// again never reuses a version an old handle might still hold.
//
// Wake-up signalling:
//   signal is a channel closed and replaced on every mutation. Watchers
//   grab the current channel under the lock, release the lock, and wait on
//   it. A mutation between the check and the wait closes the grabbed
//   channel, so no wake-up is lost.
//
// Concurrency:
//   - One sync.Mutex protects all fields.
//   - Records handed to callers are deep copies; callers never share
//     memory with the table.
//
// ============================================================================

package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/beaver-scheduler/internal/metrics"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

// MemoryStore is an in-process JobStore.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]*types.JobDetails
	schedulers map[uuid.UUID]string
	seq        int64
	signal     chan struct{}
	closed     bool
	closedCh   chan struct{}

	log     zerolog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

var _ JobStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := applyOptions(opts)
	return &MemoryStore{
		jobs:       make(map[string]*types.JobDetails),
		schedulers: make(map[uuid.UUID]string),
		signal:     make(chan struct{}),
		closedCh:   make(chan struct{}),
		log:        o.logger.With().Str("component", "memory_store").Logger(),
		metrics:    o.metrics,
		now:        o.now,
	}
}

// broadcastLocked wakes every waiting watcher. Caller holds mu.
func (s *MemoryStore) broadcastLocked() {
	close(s.signal)
	s.signal = make(chan struct{})
}

// nextVersionLocked returns a fresh version. Caller holds mu.
func (s *MemoryStore) nextVersionLocked() int64 {
	s.seq++
	return s.seq
}

// lock acquires mu and fails if the store is closed. On success the caller
// must unlock.
func (s *MemoryStore) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) RegisterScheduler(_ context.Context, id uuid.UUID, name string) error {
	if err := validateRegistration(id, name); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.schedulers[id] = name
	s.metrics.SetRegistrations(len(s.schedulers))
	s.broadcastLocked()
	return nil
}

func (s *MemoryStore) UnregisterScheduler(_ context.Context, id uuid.UUID) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	delete(s.schedulers, id)
	s.metrics.SetRegistrations(len(s.schedulers))

	now := s.now()
	orphaned := 0
	for _, d := range s.jobs {
		if d.JobState != types.StateRunning || d.LastJobExecutionDetails == nil ||
			d.LastJobExecutionDetails.SchedulerID != id {
			continue
		}
		d.JobState = types.StateOrphaned
		d.LastJobExecutionDetails.EndTime = types.TimePtr(now)
		d.LastJobExecutionDetails.Succeeded = false
		d.Version = s.nextVersionLocked()
		orphaned++
	}
	if orphaned > 0 {
		s.log.Warn().Stringer("scheduler_id", id).Int("jobs", orphaned).Msg("orphaned running jobs of unregistered scheduler")
		s.metrics.RecordOrphaned(orphaned)
	}
	s.broadcastLocked()
	return nil
}

func (s *MemoryStore) CreateJob(_ context.Context, spec *types.JobSpec, creationTime time.Time, action types.CreateJobConflictAction) (bool, error) {
	if err := validateCreate(spec, action); err != nil {
		return false, err
	}
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	if existing, ok := s.jobs[spec.Name]; ok {
		switch action {
		case types.ConflictIgnore:
			return false, nil
		case types.ConflictThrow:
			return false, ErrJobExists
		case types.ConflictUpdate:
			s.updateLocked(existing, spec)
			return true, nil
		}
		// Replace falls through and overwrites the record.
	}

	d := types.NewJobDetails(spec, creationTime)
	d.Version = s.nextVersionLocked()
	s.jobs[spec.Name] = d
	s.metrics.RecordCreated()
	s.broadcastLocked()
	return true, nil
}

// updateLocked swaps in a copy of spec, keeping history. Caller holds mu.
func (s *MemoryStore) updateLocked(d *types.JobDetails, spec *types.JobSpec) {
	if d.JobSpec.Name != spec.Name {
		delete(s.jobs, d.JobSpec.Name)
	}
	d.JobSpec = spec.Clone()
	d.JobState = d.JobState.AfterSpecUpdate()
	d.Version = s.nextVersionLocked()
	s.jobs[spec.Name] = d
	s.broadcastLocked()
}

func (s *MemoryStore) UpdateJob(_ context.Context, existingName string, spec *types.JobSpec) error {
	if err := validateName(existingName, "existing job name"); err != nil {
		return err
	}
	if err := validateSpec(spec); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	d, ok := s.jobs[existingName]
	if !ok {
		return ErrJobNotFound
	}
	if existingName != spec.Name {
		if _, taken := s.jobs[spec.Name]; taken {
			return ErrJobNameInUse
		}
	}
	s.updateLocked(d, spec)
	return nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, name string) (bool, error) {
	if err := validateName(name, "job name"); err != nil {
		return false, err
	}
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; !ok {
		return false, nil
	}
	delete(s.jobs, name)
	s.metrics.RecordDeleted()
	s.broadcastLocked()
	return true, nil
}

func (s *MemoryStore) GetJobDetails(_ context.Context, name string) (*types.JobDetails, error) {
	if err := validateName(name, "job name"); err != nil {
		return nil, err
	}
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	return s.jobs[name].Clone(), nil
}

func (s *MemoryStore) SaveJobDetails(_ context.Context, details *types.JobDetails) error {
	if err := validateDetails(details); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	cur, ok := s.jobs[details.JobSpec.Name]
	if !ok || cur.Version != details.Version {
		s.metrics.RecordConflict()
		return ErrConcurrentModification
	}

	stored := details.Clone()
	stored.CreationTime = types.UTC(stored.CreationTime)
	stored.NextTriggerFireTime = types.UTCPtr(stored.NextTriggerFireTime)
	if e := stored.LastJobExecutionDetails; e != nil {
		e.StartTime = types.UTC(e.StartTime)
		e.EndTime = types.UTCPtr(e.EndTime)
	}
	stored.Version = s.nextVersionLocked()
	s.jobs[details.JobSpec.Name] = stored
	details.Version = stored.Version

	s.metrics.RecordSaved()
	s.broadcastLocked()
	return nil
}

func (s *MemoryStore) ListJobNames(_ context.Context) ([]string, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) CreateJobWatcher(schedulerID uuid.UUID) (JobWatcher, error) {
	if schedulerID == uuid.Nil {
		return nil, invalidArg("scheduler id must not be nil")
	}
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	return &memoryWatcher{
		store:       s,
		schedulerID: schedulerID,
		closed:      make(chan struct{}),
	}, nil
}

// Close releases every blocked watcher with ErrClosed. Later calls fail
// with ErrClosed. Close is idempotent.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.closedCh)
	s.broadcastLocked()
	return nil
}

// nextReady selects the next job under the lock, flipping a due Scheduled
// job to Triggered. It returns a copy of the job, or the channel to wait
// on and the earliest future fire time.
func (s *MemoryStore) nextReady() (*types.JobDetails, <-chan struct{}, *time.Time, error) {
	if err := s.lock(); err != nil {
		return nil, nil, nil, err
	}
	defer s.mu.Unlock()

	all := make([]*types.JobDetails, 0, len(s.jobs))
	for _, d := range s.jobs {
		all = append(all, d)
	}
	next, wake := SelectReady(all, s.now())
	if next == nil {
		return nil, s.signal, wake, nil
	}
	if next.JobState == types.StateScheduled {
		next.JobState = types.StateTriggered
		next.Version = s.nextVersionLocked()
		s.broadcastLocked()
	}
	return next.Clone(), nil, nil, nil
}
