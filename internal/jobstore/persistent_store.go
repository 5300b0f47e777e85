// ============================================================================
// Beaver Scheduler - Persistent Job Store
// ============================================================================
//
// Package: internal/jobstore
// File: persistent_store.go
// Purpose: JobStore over an external DAO that may be unreachable.
//
// Background activities:
//   1. Lease loop: every min(PollInterval, SchedulerExpiration/3)
//      re-registers each scheduler this process registered, with an
//      expiry of now + SchedulerExpiration. When a renewal succeeds after
//      failed attempts spanning more than SchedulerExpiration, other
//      nodes may already consider the lease lost, so the scheduler's own
//      Running jobs are marked Orphaned.
//   2. Watcher poll loop (persistent_watcher.go): asks the DAO for the
//      next job every PollInterval, or sooner when a fire time is due.
//
// Failure policy:
//   - Direct calls surface a DAO failure once, wrapped as *StorageError.
//   - Background loops log (rate limited), count and retry until Close.
//
// ============================================================================

package jobstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-scheduler/internal/metrics"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

const (
	DefaultClusterName         = "Default"
	DefaultPollInterval        = 15 * time.Second
	DefaultSchedulerExpiration = 120 * time.Second

	// errorLogInterval bounds how often a background loop logs a failure.
	errorLogInterval = 30 * time.Second
)

// DAO is the storage backend of a PersistentStore. Every method may fail
// with a connectivity error. Contract errors (ErrConcurrentModification,
// ErrState and friends) must be returned as the jobstore sentinels so the
// store can pass them through.
//
// All data is partitioned by cluster name.
type DAO interface {
	// RegisterScheduler upserts a registration that is valid until expires.
	RegisterScheduler(ctx context.Context, cluster string, id uuid.UUID, name string, expires time.Time) error
	// UnregisterScheduler removes the registration and orphans the jobs
	// Running under id, stamping now as their end time.
	UnregisterScheduler(ctx context.Context, cluster string, id uuid.UUID, now time.Time) error
	// OrphanRunningJobs marks every job Running under id as Orphaned.
	OrphanRunningJobs(ctx context.Context, cluster string, id uuid.UUID, now time.Time) (int, error)

	CreateJob(ctx context.Context, cluster string, spec *types.JobSpec, creationTime time.Time, action types.CreateJobConflictAction) (bool, error)
	UpdateJob(ctx context.Context, cluster, existingName string, spec *types.JobSpec) error
	DeleteJob(ctx context.Context, cluster, name string) (bool, error)
	GetJobDetails(ctx context.Context, cluster, name string) (*types.JobDetails, error)
	// SaveJobDetails is compare-and-swap on details.Version and stores the
	// new version back into details on success.
	SaveJobDetails(ctx context.Context, cluster string, details *types.JobDetails) error
	ListJobNames(ctx context.Context, cluster string) ([]string, error)

	// GetNextJobToProcess first orphans Running jobs whose owner holds no
	// unexpired registration, then selects the next ready job the way
	// SelectReady does, flipping a due Scheduled job to Triggered. It also
	// returns the earliest future fire time, if any.
	GetNextJobToProcess(ctx context.Context, cluster string, schedulerID uuid.UUID, now time.Time) (*types.JobDetails, *time.Time, error)

	Close() error
}

// PersistentConfig holds the tunables of a PersistentStore. Zero values
// select the defaults.
type PersistentConfig struct {
	ClusterName         string
	PollInterval        time.Duration
	SchedulerExpiration time.Duration
}

// PersistentStore is a JobStore backed by a DAO.
type PersistentStore struct {
	dao DAO

	mu                  sync.Mutex
	clusterName         string
	pollInterval        time.Duration
	schedulerExpiration time.Duration
	registered          map[uuid.UUID]string
	lastRenewal         map[uuid.UUID]time.Time
	renewalFailed       map[uuid.UUID]bool // a renewal failed since lastRenewal
	configChanged       chan struct{} // closed and replaced on every config change

	closeOnce sync.Once
	closedCh  chan struct{}
	loopDone  chan struct{}

	log     zerolog.Logger
	metrics *metrics.Collector
	now     func() time.Time
	errLogs *rate.Limiter
}

var _ JobStore = (*PersistentStore)(nil)

// NewPersistentStore wraps dao and starts the lease loop. The store owns
// dao and closes it on Close.
func NewPersistentStore(dao DAO, cfg PersistentConfig, opts ...Option) (*PersistentStore, error) {
	if dao == nil {
		return nil, invalidArg("dao must not be nil")
	}
	if cfg.ClusterName == "" {
		cfg.ClusterName = DefaultClusterName
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SchedulerExpiration == 0 {
		cfg.SchedulerExpiration = DefaultSchedulerExpiration
	}
	if cfg.PollInterval < 0 {
		return nil, invalidArg("poll interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.SchedulerExpiration < 0 {
		return nil, invalidArg("scheduler expiration must be positive, got %s", cfg.SchedulerExpiration)
	}

	o := applyOptions(opts)
	s := &PersistentStore{
		dao:                 dao,
		clusterName:         cfg.ClusterName,
		pollInterval:        cfg.PollInterval,
		schedulerExpiration: cfg.SchedulerExpiration,
		registered:          make(map[uuid.UUID]string),
		lastRenewal:         make(map[uuid.UUID]time.Time),
		renewalFailed:       make(map[uuid.UUID]bool),
		configChanged:       make(chan struct{}),
		closedCh:            make(chan struct{}),
		loopDone:            make(chan struct{}),
		log:                 o.logger.With().Str("component", "persistent_store").Str("cluster", cfg.ClusterName).Logger(),
		metrics:             o.metrics,
		now:                 o.now,
		errLogs:             rate.NewLimiter(rate.Every(errorLogInterval), 1),
	}
	go s.leaseLoop()
	return s, nil
}

// ---- configuration ----

func (s *PersistentStore) ClusterName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusterName
}

// SetClusterName switches the partition used by later calls.
func (s *PersistentStore) SetClusterName(name string) error {
	if err := validateName(name, "cluster name"); err != nil {
		return err
	}
	s.mu.Lock()
	s.clusterName = name
	s.mu.Unlock()
	return nil
}

func (s *PersistentStore) PollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollInterval
}

// SetPollInterval changes the watcher poll period, which also caps the
// lease renewal period.
func (s *PersistentStore) SetPollInterval(d time.Duration) error {
	if d <= 0 {
		return invalidArg("poll interval must be positive, got %s", d)
	}
	s.mu.Lock()
	s.pollInterval = d
	s.notifyConfigChangedLocked()
	s.mu.Unlock()
	return nil
}

func (s *PersistentStore) SchedulerExpiration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedulerExpiration
}

// SetSchedulerExpiration changes how long a registration stays valid
// without renewal.
func (s *PersistentStore) SetSchedulerExpiration(d time.Duration) error {
	if d <= 0 {
		return invalidArg("scheduler expiration must be positive, got %s", d)
	}
	s.mu.Lock()
	s.schedulerExpiration = d
	s.notifyConfigChangedLocked()
	s.mu.Unlock()
	return nil
}

// notifyConfigChangedLocked wakes the lease loop and every polling
// watcher so a new interval applies at once. Caller holds mu.
func (s *PersistentStore) notifyConfigChangedLocked() {
	close(s.configChanged)
	s.configChanged = make(chan struct{})
}

func (s *PersistentStore) settings() (cluster string, poll, expiration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusterName, s.pollInterval, s.schedulerExpiration
}

// renewalInterval keeps at least three renewals inside one expiration
// window, whatever the poll interval.
func renewalInterval(poll, expiration time.Duration) time.Duration {
	d := min(poll, expiration/3)
	if d <= 0 {
		return poll
	}
	return d
}

// pollSettings is settings plus the channel closed on the next change.
func (s *PersistentStore) pollSettings() (cluster string, poll time.Duration, changed <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusterName, s.pollInterval, s.configChanged
}

func (s *PersistentStore) isClosed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

// ---- JobStore ----

func (s *PersistentStore) RegisterScheduler(ctx context.Context, id uuid.UUID, name string) error {
	if err := validateRegistration(id, name); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	cluster, _, expiration := s.settings()
	now := s.now()
	if err := s.dao.RegisterScheduler(ctx, cluster, id, name, now.Add(expiration)); err != nil {
		return wrapStorage("register scheduler", err)
	}

	s.mu.Lock()
	s.registered[id] = name
	s.lastRenewal[id] = now
	delete(s.renewalFailed, id)
	n := len(s.registered)
	s.mu.Unlock()
	s.metrics.SetRegistrations(n)
	return nil
}

func (s *PersistentStore) UnregisterScheduler(ctx context.Context, id uuid.UUID) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.mu.Lock()
	delete(s.registered, id)
	delete(s.lastRenewal, id)
	delete(s.renewalFailed, id)
	cluster := s.clusterName
	n := len(s.registered)
	s.mu.Unlock()
	s.metrics.SetRegistrations(n)

	return wrapStorage("unregister scheduler", s.dao.UnregisterScheduler(ctx, cluster, id, s.now()))
}

func (s *PersistentStore) CreateJob(ctx context.Context, spec *types.JobSpec, creationTime time.Time, action types.CreateJobConflictAction) (bool, error) {
	if err := validateCreate(spec, action); err != nil {
		return false, err
	}
	if s.isClosed() {
		return false, ErrClosed
	}
	created, err := s.dao.CreateJob(ctx, s.ClusterName(), spec, types.UTC(creationTime), action)
	if err != nil {
		return false, wrapStorage("create job", err)
	}
	if created {
		s.metrics.RecordCreated()
	}
	return created, nil
}

func (s *PersistentStore) UpdateJob(ctx context.Context, existingName string, spec *types.JobSpec) error {
	if err := validateName(existingName, "existing job name"); err != nil {
		return err
	}
	if err := validateSpec(spec); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	return wrapStorage("update job", s.dao.UpdateJob(ctx, s.ClusterName(), existingName, spec))
}

func (s *PersistentStore) DeleteJob(ctx context.Context, name string) (bool, error) {
	if err := validateName(name, "job name"); err != nil {
		return false, err
	}
	if s.isClosed() {
		return false, ErrClosed
	}
	deleted, err := s.dao.DeleteJob(ctx, s.ClusterName(), name)
	if err != nil {
		return false, wrapStorage("delete job", err)
	}
	if deleted {
		s.metrics.RecordDeleted()
	}
	return deleted, nil
}

func (s *PersistentStore) GetJobDetails(ctx context.Context, name string) (*types.JobDetails, error) {
	if err := validateName(name, "job name"); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrClosed
	}
	d, err := s.dao.GetJobDetails(ctx, s.ClusterName(), name)
	if err != nil {
		return nil, wrapStorage("get job details", err)
	}
	return d, nil
}

func (s *PersistentStore) SaveJobDetails(ctx context.Context, details *types.JobDetails) error {
	if err := validateDetails(details); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.dao.SaveJobDetails(ctx, s.ClusterName(), details); err != nil {
		if isConflict(err) {
			s.metrics.RecordConflict()
		}
		return wrapStorage("save job details", err)
	}
	s.metrics.RecordSaved()
	return nil
}

func (s *PersistentStore) ListJobNames(ctx context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	names, err := s.dao.ListJobNames(ctx, s.ClusterName())
	if err != nil {
		return nil, wrapStorage("list job names", err)
	}
	return names, nil
}

func (s *PersistentStore) CreateJobWatcher(schedulerID uuid.UUID) (JobWatcher, error) {
	if schedulerID == uuid.Nil {
		return nil, invalidArg("scheduler id must not be nil")
	}
	if s.isClosed() {
		return nil, ErrClosed
	}
	return newPersistentWatcher(s, schedulerID), nil
}

// Close stops the lease loop, releases blocked watchers and closes the
// DAO.
func (s *PersistentStore) Close() error {
	var result error
	s.closeOnce.Do(func() {
		close(s.closedCh)
		<-s.loopDone
		if err := s.dao.Close(); err != nil {
			result = multierror.Append(result, wrapStorage("close dao", err))
		}
	})
	return result
}

// ---- lease loop ----

func (s *PersistentStore) leaseLoop() {
	defer close(s.loopDone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.closedCh
		cancel()
	}()

	for {
		s.mu.Lock()
		interval := renewalInterval(s.pollInterval, s.schedulerExpiration)
		changed := s.configChanged
		s.mu.Unlock()
		timer := time.NewTimer(interval)
		select {
		case <-s.closedCh:
			timer.Stop()
			return
		case <-changed:
			timer.Stop()
			continue
		case <-timer.C:
		}
		s.renewLeases(ctx)
	}
}

// renewLeases re-registers every scheduler this process owns. A scheduler
// whose renewals failed for longer than the expiration has its Running
// jobs orphaned once the store is reachable again.
func (s *PersistentStore) renewLeases(ctx context.Context) {
	s.mu.Lock()
	regs := make(map[uuid.UUID]string, len(s.registered))
	for id, name := range s.registered {
		regs[id] = name
	}
	cluster, expiration := s.clusterName, s.schedulerExpiration
	s.mu.Unlock()

	for id, name := range regs {
		now := s.now()
		if err := s.dao.RegisterScheduler(ctx, cluster, id, name, now.Add(expiration)); err != nil {
			s.mu.Lock()
			if _, ok := s.registered[id]; ok {
				s.renewalFailed[id] = true
			}
			s.mu.Unlock()
			s.backgroundError("lease", err, id)
			continue
		}

		s.mu.Lock()
		last, tracked := s.lastRenewal[id]
		_, stillRegistered := s.registered[id]
		failed := s.renewalFailed[id]
		s.mu.Unlock()
		if !tracked || !stillRegistered {
			continue
		}

		if failed && now.Sub(last) > expiration {
			n, err := s.dao.OrphanRunningJobs(ctx, cluster, id, now)
			if err != nil {
				// lastRenewal stays old so the next tick tries again.
				s.backgroundError("lease", err, id)
				continue
			}
			s.log.Warn().
				Stringer("scheduler_id", id).
				Dur("gap", now.Sub(last)).
				Int("jobs", n).
				Msg("lease lapsed; marked own running jobs orphaned")
			s.metrics.RecordOrphaned(n)
		}

		s.mu.Lock()
		if _, ok := s.registered[id]; ok {
			s.lastRenewal[id] = now
			delete(s.renewalFailed, id)
		}
		s.mu.Unlock()
	}
}

func (s *PersistentStore) backgroundError(loop string, err error, id uuid.UUID) {
	s.metrics.RecordPollError(loop)
	if s.isClosed() {
		return
	}
	if s.errLogs.Allow() {
		s.log.Error().Err(err).Str("loop", loop).Stringer("scheduler_id", id).Msg("storage error in background loop; will retry")
		return
	}
	s.log.Debug().Err(err).Str("loop", loop).Stringer("scheduler_id", id).Msg("storage error in background loop; will retry")
}

func isConflict(err error) bool {
	return err != nil && errors.Is(err, ErrConcurrentModification)
}
