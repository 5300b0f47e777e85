// ============================================================================
// Beaver Scheduler - Job Store Contract
// ============================================================================
//
// Package: internal/jobstore
// File: store.go
// Purpose: The JobStore and JobWatcher contracts shared by the in-memory
//          store and the DAO-backed persistent store.
//
// Rules every implementation honors:
//   - Job names are unique among live jobs.
//   - SaveJobDetails is compare-and-swap on JobDetails.Version; a stale or
//     deleted record fails with ErrConcurrentModification.
//   - CreateJob conflicts are resolved by CreateJobConflictAction.
//   - UpdateJob keeps history and collapses Scheduled to Pending.
//   - After Close every call fails with ErrClosed and blocked watchers are
//     released with ErrClosed.
//
// ============================================================================

package jobstore

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/beaver-scheduler/internal/metrics"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

// JobStore stores jobs and scheduler registrations. Implementations are
// safe for concurrent use.
type JobStore interface {
	// RegisterScheduler upserts the registration of a scheduler instance.
	RegisterScheduler(ctx context.Context, id uuid.UUID, name string) error
	// UnregisterScheduler drops the registration and orphans every job
	// still Running under id.
	UnregisterScheduler(ctx context.Context, id uuid.UUID) error

	// CreateJob reports whether a job now exists under spec.Name as a
	// direct result of this call.
	CreateJob(ctx context.Context, spec *types.JobSpec, creationTime time.Time, action types.CreateJobConflictAction) (bool, error)
	// UpdateJob replaces the spec of existingName, possibly renaming it.
	UpdateJob(ctx context.Context, existingName string, spec *types.JobSpec) error
	DeleteJob(ctx context.Context, name string) (bool, error)
	// GetJobDetails returns nil when no job has that name.
	GetJobDetails(ctx context.Context, name string) (*types.JobDetails, error)
	// SaveJobDetails writes back a record previously read from this store
	// and advances details.Version on success.
	SaveJobDetails(ctx context.Context, details *types.JobDetails) error
	ListJobNames(ctx context.Context) ([]string, error)

	CreateJobWatcher(schedulerID uuid.UUID) (JobWatcher, error)
	Close() error
}

// JobWatcher hands ready jobs to one scheduler instance. A watcher is
// consumed by a single goroutine.
type JobWatcher interface {
	// GetNextJobToProcess blocks until a job is ready. It returns the same
	// job again until the job's stored state changes. It returns (nil, nil)
	// once the watcher is closed and ErrClosed once the store is closed.
	GetNextJobToProcess(ctx context.Context) (*types.JobDetails, error)
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	logger  zerolog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

func defaultOptions() options {
	return options{
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records store activity on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = func() time.Time { return types.UTC(now()) }
		}
	}
}

// ---- argument validation shared by every store ----

func validateName(name, arg string) error {
	if strings.TrimSpace(name) == "" {
		return invalidArg("%s must not be empty", arg)
	}
	return nil
}

func validateSpec(spec *types.JobSpec) error {
	if spec == nil {
		return invalidArg("job spec must not be nil")
	}
	if err := validateName(spec.Name, "job name"); err != nil {
		return err
	}
	if spec.Trigger == nil {
		return invalidArg("job %q has no trigger", spec.Name)
	}
	return nil
}

func validateCreate(spec *types.JobSpec, action types.CreateJobConflictAction) error {
	if err := validateSpec(spec); err != nil {
		return err
	}
	if !action.Defined() {
		return invalidArg("undefined conflict action %v", action)
	}
	return nil
}

func validateDetails(d *types.JobDetails) error {
	if d == nil {
		return invalidArg("job details must not be nil")
	}
	if err := validateSpec(d.JobSpec); err != nil {
		return err
	}
	if !d.JobState.Valid() {
		return invalidArg("job %q has unknown state %q", d.JobSpec.Name, d.JobState)
	}
	return nil
}

func validateRegistration(id uuid.UUID, name string) error {
	if id == uuid.Nil {
		return invalidArg("scheduler id must not be nil")
	}
	return validateName(name, "scheduler name")
}

// ValidateCreate exposes CreateJob argument checks to DAO implementations.
func ValidateCreate(spec *types.JobSpec, action types.CreateJobConflictAction) error {
	return validateCreate(spec, action)
}

// ValidateDetails exposes SaveJobDetails argument checks to DAO
// implementations.
func ValidateDetails(d *types.JobDetails) error { return validateDetails(d) }
