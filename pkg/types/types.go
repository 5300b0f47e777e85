// Package types defines the core domain model shared by the job stores,
// the DAOs and the scheduler: job specs, job details, execution history,
// job states and the trigger contract.
package types

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	StatePending   JobState = "Pending"   // created, trigger not yet evaluated
	StateScheduled JobState = "Scheduled" // trigger produced a future fire time
	StateTriggered JobState = "Triggered" // fire time reached, ready for pickup
	StateRunning   JobState = "Running"   // owned by a scheduler
	StateCompleted JobState = "Completed" // trigger has no further occurrences
	StateOrphaned  JobState = "Orphaned"  // owner's registration expired while Running
	StateStopped   JobState = "Stopped"   // halted
)

// Valid reports whether s is one of the defined states.
func (s JobState) Valid() bool {
	switch s {
	case StatePending, StateScheduled, StateTriggered, StateRunning,
		StateCompleted, StateOrphaned, StateStopped:
		return true
	}
	return false
}

// AfterSpecUpdate returns the state a job moves to when its spec is
// replaced. Only a stale future fire time is invalidated.
func (s JobState) AfterSpecUpdate() JobState {
	if s == StateScheduled {
		return StatePending
	}
	return s
}

// CreateJobConflictAction selects what CreateJob does when a job with the
// same name already exists.
type CreateJobConflictAction int

const (
	// ConflictIgnore leaves the existing job untouched.
	ConflictIgnore CreateJobConflictAction = iota
	// ConflictUpdate replaces the spec but keeps creation time and history.
	ConflictUpdate
	// ConflictReplace discards the existing job and creates a fresh one.
	ConflictReplace
	// ConflictThrow fails the call.
	ConflictThrow
)

var conflictActionNames = map[CreateJobConflictAction]string{
	ConflictIgnore:  "ignore",
	ConflictUpdate:  "update",
	ConflictReplace: "replace",
	ConflictThrow:   "throw",
}

func (a CreateJobConflictAction) String() string {
	if n, ok := conflictActionNames[a]; ok {
		return n
	}
	return fmt.Sprintf("CreateJobConflictAction(%d)", int(a))
}

// Defined reports whether a is one of the declared actions.
func (a CreateJobConflictAction) Defined() bool {
	_, ok := conflictActionNames[a]
	return ok
}

// ParseConflictAction parses the lower-case name of an action.
func ParseConflictAction(s string) (CreateJobConflictAction, error) {
	for a, n := range conflictActionNames {
		if n == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown conflict action %q", s)
}

// JobData is an opaque string-keyed state bag owned by the job itself.
// Stores round-trip it verbatim and never interpret it.
type JobData map[string]string

// Clone returns a deep copy. A nil bag stays nil.
func (d JobData) Clone() JobData {
	if d == nil {
		return nil
	}
	return maps.Clone(d)
}

// JobSpec describes what a job is and when it runs. Name is the identity.
type JobSpec struct {
	Name        string
	Description string
	JobKey      string
	Trigger     Trigger
	JobData     JobData
}

// Clone returns a deep copy including the trigger.
func (s *JobSpec) Clone() *JobSpec {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Trigger != nil {
		cp.Trigger = s.Trigger.Clone()
	}
	cp.JobData = s.JobData.Clone()
	return &cp
}

// JobExecutionDetails records one execution of a job.
type JobExecutionDetails struct {
	SchedulerID   uuid.UUID  `json:"scheduler_id"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Succeeded     bool       `json:"succeeded"`
	StatusMessage string     `json:"status_message"`
}

// NewJobExecutionDetails starts an execution record with the
// "Not started." status the scheduler overwrites as it progresses.
func NewJobExecutionDetails(id uuid.UUID, start time.Time) *JobExecutionDetails {
	return &JobExecutionDetails{
		SchedulerID:   id,
		StartTime:     UTC(start),
		StatusMessage: "Not started.",
	}
}

func (e *JobExecutionDetails) Clone() *JobExecutionDetails {
	if e == nil {
		return nil
	}
	cp := *e
	cp.EndTime = cloneTime(e.EndTime)
	return &cp
}

// JobDetails is the full persisted record of a job and the unit of
// storage. Version is maintained by the store for optimistic concurrency
// and must not be changed by callers.
type JobDetails struct {
	JobSpec                     *JobSpec             `json:"job_spec"`
	CreationTime                time.Time            `json:"creation_time"`
	JobState                    JobState             `json:"job_state"`
	NextTriggerFireTime         *time.Time           `json:"next_trigger_fire_time,omitempty"`
	NextTriggerMisfireThreshold *time.Duration       `json:"next_trigger_misfire_threshold,omitempty"`
	LastJobExecutionDetails     *JobExecutionDetails `json:"last_job_execution_details,omitempty"`
	Version                     int64                `json:"version"`
}

// NewJobDetails returns a fresh Pending record for spec.
func NewJobDetails(spec *JobSpec, creationTime time.Time) *JobDetails {
	return &JobDetails{
		JobSpec:      spec.Clone(),
		CreationTime: UTC(creationTime),
		JobState:     StatePending,
	}
}

// Clone returns a deep copy of the record.
func (d *JobDetails) Clone() *JobDetails {
	if d == nil {
		return nil
	}
	cp := *d
	cp.JobSpec = d.JobSpec.Clone()
	cp.NextTriggerFireTime = cloneTime(d.NextTriggerFireTime)
	if d.NextTriggerMisfireThreshold != nil {
		v := *d.NextTriggerMisfireThreshold
		cp.NextTriggerMisfireThreshold = &v
	}
	cp.LastJobExecutionDetails = d.LastJobExecutionDetails.Clone()
	return &cp
}

// Name is shorthand for the spec name.
func (d *JobDetails) Name() string {
	if d == nil || d.JobSpec == nil {
		return ""
	}
	return d.JobSpec.Name
}

// UTC normalizes t to UTC and drops the monotonic reading so records
// compare equal after a round trip through any backend.
func UTC(t time.Time) time.Time {
	return t.UTC()
}

// UTCPtr is UTC for optional times.
func UTCPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := UTC(*t)
	return &v
}

// TimePtr returns a pointer to the UTC form of t.
func TimePtr(t time.Time) *time.Time {
	v := UTC(t)
	return &v
}

// DurationPtr returns a pointer to d.
func DurationPtr(d time.Duration) *time.Duration { return &d }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
