// ============================================================================
// Beaver Scheduler - Periodic Trigger
// ============================================================================
//
// Package: pkg/trigger
// File: periodic.go
// Purpose: A trigger that fires at a start time and then every Period until
//          an optional end time or execution count is exhausted.
//
// Condition handling:
//   Latch   -> suggest Skip    (compute next fire time, do not run)
//   Misfire -> suggest MisfireAction (Skip by default)
//   Fire    -> suggest ExecuteJob
//
// A suggested action is then checked against the trigger's limits; when no
// occurrence is left the trigger answers Stop and deactivates itself.
//
// ============================================================================

package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

// KindPeriodic is the registry name of PeriodicTrigger.
const KindPeriodic = "periodic"

// DefaultMisfireAction is the action taken when a firing was missed.
const DefaultMisfireAction = types.ActionSkip

var (
	ErrInvalidPeriod    = errors.New("trigger: period must be positive")
	ErrInvalidCount     = errors.New("trigger: execution count must not be negative")
	ErrInvalidThreshold = errors.New("trigger: misfire threshold must not be negative")
	ErrUnknownCondition = errors.New("trigger: unrecognized schedule condition")
)

// PeriodicTrigger fires at StartTime and then once per Period.
type PeriodicTrigger struct {
	startTime        time.Time
	endTime          *time.Time
	period           *time.Duration
	remaining        *int
	isFirstTime      bool
	misfireThreshold *time.Duration
	misfireAction    types.ScheduleAction
	nextFireTime     *time.Time
}

// NewPeriodic returns a trigger starting at start. end, period and count
// are optional; a nil count means unlimited executions.
func NewPeriodic(start time.Time, end *time.Time, period *time.Duration, count *int) (*PeriodicTrigger, error) {
	if period != nil && *period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if count != nil && *count < 0 {
		return nil, ErrInvalidCount
	}
	t := &PeriodicTrigger{
		startTime:     types.UTC(start),
		endTime:       types.UTCPtr(end),
		isFirstTime:   true,
		misfireAction: DefaultMisfireAction,
	}
	if period != nil {
		t.period = types.DurationPtr(*period)
	}
	if count != nil {
		c := *count
		t.remaining = &c
	}
	return t, nil
}

// NewOneShot returns a trigger that fires exactly once at fireTime.
func NewOneShot(fireTime time.Time) *PeriodicTrigger {
	one := 1
	t, _ := NewPeriodic(fireTime, nil, nil, &one)
	return t
}

// NewDaily returns a trigger that fires every 24 hours from start.
func NewDaily(start time.Time) *PeriodicTrigger {
	day := 24 * time.Hour
	t, _ := NewPeriodic(start, nil, &day, nil)
	return t
}

// NewEvery returns an unbounded trigger that fires every period from start.
func NewEvery(start time.Time, period time.Duration) (*PeriodicTrigger, error) {
	return NewPeriodic(start, nil, &period, nil)
}

func (t *PeriodicTrigger) Kind() string { return KindPeriodic }

func (t *PeriodicTrigger) StartTime() time.Time { return t.startTime }

func (t *PeriodicTrigger) EndTime() *time.Time { return t.endTime }

func (t *PeriodicTrigger) Period() *time.Duration { return t.period }

// Remaining is the number of executions left, or nil when unlimited.
func (t *PeriodicTrigger) Remaining() *int { return t.remaining }

// SetMisfireThreshold sets the slack allowed after a fire time. nil means
// a late firing is never treated as a misfire.
func (t *PeriodicTrigger) SetMisfireThreshold(d *time.Duration) error {
	if d != nil && *d < 0 {
		return ErrInvalidThreshold
	}
	if d == nil {
		t.misfireThreshold = nil
		return nil
	}
	t.misfireThreshold = types.DurationPtr(*d)
	return nil
}

// SetMisfireAction selects what happens when a firing is missed.
func (t *PeriodicTrigger) SetMisfireAction(a types.ScheduleAction) { t.misfireAction = a }

func (t *PeriodicTrigger) MisfireAction() types.ScheduleAction { return t.misfireAction }

func (t *PeriodicTrigger) NextFireTime() *time.Time { return t.nextFireTime }

func (t *PeriodicTrigger) NextMisfireThreshold() *time.Duration { return t.misfireThreshold }

func (t *PeriodicTrigger) IsActive() bool {
	return t.remaining == nil || *t.remaining > 0
}

func (t *PeriodicTrigger) Clone() types.Trigger {
	cp := *t
	cp.endTime = types.UTCPtr(t.endTime)
	if t.period != nil {
		cp.period = types.DurationPtr(*t.period)
	}
	if t.remaining != nil {
		r := *t.remaining
		cp.remaining = &r
	}
	if t.misfireThreshold != nil {
		cp.misfireThreshold = types.DurationPtr(*t.misfireThreshold)
	}
	cp.nextFireTime = types.UTCPtr(t.nextFireTime)
	return &cp
}

func (t *PeriodicTrigger) Schedule(cond types.ScheduleCondition, now time.Time, _ *types.JobExecutionDetails) (types.ScheduleAction, error) {
	now = types.UTC(now)
	switch cond {
	case types.ConditionLatch:
		return t.apply(types.ActionSkip, now), nil
	case types.ConditionMisfire:
		t.isFirstTime = false
		return t.apply(t.misfireAction, now), nil
	case types.ConditionFire:
		t.isFirstTime = false
		return t.apply(types.ActionExecuteJob, now), nil
	}
	return types.ActionStop, fmt.Errorf("%w: %v", ErrUnknownCondition, cond)
}

func (t *PeriodicTrigger) exhausted() bool {
	return t.remaining != nil && *t.remaining <= 0
}

func (t *PeriodicTrigger) apply(action types.ScheduleAction, now time.Time) types.ScheduleAction {
	switch action {
	case types.ActionExecuteJob:
		if t.exhausted() {
			break
		}
		if t.endTime != nil && now.After(*t.endTime) {
			break
		}
		if now.Before(t.startTime) {
			t.nextFireTime = types.TimePtr(t.startTime)
			return types.ActionSkip
		}
		t.nextFireTime = nil
		if t.remaining != nil {
			*t.remaining--
		}
		return types.ActionExecuteJob

	case types.ActionDeleteJob:
		t.nextFireTime = nil
		zero := 0
		t.remaining = &zero
		return types.ActionDeleteJob

	case types.ActionSkip:
		if t.exhausted() {
			break
		}
		if t.isFirstTime || now.Before(t.startTime) {
			t.nextFireTime = types.TimePtr(t.startTime)
			return types.ActionSkip
		}
		// Skipping a non-recurring trigger loses its only occurrence.
		if t.period == nil {
			break
		}
		sinceStart := now.Sub(t.startTime)
		next := now.Add(*t.period - sinceStart%*t.period)
		if t.endTime != nil && next.After(*t.endTime) {
			break
		}
		t.nextFireTime = &next
		return types.ActionSkip
	}

	t.nextFireTime = nil
	zero := 0
	t.remaining = &zero
	return types.ActionStop
}

type periodicJSON struct {
	StartTime        time.Time            `json:"start_time"`
	EndTime          *time.Time           `json:"end_time,omitempty"`
	Period           *time.Duration       `json:"period,omitempty"`
	Remaining        *int                 `json:"remaining,omitempty"`
	IsFirstTime      bool                 `json:"is_first_time"`
	MisfireThreshold *time.Duration       `json:"misfire_threshold,omitempty"`
	MisfireAction    types.ScheduleAction `json:"misfire_action"`
	NextFireTime     *time.Time           `json:"next_fire_time,omitempty"`
}

func (t *PeriodicTrigger) MarshalJSON() ([]byte, error) {
	return json.Marshal(periodicJSON{
		StartTime:        t.startTime,
		EndTime:          t.endTime,
		Period:           t.period,
		Remaining:        t.remaining,
		IsFirstTime:      t.isFirstTime,
		MisfireThreshold: t.misfireThreshold,
		MisfireAction:    t.misfireAction,
		NextFireTime:     t.nextFireTime,
	})
}

func (t *PeriodicTrigger) UnmarshalJSON(data []byte) error {
	var w periodicJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Period != nil && *w.Period <= 0 {
		return ErrInvalidPeriod
	}
	*t = PeriodicTrigger{
		startTime:        types.UTC(w.StartTime),
		endTime:          types.UTCPtr(w.EndTime),
		period:           w.Period,
		remaining:        w.Remaining,
		isFirstTime:      w.IsFirstTime,
		misfireThreshold: w.MisfireThreshold,
		misfireAction:    w.MisfireAction,
		nextFireTime:     types.UTCPtr(w.NextFireTime),
	}
	return nil
}

func init() {
	types.RegisterTrigger(KindPeriodic, func() types.Trigger { return &PeriodicTrigger{} })
}
