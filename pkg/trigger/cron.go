package trigger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

// KindCron is the registry name of CronTrigger.
const KindCron = "cron"

// cronParser accepts the standard five-field form plus descriptors such as
// "@hourly" and "@every 5m".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronTrigger fires on every occurrence of a cron schedule until an
// optional end time. Expression parsing is delegated to robfig/cron.
type CronTrigger struct {
	expr             string
	schedule         cron.Schedule
	endTime          *time.Time
	misfireThreshold *time.Duration
	misfireAction    types.ScheduleAction
	stopped          bool
	nextFireTime     *time.Time
}

// NewCron parses expr and returns a trigger for it.
func NewCron(expr string) (*CronTrigger, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("trigger: parse cron %q: %w", expr, err)
	}
	return &CronTrigger{expr: expr, schedule: sched, misfireAction: DefaultMisfireAction}, nil
}

func (t *CronTrigger) Kind() string { return KindCron }

func (t *CronTrigger) Expression() string { return t.expr }

// SetEndTime bounds the trigger; occurrences after end are not produced.
func (t *CronTrigger) SetEndTime(end *time.Time) { t.endTime = types.UTCPtr(end) }

func (t *CronTrigger) SetMisfireThreshold(d *time.Duration) error {
	if d != nil && *d < 0 {
		return ErrInvalidThreshold
	}
	t.misfireThreshold = nil
	if d != nil {
		t.misfireThreshold = types.DurationPtr(*d)
	}
	return nil
}

func (t *CronTrigger) SetMisfireAction(a types.ScheduleAction) { t.misfireAction = a }

func (t *CronTrigger) NextFireTime() *time.Time { return t.nextFireTime }

func (t *CronTrigger) NextMisfireThreshold() *time.Duration { return t.misfireThreshold }

func (t *CronTrigger) IsActive() bool { return !t.stopped }

func (t *CronTrigger) Clone() types.Trigger {
	cp := *t
	cp.endTime = types.UTCPtr(t.endTime)
	cp.nextFireTime = types.UTCPtr(t.nextFireTime)
	if t.misfireThreshold != nil {
		cp.misfireThreshold = types.DurationPtr(*t.misfireThreshold)
	}
	return &cp
}

func (t *CronTrigger) Schedule(cond types.ScheduleCondition, now time.Time, _ *types.JobExecutionDetails) (types.ScheduleAction, error) {
	now = types.UTC(now)
	switch cond {
	case types.ConditionLatch:
		return t.apply(types.ActionSkip, now), nil
	case types.ConditionMisfire:
		return t.apply(t.misfireAction, now), nil
	case types.ConditionFire:
		return t.apply(types.ActionExecuteJob, now), nil
	}
	return types.ActionStop, fmt.Errorf("%w: %v", ErrUnknownCondition, cond)
}

func (t *CronTrigger) apply(action types.ScheduleAction, now time.Time) types.ScheduleAction {
	if t.stopped {
		return types.ActionStop
	}
	switch action {
	case types.ActionExecuteJob:
		if t.endTime != nil && now.After(*t.endTime) {
			break
		}
		t.nextFireTime = nil
		return types.ActionExecuteJob
	case types.ActionDeleteJob:
		t.stopped = true
		t.nextFireTime = nil
		return types.ActionDeleteJob
	case types.ActionSkip:
		next := t.schedule.Next(now).UTC()
		if next.IsZero() || (t.endTime != nil && next.After(*t.endTime)) {
			break
		}
		t.nextFireTime = &next
		return types.ActionSkip
	}
	t.stopped = true
	t.nextFireTime = nil
	return types.ActionStop
}

type cronJSON struct {
	Expr             string               `json:"expr"`
	EndTime          *time.Time           `json:"end_time,omitempty"`
	MisfireThreshold *time.Duration       `json:"misfire_threshold,omitempty"`
	MisfireAction    types.ScheduleAction `json:"misfire_action"`
	Stopped          bool                 `json:"stopped,omitempty"`
	NextFireTime     *time.Time           `json:"next_fire_time,omitempty"`
}

func (t *CronTrigger) MarshalJSON() ([]byte, error) {
	return json.Marshal(cronJSON{
		Expr:             t.expr,
		EndTime:          t.endTime,
		MisfireThreshold: t.misfireThreshold,
		MisfireAction:    t.misfireAction,
		Stopped:          t.stopped,
		NextFireTime:     t.nextFireTime,
	})
}

func (t *CronTrigger) UnmarshalJSON(data []byte) error {
	var w cronJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	sched, err := cronParser.Parse(w.Expr)
	if err != nil {
		return fmt.Errorf("trigger: parse cron %q: %w", w.Expr, err)
	}
	*t = CronTrigger{
		expr:             w.Expr,
		schedule:         sched,
		endTime:          types.UTCPtr(w.EndTime),
		misfireThreshold: w.MisfireThreshold,
		misfireAction:    w.MisfireAction,
		stopped:          w.Stopped,
		nextFireTime:     types.UTCPtr(w.NextFireTime),
	}
	return nil
}

func init() {
	types.RegisterTrigger(KindCron, func() types.Trigger { return &CronTrigger{} })
}
