package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ScheduleCondition tells a trigger why it is being asked to schedule.
type ScheduleCondition int

const (
	// ConditionLatch asks the trigger to compute its next fire time
	// without firing.
	ConditionLatch ScheduleCondition = iota
	// ConditionMisfire reports that the last fire time was missed.
	ConditionMisfire
	// ConditionFire reports that the fire time has been reached.
	ConditionFire
)

func (c ScheduleCondition) String() string {
	switch c {
	case ConditionLatch:
		return "latch"
	case ConditionMisfire:
		return "misfire"
	case ConditionFire:
		return "fire"
	}
	return fmt.Sprintf("ScheduleCondition(%d)", int(c))
}

// ScheduleAction is what a trigger wants done with its job.
type ScheduleAction int

const (
	ActionSkip ScheduleAction = iota
	ActionExecuteJob
	ActionDeleteJob
	ActionStop
)

func (a ScheduleAction) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionExecuteJob:
		return "execute"
	case ActionDeleteJob:
		return "delete"
	case ActionStop:
		return "stop"
	}
	return fmt.Sprintf("ScheduleAction(%d)", int(a))
}

// ParseScheduleAction parses the name returned by ScheduleAction.String.
func ParseScheduleAction(s string) (ScheduleAction, error) {
	for _, a := range []ScheduleAction{ActionSkip, ActionExecuteJob, ActionDeleteJob, ActionStop} {
		if a.String() == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown schedule action %q", s)
}

// Trigger computes when a job fires. Implementations are stateful and
// are mutated by Schedule; stores persist them through their JSON form,
// so every implementation must round-trip through encoding/json and be
// registered with RegisterTrigger.
type Trigger interface {
	// Kind is the registry name used when serializing.
	Kind() string
	// Schedule advances the trigger and returns the action to perform.
	Schedule(cond ScheduleCondition, now time.Time, last *JobExecutionDetails) (ScheduleAction, error)
	// NextFireTime is the next time the trigger fires, or nil.
	NextFireTime() *time.Time
	// NextMisfireThreshold is the allowed slack after NextFireTime.
	NextMisfireThreshold() *time.Duration
	// IsActive reports whether more occurrences may follow.
	IsActive() bool
	Clone() Trigger
}

// ErrUnknownTriggerKind is returned when decoding a trigger whose kind was
// never registered.
var ErrUnknownTriggerKind = errors.New("types: unknown trigger kind")

var (
	triggerMu    sync.RWMutex
	triggerKinds = map[string]func() Trigger{}
)

// RegisterTrigger makes a trigger kind decodable. It panics on duplicate
// registration, the same way database/sql treats drivers.
func RegisterTrigger(kind string, factory func() Trigger) {
	triggerMu.Lock()
	defer triggerMu.Unlock()
	if factory == nil {
		panic("types: RegisterTrigger factory is nil")
	}
	if _, dup := triggerKinds[kind]; dup {
		panic("types: RegisterTrigger called twice for kind " + kind)
	}
	triggerKinds[kind] = factory
}

// TriggerKinds lists registered kinds in sorted order.
func TriggerKinds() []string {
	triggerMu.RLock()
	defer triggerMu.RUnlock()
	out := make([]string, 0, len(triggerKinds))
	for k := range triggerKinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type triggerEnvelope struct {
	Kind  string          `json:"kind"`
	State json.RawMessage `json:"state"`
}

// MarshalTrigger encodes t with its kind so it can be decoded later.
// A nil trigger encodes as JSON null.
func MarshalTrigger(t Trigger) ([]byte, error) {
	if t == nil {
		return []byte("null"), nil
	}
	state, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger %s: %w", t.Kind(), err)
	}
	return json.Marshal(triggerEnvelope{Kind: t.Kind(), State: state})
}

// UnmarshalTrigger decodes the output of MarshalTrigger.
func UnmarshalTrigger(data []byte) (Trigger, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env triggerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal trigger envelope: %w", err)
	}
	triggerMu.RLock()
	factory, ok := triggerKinds[env.Kind]
	triggerMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTriggerKind, env.Kind)
	}
	t := factory()
	if err := json.Unmarshal(env.State, t); err != nil {
		return nil, fmt.Errorf("unmarshal trigger %s: %w", env.Kind, err)
	}
	return t, nil
}

type jobSpecJSON struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	JobKey      string          `json:"job_key,omitempty"`
	Trigger     json.RawMessage `json:"trigger"`
	JobData     JobData         `json:"job_data"`
}

// MarshalJSON writes the trigger through its registered kind.
func (s JobSpec) MarshalJSON() ([]byte, error) {
	trig, err := MarshalTrigger(s.Trigger)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobSpecJSON{
		Name:        s.Name,
		Description: s.Description,
		JobKey:      s.JobKey,
		Trigger:     trig,
		JobData:     s.JobData,
	})
}

func (s *JobSpec) UnmarshalJSON(data []byte) error {
	var raw jobSpecJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	trig, err := UnmarshalTrigger(raw.Trigger)
	if err != nil {
		return err
	}
	*s = JobSpec{
		Name:        raw.Name,
		Description: raw.Description,
		JobKey:      raw.JobKey,
		Trigger:     trig,
		JobData:     raw.JobData,
	}
	return nil
}
