// Package jobstoretest holds the behavioural test suite every JobStore
// implementation must pass. Backends call Run from their own tests with a
// factory that returns a fresh, empty store.
package jobstoretest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore"
	"github.com/ChuLiYu/beaver-scheduler/pkg/trigger"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) jobstore.JobStore

// SchedulerID is the scheduler identity the suite registers before each
// test. Running jobs in fixtures are owned by it.
var SchedulerID = uuid.MustParse("5a0d6a1e-6c43-4a55-9b1f-2a2f3f0f1c11")

// waitTimeout bounds how long the suite waits for a blocked watcher.
const waitTimeout = 5 * time.Second

type suite struct {
	t     *testing.T
	store jobstore.JobStore
	ctx   context.Context
}

func newSuite(t *testing.T, f Factory) *suite {
	t.Helper()
	store := f(t)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	require.NoError(t, store.RegisterScheduler(ctx, SchedulerID, "contract-suite"))
	return &suite{t: t, store: store, ctx: ctx}
}

// Run executes the full suite against stores produced by f.
func Run(t *testing.T, f Factory) {
	tests := map[string]func(*suite){
		"CreateJob_ReturnsPendingRecord":          testCreateJobReturnsPendingRecord,
		"CreateJob_Validation":                    testCreateJobValidation,
		"CreateJob_ConflictIgnore":                testCreateJobConflictIgnore,
		"CreateJob_ConflictThrow":                 testCreateJobConflictThrow,
		"CreateJob_ConflictUpdate":                testCreateJobConflictUpdate,
		"CreateJob_ConflictReplace":               testCreateJobConflictReplace,
		"UpdateJob_RenamesAndKeepsHistory":        testUpdateJobRenames,
		"UpdateJob_StateRules":                    testUpdateJobStateRules,
		"UpdateJob_Errors":                        testUpdateJobErrors,
		"GetJobDetails_Missing":                   testGetJobDetailsMissing,
		"SaveJobDetails_RoundTrip":                testSaveRoundTrip,
		"SaveJobDetails_StaleVersionConflicts":    testSaveStaleVersion,
		"SaveJobDetails_ConcurrentSaves":          testSaveConcurrent,
		"SaveJobDetails_DeletedJobConflicts":      testSaveDeleted,
		"SaveJobDetails_Validation":               testSaveValidation,
		"DeleteJob":                               testDeleteJob,
		"ListJobNames":                            testListJobNames,
		"RegisterScheduler_Validation":            testRegisterValidation,
		"UnregisterScheduler_OrphansRunningJobs":  testUnregisterOrphans,
		"JobWatcher_YieldsJobsInExpectedSequence": testWatcherSequence,
		"JobWatcher_UnblocksWhenPendingJobAdded":  testWatcherUnblocksOnCreate,
		"JobWatcher_WakesAtFireTime":              testWatcherWakesAtFireTime,
		"JobWatcher_CloseUnblocks":                testWatcherCloseUnblocks,
		"JobWatcher_StoreCloseUnblocks":           testWatcherStoreCloseUnblocks,
		"JobWatcher_ContextCancel":                testWatcherContextCancel,
		"Close_RejectsOperations":                 testCloseRejects,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			fn(newSuite(t, f))
		})
	}
}

// ---- fixtures ----

func day(d int) time.Time { return time.Date(1970, 1, d, 0, 0, 0, 0, time.UTC) }

func newSpec(name string, fire time.Time) *types.JobSpec {
	return &types.JobSpec{
		Name:        name,
		Description: "description of " + name,
		JobKey:      "key",
		Trigger:     trigger.NewOneShot(fire),
		JobData:     types.JobData{"owner": name},
	}
}

func (s *suite) createPending(name string, creation time.Time) *types.JobDetails {
	s.t.Helper()
	created, err := s.store.CreateJob(s.ctx, newSpec(name, creation), creation, types.ConflictThrow)
	require.NoError(s.t, err)
	require.True(s.t, created)
	return s.get(name)
}

func (s *suite) get(name string) *types.JobDetails {
	s.t.Helper()
	d, err := s.store.GetJobDetails(s.ctx, name)
	require.NoError(s.t, err)
	require.NotNil(s.t, d, "job %q missing", name)
	return d
}

func (s *suite) save(d *types.JobDetails) {
	s.t.Helper()
	require.NoError(s.t, s.store.SaveJobDetails(s.ctx, d))
}

func (s *suite) createInState(name string, state types.JobState) *types.JobDetails {
	s.t.Helper()
	d := s.createPending(name, day(1))
	d.JobState = state
	switch state {
	case types.StateScheduled, types.StateTriggered:
		d.NextTriggerFireTime = types.TimePtr(day(4))
	case types.StateRunning, types.StateCompleted, types.StateOrphaned:
		d.LastJobExecutionDetails = types.NewJobExecutionDetails(SchedulerID, day(1))
		if state != types.StateRunning {
			d.LastJobExecutionDetails.EndTime = types.TimePtr(day(2))
		}
	}
	s.save(d)
	return d
}

func (s *suite) createScheduled(name string, fire *time.Time) *types.JobDetails {
	s.t.Helper()
	d := s.createPending(name, day(1))
	d.JobState = types.StateScheduled
	d.NextTriggerFireTime = fire
	s.save(d)
	return d
}

func (s *suite) createTriggered(name string, fire time.Time) *types.JobDetails {
	s.t.Helper()
	d := s.createPending(name, day(1))
	d.JobState = types.StateTriggered
	d.NextTriggerFireTime = types.TimePtr(fire)
	s.save(d)
	return d
}

func (s *suite) createOrphaned(name string, end *time.Time) *types.JobDetails {
	s.t.Helper()
	d := s.createPending(name, day(1))
	d.JobState = types.StateOrphaned
	d.LastJobExecutionDetails = types.NewJobExecutionDetails(SchedulerID, day(1))
	d.LastJobExecutionDetails.EndTime = end
	s.save(d)
	return d
}

func (s *suite) createCompleted(name string, end time.Time) *types.JobDetails {
	s.t.Helper()
	d := s.createPending(name, day(1))
	d.JobState = types.StateCompleted
	d.LastJobExecutionDetails = types.NewJobExecutionDetails(SchedulerID, day(1))
	d.LastJobExecutionDetails.EndTime = types.TimePtr(end)
	d.LastJobExecutionDetails.Succeeded = true
	s.save(d)
	return d
}

// AssertJobEqual compares two records field by field. Triggers are compared
// through their serialized form. Version is compared only when
// checkVersion is set.
func AssertJobEqual(t *testing.T, want, got *types.JobDetails, checkVersion bool) {
	t.Helper()
	if want == nil || got == nil {
		assert.Equal(t, want == nil, got == nil, "one record is nil")
		return
	}
	AssertSpecEqual(t, want.JobSpec, got.JobSpec)
	assert.True(t, want.CreationTime.Equal(got.CreationTime), "creation time: want %s got %s", want.CreationTime, got.CreationTime)
	assert.Equal(t, want.JobState, got.JobState, "job state of %s", want.Name())
	assertTimePtr(t, want.NextTriggerFireTime, got.NextTriggerFireTime, "next fire time")
	assert.Equal(t, want.NextTriggerMisfireThreshold, got.NextTriggerMisfireThreshold, "misfire threshold")
	if want.LastJobExecutionDetails == nil || got.LastJobExecutionDetails == nil {
		assert.Equal(t, want.LastJobExecutionDetails == nil, got.LastJobExecutionDetails == nil, "last execution presence")
	} else {
		we, ge := want.LastJobExecutionDetails, got.LastJobExecutionDetails
		assert.Equal(t, we.SchedulerID, ge.SchedulerID)
		assert.True(t, we.StartTime.Equal(ge.StartTime), "start time")
		assertTimePtr(t, we.EndTime, ge.EndTime, "end time")
		assert.Equal(t, we.Succeeded, ge.Succeeded)
		assert.Equal(t, we.StatusMessage, ge.StatusMessage)
	}
	if checkVersion {
		assert.Equal(t, want.Version, got.Version, "version")
	}
}

// AssertSpecEqual compares specs including the serialized trigger.
func AssertSpecEqual(t *testing.T, want, got *types.JobSpec) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.Description, got.Description)
	assert.Equal(t, want.JobKey, got.JobKey)
	assert.Equal(t, want.JobData, got.JobData)
	wt, err := types.MarshalTrigger(want.Trigger)
	require.NoError(t, err)
	gt, err := types.MarshalTrigger(got.Trigger)
	require.NoError(t, err)
	assert.JSONEq(t, string(wt), string(gt), "trigger")
}

func assertTimePtr(t *testing.T, want, got *time.Time, what string) {
	t.Helper()
	if want == nil || got == nil {
		assert.Equal(t, want == nil, got == nil, "%s presence", what)
		return
	}
	assert.True(t, want.Equal(*got), "%s: want %s got %s", what, *want, *got)
}

// ---- CreateJob ----

func testCreateJobReturnsPendingRecord(s *suite) {
	spec := newSpec("job", day(5))
	creation := time.Date(2024, 2, 3, 4, 5, 6, 7000, time.UTC)

	created, err := s.store.CreateJob(s.ctx, spec, creation, types.ConflictThrow)
	require.NoError(s.t, err)
	assert.True(s.t, created)

	got := s.get("job")
	AssertSpecEqual(s.t, spec, got.JobSpec)
	assert.Equal(s.t, types.StatePending, got.JobState)
	assert.Nil(s.t, got.LastJobExecutionDetails)
	assert.Nil(s.t, got.NextTriggerFireTime)
	assert.Nil(s.t, got.NextTriggerMisfireThreshold)
	assert.WithinDuration(s.t, creation, got.CreationTime, time.Millisecond)

	// The store keeps its own copy of the spec.
	spec.Description = "mutated"
	assert.NotEqual(s.t, "mutated", s.get("job").JobSpec.Description)
}

func testCreateJobValidation(s *suite) {
	_, err := s.store.CreateJob(s.ctx, nil, day(1), types.ConflictThrow)
	assert.ErrorIs(s.t, err, jobstore.ErrInvalidArgument)

	_, err = s.store.CreateJob(s.ctx, newSpec("job", day(1)), day(1), types.CreateJobConflictAction(99))
	assert.ErrorIs(s.t, err, jobstore.ErrInvalidArgument)

	_, err = s.store.CreateJob(s.ctx, newSpec("", day(1)), day(1), types.ConflictThrow)
	assert.ErrorIs(s.t, err, jobstore.ErrInvalidArgument)

	names, err := s.store.ListJobNames(s.ctx)
	require.NoError(s.t, err)
	assert.Empty(s.t, names)
}

func testCreateJobConflictIgnore(s *suite) {
	orig := s.createPending("job", day(1))

	replacement := newSpec("job", day(9))
	replacement.Description = "replacement"
	created, err := s.store.CreateJob(s.ctx, replacement, day(2), types.ConflictIgnore)
	require.NoError(s.t, err)
	assert.False(s.t, created)

	AssertJobEqual(s.t, orig, s.get("job"), true)
}

func testCreateJobConflictThrow(s *suite) {
	orig := s.createPending("job", day(1))

	_, err := s.store.CreateJob(s.ctx, newSpec("job", day(9)), day(2), types.ConflictThrow)
	assert.ErrorIs(s.t, err, jobstore.ErrState)
	assert.ErrorIs(s.t, err, jobstore.ErrJobExists)

	AssertJobEqual(s.t, orig, s.get("job"), true)
}

func testCreateJobConflictUpdate(s *suite) {
	orig := s.createInState("job", types.StateScheduled)
	orig.LastJobExecutionDetails = types.NewJobExecutionDetails(SchedulerID, day(1))
	orig.LastJobExecutionDetails.EndTime = types.TimePtr(day(2))
	s.save(orig)

	replacement := newSpec("job", day(9))
	replacement.Description = "replacement"
	created, err := s.store.CreateJob(s.ctx, replacement, day(3), types.ConflictUpdate)
	require.NoError(s.t, err)
	assert.True(s.t, created)

	got := s.get("job")
	AssertSpecEqual(s.t, replacement, got.JobSpec)
	assert.True(s.t, day(1).Equal(got.CreationTime), "creation time must be kept")
	assert.Equal(s.t, types.StatePending, got.JobState)
	require.NotNil(s.t, got.LastJobExecutionDetails, "history must be kept")
	assertTimePtr(s.t, types.TimePtr(day(2)), got.LastJobExecutionDetails.EndTime, "end time")
	assert.Greater(s.t, got.Version, orig.Version)
}

func testCreateJobConflictReplace(s *suite) {
	s.createInState("job", types.StateCompleted)

	replacement := newSpec("job", day(9))
	replacement.Description = "replacement"
	created, err := s.store.CreateJob(s.ctx, replacement, day(3), types.ConflictReplace)
	require.NoError(s.t, err)
	assert.True(s.t, created)

	got := s.get("job")
	AssertSpecEqual(s.t, replacement, got.JobSpec)
	assert.True(s.t, day(3).Equal(got.CreationTime), "creation time must be the new one")
	assert.Equal(s.t, types.StatePending, got.JobState)
	assert.Nil(s.t, got.LastJobExecutionDetails)
}

// ---- UpdateJob ----

func testUpdateJobRenames(s *suite) {
	orig := s.createInState("old", types.StateCompleted)

	spec := newSpec("new", day(7))
	spec.Description = "renamed"
	require.NoError(s.t, s.store.UpdateJob(s.ctx, "old", spec))

	gone, err := s.store.GetJobDetails(s.ctx, "old")
	require.NoError(s.t, err)
	assert.Nil(s.t, gone)

	got := s.get("new")
	AssertSpecEqual(s.t, spec, got.JobSpec)
	assert.True(s.t, orig.CreationTime.Equal(got.CreationTime))
	assert.Equal(s.t, types.StateCompleted, got.JobState)
	require.NotNil(s.t, got.LastJobExecutionDetails)
	assertTimePtr(s.t, orig.LastJobExecutionDetails.EndTime, got.LastJobExecutionDetails.EndTime, "end time")

	// A handle fetched before the update is stale now.
	assert.ErrorIs(s.t, s.store.SaveJobDetails(s.ctx, orig), jobstore.ErrConcurrentModification)
}

func testUpdateJobStateRules(s *suite) {
	tests := []struct {
		state types.JobState
		want  types.JobState
	}{
		{types.StatePending, types.StatePending},
		{types.StateScheduled, types.StatePending},
		{types.StateTriggered, types.StateTriggered},
		{types.StateRunning, types.StateRunning},
		{types.StateCompleted, types.StateCompleted},
		{types.StateOrphaned, types.StateOrphaned},
		{types.StateStopped, types.StateStopped},
	}
	for _, tt := range tests {
		name := "job-" + string(tt.state)
		s.createInState(name, tt.state)
		require.NoError(s.t, s.store.UpdateJob(s.ctx, name, newSpec(name, day(8))))
		assert.Equal(s.t, tt.want, s.get(name).JobState, "state after update from %s", tt.state)
	}
}

func testUpdateJobErrors(s *suite) {
	s.createPending("a", day(1))
	s.createPending("b", day(1))

	err := s.store.UpdateJob(s.ctx, "missing", newSpec("missing", day(1)))
	assert.ErrorIs(s.t, err, jobstore.ErrState)
	assert.ErrorIs(s.t, err, jobstore.ErrJobNotFound)

	err = s.store.UpdateJob(s.ctx, "a", newSpec("b", day(1)))
	assert.ErrorIs(s.t, err, jobstore.ErrState)
	assert.ErrorIs(s.t, err, jobstore.ErrJobNameInUse)

	assert.ErrorIs(s.t, s.store.UpdateJob(s.ctx, "", newSpec("a", day(1))), jobstore.ErrInvalidArgument)
	assert.ErrorIs(s.t, s.store.UpdateJob(s.ctx, "a", nil), jobstore.ErrInvalidArgument)

	names, err := s.store.ListJobNames(s.ctx)
	require.NoError(s.t, err)
	assert.ElementsMatch(s.t, []string{"a", "b"}, names)
}

// ---- Get / Save ----

func testGetJobDetailsMissing(s *suite) {
	d, err := s.store.GetJobDetails(s.ctx, "nope")
	require.NoError(s.t, err)
	assert.Nil(s.t, d)

	_, err = s.store.GetJobDetails(s.ctx, "")
	assert.ErrorIs(s.t, err, jobstore.ErrInvalidArgument)
}

func testSaveRoundTrip(s *suite) {
	d := s.createPending("job", day(1))
	before := d.Version

	trig := trigger.NewDaily(day(2))
	_, err := trig.Schedule(types.ConditionLatch, day(1), nil)
	require.NoError(s.t, err)

	d.JobSpec.Trigger = trig
	d.JobSpec.JobData = types.JobData{"cursor": "17", "empty": ""}
	d.JobState = types.StateScheduled
	d.NextTriggerFireTime = types.TimePtr(time.Date(2030, 1, 2, 3, 4, 5, 600000000, time.UTC))
	d.NextTriggerMisfireThreshold = types.DurationPtr(90 * time.Second)
	d.LastJobExecutionDetails = &types.JobExecutionDetails{
		SchedulerID:   SchedulerID,
		StartTime:     day(3),
		EndTime:       types.TimePtr(day(4)),
		Succeeded:     true,
		StatusMessage: "Completed successfully.",
	}
	s.save(d)
	assert.Greater(s.t, d.Version, before, "save must advance the caller's version")

	AssertJobEqual(s.t, d, s.get("job"), true)

	// A second save from the same, now current, handle succeeds.
	d.JobState = types.StateTriggered
	s.save(d)
	AssertJobEqual(s.t, d, s.get("job"), true)
}

func testSaveStaleVersion(s *suite) {
	s.createPending("job", day(1))
	first := s.get("job")
	second := s.get("job")

	first.JobState = types.StateStopped
	s.save(first)

	second.JobState = types.StateCompleted
	err := s.store.SaveJobDetails(s.ctx, second)
	assert.ErrorIs(s.t, err, jobstore.ErrConcurrentModification)
	assert.Equal(s.t, types.StateStopped, s.get("job").JobState)
}

func testSaveConcurrent(s *suite) {
	s.createPending("job", day(1))
	const n = 8
	handles := make([]*types.JobDetails, n)
	for i := range handles {
		handles[i] = s.get("job")
		handles[i].JobState = types.StateStopped
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, conflicts := 0, 0
	for _, h := range handles {
		wg.Add(1)
		go func(h *types.JobDetails) {
			defer wg.Done()
			err := s.store.SaveJobDetails(s.ctx, h)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, jobstore.ErrConcurrentModification):
				conflicts++
			default:
				s.t.Errorf("unexpected error: %v", err)
			}
		}(h)
	}
	wg.Wait()
	assert.Equal(s.t, 1, succeeded)
	assert.Equal(s.t, n-1, conflicts)
}

func testSaveDeleted(s *suite) {
	d := s.createPending("job", day(1))
	deleted, err := s.store.DeleteJob(s.ctx, "job")
	require.NoError(s.t, err)
	require.True(s.t, deleted)

	assert.ErrorIs(s.t, s.store.SaveJobDetails(s.ctx, d), jobstore.ErrConcurrentModification)

	got, err := s.store.GetJobDetails(s.ctx, "job")
	require.NoError(s.t, err)
	assert.Nil(s.t, got)

	// A new job under the same name is a fresh record; the old handle
	// stays stale.
	s.createPending("job", day(2))
	assert.ErrorIs(s.t, s.store.SaveJobDetails(s.ctx, d), jobstore.ErrConcurrentModification)
}

func testSaveValidation(s *suite) {
	assert.ErrorIs(s.t, s.store.SaveJobDetails(s.ctx, nil), jobstore.ErrInvalidArgument)
	d := s.createPending("job", day(1))
	d.JobState = types.JobState("Bogus")
	assert.ErrorIs(s.t, s.store.SaveJobDetails(s.ctx, d), jobstore.ErrInvalidArgument)
}

// ---- Delete / List ----

func testDeleteJob(s *suite) {
	s.createPending("job", day(1))

	deleted, err := s.store.DeleteJob(s.ctx, "job")
	require.NoError(s.t, err)
	assert.True(s.t, deleted)

	deleted, err = s.store.DeleteJob(s.ctx, "job")
	require.NoError(s.t, err)
	assert.False(s.t, deleted)

	_, err = s.store.DeleteJob(s.ctx, "")
	assert.ErrorIs(s.t, err, jobstore.ErrInvalidArgument)
}

func testListJobNames(s *suite) {
	names, err := s.store.ListJobNames(s.ctx)
	require.NoError(s.t, err)
	assert.Empty(s.t, names)

	for _, n := range []string{"a", "b", "c", "d"} {
		s.createPending(n, day(1))
	}
	_, err = s.store.DeleteJob(s.ctx, "b")
	require.NoError(s.t, err)
	require.NoError(s.t, s.store.UpdateJob(s.ctx, "c", newSpec("renamed", day(1))))

	names, err = s.store.ListJobNames(s.ctx)
	require.NoError(s.t, err)
	assert.ElementsMatch(s.t, []string{"a", "d", "renamed"}, names)
}

// ---- scheduler registration ----

func testRegisterValidation(s *suite) {
	assert.ErrorIs(s.t, s.store.RegisterScheduler(s.ctx, uuid.New(), ""), jobstore.ErrInvalidArgument)
	assert.ErrorIs(s.t, s.store.RegisterScheduler(s.ctx, uuid.Nil, "x"), jobstore.ErrInvalidArgument)

	// Registration is an idempotent upsert.
	require.NoError(s.t, s.store.RegisterScheduler(s.ctx, SchedulerID, "renamed"))
	require.NoError(s.t, s.store.RegisterScheduler(s.ctx, SchedulerID, "renamed"))
}

func testUnregisterOrphans(s *suite) {
	other := uuid.New()
	require.NoError(s.t, s.store.RegisterScheduler(s.ctx, other, "other"))

	mine := s.createInState("mine", types.StateRunning)
	theirs := s.createPending("theirs", day(1))
	theirs.JobState = types.StateRunning
	theirs.LastJobExecutionDetails = types.NewJobExecutionDetails(other, day(1))
	s.save(theirs)
	s.createInState("idle", types.StateScheduled)

	require.NoError(s.t, s.store.UnregisterScheduler(s.ctx, SchedulerID))

	got := s.get("mine")
	assert.Equal(s.t, types.StateOrphaned, got.JobState)
	require.NotNil(s.t, got.LastJobExecutionDetails)
	assert.NotNil(s.t, got.LastJobExecutionDetails.EndTime)
	assert.False(s.t, got.LastJobExecutionDetails.Succeeded)
	assert.Greater(s.t, got.Version, mine.Version)

	assert.Equal(s.t, types.StateRunning, s.get("theirs").JobState)
	assert.Equal(s.t, types.StateScheduled, s.get("idle").JobState)
}

// ---- watcher ----

func (s *suite) watcher() jobstore.JobWatcher {
	s.t.Helper()
	w, err := s.store.CreateJobWatcher(SchedulerID)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = w.Close() })
	return w
}

type result struct {
	job *types.JobDetails
	err error
}

func nextAsync(ctx context.Context, w jobstore.JobWatcher) <-chan result {
	ch := make(chan result, 1)
	go func() {
		j, err := w.GetNextJobToProcess(ctx)
		ch <- result{j, err}
	}()
	return ch
}

func (s *suite) await(ch <-chan result) result {
	s.t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		s.t.Fatal("watcher call did not return")
		return result{}
	}
}

func (s *suite) assertBlocked(ch <-chan result) {
	s.t.Helper()
	select {
	case r := <-ch:
		s.t.Fatalf("watcher returned early: job=%v err=%v", r.job.Name(), r.err)
	case <-time.After(150 * time.Millisecond):
	}
}

func testWatcherSequence(s *suite) {
	w := s.watcher()

	orphaned := s.createOrphaned("orphaned", types.TimePtr(day(3)))
	pending := s.createPending("pending", day(2))
	triggered := s.createTriggered("triggered", day(6))
	s.createCompleted("completed", day(1))
	scheduled := s.createScheduled("scheduled", types.TimePtr(day(4)))
	scheduled2 := s.createScheduled("scheduled2", nil)
	orphaned2 := s.createOrphaned("orphaned2", nil)

	// Jobs in these states are never handed out.
	s.createInState("running1", types.StateRunning)
	s.createInState("stopped1", types.StateStopped)
	s.createScheduled("scheduled-in-the-future", types.TimePtr(time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)))

	expected := []*types.JobDetails{orphaned2, orphaned, pending, scheduled2, scheduled, triggered}
	for i, want := range expected {
		got, err := w.GetNextJobToProcess(s.ctx)
		require.NoError(s.t, err)
		require.NotNil(s.t, got)
		require.Equal(s.t, want.Name(), got.Name(), "position %d", i)

		if want.JobState == types.StateScheduled {
			want.JobState = types.StateTriggered
		}
		AssertJobEqual(s.t, want, got, false)

		// The same job comes back until its state changes.
		again, err := w.GetNextJobToProcess(s.ctx)
		require.NoError(s.t, err)
		require.Equal(s.t, got.Name(), again.Name())
		assert.Equal(s.t, got.Version, again.Version)

		got.JobState = types.StateStopped
		s.save(got)
	}

	// Nothing is ready now; the call blocks until the watcher is closed.
	ch := nextAsync(s.ctx, w)
	s.assertBlocked(ch)
	require.NoError(s.t, w.Close())
	r := s.await(ch)
	assert.NoError(s.t, r.err)
	assert.Nil(s.t, r.job)
}

func testWatcherUnblocksOnCreate(s *suite) {
	w := s.watcher()
	ch := nextAsync(s.ctx, w)
	s.assertBlocked(ch)

	s.createPending("pending", time.Now())

	r := s.await(ch)
	require.NoError(s.t, r.err)
	require.NotNil(s.t, r.job)
	assert.Equal(s.t, "pending", r.job.Name())
	assert.Equal(s.t, types.StatePending, r.job.JobState)
}

func testWatcherWakesAtFireTime(s *suite) {
	w := s.watcher()
	fire := time.Now().Add(400 * time.Millisecond)
	s.createScheduled("soon", types.TimePtr(fire))

	ch := nextAsync(s.ctx, w)
	r := s.await(ch)
	require.NoError(s.t, r.err)
	require.NotNil(s.t, r.job)
	assert.Equal(s.t, "soon", r.job.Name())
	assert.Equal(s.t, types.StateTriggered, r.job.JobState)
	assert.False(s.t, time.Now().Before(fire), "job handed out before its fire time")

	// The flip to Triggered is persisted.
	assert.Equal(s.t, types.StateTriggered, s.get("soon").JobState)
}

func testWatcherCloseUnblocks(s *suite) {
	w := s.watcher()
	ch := nextAsync(s.ctx, w)
	s.assertBlocked(ch)
	require.NoError(s.t, w.Close())

	r := s.await(ch)
	assert.NoError(s.t, r.err)
	assert.Nil(s.t, r.job)

	// Closed watchers keep answering nil.
	j, err := w.GetNextJobToProcess(s.ctx)
	assert.NoError(s.t, err)
	assert.Nil(s.t, j)
	assert.NoError(s.t, w.Close())
}

func testWatcherStoreCloseUnblocks(s *suite) {
	w := s.watcher()
	ch := nextAsync(s.ctx, w)
	s.assertBlocked(ch)
	require.NoError(s.t, s.store.Close())

	r := s.await(ch)
	assert.ErrorIs(s.t, r.err, jobstore.ErrClosed)
	assert.Nil(s.t, r.job)
}

func testWatcherContextCancel(s *suite) {
	w := s.watcher()
	ctx, cancel := context.WithCancel(s.ctx)
	ch := nextAsync(ctx, w)
	s.assertBlocked(ch)
	cancel()

	r := s.await(ch)
	assert.ErrorIs(s.t, r.err, context.Canceled)
}

func testCloseRejects(s *suite) {
	d := s.createPending("job", day(1))
	require.NoError(s.t, s.store.Close())
	require.NoError(s.t, s.store.Close(), "close is idempotent")

	_, err := s.store.CreateJob(s.ctx, newSpec("x", day(1)), day(1), types.ConflictThrow)
	assert.ErrorIs(s.t, err, jobstore.ErrClosed)
	assert.ErrorIs(s.t, s.store.UpdateJob(s.ctx, "job", newSpec("job", day(1))), jobstore.ErrClosed)
	_, err = s.store.DeleteJob(s.ctx, "job")
	assert.ErrorIs(s.t, err, jobstore.ErrClosed)
	_, err = s.store.GetJobDetails(s.ctx, "job")
	assert.ErrorIs(s.t, err, jobstore.ErrClosed)
	assert.ErrorIs(s.t, s.store.SaveJobDetails(s.ctx, d), jobstore.ErrClosed)
	_, err = s.store.ListJobNames(s.ctx)
	assert.ErrorIs(s.t, err, jobstore.ErrClosed)
	assert.ErrorIs(s.t, s.store.RegisterScheduler(s.ctx, uuid.New(), "x"), jobstore.ErrClosed)
	assert.ErrorIs(s.t, s.store.UnregisterScheduler(s.ctx, SchedulerID), jobstore.ErrClosed)
	_, err = s.store.CreateJobWatcher(SchedulerID)
	assert.ErrorIs(s.t, err, jobstore.ErrClosed)
}
