package jobstore_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore"
	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore/jobstoretest"
	"github.com/ChuLiYu/beaver-scheduler/internal/metrics"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

var errUnreachable = errors.New("connection refused")

// memoryDAO adapts a MemoryStore to the DAO interface and can be told to
// fail individual operations. Cluster names are ignored.
type memoryDAO struct {
	mem *jobstore.MemoryStore

	mu       sync.Mutex
	failing  map[string]bool
	closeErr error

	registerCalls atomic.Int32
	orphanCalls   atomic.Int32
	pollCalls     atomic.Int32
}

func newMemoryDAO() *memoryDAO {
	return &memoryDAO{mem: jobstore.NewMemoryStore(), failing: make(map[string]bool)}
}

func (d *memoryDAO) fail(op string, on bool) {
	d.mu.Lock()
	d.failing[op] = on
	d.mu.Unlock()
}

func (d *memoryDAO) check(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failing[op] {
		return errUnreachable
	}
	return nil
}

func (d *memoryDAO) RegisterScheduler(ctx context.Context, _ string, id uuid.UUID, name string, _ time.Time) error {
	d.registerCalls.Add(1)
	if err := d.check("register"); err != nil {
		return err
	}
	return d.mem.RegisterScheduler(ctx, id, name)
}

func (d *memoryDAO) UnregisterScheduler(ctx context.Context, _ string, id uuid.UUID, _ time.Time) error {
	if err := d.check("unregister"); err != nil {
		return err
	}
	return d.mem.UnregisterScheduler(ctx, id)
}

func (d *memoryDAO) OrphanRunningJobs(ctx context.Context, _ string, id uuid.UUID, now time.Time) (int, error) {
	d.orphanCalls.Add(1)
	if err := d.check("orphan"); err != nil {
		return 0, err
	}
	names, err := d.mem.ListJobNames(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range names {
		j, err := d.mem.GetJobDetails(ctx, name)
		if err != nil || j == nil {
			continue
		}
		if j.JobState != types.StateRunning || j.LastJobExecutionDetails == nil ||
			j.LastJobExecutionDetails.SchedulerID != id {
			continue
		}
		j.JobState = types.StateOrphaned
		j.LastJobExecutionDetails.EndTime = types.TimePtr(now)
		if err := d.mem.SaveJobDetails(ctx, j); err == nil {
			n++
		}
	}
	return n, nil
}

func (d *memoryDAO) CreateJob(ctx context.Context, _ string, spec *types.JobSpec, creation time.Time, action types.CreateJobConflictAction) (bool, error) {
	if err := d.check("create"); err != nil {
		return false, err
	}
	return d.mem.CreateJob(ctx, spec, creation, action)
}

func (d *memoryDAO) UpdateJob(ctx context.Context, _ string, existing string, spec *types.JobSpec) error {
	if err := d.check("update"); err != nil {
		return err
	}
	return d.mem.UpdateJob(ctx, existing, spec)
}

func (d *memoryDAO) DeleteJob(ctx context.Context, _ string, name string) (bool, error) {
	if err := d.check("delete"); err != nil {
		return false, err
	}
	return d.mem.DeleteJob(ctx, name)
}

func (d *memoryDAO) GetJobDetails(ctx context.Context, _ string, name string) (*types.JobDetails, error) {
	if err := d.check("get"); err != nil {
		return nil, err
	}
	return d.mem.GetJobDetails(ctx, name)
}

func (d *memoryDAO) SaveJobDetails(ctx context.Context, _ string, details *types.JobDetails) error {
	if err := d.check("save"); err != nil {
		return err
	}
	return d.mem.SaveJobDetails(ctx, details)
}

func (d *memoryDAO) ListJobNames(ctx context.Context, _ string) ([]string, error) {
	if err := d.check("list"); err != nil {
		return nil, err
	}
	return d.mem.ListJobNames(ctx)
}

func (d *memoryDAO) GetNextJobToProcess(ctx context.Context, _ string, _ uuid.UUID, now time.Time) (*types.JobDetails, *time.Time, error) {
	d.pollCalls.Add(1)
	if err := d.check("poll"); err != nil {
		return nil, nil, err
	}
	names, err := d.mem.ListJobNames(ctx)
	if err != nil {
		return nil, nil, err
	}
	all := make([]*types.JobDetails, 0, len(names))
	for _, name := range names {
		j, err := d.mem.GetJobDetails(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		if j != nil {
			all = append(all, j)
		}
	}
	next, wake := jobstore.SelectReady(all, now)
	if next == nil {
		return nil, wake, nil
	}
	if next.JobState == types.StateScheduled {
		next.JobState = types.StateTriggered
		if err := d.mem.SaveJobDetails(ctx, next); err != nil {
			return nil, nil, err
		}
	}
	return next, nil, nil
}

func (d *memoryDAO) Close() error {
	_ = d.mem.Close()
	return d.closeErr
}

func newPersistent(t *testing.T, dao jobstore.DAO, opts ...jobstore.Option) *jobstore.PersistentStore {
	t.Helper()
	s, err := jobstore.NewPersistentStore(dao, jobstore.PersistentConfig{
		PollInterval:        20 * time.Millisecond,
		SchedulerExpiration: time.Second,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPersistentStore_Contract(t *testing.T) {
	jobstoretest.Run(t, func(t *testing.T) jobstore.JobStore {
		return newPersistent(t, newMemoryDAO())
	})
}

func TestPersistentStore_ConfigDefaults(t *testing.T) {
	s, err := jobstore.NewPersistentStore(newMemoryDAO(), jobstore.PersistentConfig{})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, jobstore.DefaultClusterName, s.ClusterName())
	assert.Equal(t, 15*time.Second, s.PollInterval())
	assert.Equal(t, 120*time.Second, s.SchedulerExpiration())
}

func TestPersistentStore_ConfigValidation(t *testing.T) {
	_, err := jobstore.NewPersistentStore(nil, jobstore.PersistentConfig{})
	assert.ErrorIs(t, err, jobstore.ErrInvalidArgument)

	_, err = jobstore.NewPersistentStore(newMemoryDAO(), jobstore.PersistentConfig{PollInterval: -time.Second})
	assert.ErrorIs(t, err, jobstore.ErrInvalidArgument)

	_, err = jobstore.NewPersistentStore(newMemoryDAO(), jobstore.PersistentConfig{SchedulerExpiration: -time.Second})
	assert.ErrorIs(t, err, jobstore.ErrInvalidArgument)

	s := newPersistent(t, newMemoryDAO())
	assert.ErrorIs(t, s.SetPollInterval(0), jobstore.ErrInvalidArgument)
	assert.ErrorIs(t, s.SetPollInterval(-time.Second), jobstore.ErrInvalidArgument)
	assert.ErrorIs(t, s.SetSchedulerExpiration(0), jobstore.ErrInvalidArgument)
	assert.ErrorIs(t, s.SetClusterName(" "), jobstore.ErrInvalidArgument)

	require.NoError(t, s.SetPollInterval(time.Minute))
	require.NoError(t, s.SetSchedulerExpiration(time.Hour))
	require.NoError(t, s.SetClusterName("blue"))
	assert.Equal(t, time.Minute, s.PollInterval())
	assert.Equal(t, time.Hour, s.SchedulerExpiration())
	assert.Equal(t, "blue", s.ClusterName())
}

func TestPersistentStore_WrapsStorageFailures(t *testing.T) {
	dao := newMemoryDAO()
	s := newPersistent(t, dao)
	ctx := context.Background()

	dao.fail("get", true)
	_, err := s.GetJobDetails(ctx, "job")
	require.Error(t, err)
	assert.ErrorIs(t, err, jobstore.ErrStorage)
	assert.ErrorIs(t, err, errUnreachable)
	var se *jobstore.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "get job details", se.Op)

	dao.fail("create", true)
	_, err = s.CreateJob(ctx, spec("job"), time.Now(), types.ConflictThrow)
	assert.ErrorIs(t, err, jobstore.ErrStorage)

	// Contract errors from the DAO are not storage failures.
	dao.fail("create", false)
	dao.fail("get", false)
	_, err = s.CreateJob(ctx, spec("job"), time.Now(), types.ConflictThrow)
	require.NoError(t, err)
	_, err = s.CreateJob(ctx, spec("job"), time.Now(), types.ConflictThrow)
	assert.ErrorIs(t, err, jobstore.ErrJobExists)
	assert.NotErrorIs(t, err, jobstore.ErrStorage)

	d, err := s.GetJobDetails(ctx, "job")
	require.NoError(t, err)
	stale := d.Clone()
	require.NoError(t, s.SaveJobDetails(ctx, d))
	err = s.SaveJobDetails(ctx, stale)
	assert.ErrorIs(t, err, jobstore.ErrConcurrentModification)
	assert.NotErrorIs(t, err, jobstore.ErrStorage)
}

func TestPersistentStore_WatcherRetriesAfterStorageFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	dao := newMemoryDAO()
	s := newPersistent(t, dao, jobstore.WithMetrics(metrics.NewCollector(reg)))
	ctx := context.Background()

	_, err := s.CreateJob(ctx, spec("job"), time.Now(), types.ConflictThrow)
	require.NoError(t, err)

	dao.fail("poll", true)
	w, err := s.CreateJobWatcher(uuid.New())
	require.NoError(t, err)
	defer w.Close()

	type result struct {
		job *types.JobDetails
		err error
	}
	ch := make(chan result, 1)
	go func() {
		j, err := w.GetNextJobToProcess(ctx)
		ch <- result{j, err}
	}()

	require.Eventually(t, func() bool { return dao.pollCalls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	select {
	case r := <-ch:
		t.Fatalf("watcher surfaced a storage failure: %v", r.err)
	default:
	}

	dao.fail("poll", false)
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		require.NotNil(t, r.job)
		assert.Equal(t, "job", r.job.Name())
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not recover")
	}
	assert.GreaterOrEqual(t, counterValue(t, reg, "scheduler_poll_errors_total"), 3.0)
}

func TestPersistentStore_RenewsLeases(t *testing.T) {
	dao := newMemoryDAO()
	s := newPersistent(t, dao)
	require.NoError(t, s.RegisterScheduler(context.Background(), uuid.New(), "node-a"))

	require.Eventually(t, func() bool { return dao.registerCalls.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, dao.orphanCalls.Load(), "timely renewals must not orphan anything")
}

func TestPersistentStore_OrphansOwnJobsAfterLeaseLapse(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	dao := newMemoryDAO()
	s := newPersistent(t, dao, jobstore.WithClock(clock.Now))
	ctx := context.Background()

	me := uuid.New()
	require.NoError(t, s.RegisterScheduler(ctx, me, "node-a"))

	_, err := s.CreateJob(ctx, spec("busy"), start, types.ConflictThrow)
	require.NoError(t, err)
	d, err := s.GetJobDetails(ctx, "busy")
	require.NoError(t, err)
	d.JobState = types.StateRunning
	d.LastJobExecutionDetails = types.NewJobExecutionDetails(me, start)
	require.NoError(t, s.SaveJobDetails(ctx, d))

	// The backend goes away for longer than the expiration.
	dao.fail("register", true)
	calls := dao.registerCalls.Load()
	require.Eventually(t, func() bool { return dao.registerCalls.Load() > calls+1 }, 2*time.Second, 5*time.Millisecond)
	clock.Advance(5 * time.Second)
	dao.fail("register", false)

	require.Eventually(t, func() bool {
		got, err := s.GetJobDetails(ctx, "busy")
		return err == nil && got != nil && got.JobState == types.StateOrphaned
	}, 2*time.Second, 5*time.Millisecond)

	got, err := s.GetJobDetails(ctx, "busy")
	require.NoError(t, err)
	require.NotNil(t, got.LastJobExecutionDetails.EndTime)
	assert.False(t, got.LastJobExecutionDetails.Succeeded)
	assert.Equal(t, int32(1), dao.orphanCalls.Load())
}

// runningJob stores a job Running under owner and returns its name.
func runningJob(t *testing.T, s jobstore.JobStore, owner uuid.UUID) string {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateJob(ctx, spec("busy"), time.Now(), types.ConflictThrow)
	require.NoError(t, err)
	d, err := s.GetJobDetails(ctx, "busy")
	require.NoError(t, err)
	d.JobState = types.StateRunning
	d.LastJobExecutionDetails = types.NewJobExecutionDetails(owner, time.Now())
	require.NoError(t, s.SaveJobDetails(ctx, d))
	return d.Name()
}

func TestPersistentStore_HealthyLeaseNeverOrphans(t *testing.T) {
	dao := newMemoryDAO()
	// Poll interval longer than the expiration is a valid configuration.
	s, err := jobstore.NewPersistentStore(dao, jobstore.PersistentConfig{
		PollInterval:        60 * time.Millisecond,
		SchedulerExpiration: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	me := uuid.New()
	require.NoError(t, s.RegisterScheduler(context.Background(), me, "node-a"))
	name := runningJob(t, s, me)

	require.Never(t, func() bool {
		d, err := s.GetJobDetails(context.Background(), name)
		return err != nil || d == nil || d.JobState != types.StateRunning
	}, 300*time.Millisecond, 10*time.Millisecond)
	assert.Zero(t, dao.orphanCalls.Load())
	assert.GreaterOrEqual(t, dao.registerCalls.Load(), int32(4))
}

func TestPersistentStore_RenewsWithinExpiration(t *testing.T) {
	dao := newMemoryDAO()
	s, err := jobstore.NewPersistentStore(dao, jobstore.PersistentConfig{
		PollInterval:        time.Hour,
		SchedulerExpiration: 90 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.RegisterScheduler(context.Background(), uuid.New(), "node-a"))
	require.Eventually(t, func() bool { return dao.registerCalls.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
}

// blockingPollDAO holds every poll until its context is cancelled.
type blockingPollDAO struct {
	*memoryDAO
	started chan struct{}
	once    sync.Once
}

func (d *blockingPollDAO) GetNextJobToProcess(ctx context.Context, _ string, _ uuid.UUID, _ time.Time) (*types.JobDetails, *time.Time, error) {
	d.once.Do(func() { close(d.started) })
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

func TestPersistentStore_CloseInterruptsPollInFlight(t *testing.T) {
	tests := []struct {
		name    string
		close   func(s *jobstore.PersistentStore, w jobstore.JobWatcher)
		wantErr error
	}{
		{
			name:  "watcher closed",
			close: func(_ *jobstore.PersistentStore, w jobstore.JobWatcher) { _ = w.Close() },
		},
		{
			name:    "store closed",
			close:   func(s *jobstore.PersistentStore, _ jobstore.JobWatcher) { _ = s.Close() },
			wantErr: jobstore.ErrClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dao := &blockingPollDAO{memoryDAO: newMemoryDAO(), started: make(chan struct{})}
			s := newPersistent(t, dao)
			w, err := s.CreateJobWatcher(uuid.New())
			require.NoError(t, err)

			type result struct {
				job *types.JobDetails
				err error
			}
			ch := make(chan result, 1)
			go func() {
				j, err := w.GetNextJobToProcess(context.Background())
				ch <- result{j, err}
			}()

			select {
			case <-dao.started:
			case <-time.After(2 * time.Second):
				t.Fatal("poll never reached the DAO")
			}
			tt.close(s, w)

			select {
			case r := <-ch:
				assert.Nil(t, r.job)
				if tt.wantErr == nil {
					assert.NoError(t, r.err)
				} else {
					assert.ErrorIs(t, r.err, tt.wantErr)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("GetNextJobToProcess stayed blocked in the DAO after Close")
			}
		})
	}
}

func TestPersistentStore_CloseAggregatesDAOError(t *testing.T) {
	dao := newMemoryDAO()
	dao.closeErr = errUnreachable
	s, err := jobstore.NewPersistentStore(dao, jobstore.PersistentConfig{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	err = s.Close()
	assert.ErrorIs(t, err, errUnreachable)
	assert.ErrorIs(t, err, jobstore.ErrStorage)
	assert.NoError(t, s.Close())
}
