// ============================================================================
// Beaver Scheduler Integration Tests - Recovery and Clustering
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Purpose: End-to-end crash recovery and shared-store behaviour
//
// TestCrashRecovery_OrphanedJobIsRerun:
//   A job left Running by a scheduler that no longer holds a registration
//   is marked Orphaned on the next poll, its lost execution is recorded as
//   failed, and a live scheduler runs the remaining occurrences.
//
// TestCluster_EachOccurrenceRunsOnce:
//   Two schedulers share one sqlite database through the gRPC DAO server.
//   Every one-shot job runs exactly once between them.
//
// TestRestart_JobsSurviveStoreReopen:
//   Jobs written through one store are picked up by a scheduler on a
//   freshly opened store over the same database file.
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-scheduler/internal/dao/sqldao"
	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore"
	"github.com/ChuLiYu/beaver-scheduler/pkg/trigger"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

func TestCrashRecovery_OrphanedJobIsRerun(t *testing.T) {
	ctx := context.Background()
	store := newPersistentStore(t, openSQLite(t))

	every, err := trigger.NewPeriodic(time.Now(), nil, types.DurationPtr(30*time.Millisecond), intPtr(3))
	require.NoError(t, err)
	ok, err := store.CreateJob(ctx, &types.JobSpec{Name: "nightly", JobKey: countJob, Trigger: every}, time.Now(), types.ConflictThrow)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate a scheduler that picked the job up and then died without
	// ever holding a registration.
	crashed := uuid.New()
	d, err := store.GetJobDetails(ctx, "nightly")
	require.NoError(t, err)
	d.JobState = types.StateRunning
	d.LastJobExecutionDetails = types.NewJobExecutionDetails(crashed, time.Now())
	require.NoError(t, store.SaveJobDetails(ctx, d))

	live := startScheduler(t, store, "survivor", 2)

	require.Eventually(t, func() bool {
		return allInState(store, []string{"nightly"}, types.StateCompleted)
	}, waitFor, tick)

	d, err = store.GetJobDetails(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "3", d.JobSpec.JobData["runs"])
	require.NotNil(t, d.LastJobExecutionDetails)
	assert.Equal(t, live.ID(), d.LastJobExecutionDetails.SchedulerID)
	assert.True(t, d.LastJobExecutionDetails.Succeeded)
}

func TestCluster_EachOccurrenceRunsOnce(t *testing.T) {
	ctx := context.Background()
	dial := serveDAO(t, openSQLite(t))

	admin := newPersistentStore(t, dial())
	const jobs = 30
	names := make([]string, 0, jobs)
	fire := time.Now().Add(100 * time.Millisecond)
	for i := 0; i < jobs; i++ {
		name := fmt.Sprintf("job-%02d", i)
		names = append(names, name)
		ok, err := admin.CreateJob(ctx, &types.JobSpec{Name: name, JobKey: countJob, Trigger: trigger.NewOneShot(fire)}, time.Now(), types.ConflictThrow)
		require.NoError(t, err)
		require.True(t, ok)
	}

	a := startScheduler(t, newPersistentStore(t, dial()), "node-a", 4)
	b := startScheduler(t, newPersistentStore(t, dial()), "node-b", 4)

	require.Eventually(t, func() bool {
		return allInState(admin, names, types.StateCompleted)
	}, waitFor, tick)

	for _, name := range names {
		d, err := admin.GetJobDetails(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, "1", d.JobSpec.JobData["runs"], name)
	}
	assert.Equal(t, int64(jobs), a.Status().Executed+b.Status().Executed)
}

func TestRestart_JobsSurviveStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	first, err := sqldao.Open(ctx, sqldao.DialectSQLite, path)
	require.NoError(t, err)
	store, err := jobstore.NewPersistentStore(first, jobstore.PersistentConfig{ClusterName: "integration"})
	require.NoError(t, err)
	_, err = store.CreateJob(ctx, &types.JobSpec{
		Name:    "after-restart",
		JobKey:  countJob,
		Trigger: trigger.NewOneShot(time.Now()),
	}, time.Now(), types.ConflictThrow)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	second, err := sqldao.Open(ctx, sqldao.DialectSQLite, path)
	require.NoError(t, err)
	reopened := newPersistentStore(t, second)
	startScheduler(t, reopened, "restarted", 1)

	require.Eventually(t, func() bool {
		return allInState(reopened, []string{"after-restart"}, types.StateCompleted)
	}, waitFor, tick)
}

func intPtr(n int) *int { return &n }
