package filedao

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore"
	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore/jobstoretest"
	"github.com/ChuLiYu/beaver-scheduler/pkg/trigger"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

const cluster = "Default"

func TestFileDAO_Contract(t *testing.T) {
	jobstoretest.Run(t, func(t *testing.T) jobstore.JobStore {
		dao, err := Open(t.TempDir(), WithCompactEvery(25))
		require.NoError(t, err)
		s, err := jobstore.NewPersistentStore(dao, jobstore.PersistentConfig{
			PollInterval:        20 * time.Millisecond,
			SchedulerExpiration: time.Minute,
		})
		require.NoError(t, err)
		return s
	})
}

func spec(name string) *types.JobSpec {
	return &types.JobSpec{
		Name:    name,
		JobKey:  "noop",
		Trigger: trigger.NewOneShot(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)),
		JobData: types.JobData{"name": name},
	}
}

func mustCreate(t *testing.T, d *DAO, name string) *types.JobDetails {
	t.Helper()
	ctx := context.Background()
	created, err := d.CreateJob(ctx, cluster, spec(name), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), types.ConflictThrow)
	require.NoError(t, err)
	require.True(t, created)
	job, err := d.GetJobDetails(ctx, cluster, name)
	require.NoError(t, err)
	return job
}

func TestFileDAO_ReopenRestoresState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	owner := uuid.New()

	d, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, d.RegisterScheduler(ctx, cluster, owner, "node-a", time.Now().Add(time.Hour)))

	running := mustCreate(t, d, "running")
	running.JobState = types.StateRunning
	running.LastJobExecutionDetails = types.NewJobExecutionDetails(owner, time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC))
	require.NoError(t, d.SaveJobDetails(ctx, cluster, running))

	mustCreate(t, d, "old-name")
	require.NoError(t, d.UpdateJob(ctx, cluster, "old-name", spec("new-name")))
	mustCreate(t, d, "doomed")
	_, err = d.DeleteJob(ctx, cluster, "doomed")
	require.NoError(t, err)

	renamed, err := d.GetJobDetails(ctx, cluster, "new-name")
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = Open(dir)
	require.NoError(t, err)
	defer d.Close()

	names, err := d.ListJobNames(ctx, cluster)
	require.NoError(t, err)
	assert.Equal(t, []string{"new-name", "running"}, names)

	got, err := d.GetJobDetails(ctx, cluster, "running")
	require.NoError(t, err)
	jobstoretest.AssertJobEqual(t, running, got, true)

	got, err = d.GetJobDetails(ctx, cluster, "new-name")
	require.NoError(t, err)
	jobstoretest.AssertJobEqual(t, renamed, got, true)

	// Handles from before the restart are still current.
	running.JobState = types.StateCompleted
	require.NoError(t, d.SaveJobDetails(ctx, cluster, running))

	// Only the renamed Pending job is ready.
	next, _, err := d.GetNextJobToProcess(ctx, cluster, owner, time.Now())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "new-name", next.Name())
}

func TestFileDAO_VersionsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	d, err := Open(dir, WithCompactEvery(1000))
	require.NoError(t, err)
	first := mustCreate(t, d, "job")
	_, err = d.DeleteJob(ctx, cluster, "job")
	require.NoError(t, err)
	require.NoError(t, d.journal.Close()) // crash: no final snapshot
	d.closed = true

	d, err = Open(dir)
	require.NoError(t, err)
	defer d.Close()

	second := mustCreate(t, d, "job")
	assert.Greater(t, second.Version, first.Version)
	assert.ErrorIs(t, d.SaveJobDetails(ctx, cluster, first), jobstore.ErrConcurrentModification)
}

func TestFileDAO_CompactsJournal(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, WithCompactEvery(3))
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		mustCreate(t, d, name)
	}
	assert.FileExists(t, filepath.Join(dir, SnapshotFileName))
	assert.Less(t, d.journal.Len(), 3)
	seq := d.journal.Seq()
	assert.Equal(t, uint64(5), seq)

	// Simulate a crash after the snapshot: the journal keeps its tail.
	require.NoError(t, d.journal.Close())
	d.closed = true

	d, err = Open(dir)
	require.NoError(t, err)
	defer d.Close()
	names, err := d.ListJobNames(context.Background(), cluster)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, names)
	assert.Equal(t, seq, d.journal.Seq(), "numbering continues after the snapshot")
}

func TestFileDAO_SkipsRecordsAlreadyInSnapshot(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	journalPath := filepath.Join(dir, JournalFileName)

	d, err := Open(dir)
	require.NoError(t, err)
	mustCreate(t, d, "a")
	stale, err := os.ReadFile(journalPath)
	require.NoError(t, err)
	require.NoError(t, d.Compact())
	_, err = d.DeleteJob(ctx, cluster, "a")
	require.NoError(t, err)
	require.NoError(t, d.Close())

	// A crash between snapshot rename and journal truncate leaves records
	// the snapshot already covers.
	require.NoError(t, os.WriteFile(journalPath, stale, 0o644))

	d, err = Open(dir)
	require.NoError(t, err)
	defer d.Close()
	got, err := d.GetJobDetails(ctx, cluster, "a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileDAO_TornTailIsDropped(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	d, err := Open(dir)
	require.NoError(t, err)
	mustCreate(t, d, "a")
	require.NoError(t, d.journal.Close())
	d.closed = true

	f, err := os.OpenFile(filepath.Join(dir, JournalFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"op":"PUT_JO`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	d, err = Open(dir)
	require.NoError(t, err)
	mustCreate(t, d, "b")
	require.NoError(t, d.journal.Close())
	d.closed = true

	d, err = Open(dir)
	require.NoError(t, err)
	defer d.Close()
	names, err := d.ListJobNames(ctx, cluster)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestFileDAO_DetectsTamperedJournal(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.NoError(t, err)
	mustCreate(t, d, "victim")
	require.NoError(t, d.journal.Close())
	d.closed = true

	path := filepath.Join(dir, JournalFileName)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	idx := bytes.Index(b, []byte("victim"))
	require.GreaterOrEqual(t, idx, 0)
	copy(b[idx:], "VICTIM")
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, err = Open(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, ce.Line)
}

func TestFileDAO_RejectsBadSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"garbage", "{not json", ErrCorruptedSnapshot},
		{"future schema", `{"schema_ver": 2, "clusters": {}}`, ErrIncompatibleVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, SnapshotFileName), []byte(tt.content), 0o644))
			_, err := Open(dir)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFileDAO_PollOrphansExpiredOwners(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	defer d.Close()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	dead := uuid.New()
	require.NoError(t, d.RegisterScheduler(ctx, cluster, dead, "dead", now.Add(-time.Minute)))

	job := mustCreate(t, d, "abandoned")
	job.JobState = types.StateRunning
	job.LastJobExecutionDetails = types.NewJobExecutionDetails(dead, now.Add(-time.Hour))
	require.NoError(t, d.SaveJobDetails(ctx, cluster, job))

	next, _, err := d.GetNextJobToProcess(ctx, cluster, uuid.New(), now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, types.StateOrphaned, next.JobState)
	assert.True(t, now.Equal(*next.LastJobExecutionDetails.EndTime))
}

func TestFileDAO_ClosedRejectsCalls(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err = d.ListJobNames(context.Background(), cluster)
	assert.ErrorIs(t, err, jobstore.ErrClosed)
}
