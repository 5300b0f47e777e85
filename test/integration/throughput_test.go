package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore"
	"github.com/ChuLiYu/beaver-scheduler/pkg/trigger"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

// createOneShots adds count jobs due now and returns their names.
func createOneShots(tb testing.TB, store jobstore.JobStore, prefix string, count int) []string {
	tb.Helper()
	now := time.Now()
	names := make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("%s-%04d", prefix, i)
		_, err := store.CreateJob(context.Background(), &types.JobSpec{
			Name:    names[i],
			JobKey:  countJob,
			Trigger: trigger.NewOneShot(now),
		}, now, types.ConflictThrow)
		require.NoError(tb, err)
	}
	return names
}

func TestThroughput_MemoryStore(t *testing.T) {
	store := jobstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	names := createOneShots(t, store, "mem", 500)

	start := time.Now()
	s := startScheduler(t, store, "throughput", 8)
	require.Eventually(t, func() bool {
		return allInState(store, names, types.StateCompleted)
	}, waitFor, tick)
	t.Logf("%d jobs in %s", len(names), time.Since(start))
	require.Equal(t, int64(len(names)), s.Status().Executed)
}

func TestThroughput_SQLiteStore(t *testing.T) {
	store := newPersistentStore(t, openSQLite(t))
	names := createOneShots(t, store, "sql", 100)

	start := time.Now()
	startScheduler(t, store, "throughput", 8)
	require.Eventually(t, func() bool {
		return allInState(store, names, types.StateCompleted)
	}, waitFor, tick)
	t.Logf("%d jobs in %s", len(names), time.Since(start))
}

func BenchmarkThroughput_MemoryStore(b *testing.B) {
	store := jobstore.NewMemoryStore()
	defer store.Close()
	startScheduler(b, store, "bench", 8)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		names := createOneShots(b, store, fmt.Sprintf("bench-%d", i), 100)
		for !allInState(store, names, types.StateCompleted) {
			time.Sleep(time.Millisecond)
		}
	}
	b.StopTimer()
}
