// ============================================================================
// Beaver Scheduler Integration Tests - Shared Fixtures
// ============================================================================
//
// Package: test/integration
// File: helpers_test.go
// Purpose: Stores, schedulers and job fixtures used by the end-to-end tests
//
// Every test drives real schedulers against real stores. Nothing is mocked:
// memory stores, sqlite DAOs and DAOs served over an in-memory gRPC
// listener are all exercised the way the CLI wires them.
//
// ============================================================================

package integration

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/beaver-scheduler/internal/dao/grpcdao"
	"github.com/ChuLiYu/beaver-scheduler/internal/dao/sqldao"
	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore"
	"github.com/ChuLiYu/beaver-scheduler/internal/scheduler"
	"github.com/ChuLiYu/beaver-scheduler/internal/worker"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

const (
	countJob = "count"
	waitFor  = 10 * time.Second
	tick     = 20 * time.Millisecond
	poll     = 50 * time.Millisecond
)

// countingJobs registers a job that increments job_data["runs"].
func countingJobs() *worker.Registry {
	r := worker.NewRegistry()
	r.MustRegister(countJob, func(_ context.Context, jc *worker.JobContext) (bool, error) {
		runs, _ := strconv.Atoi(jc.JobData["runs"])
		jc.JobData["runs"] = strconv.Itoa(runs + 1)
		return true, nil
	})
	return r
}

func openSQLite(t testing.TB) *sqldao.DAO {
	t.Helper()
	dao, err := sqldao.Open(context.Background(), sqldao.DialectSQLite, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	return dao
}

func newPersistentStore(t testing.TB, dao jobstore.DAO) *jobstore.PersistentStore {
	t.Helper()
	s, err := jobstore.NewPersistentStore(dao, jobstore.PersistentConfig{
		ClusterName:         "integration",
		PollInterval:        poll,
		SchedulerExpiration: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// serveDAO exposes backend over an in-memory gRPC listener and returns a
// function that dials a new client for each caller.
func serveDAO(t testing.TB, backend jobstore.DAO) func() *grpcdao.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	grpcdao.NewServer(backend, zerolog.Nop()).Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() {
		gs.Stop()
		_ = backend.Close()
	})

	return func() *grpcdao.Client {
		c, err := grpcdao.NewClient("passthrough:///bufnet", grpcdao.WithDialOptions(
			grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		))
		require.NoError(t, err)
		return c
	}
}

func startScheduler(t testing.TB, store jobstore.JobStore, name string, workers int) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(store, countingJobs(), scheduler.Config{
		Name:               name,
		Workers:            workers,
		ErrorRecoveryDelay: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// allInState reports whether every named job is in want.
func allInState(store jobstore.JobStore, names []string, want types.JobState) bool {
	for _, name := range names {
		d, err := store.GetJobDetails(context.Background(), name)
		if err != nil || d == nil || d.JobState != want {
			return false
		}
	}
	return true
}
