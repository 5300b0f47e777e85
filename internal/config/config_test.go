package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-scheduler/internal/logging"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_ShippedConfigMatchesDefault(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.False(t, cfg.Store.Persistent())
	assert.Equal(t, 15*time.Second, cfg.Store.PollInterval)
	assert.Equal(t, 120*time.Second, cfg.Store.SchedulerExpiration)
}

func TestLoad_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beaver.yaml")
	writeConfig(t, path, `
scheduler:
  name: reports
  workers: 8
  error_recovery_delay: 5s
  job_timeout: 2m
store:
  kind: SQLite
  dsn: "file:beaver.db"
  poll_interval: 3s
log:
  level: debug
  format: json
metrics:
  enabled: true
  addr: ":9100"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "reports", cfg.Scheduler.Name)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.ErrorRecoveryDelay)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.JobTimeout)
	assert.Equal(t, StoreSQLite, cfg.Store.Kind)
	assert.True(t, cfg.Store.Persistent())
	assert.Equal(t, 3*time.Second, cfg.Store.PollInterval)
	// untouched keys keep their defaults
	assert.Equal(t, 120*time.Second, cfg.Store.SchedulerExpiration)
	assert.Equal(t, "Default", cfg.Store.Cluster)
	assert.Equal(t, ":50051", cfg.GRPC.Listen)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "scheduler: [", "parse"},
		{"unknown key", "scheduler:\n  wrokers: 3\n", "wrokers"},
		{"bad duration", "store:\n  poll_interval: soon\n", "parse"},
		{"unknown kind", "store:\n  kind: redis\n", "store.kind"},
		{"file without path", "store:\n  kind: file\n", "store.path"},
		{"postgres without dsn", "store:\n  kind: postgres\n", "store.dsn"},
		{"grpc without addr", "store:\n  kind: grpc\n", "store.addr"},
		{"zero poll", "store:\n  poll_interval: 0s\n", "poll_interval"},
		{"bad level", "log:\n  level: chatty\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"negative workers", "scheduler:\n  workers: -1\n", "scheduler.workers"},
		{"metrics without addr", "metrics:\n  enabled: true\n  addr: \"\"\n", "metrics.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.Workers = -1
	cfg.Store.Kind = StoreFile
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.workers")
	assert.Contains(t, err.Error(), "store.path")
	assert.Contains(t, err.Error(), "log.format")
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

type fakeTuner struct {
	poll, expiration time.Duration
	err              error
}

func (f *fakeTuner) SetPollInterval(d time.Duration) error {
	f.poll = d
	return f.err
}

func (f *fakeTuner) SetSchedulerExpiration(d time.Duration) error {
	f.expiration = d
	return f.err
}

func TestApplyRuntime(t *testing.T) {
	prev := Default()
	next := Default()
	next.Store.PollInterval = time.Second
	next.Store.SchedulerExpiration = time.Minute
	next.Log.Level = "debug"

	tuner := &fakeTuner{}
	_, level := logging.New(logging.Config{Level: "info"})
	require.NoError(t, next.ApplyRuntime(prev, tuner, level))
	assert.Equal(t, time.Second, tuner.poll)
	assert.Equal(t, time.Minute, tuner.expiration)
	assert.Equal(t, zerolog.DebugLevel, level.Get())

	next.Scheduler.Workers = 16
	next.Store.Kind = StoreFile
	next.Store.Path = "/var/lib/beaver"
	err := next.ApplyRuntime(prev, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReloadable)
	assert.Contains(t, err.Error(), "scheduler.workers")
	assert.Contains(t, err.Error(), "store location")

	tuner.err = errors.New("rejected")
	assert.Error(t, Default().ApplyRuntime(nil, tuner, nil))
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beaver.yaml")
	writeConfig(t, path, "store:\n  poll_interval: 10s\n")
	initial, err := Load(path)
	require.NoError(t, err)

	w := NewWatcher(path, initial, zerolog.Nop())
	w.SetDebounce(50 * time.Millisecond)

	changes := make(chan [2]*Config, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx, func(prev, next *Config) { changes <- [2]*Config{prev, next} })
	}()

	// A broken file is ignored.
	writeConfig(t, path, "store: [\n")

	// Keep rewriting until the watcher, which starts asynchronously, sees it.
	var got [2]*Config
	require.Eventually(t, func() bool {
		writeConfig(t, path, "store:\n  poll_interval: 2s\n")
		select {
		case got = <-changes:
			return true
		case <-time.After(300 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 10*time.Second, got[0].Store.PollInterval)
	assert.Equal(t, 2*time.Second, got[1].Store.PollInterval)
	assert.Equal(t, 2*time.Second, w.Current().Store.PollInterval)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
