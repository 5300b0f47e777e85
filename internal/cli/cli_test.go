package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-scheduler/internal/config"
	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore"
	"github.com/ChuLiYu/beaver-scheduler/internal/worker"
	"github.com/ChuLiYu/beaver-scheduler/pkg/trigger"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

// runCLI executes a fresh command tree and returns what it printed.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeConfigFile writes a config whose store lives in a temp directory.
func writeConfigFile(t *testing.T, store string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "beaver.yaml")
	content := fmt.Sprintf(`
scheduler:
  name: cli-test
  workers: 2
store:
%s
  poll_interval: 50ms
log:
  level: error
  format: json
`, store)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func fileStoreConfig(t *testing.T) string {
	return writeConfigFile(t, fmt.Sprintf("  kind: file\n  path: %q", t.TempDir()))
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "beaver-scheduler", cmd.Use)
	assert.Equal(t, version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["serve-dao"])
	assert.True(t, names["jobs"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, defaultConfigPath, configFlag.DefValue)

	jobs, _, err := cmd.Find([]string{"jobs"})
	require.NoError(t, err)
	sub := make(map[string]bool)
	for _, c := range jobs.Commands() {
		sub[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "create", "update", "delete"} {
		assert.True(t, sub[name], name)
	}
}

func TestLoadConfig(t *testing.T) {
	a := &app{configPath: defaultConfigPath}
	wd, err := os.Getwd()
	require.NoError(t, err)
	if _, err := os.Stat(filepath.Join(wd, defaultConfigPath)); err == nil {
		t.Skip("a default config exists next to the tests")
	}
	cfg, fromFile, err := a.loadConfig()
	require.NoError(t, err)
	assert.False(t, fromFile)
	assert.Equal(t, config.StoreMemory, cfg.Store.Kind)

	a.configPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, _, err = a.loadConfig()
	assert.Error(t, err)

	a.configPath = fileStoreConfig(t)
	cfg, fromFile, err = a.loadConfig()
	require.NoError(t, err)
	assert.True(t, fromFile)
	assert.Equal(t, config.StoreFile, cfg.Store.Kind)
}

func TestJobsCommands_FileStore(t *testing.T) {
	cfg := fileStoreConfig(t)

	out, err := runCLI(t, "-c", cfg, "jobs", "create", "tick",
		"--key", JobLog, "--every", "1m", "--count", "3", "--data", "message=hello",
		"--misfire-threshold", "30s", "--misfire-action", "execute")
	require.NoError(t, err)
	assert.Contains(t, out, `created job "tick"`)

	_, err = runCLI(t, "-c", cfg, "jobs", "create", "tick", "--key", JobLog, "--at", "now")
	assert.ErrorIs(t, err, jobstore.ErrJobExists)

	out, err = runCLI(t, "-c", cfg, "jobs", "create", "tick", "--key", JobLog, "--at", "now", "--conflict", "ignore")
	require.NoError(t, err)
	assert.Contains(t, out, "left unchanged")

	out, err = runCLI(t, "-c", cfg, "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "tick")
	assert.Contains(t, out, string(types.StatePending))

	out, err = runCLI(t, "-c", cfg, "jobs", "show", "tick")
	require.NoError(t, err)
	var shown struct {
		JobSpec struct {
			Name    string            `json:"name"`
			JobKey  string            `json:"job_key"`
			JobData map[string]string `json:"job_data"`
			Trigger struct {
				Kind string `json:"kind"`
			} `json:"trigger"`
		} `json:"job_spec"`
		JobState string `json:"job_state"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "tick", shown.JobSpec.Name)
	assert.Equal(t, JobLog, shown.JobSpec.JobKey)
	assert.Equal(t, "hello", shown.JobSpec.JobData["message"])
	assert.Equal(t, trigger.KindPeriodic, shown.JobSpec.Trigger.Kind)
	assert.Equal(t, string(types.StatePending), shown.JobState)

	out, err = runCLI(t, "-c", cfg, "jobs", "update", "tick", "--rename", "tock", "--key", JobNoop, "--cron", "@hourly")
	require.NoError(t, err)
	assert.Contains(t, out, `updated job "tock"`)

	_, err = runCLI(t, "-c", cfg, "jobs", "show", "tick")
	assert.Error(t, err)

	out, err = runCLI(t, "-c", cfg, "jobs", "delete", "tock")
	require.NoError(t, err)
	assert.Contains(t, out, `deleted job "tock"`)

	_, err = runCLI(t, "-c", cfg, "jobs", "delete", "tock")
	assert.Error(t, err)
}

func TestJobsCreate_FromFile(t *testing.T) {
	cfg := fileStoreConfig(t)
	spec := &types.JobSpec{
		Name:    "imported",
		JobKey:  JobNoop,
		Trigger: trigger.NewOneShot(time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)),
		JobData: types.JobData{"origin": "file"},
	}
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	specPath := filepath.Join(t.TempDir(), "job.json")
	require.NoError(t, os.WriteFile(specPath, raw, 0o644))

	_, err = runCLI(t, "-c", cfg, "jobs", "create", "--file", specPath)
	require.NoError(t, err)

	out, err := runCLI(t, "-c", cfg, "jobs", "show", "imported")
	require.NoError(t, err)
	assert.Contains(t, out, `"origin": "file"`)
}

func TestSpecFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no trigger", []string{"j", "--key", "noop"}, "exactly one of"},
		{"two triggers", []string{"j", "--key", "noop", "--at", "now", "--cron", "@hourly"}, "exactly one of"},
		{"no key", []string{"j", "--at", "now"}, "--key"},
		{"no name", []string{"--key", "noop", "--at", "now"}, "name"},
		{"bad time", []string{"j", "--key", "noop", "--at", "tomorrow"}, "--at"},
		{"bad cron", []string{"j", "--key", "noop", "--cron", "every day"}, "cron"},
		{"bad misfire action", []string{"j", "--key", "noop", "--at", "now", "--misfire-action", "panic"}, "schedule action"},
		{"bad conflict", []string{"j", "--key", "noop", "--at", "now", "--conflict", "merge"}, "conflict action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fileStoreConfig(t)
			_, err := runCLI(t, append([]string{"-c", cfg, "jobs", "create"}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSpecFlags_Periodic(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	create := &cobra.Command{Use: "create"}
	var sf specFlags
	sf.register(create)
	require.NoError(t, create.Flags().Parse([]string{"--key", "noop", "--every", "1h", "--start", "2024-02-01T00:00:00Z", "--count", "2"}))
	spec, err := sf.build(create, []string{"p"}, now)
	require.NoError(t, err)

	pt, ok := spec.Trigger.(*trigger.PeriodicTrigger)
	require.True(t, ok)
	assert.True(t, pt.StartTime().Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, pt.Period())
	assert.Equal(t, time.Hour, *pt.Period())
	require.NotNil(t, pt.Remaining())
	assert.Equal(t, 2, *pt.Remaining())
}

func TestRunCommand_ExecutesJobsFromSQLite(t *testing.T) {
	cfg := writeConfigFile(t, fmt.Sprintf("  kind: sqlite\n  dsn: %q", filepath.Join(t.TempDir(), "beaver.db")))

	_, err := runCLI(t, "-c", cfg, "jobs", "create", "greet", "--key", JobLog, "--at", "now", "--data", "message=hi")
	require.NoError(t, err)

	_, err = runCLI(t, "-c", cfg, "run", "--duration", "1500ms")
	require.NoError(t, err)

	out, err := runCLI(t, "-c", cfg, "jobs", "show", "greet")
	require.NoError(t, err)
	var shown types.JobDetails
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, types.StateCompleted, shown.JobState)
	require.NotNil(t, shown.LastJobExecutionDetails)
	assert.True(t, shown.LastJobExecutionDetails.Succeeded)
	assert.Equal(t, "1", shown.JobSpec.JobData["runs"])
}

func TestRunCommand_MemoryStore(t *testing.T) {
	cfg := writeConfigFile(t, "  kind: memory")
	_, err := runCLI(t, "-c", cfg, "run", "--duration", "100ms")
	assert.NoError(t, err)
}

func TestServeDAO_RejectsMemoryStore(t *testing.T) {
	cfg := writeConfigFile(t, "  kind: memory")
	_, err := runCLI(t, "-c", cfg, "serve-dao")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serve-dao")
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	mem, tuner, err := openStore(ctx, config.Default().Store, zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.Nil(t, tuner)
	assert.IsType(t, &jobstore.MemoryStore{}, mem)
	require.NoError(t, mem.Close())

	sc := config.Default().Store
	sc.Kind = config.StoreFile
	sc.Path = t.TempDir()
	ps, tuner, err := openStore(ctx, sc, zerolog.Nop(), nil)
	require.NoError(t, err)
	require.NotNil(t, tuner)
	assert.IsType(t, &jobstore.PersistentStore{}, ps)
	require.NoError(t, tuner.SetPollInterval(time.Second))
	require.NoError(t, ps.Close())

	sc.Kind = config.StorePostgres
	sc.DSN = ""
	_, _, err = openStore(ctx, sc, zerolog.Nop(), nil)
	assert.Error(t, err)
}

func newJobContext() *worker.JobContext {
	return &worker.JobContext{JobData: types.JobData{}, Logger: zerolog.Nop()}
}

func TestBuiltinJobs(t *testing.T) {
	reg := builtinJobs()
	assert.Equal(t, []string{JobHTTP, JobLog, JobNoop, JobSleep}, reg.Keys())
	ctx := context.Background()

	jc := newJobContext()
	jc.JobData["message"] = "hi"
	for i := 0; i < 2; i++ {
		ok, err := logJob(ctx, jc)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, "2", jc.JobData["runs"])

	jc = newJobContext()
	jc.JobData["duration"] = "1ms"
	ok, err := sleepJob(ctx, jc)
	require.NoError(t, err)
	assert.True(t, ok)

	jc.JobData["duration"] = "1h"
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	ok, err = sleepJob(cancelled, jc)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)

	jc.JobData["duration"] = "soon"
	_, err = sleepJob(ctx, jc)
	assert.Error(t, err)
}

func TestHTTPJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	ctx := context.Background()

	jc := newJobContext()
	jc.JobData["url"] = srv.URL + "/ok"
	ok, err := httpJob(ctx, jc)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "204", jc.JobData["last_status"])

	jc.JobData["url"] = srv.URL + "/fail"
	ok, err = httpJob(ctx, jc)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = httpJob(ctx, newJobContext())
	assert.Error(t, err)
}
