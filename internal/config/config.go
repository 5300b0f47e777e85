// ============================================================================
// Beaver Scheduler - Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration for the scheduler binary.
//
// Layout (configs/default.yaml):
//   scheduler: name, workers, queue_size, error_recovery_delay, job_timeout
//   store:     kind (memory|sqlite|postgres|file|grpc), dsn, path, addr,
//              cluster, poll_interval, scheduler_expiration
//   log:       level, format (console|json)
//   metrics:   enabled, addr
//   grpc:      listen (address used by serve-dao)
//
// Durations are Go duration strings ("15s", "2m"). Missing keys keep the
// values from Default().
//
// ============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-scheduler/internal/logging"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreFile     = "file"
	StoreGRPC     = "grpc"
)

type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	GRPC      GRPCConfig      `yaml:"grpc"`
}

type SchedulerConfig struct {
	Name               string        `yaml:"name"`
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size"`
	ErrorRecoveryDelay time.Duration `yaml:"error_recovery_delay"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
}

type StoreConfig struct {
	Kind                string        `yaml:"kind"`
	DSN                 string        `yaml:"dsn"`  // sqlite, postgres
	Path                string        `yaml:"path"` // file
	Addr                string        `yaml:"addr"` // grpc
	Cluster             string        `yaml:"cluster"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	SchedulerExpiration time.Duration `yaml:"scheduler_expiration"`
}

// Persistent reports whether the store kind is DAO-backed.
func (s StoreConfig) Persistent() bool {
	return s.Kind != StoreMemory
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type GRPCConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a configuration for a single in-memory scheduler.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Workers:            4,
			ErrorRecoveryDelay: 30 * time.Second,
		},
		Store: StoreConfig{
			Kind:                StoreMemory,
			Cluster:             "Default",
			PollInterval:        15 * time.Second,
			SchedulerExpiration: 120 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatConsole,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		GRPC: GRPCConfig{
			Listen: ":50051",
		},
	}
}

// Load reads path over Default() and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default() and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	cfg.Store.Kind = strings.ToLower(strings.TrimSpace(cfg.Store.Kind))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	s := c.Scheduler
	if s.Workers < 0 {
		add("scheduler.workers must not be negative")
	}
	if s.QueueSize < 0 {
		add("scheduler.queue_size must not be negative")
	}
	if s.ErrorRecoveryDelay < 0 {
		add("scheduler.error_recovery_delay must not be negative")
	}
	if s.JobTimeout < 0 {
		add("scheduler.job_timeout must not be negative")
	}

	st := c.Store
	switch st.Kind {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if st.DSN == "" {
			add("store.dsn is required for the %s store", st.Kind)
		}
	case StoreFile:
		if st.Path == "" {
			add("store.path is required for the file store")
		}
	case StoreGRPC:
		if st.Addr == "" {
			add("store.addr is required for the grpc store")
		}
	default:
		add("store.kind %q is not one of memory, sqlite, postgres, file, grpc", st.Kind)
	}
	if st.PollInterval <= 0 {
		add("store.poll_interval must be positive")
	}
	if st.SchedulerExpiration <= 0 {
		add("store.scheduler_expiration must be positive")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		add("log.format %q is not console or json", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics.addr is required when metrics are enabled")
	}
	return result.ErrorOrNil()
}

// StoreTuner is the runtime-adjustable part of a persistent store.
type StoreTuner interface {
	SetPollInterval(time.Duration) error
	SetSchedulerExpiration(time.Duration) error
}

// ErrNotReloadable marks changes that only take effect after a restart.
var ErrNotReloadable = errors.New("config: change requires a restart")

// ApplyRuntime pushes the reloadable settings of c into a running process.
// store may be nil for the memory store. Settings that differ from prev but
// cannot change at runtime are reported with ErrNotReloadable.
func (c *Config) ApplyRuntime(prev *Config, store StoreTuner, level *logging.Level) error {
	var result *multierror.Error
	if level != nil {
		if err := level.Set(c.Log.Level); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if store != nil {
		if err := store.SetPollInterval(c.Store.PollInterval); err != nil {
			result = multierror.Append(result, err)
		}
		if err := store.SetSchedulerExpiration(c.Store.SchedulerExpiration); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if prev != nil {
		if prev.Store.Kind != c.Store.Kind || prev.Store.DSN != c.Store.DSN ||
			prev.Store.Path != c.Store.Path || prev.Store.Addr != c.Store.Addr {
			result = multierror.Append(result, fmt.Errorf("%w: store location", ErrNotReloadable))
		}
		if prev.Scheduler.Workers != c.Scheduler.Workers {
			result = multierror.Append(result, fmt.Errorf("%w: scheduler.workers", ErrNotReloadable))
		}
	}
	return result.ErrorOrNil()
}
