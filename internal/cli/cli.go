// ============================================================================
// Beaver Scheduler CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running schedulers and administering jobs
//
// Command Structure:
//   beaver-scheduler                 # Root command
//   ├── run                          # Start a scheduler on the configured store
//   │   └── --duration               # Stop after this long (0 = until signal)
//   ├── serve-dao                    # Expose a sqlite/postgres/file DAO over gRPC
//   │   └── --listen                 # Override grpc.listen
//   ├── jobs                         # Administer jobs in the configured store
//   │   ├── list
//   │   ├── show NAME
//   │   ├── create NAME              # --key, trigger flags or --file
//   │   ├── update NAME              # same flags, --rename
//   │   └── delete NAME
//   ├── --config, -c                 # Config file (default configs/default.yaml)
//   └── --version
//
// Configuration:
//   See internal/config. When --config is left at its default and the file
//   does not exist, built-in defaults (in-memory store) are used.
//
// run Command:
//   1. Load config and build the logger
//   2. Open the store (memory, or persistent over a DAO)
//   3. Start the metrics HTTP server (if enabled)
//   4. Watch the config file and apply reloadable settings
//   5. Start the scheduler and wait for SIGINT/SIGTERM or --duration
//   6. Close the scheduler, then the store
//
// serve-dao Command:
//   Lets several schedulers on other hosts share one database or data
//   directory through store.kind=grpc.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/beaver-scheduler/internal/config"
	"github.com/ChuLiYu/beaver-scheduler/internal/dao/grpcdao"
	"github.com/ChuLiYu/beaver-scheduler/internal/logging"
	"github.com/ChuLiYu/beaver-scheduler/internal/metrics"
	"github.com/ChuLiYu/beaver-scheduler/internal/scheduler"
	_ "github.com/ChuLiYu/beaver-scheduler/pkg/trigger" // built-in trigger kinds
)

const (
	defaultConfigPath = "configs/default.yaml"
	version           = "1.0.0"
	shutdownTimeout   = 10 * time.Second
)

// app carries state shared by every command.
type app struct {
	configPath string
}

func BuildCLI() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "beaver-scheduler",
		Short: "Beaver Scheduler: a pluggable job scheduler",
		Long: `Beaver Scheduler runs jobs on triggers with:
- in-memory, SQL (sqlite/postgres), file or remote gRPC job stores
- crash detection through scheduler registrations
- Prometheus metrics`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(a.buildServeDAOCommand())
	rootCmd.AddCommand(a.buildJobsCommand())

	return rootCmd
}

// loadConfig reads the config file. A missing default file means built-in
// defaults; a missing explicit file is an error.
func (a *app) loadConfig() (*config.Config, bool, error) {
	cfg, err := config.Load(a.configPath)
	if err == nil {
		return cfg, true, nil
	}
	if a.configPath == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), false, nil
	}
	return nil, false, fmt.Errorf("failed to load config: %w", err)
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (zerolog.Logger, *logging.Level) {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// run
// ============================================================================

func (a *app) buildRunCommand() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a scheduler on the configured job store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runScheduler(cmd, duration)
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

func (a *app) runScheduler(cmd *cobra.Command, duration time.Duration) error {
	cfg, fromFile, err := a.loadConfig()
	if err != nil {
		return err
	}
	log, level := newLogger(cmd, cfg)

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewCollector(reg)

	store, tuner, err := openStore(ctx, cfg.Store, log, mc)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	sched, err := scheduler.New(store, builtinJobs(), scheduler.Config{
		Name:               cfg.Scheduler.Name,
		Workers:            cfg.Scheduler.Workers,
		QueueSize:          cfg.Scheduler.QueueSize,
		ErrorRecoveryDelay: cfg.Scheduler.ErrorRecoveryDelay,
		JobTimeout:         cfg.Scheduler.JobTimeout,
	}, scheduler.WithLogger(log), scheduler.WithMetrics(mc))
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		srv, err := startMetricsServer(cfg.Metrics.Addr, reg, log)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if fromFile {
		w := config.NewWatcher(a.configPath, cfg, log)
		go func() {
			err := w.Watch(ctx, func(prev, next *config.Config) {
				if err := next.ApplyRuntime(prev, tuner, level); err != nil {
					log.Warn().Err(err).Msg("config change not fully applied")
				}
			})
			if err != nil {
				log.Warn().Err(err).Msg("config watch stopped")
			}
		}()
	}

	if err := sched.Start(ctx); err != nil {
		_ = sched.Close()
		return err
	}
	log.Info().Str("store", cfg.Store.Kind).Str("scheduler", sched.Name()).Msg("scheduler running")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return sched.Close()
}

func startMetricsServer(addr string, reg *prometheus.Registry, log zerolog.Logger) (*http.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", lis.Addr().String()).Msg("metrics server listening")
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	return srv, nil
}

// ============================================================================
// serve-dao
// ============================================================================

func (a *app) buildServeDAOCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve-dao",
		Short: "Serve the configured sqlite, postgres or file store over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serveDAO(cmd, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides grpc.listen)")
	return cmd
}

func (a *app) serveDAO(cmd *cobra.Command, listen string) error {
	cfg, _, err := a.loadConfig()
	if err != nil {
		return err
	}
	switch cfg.Store.Kind {
	case config.StoreSQLite, config.StorePostgres, config.StoreFile:
	default:
		return fmt.Errorf("serve-dao needs a sqlite, postgres or file store, not %q", cfg.Store.Kind)
	}
	if listen == "" {
		listen = cfg.GRPC.Listen
	}
	log, _ := newLogger(cmd, cfg)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	dao, err := openDAO(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer dao.Close()

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	gs := grpc.NewServer()
	grpcdao.NewServer(dao, log).Register(gs)

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()
	log.Info().Str("addr", lis.Addr().String()).Str("store", cfg.Store.Kind).Msg("DAO server listening")

	select {
	case <-ctx.Done():
		log.Info().Msg("stopping DAO server")
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Execute runs the CLI with os.Args and exits on failure.
func Execute() {
	if err := BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
