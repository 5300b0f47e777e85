package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/beaver-scheduler/internal/config"
	"github.com/ChuLiYu/beaver-scheduler/internal/dao/filedao"
	"github.com/ChuLiYu/beaver-scheduler/internal/dao/grpcdao"
	"github.com/ChuLiYu/beaver-scheduler/internal/dao/sqldao"
	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore"
	"github.com/ChuLiYu/beaver-scheduler/internal/metrics"
)

// openDAO opens the backend named by cfg.Kind. The memory kind has no DAO.
func openDAO(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (jobstore.DAO, error) {
	switch cfg.Kind {
	case config.StoreSQLite, config.StorePostgres:
		dialect, err := sqldao.ParseDialect(cfg.Kind)
		if err != nil {
			return nil, err
		}
		d, err := sqldao.Open(ctx, dialect, cfg.DSN, sqldao.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.StoreFile:
		d, err := filedao.Open(cfg.Path, filedao.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.StoreGRPC:
		c, err := grpcdao.NewClient(cfg.Addr, grpcdao.WithClientLogger(log))
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("store kind %q has no DAO", cfg.Kind)
}

// openStore builds the JobStore described by cfg. tuner is non-nil only
// for persistent stores, whose polling settings can change at runtime.
func openStore(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger, mc *metrics.Collector) (jobstore.JobStore, config.StoreTuner, error) {
	opts := []jobstore.Option{jobstore.WithLogger(log), jobstore.WithMetrics(mc)}
	if !cfg.Persistent() {
		return jobstore.NewMemoryStore(opts...), nil, nil
	}

	dao, err := openDAO(ctx, cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s store: %w", cfg.Kind, err)
	}
	store, err := jobstore.NewPersistentStore(dao, jobstore.PersistentConfig{
		ClusterName:         cfg.Cluster,
		PollInterval:        cfg.PollInterval,
		SchedulerExpiration: cfg.SchedulerExpiration,
	}, opts...)
	if err != nil {
		_ = dao.Close()
		return nil, nil, err
	}
	return store, store, nil
}
