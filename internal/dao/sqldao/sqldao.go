// ============================================================================
// Beaver Scheduler - SQL DAO
// ============================================================================
//
// Package: internal/dao/sqldao
// File: sqldao.go
// Purpose: jobstore.DAO over database/sql, for sqlite and postgres.
//
// Tables (schema.sql):
//   schedulers          scheduler registrations with an expiry, per cluster
//   jobs                one row per job, per cluster
//   scheduler_counters  the store-wide version sequence
//
// Times are stored as unix nanoseconds so both dialects order and compare
// them the same way. Queries are written with '?' placeholders and
// rebound to $n for postgres.
//
// Every mutation runs in one transaction that first draws a version from
// scheduler_counters. Versions therefore never repeat, even for a job that
// is deleted and created again under the same name.
//
// ============================================================================

package sqldao

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

//go:embed schema.sql
var schema string

// Dialect selects the SQL flavour and driver.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

// ParseDialect accepts "sqlite" and "postgres" plus common aliases.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	}
	return 0, fmt.Errorf("sqldao: unknown dialect %q", s)
}

// DAO implements jobstore.DAO on a *sql.DB.
type DAO struct {
	db      *sql.DB
	dialect Dialect
	log     zerolog.Logger
}

var _ jobstore.DAO = (*DAO)(nil)

// Option configures a DAO.
type Option func(*DAO)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(d *DAO) { d.log = l.With().Str("component", "sqldao").Logger() }
}

// Open connects to dsn, applies the schema and returns a DAO that owns the
// connection pool.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*DAO, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqldao: dsn is required")
	}
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("sqldao: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One writer at a time; this also keeps a :memory: database alive
		// on its single connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
			_, _ = db.ExecContext(ctx, pragma)
		}
	}
	d, err := New(ctx, db, dialect, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an existing pool and applies the schema. The DAO takes
// ownership of db.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*DAO, error) {
	d := &DAO{db: db, dialect: dialect, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.migrate(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DAO) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqldao: apply schema: %w", err)
		}
	}
	d.log.Debug().Stringer("dialect", d.dialect).Msg("schema applied")
	return nil
}

func (d *DAO) Close() error {
	return d.db.Close()
}

// q adapts a '?' query to the dialect.
func (d *DAO) q(query string) string {
	if d.dialect == DialectPostgres {
		return rebind(query)
	}
	return query
}

// rebind numbers '?' placeholders as $1, $2, ...
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func (d *DAO) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const nextVersionSQL = `INSERT INTO scheduler_counters (name, value) VALUES ('job_version', 1)
ON CONFLICT (name) DO UPDATE SET value = scheduler_counters.value + 1
RETURNING value`

func (d *DAO) nextVersion(ctx context.Context, tx *sql.Tx) (int64, error) {
	var v int64
	if err := tx.QueryRowContext(ctx, nextVersionSQL).Scan(&v); err != nil {
		return 0, fmt.Errorf("sqldao: next version: %w", err)
	}
	return v, nil
}

// ---- schedulers ----

func (d *DAO) RegisterScheduler(ctx context.Context, cluster string, id uuid.UUID, name string, expires time.Time) error {
	_, err := d.db.ExecContext(ctx, d.q(`INSERT INTO schedulers (cluster, id, name, expires) VALUES (?, ?, ?, ?)
ON CONFLICT (cluster, id) DO UPDATE SET name = excluded.name, expires = excluded.expires`),
		cluster, id.String(), name, toNanos(expires))
	return err
}

func (d *DAO) UnregisterScheduler(ctx context.Context, cluster string, id uuid.UUID, now time.Time) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, d.q(`DELETE FROM schedulers WHERE cluster = ? AND id = ?`), cluster, id.String()); err != nil {
			return err
		}
		_, err := d.orphanOwned(ctx, tx, cluster, id, now)
		return err
	})
}

func (d *DAO) OrphanRunningJobs(ctx context.Context, cluster string, id uuid.UUID, now time.Time) (int, error) {
	var n int
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = d.orphanOwned(ctx, tx, cluster, id, now)
		return err
	})
	return n, err
}

func (d *DAO) orphanOwned(ctx context.Context, tx *sql.Tx, cluster string, id uuid.UUID, now time.Time) (int, error) {
	version, err := d.nextVersion(ctx, tx)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, d.q(`UPDATE jobs SET job_state = ?, last_end_time = ?, last_succeeded = ?, version = ?
WHERE cluster = ? AND job_state = ? AND last_scheduler_id = ?`),
		string(types.StateOrphaned), toNanos(now), false, version,
		cluster, string(types.StateRunning), id.String())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// orphanExpired marks Running jobs whose owner holds no unexpired
// registration as Orphaned.
func (d *DAO) orphanExpired(ctx context.Context, tx *sql.Tx, cluster string, now time.Time) (int, error) {
	version, err := d.nextVersion(ctx, tx)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, d.q(`UPDATE jobs SET job_state = ?, last_end_time = ?, last_succeeded = ?, version = ?
WHERE cluster = ? AND job_state = ? AND (last_scheduler_id IS NULL OR last_scheduler_id NOT IN
  (SELECT id FROM schedulers WHERE cluster = ? AND expires > ?))`),
		string(types.StateOrphaned), toNanos(now), false, version,
		cluster, string(types.StateRunning), cluster, toNanos(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- jobs ----

func (d *DAO) CreateJob(ctx context.Context, cluster string, spec *types.JobSpec, creationTime time.Time, action types.CreateJobConflictAction) (bool, error) {
	if err := jobstore.ValidateCreate(spec, action); err != nil {
		return false, err
	}
	trig, data, err := encodeSpec(spec)
	if err != nil {
		return false, err
	}

	query := `INSERT INTO jobs (cluster, name, description, job_key, trigger_json, job_data_json, creation_time, job_state, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var extra []any
	switch action {
	case types.ConflictIgnore, types.ConflictThrow:
		query += ` ON CONFLICT (cluster, name) DO NOTHING`
	case types.ConflictUpdate:
		query += ` ON CONFLICT (cluster, name) DO UPDATE SET
  description = excluded.description, job_key = excluded.job_key,
  trigger_json = excluded.trigger_json, job_data_json = excluded.job_data_json,
  job_state = CASE WHEN jobs.job_state = ? THEN ? ELSE jobs.job_state END,
  version = excluded.version`
		extra = append(extra, string(types.StateScheduled), string(types.StateScheduled.AfterSpecUpdate()))
	case types.ConflictReplace:
		query += ` ON CONFLICT (cluster, name) DO UPDATE SET
  description = excluded.description, job_key = excluded.job_key,
  trigger_json = excluded.trigger_json, job_data_json = excluded.job_data_json,
  creation_time = excluded.creation_time, job_state = excluded.job_state,
  next_fire_time = NULL, next_misfire_threshold = NULL,
  last_scheduler_id = NULL, last_start_time = NULL, last_end_time = NULL,
  last_succeeded = NULL, last_status = NULL,
  version = excluded.version`
	}

	var created bool
	err = d.inTx(ctx, func(tx *sql.Tx) error {
		version, err := d.nextVersion(ctx, tx)
		if err != nil {
			return err
		}
		args := []any{cluster, spec.Name, spec.Description, spec.JobKey, trig, data,
			toNanos(creationTime), string(types.StatePending), version}
		res, err := tx.ExecContext(ctx, d.q(query), append(args, extra...)...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if action == types.ConflictThrow {
				return jobstore.ErrJobExists
			}
			return nil
		}
		created = true
		return nil
	})
	return created, err
}

func (d *DAO) UpdateJob(ctx context.Context, cluster, existingName string, spec *types.JobSpec) error {
	trig, data, err := encodeSpec(spec)
	if err != nil {
		return err
	}
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx, d.q(`SELECT job_state FROM jobs WHERE cluster = ? AND name = ?`), cluster, existingName).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return jobstore.ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if spec.Name != existingName {
			var one int
			err := tx.QueryRowContext(ctx, d.q(`SELECT 1 FROM jobs WHERE cluster = ? AND name = ?`), cluster, spec.Name).Scan(&one)
			if err == nil {
				return jobstore.ErrJobNameInUse
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}
		version, err := d.nextVersion(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, d.q(`UPDATE jobs SET name = ?, description = ?, job_key = ?, trigger_json = ?, job_data_json = ?, job_state = ?, version = ?
WHERE cluster = ? AND name = ?`),
			spec.Name, spec.Description, spec.JobKey, trig, data,
			string(types.JobState(state).AfterSpecUpdate()), version,
			cluster, existingName)
		return err
	})
}

func (d *DAO) DeleteJob(ctx context.Context, cluster, name string) (bool, error) {
	res, err := d.db.ExecContext(ctx, d.q(`DELETE FROM jobs WHERE cluster = ? AND name = ?`), cluster, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (d *DAO) GetJobDetails(ctx context.Context, cluster, name string) (*types.JobDetails, error) {
	row := d.db.QueryRowContext(ctx, d.q(`SELECT `+jobColumns+` FROM jobs WHERE cluster = ? AND name = ?`), cluster, name)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (d *DAO) SaveJobDetails(ctx context.Context, cluster string, details *types.JobDetails) error {
	if err := jobstore.ValidateDetails(details); err != nil {
		return err
	}
	r, err := encodeDetails(details)
	if err != nil {
		return err
	}

	var version int64
	err = d.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if version, err = d.nextVersion(ctx, tx); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, d.q(`UPDATE jobs SET description = ?, job_key = ?, trigger_json = ?, job_data_json = ?, job_state = ?,
  next_fire_time = ?, next_misfire_threshold = ?, last_scheduler_id = ?, last_start_time = ?,
  last_end_time = ?, last_succeeded = ?, last_status = ?, version = ?
WHERE cluster = ? AND name = ? AND version = ?`),
			r.description, r.jobKey, r.triggerJSON, r.jobDataJSON, r.jobState,
			r.nextFireTime, r.nextMisfireThreshold, r.lastSchedulerID, r.lastStartTime,
			r.lastEndTime, r.lastSucceeded, r.lastStatus, version,
			cluster, r.name, details.Version)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return jobstore.ErrConcurrentModification
		}
		return nil
	})
	if err != nil {
		return err
	}
	details.Version = version
	return nil
}

func (d *DAO) ListJobNames(ctx context.Context, cluster string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`SELECT name FROM jobs WHERE cluster = ? ORDER BY name`), cluster)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (d *DAO) GetNextJobToProcess(ctx context.Context, cluster string, schedulerID uuid.UUID, now time.Time) (*types.JobDetails, *time.Time, error) {
	var next *types.JobDetails
	var wake *time.Time
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		orphaned, err := d.orphanExpired(ctx, tx, cluster, now)
		if err != nil {
			return err
		}
		if orphaned > 0 {
			d.log.Warn().Str("cluster", cluster).Int("jobs", orphaned).Msg("orphaned running jobs of expired schedulers")
		}

		candidates, err := queryJobs(ctx, tx, d.q(`SELECT `+jobColumns+` FROM jobs WHERE cluster = ? AND job_state IN (?, ?, ?, ?)`),
			cluster, string(types.StateOrphaned), string(types.StatePending), string(types.StateTriggered), string(types.StateScheduled))
		if err != nil {
			return err
		}
		next, wake = jobstore.SelectReady(candidates, now)
		if next == nil || next.JobState != types.StateScheduled {
			return nil
		}

		version, err := d.nextVersion(ctx, tx)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, d.q(`UPDATE jobs SET job_state = ?, version = ? WHERE cluster = ? AND name = ? AND version = ?`),
			string(types.StateTriggered), version, cluster, next.JobSpec.Name, next.Version)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost a race with another writer; look again right away.
			next, wake = nil, types.TimePtr(now)
			return nil
		}
		next.JobState = types.StateTriggered
		next.Version = version
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	d.log.Trace().Stringer("scheduler_id", schedulerID).Str("job", next.Name()).Msg("polled")
	return next, wake, nil
}

func queryJobs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]*types.JobDetails, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*types.JobDetails
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
