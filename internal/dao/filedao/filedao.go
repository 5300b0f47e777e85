// ============================================================================
// Beaver Scheduler - File DAO
// ============================================================================
//
// Package: internal/dao/filedao
// File: filedao.go
// Purpose: jobstore.DAO persisted to a directory on local disk.
//
// Files:
//   snapshot.json  full state as of journal record LastSeq
//   journal.log    records written after that snapshot
//
// Recovery (Open):
//   1. Load the snapshot (empty on first start).
//   2. Replay journal records with Seq > LastSeq on top of it.
//
// Every mutation is journaled before it becomes visible, and the live path
// applies the same record replay would, so a reopened store matches the
// one that was closed. After CompactEvery records the state is written to
// a new snapshot and the journal is truncated.
//
// ============================================================================

package filedao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

const (
	SnapshotFileName    = "snapshot.json"
	JournalFileName     = "journal.log"
	DefaultCompactEvery = 1000
)

// OpRenameJob moves a job to a new name in one record. Key is the old
// name; the payload carries the new one.
const OpRenameJob Op = "RENAME_JOB"

type options struct {
	log          zerolog.Logger
	compactEvery int
	syncOnAppend bool
}

// Option configures a DAO.
type Option func(*options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithCompactEvery sets how many journal records trigger a snapshot.
func WithCompactEvery(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.compactEvery = n
		}
	}
}

// WithSyncOnAppend controls whether every journal append is fsynced.
// The default is true.
func WithSyncOnAppend(sync bool) Option {
	return func(o *options) { o.syncOnAppend = sync }
}

// DAO implements jobstore.DAO on local files.
type DAO struct {
	mu           sync.Mutex
	journal      *Journal
	snap         *snapshotFile
	clusters     map[string]*clusterState
	version      int64
	compactEvery int
	closed       bool
	log          zerolog.Logger
}

var _ jobstore.DAO = (*DAO)(nil)

// Open loads or initializes the store in dir.
func Open(dir string, opts ...Option) (*DAO, error) {
	if dir == "" {
		return nil, errors.New("filedao: directory is required")
	}
	o := options{log: zerolog.Nop(), compactEvery: DefaultCompactEvery, syncOnAppend: true}
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filedao: create directory: %w", err)
	}

	snap := &snapshotFile{path: filepath.Join(dir, SnapshotFileName)}
	data, err := snap.load()
	if err != nil {
		return nil, err
	}
	journal, err := OpenJournal(filepath.Join(dir, JournalFileName), o.syncOnAppend)
	if err != nil {
		return nil, err
	}

	d := &DAO{
		journal:      journal,
		snap:         snap,
		clusters:     data.Clusters,
		version:      data.Version,
		compactEvery: o.compactEvery,
		log:          o.log.With().Str("component", "filedao").Str("dir", dir).Logger(),
	}

	replayed := 0
	err = journal.Replay(func(r Record) error {
		if r.Seq <= data.LastSeq {
			return nil
		}
		replayed++
		return d.apply(r)
	})
	if err != nil {
		_ = journal.Close()
		return nil, err
	}
	journal.Resume(data.LastSeq)

	d.log.Info().
		Uint64("snapshot_seq", data.LastSeq).
		Int("replayed", replayed).
		Int("clusters", len(d.clusters)).
		Msg("file store recovered")
	return d, nil
}

// apply folds one record into the in-memory state.
func (d *DAO) apply(r Record) error {
	c := d.cluster(r.Cluster)
	switch r.Op {
	case OpPutJob, OpRenameJob:
		var job types.JobDetails
		if err := json.Unmarshal(r.Payload, &job); err != nil {
			return fmt.Errorf("filedao: decode job %q at seq %d: %w", r.Key, r.Seq, err)
		}
		if job.JobSpec == nil {
			return fmt.Errorf("filedao: job %q at seq %d has no spec", r.Key, r.Seq)
		}
		if r.Op == OpRenameJob {
			delete(c.Jobs, r.Key)
		}
		c.Jobs[job.JobSpec.Name] = &job
	case OpDeleteJob:
		delete(c.Jobs, r.Key)
	case OpPutScheduler, OpDeleteScheduler:
		id, err := uuid.Parse(r.Key)
		if err != nil {
			return fmt.Errorf("filedao: scheduler id at seq %d: %w", r.Seq, err)
		}
		if r.Op == OpDeleteScheduler {
			delete(c.Schedulers, id)
			break
		}
		var reg registration
		if err := json.Unmarshal(r.Payload, &reg); err != nil {
			return fmt.Errorf("filedao: decode scheduler %s at seq %d: %w", id, r.Seq, err)
		}
		c.Schedulers[id] = reg
	default:
		return fmt.Errorf("filedao: unknown journal op %q at seq %d", r.Op, r.Seq)
	}
	if r.Version > d.version {
		d.version = r.Version
	}
	return nil
}

func (d *DAO) cluster(name string) *clusterState {
	c, ok := d.clusters[name]
	if !ok {
		c = newClusterState()
		d.clusters[name] = c
	}
	return c
}

func (d *DAO) lock() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return jobstore.ErrClosed
	}
	return nil
}

// commitLocked journals a mutation and applies it. Caller holds mu.
func (d *DAO) commitLocked(op Op, cluster, key string, value any) error {
	rec := Record{Op: op, Cluster: cluster, Key: key, Version: d.version}
	if value != nil {
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("filedao: encode %s %q: %w", op, key, err)
		}
		rec.Payload = b
	}
	seq, err := d.journal.Append(rec)
	if err != nil {
		return err
	}
	rec.Seq = seq
	if err := d.apply(rec); err != nil {
		return err
	}
	if d.journal.Len() >= d.compactEvery {
		if err := d.compactLocked(); err != nil {
			// The journal still holds everything; try again next time.
			d.log.Warn().Err(err).Msg("snapshot compaction failed")
		}
	}
	return nil
}

// putJobLocked stamps a fresh version on job and commits it.
func (d *DAO) putJobLocked(op Op, cluster, key string, job *types.JobDetails) error {
	d.version++
	job.Version = d.version
	return d.commitLocked(op, cluster, key, job)
}

// Compact writes a snapshot of the current state and empties the journal.
func (d *DAO) Compact() error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.compactLocked()
}

func (d *DAO) compactLocked() error {
	data := &snapshotData{
		LastSeq:  d.journal.Seq(),
		Version:  d.version,
		Clusters: d.clusters,
	}
	if err := d.snap.write(data); err != nil {
		return err
	}
	if err := d.journal.Truncate(); err != nil {
		return err
	}
	d.log.Debug().Uint64("seq", data.LastSeq).Msg("snapshot written")
	return nil
}

// Close snapshots the state and closes the journal.
func (d *DAO) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var result error
	if err := d.compactLocked(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := d.journal.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// ---- schedulers ----

func (d *DAO) RegisterScheduler(_ context.Context, cluster string, id uuid.UUID, name string, expires time.Time) error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.commitLocked(OpPutScheduler, cluster, id.String(), registration{Name: name, Expires: types.UTC(expires)})
}

func (d *DAO) UnregisterScheduler(_ context.Context, cluster string, id uuid.UUID, now time.Time) error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()

	if _, ok := d.cluster(cluster).Schedulers[id]; ok {
		if err := d.commitLocked(OpDeleteScheduler, cluster, id.String(), nil); err != nil {
			return err
		}
	}
	_, err := d.orphanLocked(cluster, now, func(e *types.JobExecutionDetails) bool {
		return e != nil && e.SchedulerID == id
	})
	return err
}

func (d *DAO) OrphanRunningJobs(_ context.Context, cluster string, id uuid.UUID, now time.Time) (int, error) {
	if err := d.lock(); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return d.orphanLocked(cluster, now, func(e *types.JobExecutionDetails) bool {
		return e != nil && e.SchedulerID == id
	})
}

// orphanLocked marks Running jobs whose last execution matches owned as
// Orphaned.
func (d *DAO) orphanLocked(cluster string, now time.Time, owned func(*types.JobExecutionDetails) bool) (int, error) {
	c := d.cluster(cluster)
	var names []string
	for name, job := range c.Jobs {
		if job.JobState == types.StateRunning && owned(job.LastJobExecutionDetails) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for i, name := range names {
		job := c.Jobs[name].Clone()
		job.JobState = types.StateOrphaned
		if job.LastJobExecutionDetails == nil {
			job.LastJobExecutionDetails = types.NewJobExecutionDetails(uuid.Nil, now)
		}
		job.LastJobExecutionDetails.EndTime = types.TimePtr(now)
		job.LastJobExecutionDetails.Succeeded = false
		if err := d.putJobLocked(OpPutJob, cluster, name, job); err != nil {
			return i, err
		}
	}
	return len(names), nil
}

// ---- jobs ----

func (d *DAO) CreateJob(_ context.Context, cluster string, spec *types.JobSpec, creationTime time.Time, action types.CreateJobConflictAction) (bool, error) {
	if err := jobstore.ValidateCreate(spec, action); err != nil {
		return false, err
	}
	if err := d.lock(); err != nil {
		return false, err
	}
	defer d.mu.Unlock()

	if existing, ok := d.cluster(cluster).Jobs[spec.Name]; ok {
		switch action {
		case types.ConflictIgnore:
			return false, nil
		case types.ConflictThrow:
			return false, jobstore.ErrJobExists
		case types.ConflictUpdate:
			job := existing.Clone()
			job.JobSpec = spec.Clone()
			job.JobState = job.JobState.AfterSpecUpdate()
			return true, d.putJobLocked(OpPutJob, cluster, spec.Name, job)
		}
	}
	return true, d.putJobLocked(OpPutJob, cluster, spec.Name, types.NewJobDetails(spec, creationTime))
}

func (d *DAO) UpdateJob(_ context.Context, cluster, existingName string, spec *types.JobSpec) error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()

	c := d.cluster(cluster)
	existing, ok := c.Jobs[existingName]
	if !ok {
		return jobstore.ErrJobNotFound
	}
	op := OpPutJob
	if spec.Name != existingName {
		if _, taken := c.Jobs[spec.Name]; taken {
			return jobstore.ErrJobNameInUse
		}
		op = OpRenameJob
	}
	job := existing.Clone()
	job.JobSpec = spec.Clone()
	job.JobState = job.JobState.AfterSpecUpdate()
	return d.putJobLocked(op, cluster, existingName, job)
}

func (d *DAO) DeleteJob(_ context.Context, cluster, name string) (bool, error) {
	if err := d.lock(); err != nil {
		return false, err
	}
	defer d.mu.Unlock()

	if _, ok := d.cluster(cluster).Jobs[name]; !ok {
		return false, nil
	}
	return true, d.commitLocked(OpDeleteJob, cluster, name, nil)
}

func (d *DAO) GetJobDetails(_ context.Context, cluster, name string) (*types.JobDetails, error) {
	if err := d.lock(); err != nil {
		return nil, err
	}
	defer d.mu.Unlock()
	return d.cluster(cluster).Jobs[name].Clone(), nil
}

func (d *DAO) SaveJobDetails(_ context.Context, cluster string, details *types.JobDetails) error {
	if err := jobstore.ValidateDetails(details); err != nil {
		return err
	}
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()

	cur, ok := d.cluster(cluster).Jobs[details.JobSpec.Name]
	if !ok || cur.Version != details.Version {
		return jobstore.ErrConcurrentModification
	}
	job := details.Clone()
	if err := d.putJobLocked(OpPutJob, cluster, job.JobSpec.Name, job); err != nil {
		return err
	}
	details.Version = job.Version
	return nil
}

func (d *DAO) ListJobNames(_ context.Context, cluster string) ([]string, error) {
	if err := d.lock(); err != nil {
		return nil, err
	}
	defer d.mu.Unlock()

	jobs := d.cluster(cluster).Jobs
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *DAO) GetNextJobToProcess(_ context.Context, cluster string, _ uuid.UUID, now time.Time) (*types.JobDetails, *time.Time, error) {
	if err := d.lock(); err != nil {
		return nil, nil, err
	}
	defer d.mu.Unlock()

	c := d.cluster(cluster)
	orphaned, err := d.orphanLocked(cluster, now, func(e *types.JobExecutionDetails) bool {
		if e == nil {
			return true
		}
		reg, ok := c.Schedulers[e.SchedulerID]
		return !ok || !reg.Expires.After(now)
	})
	if err != nil {
		return nil, nil, err
	}
	if orphaned > 0 {
		d.log.Warn().Str("cluster", cluster).Int("jobs", orphaned).Msg("orphaned running jobs of expired schedulers")
	}

	all := make([]*types.JobDetails, 0, len(c.Jobs))
	for _, job := range c.Jobs {
		all = append(all, job)
	}
	next, wake := jobstore.SelectReady(all, now)
	if next == nil {
		return nil, wake, nil
	}
	if next.JobState == types.StateScheduled {
		job := next.Clone()
		job.JobState = types.StateTriggered
		if err := d.putJobLocked(OpPutJob, cluster, job.JobSpec.Name, job); err != nil {
			return nil, nil, err
		}
		return job, nil, nil
	}
	return next.Clone(), nil, nil
}
