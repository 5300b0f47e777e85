package filedao

// ============================================================================
// Snapshot files
// Purpose: Full store state as one JSON document.
//   1. Writes go to a temp file that is fsynced and renamed over the old
//      snapshot, so a crash leaves either the old or the new file.
//   2. Loads check the schema version.
//   3. A missing file loads as an empty state (first start).
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

const snapshotSchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("filedao: snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("filedao: snapshot schema version is incompatible")
)

// registration is a scheduler lease.
type registration struct {
	Name    string    `json:"name"`
	Expires time.Time `json:"expires"`
}

// clusterState is everything stored under one cluster name.
type clusterState struct {
	Jobs       map[string]*types.JobDetails `json:"jobs"`
	Schedulers map[uuid.UUID]registration   `json:"schedulers"`
}

func newClusterState() *clusterState {
	return &clusterState{
		Jobs:       make(map[string]*types.JobDetails),
		Schedulers: make(map[uuid.UUID]registration),
	}
}

// snapshotData is the on-disk document. LastSeq is the last journal record
// folded into it; Version is the store-wide version counter.
type snapshotData struct {
	SchemaVer int                      `json:"schema_ver"`
	LastSeq   uint64                   `json:"last_seq"`
	Version   int64                    `json:"version"`
	Clusters  map[string]*clusterState `json:"clusters"`
}

// snapshotFile reads and writes one snapshot path.
type snapshotFile struct {
	path string
	mu   sync.Mutex
}

func (m *snapshotFile) write(data *snapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = snapshotSchemaVersion
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("filedao: marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("filedao: create temp snapshot: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(b); err != nil {
		cleanup()
		return fmt.Errorf("filedao: write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("filedao: sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("filedao: close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("filedao: rename snapshot: %w", err)
	}
	return nil
}

func (m *snapshotFile) load() (*snapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return &snapshotData{SchemaVer: snapshotSchemaVersion, Clusters: make(map[string]*clusterState)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filedao: read snapshot: %w", err)
	}

	var data snapshotData
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != snapshotSchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, snapshotSchemaVersion)
	}
	if data.Clusters == nil {
		data.Clusters = make(map[string]*clusterState)
	}
	for name, c := range data.Clusters {
		if c == nil {
			c = newClusterState()
			data.Clusters[name] = c
		}
		if c.Jobs == nil {
			c.Jobs = make(map[string]*types.JobDetails)
		}
		if c.Schedulers == nil {
			c.Schedulers = make(map[uuid.UUID]registration)
		}
	}
	return &data, nil
}
