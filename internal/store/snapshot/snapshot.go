// Package snapshot is the other half of the Record Store Adapter's
// durability pipeline (see internal/store/wal): a periodic full dump of
// every job document, written so that recovery only has to replay the
// WAL records appended after the snapshot instead of the log's entire
// history.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/kueuedb/kueue/pkg/types"
)

// SchemaVersion is the current on-disk snapshot format. Load rejects any
// other value rather than guess at a migration.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot: file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot: incompatible schema version")
)

// Data is the full on-disk snapshot payload.
type Data struct {
	Jobs      map[types.JobID]*types.Job `json:"jobs"`
	SchemaVer int                        `json:"schemaVer"`
	LastSeq   uint64                     `json:"lastSeq"`
}

// Manager persists and loads Data atomically at a single path.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager returns a manager writing to path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write serializes data and atomically replaces the snapshot file: the
// new content lands in a temp file first, then os.Rename swaps it in, so
// a crash mid-write leaves the previous snapshot intact rather than a
// half-written one.
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename into place: %w", err)
	}
	return nil
}

// Load reads the snapshot file. A missing file is not an error — it
// means this is the first startup — and yields an empty Data at the
// current schema version.
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Data{Jobs: make(map[types.JobID]*types.Job), SchemaVer: SchemaVersion}, nil
		}
		return Data{}, fmt.Errorf("snapshot: read: %w", err)
	}

	var data Data
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	return data, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot file path.
func (m *Manager) GetPath() string {
	return m.path
}
