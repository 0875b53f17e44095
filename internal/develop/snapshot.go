package develop

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrSnapshotNotFound is returned when no persisted session snapshot exists.
var ErrSnapshotNotFound = errors.New("develop: snapshot not found")

// Snapshot is the orchestrator-relevant state persisted for crash recovery.
// It is written after every transition and marked clean on shutdown, so the
// next startup can tell whether the previous session ended uncleanly.
type Snapshot struct {
	SessionID        string    `json:"session_id"`
	State            State     `json:"state"`
	SourceFilesDirty bool      `json:"source_files_dirty"`
	NodesMutated     bool      `json:"nodes_mutated"`
	Clean            bool      `json:"clean"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SnapshotStore persists session snapshots.
type SnapshotStore interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
}

// SnapshotRepository stores the snapshot as JSON under the state directory.
type SnapshotRepository struct {
	path string
}

// NewSnapshotRepository creates a repository rooted at stateDir.
func NewSnapshotRepository(stateDir string) *SnapshotRepository {
	return &SnapshotRepository{path: filepath.Join(stateDir, "session.json")}
}

// Load reads the persisted snapshot if present.
func (r *SnapshotRepository) Load() (Snapshot, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("develop: parse snapshot: %w", err)
	}
	return snap, nil
}

// Save writes the snapshot to disk.
func (r *SnapshotRepository) Save(snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.path, append(encoded, '\n'), 0o644)
}
