package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Snapshot is the persisted form of the pending-ack table.
type Snapshot struct {
	Entries     []PendingAck `json:"entries"`
	PersistedAt time.Time    `json:"persistedAt"`
}

// SnapshotRepository abstracts snapshot persistence so tests can
// substitute isolated instances for the file-backed store.
type SnapshotRepository interface {
	Save(s Snapshot) error
	Load() (*Snapshot, error)
	Clear() error
}

// FileSnapshotStore persists the snapshot as a JSON document at a
// configurable path, directory auto-created. One store per sending
// process; concurrent senders should use disjoint paths.
type FileSnapshotStore struct {
	path string
}

// NewFileSnapshotStore creates a store writing to path.
func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{path: path}
}

// Save implements SnapshotRepository.
func (s *FileSnapshotStore) Save(snap Snapshot) error {
	if s.path == "" {
		return errors.New("no snapshot path specified")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create snapshot directory for %s", s.path)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize ack snapshot")
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write ack snapshot %s", s.path)
	}
	return nil
}

// Load implements SnapshotRepository. A missing file is not an error;
// it returns nil so a fresh process starts with an empty table.
func (s *FileSnapshotStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read ack snapshot %s", s.path)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "failed to parse ack snapshot %s", s.path)
	}
	return &snap, nil
}

// Clear removes the snapshot file.
func (s *FileSnapshotStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete ack snapshot %s", s.path)
	}
	return nil
}
