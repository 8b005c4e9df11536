// Package poller implements the heartbeat ingestion engine for pull-only
// platforms: a non-overlapping timer loop that fetches new issue
// comments since a persisted cursor, recovers envelopes, and drives them
// through the router, with a mention fallback for plain chatter that
// names a watched agent.
package poller

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// HeartbeatState is the poller's crash-recovery cursor. Losing it is
// safe (a cold start falls back to the lookback window); duplicating
// delivered messages is not, so it is persisted after successful
// processing, never before.
type HeartbeatState struct {
	LastPollAt      *time.Time `json:"lastPollAt"`
	WatchedIssueIDs []string   `json:"watchedIssueIds"`
}

// StateRepository abstracts heartbeat state persistence so tests can
// instantiate isolated instances instead of process-wide globals.
type StateRepository interface {
	Load() (*HeartbeatState, error)
	Save(s HeartbeatState) error
	Clear() error
}

// FileStateStore persists HeartbeatState as a JSON document at a
// configurable path, directory auto-created. One store per poller
// instance; pollers watching disjoint issue sets use disjoint paths.
type FileStateStore struct {
	path string
}

// NewFileStateStore creates a store writing to path.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

// Load implements StateRepository. A missing file returns nil so a
// first-ever poll initializes fresh.
func (s *FileStateStore) Load() (*HeartbeatState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read heartbeat state %s", s.path)
	}
	var state HeartbeatState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrapf(err, "failed to parse heartbeat state %s", s.path)
	}
	return &state, nil
}

// Save implements StateRepository.
func (s *FileStateStore) Save(state HeartbeatState) error {
	if s.path == "" {
		return errors.New("no state path specified")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create state directory for %s", s.path)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize heartbeat state")
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write heartbeat state %s", s.path)
	}
	return nil
}

// Clear removes the state file.
func (s *FileStateStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete heartbeat state %s", s.path)
	}
	return nil
}
