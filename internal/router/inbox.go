package router

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hiamp-dev/hiamp/pkg/envelope"
)

// Delivery is a validated envelope plus its platform provenance, queued
// where the target worker will find it.
type Delivery struct {
	Message     *envelope.Message `json:"message"`
	RawText     string            `json:"raw_text"`
	ChannelID   string            `json:"channel_id"`
	SenderID    string            `json:"sender_id"`
	MessageRef  string            `json:"message_ref"`
	ThreadRef   string            `json:"thread_ref,omitempty"`
	DeliveredAt time.Time         `json:"delivered_at"`
}

// DeliverResult is the typed outcome of a delivery attempt. A failure
// here (disk full, queue unavailable) is reported but does not
// retroactively un-deliver upstream platform state.
type DeliverResult struct {
	Success bool
	Error   string
}

// Inbox abstracts durable local delivery to a worker.
type Inbox interface {
	Deliver(worker string, d Delivery) DeliverResult
}

// inboxState is the serialized per-worker queue document.
type inboxState struct {
	Entries []Delivery `json:"entries"`
}

// FileInbox queues deliveries in one JSON document per worker under a
// base directory, created on demand.
type FileInbox struct {
	mu      sync.Mutex
	baseDir string
}

// NewFileInbox creates a file-backed inbox rooted at baseDir.
func NewFileInbox(baseDir string) *FileInbox {
	return &FileInbox{baseDir: baseDir}
}

var unsafeWorkerNameRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func (fi *FileInbox) workerPath(worker string) string {
	safe := unsafeWorkerNameRe.ReplaceAllString(worker, "_")
	if safe == "" {
		safe = "_"
	}
	return filepath.Join(fi.baseDir, safe+".json")
}

func (fi *FileInbox) load(path string) (*inboxState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &inboxState{}, nil
		}
		return nil, errors.Wrapf(err, "failed to read inbox %s", path)
	}
	var state inboxState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrapf(err, "failed to parse inbox %s", path)
	}
	return &state, nil
}

func (fi *FileInbox) save(path string, state *inboxState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create inbox directory for %s", path)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize inbox")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write inbox %s", path)
	}
	return nil
}

// Deliver appends the delivery to the worker's queue. Implements Inbox.
func (fi *FileInbox) Deliver(worker string, d Delivery) DeliverResult {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = time.Now()
	}

	path := fi.workerPath(worker)
	state, err := fi.load(path)
	if err != nil {
		return DeliverResult{Error: err.Error()}
	}
	state.Entries = append(state.Entries, d)
	if err := fi.save(path, state); err != nil {
		return DeliverResult{Error: err.Error()}
	}
	return DeliverResult{Success: true}
}

// List returns the worker's queued deliveries without consuming them.
func (fi *FileInbox) List(worker string) ([]Delivery, error) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	state, err := fi.load(fi.workerPath(worker))
	if err != nil {
		return nil, err
	}
	return state.Entries, nil
}

// Drain returns and removes all queued deliveries for the worker.
func (fi *FileInbox) Drain(worker string) ([]Delivery, error) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	path := fi.workerPath(worker)
	state, err := fi.load(path)
	if err != nil {
		return nil, err
	}
	if len(state.Entries) == 0 {
		return nil, nil
	}
	entries := state.Entries
	if err := fi.save(path, &inboxState{Entries: []Delivery{}}); err != nil {
		return nil, err
	}
	return entries, nil
}

// Clear deletes the worker's queue file entirely.
func (fi *FileInbox) Clear(worker string) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	err := os.Remove(fi.workerPath(worker))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to clear inbox for %s", worker)
	}
	return nil
}
