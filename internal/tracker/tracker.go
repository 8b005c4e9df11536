// Package tracker keeps crash-survivable bookkeeping for outstanding
// acknowledgments. It holds no timeout policy: callers decide whether an
// overdue entry is resent (RecordRetry) or escalated and dropped
// (Remove); the tracker only reports state accurately.
package tracker

import (
	"sync"
	"time"
)

const (
	// DefaultTimeout applies when Track is called without one.
	DefaultTimeout = 5 * time.Minute
	// DefaultMaxRetries allows one retry before the caller must escalate.
	DefaultMaxRetries = 1
)

// PendingAck is one outstanding acknowledgment, owned exclusively by the
// sending side's tracker.
type PendingAck struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Target    string    `json:"target"`
	SentAt    time.Time `json:"sent_at"`
	TimeoutMs int64     `json:"timeout_ms"`
	ExpiresAt time.Time `json:"expires_at"`
	Retries   int       `json:"retries"`
}

// Overdue pairs an entry with how far past its deadline it is.
type Overdue struct {
	Entry     PendingAck
	OverdueMs int64
}

// TrackOptions carries the optional arguments to Track.
type TrackOptions struct {
	ThreadID string
	Timeout  time.Duration
}

// TimeoutTracker is an in-memory pending-ack table, internally
// synchronized because sends may happen from multiple goroutines and a
// lost update would silently drop acknowledgment tracking.
type TimeoutTracker struct {
	mu         sync.Mutex
	entries    map[string]PendingAck
	maxRetries int
	now        func() time.Time
}

// New creates a tracker. maxRetries <= 0 falls back to the default of 1.
func New(maxRetries int) *TimeoutTracker {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &TimeoutTracker{
		entries:    make(map[string]PendingAck),
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// Track inserts a pending entry for the message, replacing any prior
// entry under the same id so a message has at most one live entry.
func (t *TimeoutTracker) Track(messageID, target string, opt TrackOptions) {
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.entries[messageID] = PendingAck{
		MessageID: messageID,
		ThreadID:  opt.ThreadID,
		Target:    target,
		SentAt:    now,
		TimeoutMs: timeout.Milliseconds(),
		ExpiresAt: now.Add(timeout),
	}
}

// Resolve removes the entry on ack receipt. False means the ack arrived
// for something not tracked (duplicate or late), which is not an error.
func (t *TimeoutTracker) Resolve(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[messageID]; !ok {
		return false
	}
	delete(t.entries, messageID)
	return true
}

// IsPending reports whether the message still has a live entry.
func (t *TimeoutTracker) IsPending(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[messageID]
	return ok
}

// CheckTimeouts returns every entry past its deadline with how far
// overdue it is. Pure read: the table is not mutated, the caller decides
// retry versus drop.
func (t *TimeoutTracker) CheckTimeouts() []Overdue {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var overdue []Overdue
	for _, e := range t.entries {
		if now.After(e.ExpiresAt) {
			overdue = append(overdue, Overdue{
				Entry:     e,
				OverdueMs: now.Sub(e.ExpiresAt).Milliseconds(),
			})
		}
	}
	return overdue
}

// RecordRetry increments the retry count and resets the deadline
// relative to now, after a caller decided to resend. newTimeout <= 0
// keeps the entry's previous timeout. False means no such entry.
func (t *TimeoutTracker) RecordRetry(messageID string, newTimeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[messageID]
	if !ok {
		return false
	}
	if newTimeout > 0 {
		e.TimeoutMs = newTimeout.Milliseconds()
	}
	e.Retries++
	e.ExpiresAt = t.now().Add(time.Duration(e.TimeoutMs) * time.Millisecond)
	t.entries[messageID] = e
	return true
}

// HasExceededRetries reports whether the entry has used up its retry
// budget and the caller must escalate or drop. Unknown ids report true
// so callers stop retrying either way.
func (t *TimeoutTracker) HasExceededRetries(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[messageID]
	if !ok {
		return true
	}
	return e.Retries >= t.maxRetries
}

// Remove drops an entry regardless of state (post-escalation cleanup).
func (t *TimeoutTracker) Remove(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[messageID]; !ok {
		return false
	}
	delete(t.entries, messageID)
	return true
}

// Pending returns a copy of all live entries.
func (t *TimeoutTracker) Pending() []PendingAck {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make([]PendingAck, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	return entries
}

// Persist snapshots all pending entries through the repository.
func (t *TimeoutTracker) Persist(repo SnapshotRepository) error {
	return repo.Save(Snapshot{Entries: t.Pending(), PersistedAt: t.now()})
}

// Restore loads a snapshot, silently dropping entries already past their
// deadline: they would have been reported overdue immediately, and
// skipping them avoids a restart-triggered escalation storm.
func (t *TimeoutTracker) Restore(repo SnapshotRepository) error {
	snap, err := repo.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, e := range snap.Entries {
		if now.After(e.ExpiresAt) {
			continue
		}
		t.entries[e.MessageID] = e
	}
	return nil
}
