// Package router applies the worker permission policy to validated
// envelopes and hands permitted ones to the target worker's inbox.
// Permission and delivery failures are data, never panics, so callers
// such as the heartbeat poller can count them without special-casing
// control flow.
package router

// Permission defaults.
const (
	DefaultAllow = "allow"
	DefaultDeny  = "deny"
)

// WorkerPermission is one worker's entry in the permission table.
type WorkerPermission struct {
	ID      string `json:"id" yaml:"id"`
	Send    bool   `json:"send" yaml:"send"`
	Receive bool   `json:"receive" yaml:"receive"`
}

// WorkerPermissions is the externally supplied, read-only permission
// policy. Workers not listed fall back to Default.
type WorkerPermissions struct {
	Default string             `json:"default" yaml:"default"`
	Workers []WorkerPermission `json:"workers" yaml:"workers"`
}

func (p WorkerPermissions) lookup(workerID string) (WorkerPermission, bool) {
	for _, w := range p.Workers {
		if w.ID == workerID {
			return w, true
		}
	}
	return WorkerPermission{}, false
}

// CanReceive reports whether the worker may receive envelopes.
func (p WorkerPermissions) CanReceive(workerID string) bool {
	if w, ok := p.lookup(workerID); ok {
		return w.Receive
	}
	return p.Default == DefaultAllow
}

// CanSend reports whether the worker may send envelopes.
func (p WorkerPermissions) CanSend(workerID string) bool {
	if w, ok := p.lookup(workerID); ok {
		return w.Send
	}
	return p.Default == DefaultAllow
}

// DefaultReceiveWorker picks the worker that receives synthesized
// local-origin messages: the first worker with receive permission, else
// the first listed worker when the default policy allows, else none.
func (p WorkerPermissions) DefaultReceiveWorker() (string, bool) {
	for _, w := range p.Workers {
		if w.Receive {
			return w.ID, true
		}
	}
	if len(p.Workers) > 0 && p.Default == DefaultAllow {
		return p.Workers[0].ID, true
	}
	return "", false
}
