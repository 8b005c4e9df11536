// Package envelope defines the HIAMP message envelope, its text
// recovery/serialization, and structural validation. The envelope is the
// unit of exchange between worker agents; transports embed it as a
// machine-recoverable block inside platform-native message bodies.
package envelope

import (
	"fmt"
	"strings"
	"time"
)

// Version is the protocol tag carried by every envelope.
const Version = "v1"

// Intent classifies what the sender wants the receiver to do with a message.
type Intent string

const (
	IntentInform   Intent = "inform"
	IntentRequest  Intent = "request"
	IntentHandoff  Intent = "handoff"
	IntentQuestion Intent = "question"
	IntentAnswer   Intent = "answer"
	IntentStatus   Intent = "status"
	IntentAck      Intent = "ack"
)

// AckRequested is the only recognized value of the Ack field.
const AckRequested = "requested"

// Message is the HIAMP envelope. Messages are never mutated after
// creation; a reply is a new envelope carrying the same Thread.
type Message struct {
	Version  string            `json:"version"`
	ID       string            `json:"id"`
	From     string            `json:"from"`
	To       string            `json:"to"`
	Intent   Intent            `json:"intent"`
	Body     string            `json:"body"`
	Thread   string            `json:"thread,omitempty"`
	Ref      string            `json:"ref,omitempty"`
	Ack      string            `json:"ack,omitempty"`
	Priority int               `json:"priority,omitempty"`
	Token    string            `json:"token,omitempty"`
	Attach   []string          `json:"attach,omitempty"`
	Expires  string            `json:"expires,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
}

// AckWanted reports whether the sender asked for an acknowledgment.
func (m *Message) AckWanted() bool {
	return m.Ack == AckRequested
}

// Expired reports whether the envelope carries an expires deadline that
// has already passed at the given instant. A missing or malformed
// deadline never counts as expired; malformed values are the validator's
// business.
func (m *Message) Expired(now time.Time) bool {
	if m.Expires == "" {
		return false
	}
	deadline, err := time.Parse(time.RFC3339, m.Expires)
	if err != nil {
		return false
	}
	return deadline.Before(now)
}

// Summary renders the one-line human-readable header transports place
// above the machine block.
func (m *Message) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s -> %s [%s]", m.From, m.To, m.Intent)
	if m.Thread != "" {
		fmt.Fprintf(&sb, " (%s)", m.Thread)
	}
	if m.AckWanted() {
		sb.WriteString(" ack requested")
	}
	return sb.String()
}

// SplitPeer breaks a peer address of the form "<owner>/<workerId>" into
// its parts. ok is false when the address does not have exactly two
// non-empty segments.
func SplitPeer(addr string) (owner, worker string, ok bool) {
	parts := strings.SplitN(addr, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// JoinPeer is the inverse of SplitPeer.
func JoinPeer(owner, worker string) string {
	return owner + "/" + worker
}
