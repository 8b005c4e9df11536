package envelope

import (
	"regexp"

	"github.com/google/uuid"
)

var (
	messageIDRe = regexp.MustCompile(`^msg-[0-9a-f]{8}$`)
	threadIDRe  = regexp.MustCompile(`^thr-[0-9a-f]{8}$`)
)

// NewMessageID generates a fresh message identifier ("msg-" + 8 lowercase
// hex chars). The hex digits come from a v4 UUID so concurrent processes
// need no coordination; 32 bits is an accepted collision tradeoff at this
// scale, not a hard uniqueness guarantee.
func NewMessageID() string {
	return "msg-" + uuid.NewString()[:8]
}

// NewThreadID generates a fresh thread identifier ("thr-" + 8 hex chars).
func NewThreadID() string {
	return "thr-" + uuid.NewString()[:8]
}

// ValidMessageID reports whether id matches the message-id grammar.
func ValidMessageID(id string) bool {
	return messageIDRe.MatchString(id)
}

// ValidThreadID reports whether id matches the thread-id grammar.
func ValidThreadID(id string) bool {
	return threadIDRe.MatchString(id)
}
