package envelope

import (
	"fmt"
	"time"
)

// ValidationError describes one structural problem with an envelope.
type ValidationError struct {
	Message string `json:"message"`
}

// ValidationResult collects every problem found. Validation is not
// fail-fast so a caller can log all of them at once.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validator checks envelopes against the id grammar and the intent
// vocabulary. The vocabulary is the closed default set plus any extra
// intents supplied at construction, so deployments can extend it without
// forking the protocol core.
type Validator struct {
	intents map[Intent]bool
}

// DefaultIntents is the closed vocabulary every deployment understands.
var DefaultIntents = []Intent{
	IntentInform,
	IntentRequest,
	IntentHandoff,
	IntentQuestion,
	IntentAnswer,
	IntentStatus,
	IntentAck,
}

// NewValidator builds a validator recognizing the default intent
// vocabulary plus the given extras.
func NewValidator(extra ...Intent) *Validator {
	intents := make(map[Intent]bool, len(DefaultIntents)+len(extra))
	for _, in := range DefaultIntents {
		intents[in] = true
	}
	for _, in := range extra {
		intents[in] = true
	}
	return &Validator{intents: intents}
}

// Validate checks required fields, the version tag, id/thread grammar,
// the intent vocabulary, peer address shape, and the expires timestamp.
func (v *Validator) Validate(m *Message) ValidationResult {
	var errs []ValidationError
	fail := func(format string, args ...any) {
		errs = append(errs, ValidationError{Message: fmt.Sprintf(format, args...)})
	}

	if m == nil {
		return ValidationResult{Errors: []ValidationError{{Message: "message is nil"}}}
	}

	if m.Version != Version {
		fail("unrecognized version %q", m.Version)
	}
	if m.ID == "" {
		fail("missing required field id")
	} else if !ValidMessageID(m.ID) {
		fail("id %q does not match msg-XXXXXXXX format", m.ID)
	}
	if m.From == "" {
		fail("missing required field from")
	} else if _, _, ok := SplitPeer(m.From); !ok {
		fail("from %q is not an <owner>/<workerId> address", m.From)
	}
	if m.To == "" {
		fail("missing required field to")
	} else if _, _, ok := SplitPeer(m.To); !ok {
		fail("to %q is not an <owner>/<workerId> address", m.To)
	}
	if m.Intent == "" {
		fail("missing required field intent")
	} else if !v.intents[m.Intent] {
		fail("unrecognized intent %q", m.Intent)
	}
	if m.Thread != "" && !ValidThreadID(m.Thread) {
		fail("thread %q does not match thr-XXXXXXXX format", m.Thread)
	}
	if m.Ack != "" && m.Ack != AckRequested {
		fail("ack must be %q or absent, got %q", AckRequested, m.Ack)
	}
	if m.Expires != "" {
		if _, err := time.Parse(time.RFC3339, m.Expires); err != nil {
			fail("expires %q is not a valid RFC 3339 timestamp", m.Expires)
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
