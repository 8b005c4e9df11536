package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
)

// versionMarker is the substring every serialized envelope contains. A
// line carrying it but failing to decode "claims to be HIAMP" and is
// reported as a parse error rather than plain chatter.
const versionMarker = `"version":"` + Version + `"`

// ParseResult is the outcome of recovering an envelope from raw text.
// Detected false means the text is ordinary platform chatter, which is
// the common case and not an error.
type ParseResult struct {
	Detected bool
	Message  *Message
	Err      error
}

// OK reports whether a well-formed envelope was recovered.
func (r ParseResult) OK() bool {
	return r.Detected && r.Err == nil && r.Message != nil
}

// Parse attempts to recognize and decode an embedded envelope within
// arbitrary text. Platform-specific extraction (disclosure blocks, code
// fences) happens upstream next to each transport; Parse works on the
// reconstructed raw text and never panics on malformed input.
//
// The machine block is a single line of compact JSON, so Parse scans
// line by line for a JSON object carrying the protocol version tag.
func Parse(rawText string) ParseResult {
	for _, line := range strings.Split(rawText, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") || !strings.Contains(line, versionMarker) {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return ParseResult{Detected: true, Err: fmt.Errorf("malformed envelope block: %w", err)}
		}
		if msg.Version != Version {
			return ParseResult{Detected: true, Err: fmt.Errorf("unrecognized envelope version %q", msg.Version)}
		}
		return ParseResult{Detected: true, Message: &msg}
	}
	return ParseResult{}
}

// Encode serializes the envelope to its compact JSON machine-block form,
// the exact text Parse recovers. Transports wrap this in their own
// disclosure convention.
func (m *Message) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return string(data), nil
}

// Render produces the full human-readable text a transport posts: the
// summary header, the free-text body, then the machine block on its own
// line. The result round-trips through Parse.
func (m *Message) Render() (string, error) {
	block, err := m.Encode()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(m.Summary())
	sb.WriteString("\n\n")
	if m.Body != "" {
		sb.WriteString(m.Body)
		sb.WriteString("\n\n")
	}
	sb.WriteString(block)
	return sb.String(), nil
}
