// Package transport defines the uniform contract every platform
// integration satisfies: send an envelope, listen for inbound traffic
// (push platforms only), and resolve logical peers to platform
// destinations. Concrete integrations live in subpackages and map their
// platform-native failures onto the shared error-code taxonomy before
// returning; callers never see platform error types.
package transport

import (
	"context"
	"time"

	"github.com/hiamp-dev/hiamp/pkg/envelope"
)

// SendInput carries everything a transport needs to post an envelope.
// From/To are peer addresses (<owner>/<workerId>); Worker is the local
// worker on whose behalf the send happens.
type SendInput struct {
	To        string
	From      string
	Worker    string
	Intent    envelope.Intent
	Body      string
	Thread    string
	Priority  int
	Ack       string
	Ref       string
	Token     string
	Attach    []string
	Expires   string
	ChannelID string
	Context   map[string]string
}

// ReplyInput extends SendInput with the platform references needed to
// attach the reply to an existing conversation.
type ReplyInput struct {
	SendInput
	ThreadRef string // platform-native thread/issue reference
	ReplyTo   string // platform-native message id being replied to
}

// SendResult is the typed outcome of Send/SendReply. Success false plus
// a Code is how every failure surfaces; transports never panic or return
// platform-native errors through this interface.
type SendResult struct {
	Success     bool
	MessageID   string // envelope id assigned to the outbound message
	ChannelID   string
	MessageText string // the platform text actually posted
	Thread      string // thread id carried (or started) by the message
	Code        Code
	Error       string
}

// ReceivedMessage is delivered to the Listen callback for every inbound
// platform event. Detected distinguishes recognized HIAMP traffic from
// plain chatter forwarded for optional downstream inspection.
type ReceivedMessage struct {
	RawText     string
	Message     *envelope.Message
	Detected    bool
	ChannelID   string
	SenderID    string
	MessageRef  string
	ThreadRef   string
	Err         error
	ProcessedAt time.Time
}

// Listener bundles the callbacks a push transport drives.
type Listener struct {
	OnMessage func(ReceivedMessage)
	OnError   func(error)
}

// ResolveInput identifies the logical destination to map.
type ResolveInput struct {
	TargetPeerOwner string
	ChannelID       string // explicit override, wins when set
	Context         map[string]string
}

// ResolveResult is the typed outcome of channel resolution. Unknown
// peers are an expected condition, reported as CHANNEL_RESOLVE_FAILED.
type ResolveResult struct {
	Success     bool
	ChannelID   string
	ChannelName string
	Code        Code
	Error       string
}

// ChannelResolver maps a logical peer owner to a platform destination.
type ChannelResolver interface {
	ResolveChannel(ctx context.Context, in ResolveInput) ResolveResult
}

// Transport is the contract every platform integration implements. A
// transport may be marked deprecated (kept behind this interface for
// backward compatibility, no new features) without affecting callers.
type Transport interface {
	Name() string
	Send(ctx context.Context, in SendInput) SendResult
	SendReply(ctx context.Context, in ReplyInput) SendResult
	Listen(ctx context.Context, l Listener) error
	ResolveChannel(ctx context.Context, in ResolveInput) ResolveResult
	Stop() error
	IsListening() bool
	Deprecated() bool
}
