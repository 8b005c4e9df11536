package gateway

import "github.com/hiamp-dev/hiamp/internal/transport"

// InboundEvent is one platform message arriving from a push transport,
// tagged with the transport it came in on.
type InboundEvent struct {
	Transport string
	Received  transport.ReceivedMessage
}

// MessageBus decouples transport listener callbacks from the gateway's
// routing loop so a slow route never blocks a platform connection.
type MessageBus struct {
	Inbound chan InboundEvent
}

// NewMessageBus creates a bus with a buffered inbound channel.
func NewMessageBus(bufferSize int) *MessageBus {
	return &MessageBus{
		Inbound: make(chan InboundEvent, bufferSize),
	}
}
