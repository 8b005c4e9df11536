package transport

import (
	"sync/atomic"

	"github.com/hiamp-dev/hiamp/pkg/envelope"
)

// KillSwitch is the global outbound disable shared by every transport.
// While engaged, sends fail with KILL_SWITCH; listening and polling are
// unaffected so inbound traffic keeps flowing.
type KillSwitch struct {
	engaged atomic.Bool
}

// NewKillSwitch returns a switch in the given initial position.
func NewKillSwitch(engaged bool) *KillSwitch {
	k := &KillSwitch{}
	k.engaged.Store(engaged)
	return k
}

// Engage disables all outbound sends.
func (k *KillSwitch) Engage() { k.engaged.Store(true) }

// Release re-enables outbound sends.
func (k *KillSwitch) Release() { k.engaged.Store(false) }

// Engaged reports the current position. A nil switch is never engaged.
func (k *KillSwitch) Engaged() bool {
	if k == nil {
		return false
	}
	return k.engaged.Load()
}

// NewEnvelope materializes the outbound envelope for a send request,
// assigning a fresh message id and, when the request starts a new
// conversation, a fresh thread id.
func NewEnvelope(in SendInput) *envelope.Message {
	thread := in.Thread
	if thread == "" {
		thread = envelope.NewThreadID()
	}
	return &envelope.Message{
		Version:  envelope.Version,
		ID:       envelope.NewMessageID(),
		From:     in.From,
		To:       in.To,
		Intent:   in.Intent,
		Body:     in.Body,
		Thread:   thread,
		Ref:      in.Ref,
		Ack:      in.Ack,
		Priority: in.Priority,
		Token:    in.Token,
		Attach:   in.Attach,
		Expires:  in.Expires,
		Context:  in.Context,
	}
}
