package issues

import (
	"context"
	"time"

	"github.com/hiamp-dev/hiamp/internal/transport"
	"github.com/hiamp-dev/hiamp/pkg/envelope"
	pkgLogger "github.com/hiamp-dev/hiamp/pkg/logger"
)

const transportName = "issues"

// Options configure the issue-tracker transport.
type Options struct {
	Enabled    bool
	Deprecated bool
	KillSwitch *transport.KillSwitch
	Resolver   transport.ChannelResolver
	Limiter    *transport.RateLimiter
	Validator  *envelope.Validator
	// SendTimeout bounds each platform write so one slow upstream call
	// cannot stall the caller indefinitely.
	SendTimeout time.Duration
}

// Transport posts envelopes as issue comments wrapped in the disclosure
// block. The platform has no push mechanism, so Listen is unsupported;
// inbound traffic arrives through the heartbeat poller instead.
type Transport struct {
	client Client
	opts   Options
	logger *pkgLogger.Logger
}

// New creates the issue-tracker transport over the given client.
func New(client Client, opts Options, logger *pkgLogger.Logger) *Transport {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.Validator == nil {
		opts.Validator = envelope.NewValidator()
	}
	return &Transport{client: client, opts: opts, logger: logger.WithComponent("issues")}
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return transportName }

// Deprecated implements transport.Transport.
func (t *Transport) Deprecated() bool { return t.opts.Deprecated }

// Send posts a new envelope-bearing comment on the issue the target
// peer resolves to.
func (t *Transport) Send(ctx context.Context, in transport.SendInput) transport.SendResult {
	return t.send(ctx, in, "")
}

// SendReply posts the envelope on the issue the conversation lives in.
// The thread reference (issue id) wins over peer resolution.
func (t *Transport) SendReply(ctx context.Context, in transport.ReplyInput) transport.SendResult {
	issueID := in.ThreadRef
	if issueID == "" {
		issueID = in.ChannelID
	}
	return t.send(ctx, in.SendInput, issueID)
}

func (t *Transport) send(ctx context.Context, in transport.SendInput, issueID string) transport.SendResult {
	if !t.opts.Enabled {
		return transport.Failure(transport.CodeDisabled, "issue transport is disabled by config")
	}
	if t.opts.KillSwitch.Engaged() {
		return transport.Failure(transport.CodeKillSwitch, "outbound messaging is globally disabled")
	}

	owner, _, ok := envelope.SplitPeer(in.To)
	if !ok {
		return transport.Failure(transport.CodeInvalidMessage, "to address %q is not an <owner>/<workerId> address", in.To)
	}

	if issueID == "" {
		res := t.ResolveChannel(ctx, transport.ResolveInput{
			TargetPeerOwner: owner,
			ChannelID:       in.ChannelID,
			Context:         in.Context,
		})
		if !res.Success {
			return transport.SendResult{Code: res.Code, Error: res.Error}
		}
		issueID = res.ChannelID
	}

	if t.opts.Limiter != nil && !t.opts.Limiter.Allow(in.To) {
		return transport.Failure(transport.CodeRateLimited, "send rate to %q exceeded", in.To)
	}

	msg := transport.NewEnvelope(in)
	if v := t.opts.Validator.Validate(msg); !v.Valid {
		return transport.Failure(transport.CodeInvalidMessage, "outbound envelope invalid: %s", v.Errors[0].Message)
	}

	block, err := msg.Encode()
	if err != nil {
		return transport.Failure(transport.CodeInvalidMessage, "failed to encode envelope: %v", err)
	}
	body := WrapEnvelopeBody(msg.Summary(), msg.Body, block)

	callCtx, cancel := context.WithTimeout(ctx, t.opts.SendTimeout)
	defer cancel()

	comment, err := t.client.CreateComment(callCtx, issueID, body)
	if err != nil {
		t.logger.Error("Comment post failed", "issue", issueID, "id", msg.ID, "error", err)
		return transport.Failure(transport.CodeTransportError, "issue tracker rejected comment: %v", err)
	}

	t.logger.Debug("Envelope posted", "issue", issueID, "id", msg.ID, "comment", comment.ID)
	return transport.SendResult{
		Success:     true,
		MessageID:   msg.ID,
		ChannelID:   issueID,
		MessageText: body,
		Thread:      msg.Thread,
	}
}

// Listen implements transport.Transport. The platform exposes no push
// mechanism; ingestion belongs to the heartbeat poller.
func (t *Transport) Listen(context.Context, transport.Listener) error {
	return transport.ErrPullOnly
}

// ResolveChannel maps a peer owner to the issue the conversation with
// that peer lives on.
func (t *Transport) ResolveChannel(ctx context.Context, in transport.ResolveInput) transport.ResolveResult {
	if t.opts.Resolver == nil {
		return transport.ResolveFailure(transport.CodeChannelResolveFailed, "no channel resolver configured")
	}
	return t.opts.Resolver.ResolveChannel(ctx, in)
}

// Stop implements transport.Transport; nothing runs in the background.
func (t *Transport) Stop() error { return nil }

// IsListening implements transport.Transport; always false for a pull
// transport.
func (t *Transport) IsListening() bool { return false }
