package router

import (
	"fmt"
	"time"

	"github.com/hiamp-dev/hiamp/internal/transport"
	"github.com/hiamp-dev/hiamp/pkg/envelope"
	pkgLogger "github.com/hiamp-dev/hiamp/pkg/logger"
)

// RouteResult is the typed outcome of a routing decision. Route never
// returns a Go error; rejections carry a transport code instead.
type RouteResult struct {
	Success bool
	Worker  string
	Code    transport.Code
	Error   string
}

// Router gates local delivery on the worker permission policy.
type Router struct {
	owner  string
	perms  WorkerPermissions
	inbox  Inbox
	logger *pkgLogger.Logger
	now    func() time.Time
}

// NewRouter creates a router delivering to inbox for the given local
// owner under the supplied permission policy.
func NewRouter(owner string, perms WorkerPermissions, inbox Inbox, logger *pkgLogger.Logger) *Router {
	return &Router{
		owner:  owner,
		perms:  perms,
		inbox:  inbox,
		logger: logger.WithComponent("router"),
		now:    time.Now,
	}
}

func reject(code transport.Code, format string, args ...any) RouteResult {
	return RouteResult{Code: code, Error: fmt.Sprintf(format, args...)}
}

// Route resolves the target worker from the envelope's to address,
// consults the permission policy, and on success hands off to the inbox
// with the full delivery context.
func (r *Router) Route(msg *envelope.Message, rawText, channelID, senderID, messageRef, threadRef string) RouteResult {
	if msg == nil {
		return reject(transport.CodeInvalidMessage, "no message to route")
	}

	owner, worker, ok := envelope.SplitPeer(msg.To)
	if !ok {
		return reject(transport.CodeInvalidMessage, "to address %q is not an <owner>/<workerId> address", msg.To)
	}
	if owner != r.owner {
		return reject(transport.CodeInvalidMessage, "message addressed to %q, local owner is %q", owner, r.owner)
	}
	if msg.Expired(r.now()) {
		return reject(transport.CodeInvalidMessage, "message %s expired at %s", msg.ID, msg.Expires)
	}

	if !r.perms.CanReceive(worker) {
		r.logger.Warn("Delivery blocked by permissions", "worker", worker, "from", msg.From, "id", msg.ID)
		return RouteResult{
			Worker: worker,
			Code:   transport.CodePermissionDenied,
			Error:  fmt.Sprintf("worker %q is not permitted to receive messages", worker),
		}
	}

	res := r.inbox.Deliver(worker, Delivery{
		Message:    msg,
		RawText:    rawText,
		ChannelID:  channelID,
		SenderID:   senderID,
		MessageRef: messageRef,
		ThreadRef:  threadRef,
	})
	if !res.Success {
		r.logger.Error("Inbox delivery failed", "worker", worker, "id", msg.ID, "error", res.Error)
		return RouteResult{Worker: worker, Code: transport.CodeTransportError, Error: res.Error}
	}

	r.logger.Debug("Envelope delivered", "worker", worker, "id", msg.ID, "intent", msg.Intent)
	return RouteResult{Success: true, Worker: worker}
}

// Permissions exposes the policy for collaborators that need the
// default-receive-worker lookup (the poller's inform fallback).
func (r *Router) Permissions() WorkerPermissions {
	return r.perms
}

// Owner returns the local owner name the router delivers for.
func (r *Router) Owner() string {
	return r.owner
}
