package transport

import (
	"errors"
	"fmt"
)

// ErrPullOnly is returned by Listen on transports without a push
// mechanism; their inbound traffic is ingested by the heartbeat poller.
var ErrPullOnly = errors.New("transport has no push listener; ingest via the heartbeat poller")

// Code is the shared transport-error vocabulary. Every concrete
// transport maps its platform-specific failure modes onto these codes
// before returning; errors travel as data in result structs.
type Code string

const (
	CodeInvalidMessage       Code = "INVALID_MESSAGE"
	CodeChannelResolveFailed Code = "CHANNEL_RESOLVE_FAILED"
	CodePermissionDenied     Code = "PERMISSION_DENIED"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeKillSwitch           Code = "KILL_SWITCH"
	CodeDisabled             Code = "DISABLED"
	CodeTransportError       Code = "TRANSPORT_ERROR"
)

// Failure builds a failed SendResult with the given code.
func Failure(code Code, format string, args ...any) SendResult {
	return SendResult{Code: code, Error: fmt.Sprintf(format, args...)}
}

// ResolveFailure builds a failed ResolveResult.
func ResolveFailure(code Code, format string, args ...any) ResolveResult {
	return ResolveResult{Code: code, Error: fmt.Sprintf(format, args...)}
}
