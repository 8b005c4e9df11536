// Package mcptools exposes the gateway's messaging operations as MCP
// tools, so agent runtimes drive HIAMP through their native tool-calling
// interface instead of shelling out to the CLI.
package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hiamp-dev/hiamp/internal/gateway"
	"github.com/hiamp-dev/hiamp/internal/router"
	"github.com/hiamp-dev/hiamp/internal/transport"
	"github.com/hiamp-dev/hiamp/pkg/envelope"
)

// SendTool handles the hiamp_send MCP tool.
type SendTool struct {
	gw *gateway.Gateway
}

// NewSendTool creates a SendTool over the gateway.
func NewSendTool(gw *gateway.Gateway) *SendTool {
	return &SendTool{gw: gw}
}

// Definition returns the MCP tool definition for hiamp_send.
func (t *SendTool) Definition() mcp.Tool {
	return mcp.NewTool("hiamp_send",
		mcp.WithDescription(
			"Send a HIAMP message to another agent. The target is a peer address of the form <owner>/<workerId> "+
				"(e.g. 'bob/reviewer'). Use request_ack when you need delivery confirmation.",
		),
		mcp.WithString("to",
			mcp.Required(),
			mcp.Description("Target peer address, <owner>/<workerId>"),
		),
		mcp.WithString("intent",
			mcp.Required(),
			mcp.Description("Message intent: inform, request, handoff, question, answer, status, ack"),
		),
		mcp.WithString("body",
			mcp.Required(),
			mcp.Description("Free-text message body"),
		),
		mcp.WithString("worker",
			mcp.Description("Local worker sending the message (default: main)"),
		),
		mcp.WithString("thread",
			mcp.Description("Existing thread id (thr-XXXXXXXX) to continue; omit to start a new thread"),
		),
		mcp.WithString("ref",
			mcp.Description("Message id this refers to (for answers and acks)"),
		),
		mcp.WithBoolean("request_ack",
			mcp.Description("Request an acknowledgment; unacknowledged messages are chased and then escalated"),
		),
		mcp.WithString("transport",
			mcp.Description("Transport to use (default: the gateway's primary transport)"),
		),
		mcp.WithString("expires",
			mcp.Description("RFC 3339 expiry; expired messages are rejected on delivery"),
		),
	)
}

// Handle processes the hiamp_send tool call.
func (t *SendTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	to := req.GetString("to", "")
	intent := req.GetString("intent", "")
	body := req.GetString("body", "")
	if to == "" || intent == "" || body == "" {
		return mcp.NewToolResultError("'to', 'intent' and 'body' are required"), nil
	}

	worker := req.GetString("worker", "main")
	in := transport.SendInput{
		To:      to,
		From:    envelope.JoinPeer(t.gw.Owner(), worker),
		Worker:  worker,
		Intent:  envelope.Intent(intent),
		Body:    body,
		Thread:  req.GetString("thread", ""),
		Ref:     req.GetString("ref", ""),
		Expires: req.GetString("expires", ""),
	}
	if req.GetBool("request_ack", false) {
		in.Ack = envelope.AckRequested
	}

	res := t.gw.Send(ctx, req.GetString("transport", ""), in)
	if !res.Success {
		return mcp.NewToolResultError(fmt.Sprintf("send failed (%s): %s", res.Code, res.Error)), nil
	}

	out := fmt.Sprintf("Message sent: %s\nThread: %s\nChannel: %s", res.MessageID, res.Thread, res.ChannelID)
	if in.Ack == envelope.AckRequested {
		out += "\nAcknowledgment requested; pending until the peer confirms."
	}
	return mcp.NewToolResultText(out), nil
}

// InboxTool handles the hiamp_inbox MCP tool.
type InboxTool struct {
	gw *gateway.Gateway
}

// NewInboxTool creates an InboxTool.
func NewInboxTool(gw *gateway.Gateway) *InboxTool {
	return &InboxTool{gw: gw}
}

// Definition returns the MCP tool definition for hiamp_inbox.
func (t *InboxTool) Definition() mcp.Tool {
	return mcp.NewTool("hiamp_inbox",
		mcp.WithDescription(
			"Read a worker's HIAMP inbox. Messages stay queued until drained; set drain to consume them.",
		),
		mcp.WithString("worker",
			mcp.Description("Worker whose inbox to read (default: main)"),
		),
		mcp.WithBoolean("drain",
			mcp.Description("Remove the returned messages from the queue"),
		),
	)
}

// Handle processes the hiamp_inbox tool call.
func (t *InboxTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	worker := req.GetString("worker", "main")

	var (
		entries []router.Delivery
		err     error
	)
	if req.GetBool("drain", false) {
		entries, err = t.gw.Inbox().Drain(worker)
	} else {
		entries, err = t.gw.Inbox().List(worker)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read inbox: %v", err)), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Inbox for %q is empty.", worker)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d message(s) for %q:\n", len(entries), worker)
	for i, d := range entries {
		m := d.Message
		fmt.Fprintf(&sb, "\n%d. %s\n   id: %s", i+1, m.Summary(), m.ID)
		if m.Ref != "" {
			fmt.Fprintf(&sb, "\n   ref: %s", m.Ref)
		}
		fmt.Fprintf(&sb, "\n   channel: %s  sender: %s  delivered: %s",
			d.ChannelID, d.SenderID, d.DeliveredAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&sb, "\n   body: %s", snippet(m.Body, 400))
		if m.AckWanted() {
			sb.WriteString("\n   ACK REQUESTED: reply with hiamp_ack")
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// AckTool handles the hiamp_ack MCP tool.
type AckTool struct {
	gw *gateway.Gateway
}

// NewAckTool creates an AckTool.
func NewAckTool(gw *gateway.Gateway) *AckTool {
	return &AckTool{gw: gw}
}

// Definition returns the MCP tool definition for hiamp_ack.
func (t *AckTool) Definition() mcp.Tool {
	return mcp.NewTool("hiamp_ack",
		mcp.WithDescription(
			"Acknowledge a received HIAMP message. Send this promptly for any message that requested an ack, "+
				"otherwise the sender's gateway will chase and eventually escalate.",
		),
		mcp.WithString("to",
			mcp.Required(),
			mcp.Description("Peer address of the original sender"),
		),
		mcp.WithString("ref",
			mcp.Required(),
			mcp.Description("Message id being acknowledged"),
		),
		mcp.WithString("thread",
			mcp.Description("Thread id of the conversation"),
		),
		mcp.WithString("worker",
			mcp.Description("Local worker acknowledging (default: main)"),
		),
		mcp.WithString("body",
			mcp.Description("Optional short note (default: 'Received.')"),
		),
		mcp.WithString("transport",
			mcp.Description("Transport to use (default: the gateway's primary transport)"),
		),
	)
}

// Handle processes the hiamp_ack tool call.
func (t *AckTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	to := req.GetString("to", "")
	ref := req.GetString("ref", "")
	if to == "" || ref == "" {
		return mcp.NewToolResultError("'to' and 'ref' are required"), nil
	}

	worker := req.GetString("worker", "main")
	res := t.gw.Send(ctx, req.GetString("transport", ""), transport.SendInput{
		To:     to,
		From:   envelope.JoinPeer(t.gw.Owner(), worker),
		Worker: worker,
		Intent: envelope.IntentAck,
		Body:   req.GetString("body", "Received."),
		Thread: req.GetString("thread", ""),
		Ref:    ref,
	})
	if !res.Success {
		return mcp.NewToolResultError(fmt.Sprintf("ack failed (%s): %s", res.Code, res.Error)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Acknowledged %s with %s.", ref, res.MessageID)), nil
}

// PollTool handles the hiamp_poll MCP tool.
type PollTool struct {
	gw *gateway.Gateway
}

// NewPollTool creates a PollTool.
func NewPollTool(gw *gateway.Gateway) *PollTool {
	return &PollTool{gw: gw}
}

// Definition returns the MCP tool definition for hiamp_poll.
func (t *PollTool) Definition() mcp.Tool {
	return mcp.NewTool("hiamp_poll",
		mcp.WithDescription(
			"Run one heartbeat poll cycle immediately instead of waiting for the next scheduled one. "+
				"Fetches new issue comments, routes recognized messages, and delivers mention fallbacks.",
		),
	)
}

// Handle processes the hiamp_poll tool call.
func (t *PollTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := t.gw.PollOnce(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Poll complete: %d comment(s) found, %d routed, %d inform fallback(s), %d error(s).",
		res.CommentsFound, res.HiampMessagesRouted, res.InformMessagesDelivered, res.Errors,
	)), nil
}

// StatusTool handles the hiamp_status MCP tool.
type StatusTool struct {
	gw *gateway.Gateway
}

// NewStatusTool creates a StatusTool.
func NewStatusTool(gw *gateway.Gateway) *StatusTool {
	return &StatusTool{gw: gw}
}

// Definition returns the MCP tool definition for hiamp_status.
func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("hiamp_status",
		mcp.WithDescription("Show gateway status: identity, transports, kill switch, and pending acknowledgments."),
	)
}

// Handle processes the hiamp_status tool call.
func (t *StatusTool) Handle(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Owner: %s\nTransports: %s\n", t.gw.Owner(), strings.Join(t.gw.TransportNames(), ", "))
	if t.gw.KillSwitch().Engaged() {
		sb.WriteString("Kill switch: ENGAGED (all outbound sends blocked)\n")
	} else {
		sb.WriteString("Kill switch: off\n")
	}

	pending := t.gw.Acks().Pending()
	fmt.Fprintf(&sb, "Pending acknowledgments: %d\n", len(pending))
	for _, e := range pending {
		fmt.Fprintf(&sb, "  %s -> %s, sent %s, deadline %s, retries %d\n",
			e.MessageID, e.Target,
			e.SentAt.Format("15:04:05"), e.ExpiresAt.Format("15:04:05"), e.Retries)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
