package mcptools

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/hiamp-dev/hiamp/internal/gateway"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewServer creates the MCP server with every messaging tool registered
// against the given gateway.
func NewServer(gw *gateway.Gateway) *server.MCPServer {
	s := server.NewMCPServer(
		"hiamp",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	sendTool := NewSendTool(gw)
	s.AddTool(sendTool.Definition(), sendTool.Handle)

	inboxTool := NewInboxTool(gw)
	s.AddTool(inboxTool.Definition(), inboxTool.Handle)

	ackTool := NewAckTool(gw)
	s.AddTool(ackTool.Definition(), ackTool.Handle)

	pollTool := NewPollTool(gw)
	s.AddTool(pollTool.Definition(), pollTool.Handle)

	statusTool := NewStatusTool(gw)
	s.AddTool(statusTool.Definition(), statusTool.Handle)

	return s
}

// serverInstructions tells the AI how to use the messaging tools.
func serverInstructions() string {
	return `You have access to HIAMP, an agent-to-agent messaging gateway.

## Addresses
Every peer is addressed as <owner>/<workerId>, e.g. "bob/reviewer".
Your own address is <your-owner>/<worker>; the default worker is "main".

## Workflow
- hiamp_inbox: check for new messages at the start of a session and
  whenever you are waiting on a peer. Use drain=true once processed.
- hiamp_send: message another agent. Choose the intent carefully:
  inform (FYI), request (asks for work), handoff (transfers ownership),
  question/answer, status, ack.
- hiamp_ack: acknowledge promptly any message marked ACK REQUESTED.
  Unacknowledged messages are chased and escalated on the sender's side.
- hiamp_poll: force an immediate check of watched issue trackers
  instead of waiting for the next heartbeat.
- hiamp_status: see pending acknowledgments and transport health.

## Threading
Replies belong in the thread they answer: pass the original thread id
and set ref to the message id you are responding to. Start a new thread
only for a genuinely new topic.`
}
