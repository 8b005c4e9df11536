package mcptools

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hiamp-dev/hiamp/internal/config"
	"github.com/hiamp-dev/hiamp/internal/gateway"
	"github.com/hiamp-dev/hiamp/internal/issues"
	"github.com/hiamp-dev/hiamp/internal/router"
	"github.com/hiamp-dev/hiamp/pkg/envelope"
	pkgLogger "github.com/hiamp-dev/hiamp/pkg/logger"
)

// makeReq builds a mcp.CallToolRequest with the given arguments.
func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// resultText extracts the text content from a tool result.
func resultText(r *mcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

type fakeClient struct {
	comments []issues.Comment
	posted   []issues.Comment
}

func (f *fakeClient) ListCommentsSince(_ context.Context, issueID string, since time.Time, limit int) ([]issues.Comment, error) {
	var out []issues.Comment
	for _, c := range f.comments {
		if c.IssueID == issueID && c.CreatedAt.After(since) {
			out = append(out, c)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeClient) CreateComment(_ context.Context, issueID, body string) (issues.Comment, error) {
	c := issues.Comment{ID: "c-out", IssueID: issueID, Body: body, CreatedAt: time.Now()}
	f.posted = append(f.posted, c)
	return c, nil
}

func (f *fakeClient) GetIssue(_ context.Context, issueID string) (issues.Issue, error) {
	return issues.Issue{ID: issueID, Key: issueID}, nil
}

func newTestGateway(t *testing.T) (*gateway.Gateway, *fakeClient) {
	t.Helper()
	base := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Identity.Owner = "stefan"
	cfg.Workers = router.WorkerPermissions{
		Default: router.DefaultAllow,
		Workers: []router.WorkerPermission{{ID: "main", Send: true, Receive: true}},
	}
	cfg.Settings.InboxDir = filepath.Join(base, "inbox")
	cfg.Settings.AckStatePath = filepath.Join(base, "acks.json")
	cfg.Settings.HeartbeatStatePath = filepath.Join(base, "heartbeat.json")
	cfg.Issues.Enabled = true
	cfg.Issues.BaseURL = "https://tracker.example.com"
	cfg.Issues.WatchedIssueIDs = []string{"ISSUE-1"}
	cfg.Issues.Peers = map[string]config.PeerChannelConfig{"bob": {ChannelID: "ISSUE-1"}}

	client := &fakeClient{}
	logger := pkgLogger.NewLoggerWithConsoleWriter(pkgLogger.LogLevelError, io.Discard)
	gw, err := gateway.NewWithIssuesClient(cfg, client, logger)
	if err != nil {
		t.Fatalf("failed to construct gateway: %v", err)
	}
	return gw, client
}

func TestSendToolPostsMessage(t *testing.T) {
	gw, client := newTestGateway(t)
	tool := NewSendTool(gw)

	res, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{
		"to":          "bob/reviewer",
		"intent":      "request",
		"body":        "please review the patch",
		"request_ack": true,
	}))
	if err != nil {
		t.Fatalf("handle returned error: %v", err)
	}
	text := resultText(res)
	if !strings.Contains(text, "Message sent: msg-") {
		t.Fatalf("unexpected result: %q", text)
	}
	if !strings.Contains(text, "Acknowledgment requested") {
		t.Fatalf("ack note missing: %q", text)
	}
	if len(client.posted) != 1 {
		t.Fatalf("want 1 posted comment, got %d", len(client.posted))
	}
	if len(gw.Acks().Pending()) != 1 {
		t.Fatal("ack not tracked through the tool")
	}
}

func TestSendToolRejectsMissingFields(t *testing.T) {
	gw, _ := newTestGateway(t)
	tool := NewSendTool(gw)

	res, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{
		"to": "bob/reviewer",
	}))
	if err != nil {
		t.Fatalf("handle returned error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("incomplete call accepted: %q", resultText(res))
	}
}

func TestSendToolSurfacesTransportCode(t *testing.T) {
	gw, _ := newTestGateway(t)
	tool := NewSendTool(gw)

	res, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{
		"to":     "stranger/worker",
		"intent": "inform",
		"body":   "x",
	}))
	if err != nil {
		t.Fatalf("handle returned error: %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(res), "CHANNEL_RESOLVE_FAILED") {
		t.Fatalf("resolve failure not surfaced: %q", resultText(res))
	}
}

func TestInboxToolListsAndDrains(t *testing.T) {
	gw, client := newTestGateway(t)

	// Deliver an envelope through a poll cycle.
	ack := makeEnvelopeComment(t, "c-1", "ISSUE-1", "bob", "stefan/main", "question", "Can I merge?")
	client.comments = append(client.comments, ack)
	if _, err := gw.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	tool := NewInboxTool(gw)
	res, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{"worker": "main"}))
	if err != nil {
		t.Fatalf("handle returned error: %v", err)
	}
	text := resultText(res)
	if !strings.Contains(text, "Can I merge?") || !strings.Contains(text, "[question]") {
		t.Fatalf("inbox listing incomplete: %q", text)
	}

	res, _ = tool.Handle(context.Background(), makeReq(map[string]interface{}{"worker": "main", "drain": true}))
	if !strings.Contains(resultText(res), "Can I merge?") {
		t.Fatalf("drain did not return entries: %q", resultText(res))
	}
	res, _ = tool.Handle(context.Background(), makeReq(map[string]interface{}{"worker": "main"}))
	if !strings.Contains(resultText(res), "empty") {
		t.Fatalf("inbox not empty after drain: %q", resultText(res))
	}
}

func TestAckToolSendsAck(t *testing.T) {
	gw, client := newTestGateway(t)
	tool := NewAckTool(gw)

	res, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{
		"to":     "bob/reviewer",
		"ref":    "msg-00000001",
		"thread": "thr-00000001",
	}))
	if err != nil {
		t.Fatalf("handle returned error: %v", err)
	}
	if res.IsError {
		t.Fatalf("ack failed: %q", resultText(res))
	}
	if len(client.posted) != 1 || !strings.Contains(client.posted[0].Body, "msg-00000001") {
		t.Fatalf("ack comment wrong: %+v", client.posted)
	}
}

func TestPollToolReportsCycle(t *testing.T) {
	gw, client := newTestGateway(t)
	client.comments = append(client.comments,
		makeEnvelopeComment(t, "c-1", "ISSUE-1", "bob", "stefan/main", "inform", "heads up"))

	tool := NewPollTool(gw)
	res, err := tool.Handle(context.Background(), makeReq(nil))
	if err != nil {
		t.Fatalf("handle returned error: %v", err)
	}
	text := resultText(res)
	if !strings.Contains(text, "1 comment(s) found") || !strings.Contains(text, "1 routed") {
		t.Fatalf("poll summary wrong: %q", text)
	}
}

func TestStatusToolShowsPendingAcks(t *testing.T) {
	gw, _ := newTestGateway(t)

	send := NewSendTool(gw)
	if res, _ := send.Handle(context.Background(), makeReq(map[string]interface{}{
		"to": "bob/reviewer", "intent": "request", "body": "x", "request_ack": true,
	})); res.IsError {
		t.Fatalf("send failed: %q", resultText(res))
	}

	tool := NewStatusTool(gw)
	res, err := tool.Handle(context.Background(), makeReq(nil))
	if err != nil {
		t.Fatalf("handle returned error: %v", err)
	}
	text := resultText(res)
	if !strings.Contains(text, "Owner: stefan") || !strings.Contains(text, "Pending acknowledgments: 1") {
		t.Fatalf("status incomplete: %q", text)
	}
}

func makeEnvelopeComment(t *testing.T, id, issueID, author, to, intent, body string) issues.Comment {
	t.Helper()
	msg := &envelope.Message{
		Version: envelope.Version,
		ID:      envelope.NewMessageID(),
		From:    author + "/reviewer",
		To:      to,
		Intent:  envelope.Intent(intent),
		Body:    body,
		Thread:  envelope.NewThreadID(),
	}
	block, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return issues.Comment{
		ID:        id,
		IssueID:   issueID,
		Author:    author,
		Body:      issues.WrapEnvelopeBody(msg.Summary(), msg.Body, block),
		CreatedAt: time.Now(),
	}
}
