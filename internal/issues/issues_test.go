package issues

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hiamp-dev/hiamp/internal/transport"
	"github.com/hiamp-dev/hiamp/pkg/envelope"
	pkgLogger "github.com/hiamp-dev/hiamp/pkg/logger"
)

func testLogger() *pkgLogger.Logger {
	return pkgLogger.NewLoggerWithConsoleWriter(pkgLogger.LogLevelError, io.Discard)
}

type fakeClient struct {
	comments []Comment
	fail     error
	posted   []Comment
}

func (f *fakeClient) ListCommentsSince(_ context.Context, issueID string, since time.Time, limit int) ([]Comment, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	var out []Comment
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

func (f *fakeClient) CreateComment(_ context.Context, issueID, body string) (Comment, error) {
	if f.fail != nil {
		return Comment{}, f.fail
	}
	c := Comment{ID: "c-1", IssueID: issueID, Author: "hiamp-bot", Body: body, CreatedAt: time.Now()}
	f.posted = append(f.posted, c)
	return c, nil
}

func (f *fakeClient) GetIssue(_ context.Context, issueID string) (Issue, error) {
	return Issue{ID: issueID, Key: issueID}, nil
}

func TestExtractWrapRoundTrip(t *testing.T) {
	msg := &envelope.Message{
		Version: envelope.Version,
		ID:      "msg-0a1b2c3d",
		From:    "alice/planner",
		To:      "bob/reviewer",
		Intent:  envelope.IntentRequest,
		Body:    "Please review.",
		Thread:  "thr-00112233",
	}
	block, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	body := WrapEnvelopeBody(msg.Summary(), msg.Body, block)

	rawText, found := ExtractEnvelopeText(body)
	if !found {
		t.Fatal("envelope block not found in wrapped comment")
	}
	if !strings.Contains(rawText, "Please review.") {
		t.Fatalf("visible text lost in extraction: %q", rawText)
	}

	res := envelope.Parse(rawText)
	if !res.OK() {
		t.Fatalf("parse of extracted text failed: detected=%v err=%v", res.Detected, res.Err)
	}
	if !reflect.DeepEqual(res.Message, msg) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", res.Message, msg)
	}
}

func TestExtractBareFence(t *testing.T) {
	body := "heads up\n\n```hiamp\n{\"version\":\"v1\",\"id\":\"msg-0a1b2c3d\",\"from\":\"a/w\",\"to\":\"b/w\",\"intent\":\"inform\",\"body\":\"x\"}\n```\n"
	rawText, found := ExtractEnvelopeText(body)
	if !found {
		t.Fatal("bare fenced envelope not found")
	}
	if !envelope.Parse(rawText).OK() {
		t.Fatal("extracted bare fence did not parse")
	}
}

func TestExtractIgnoresChatter(t *testing.T) {
	for _, body := range []string{
		"just a status update",
		"Question: @Stefan should I deploy?",
		"<details><summary>stack trace</summary>\n\n```\npanic: nil\n```\n\n</details>",
	} {
		if _, found := ExtractEnvelopeText(body); found {
			t.Fatalf("chatter %q treated as envelope-bearing", body)
		}
	}
}

func newTestTransport(client Client, opts Options) *Transport {
	if opts.Resolver == nil {
		opts.Resolver = transport.NewStaticResolver(map[string]transport.PeerChannel{
			"bob": {ChannelID: "ISSUE-7", ChannelName: "bob thread"},
		})
	}
	return New(client, opts, testLogger())
}

func TestSendPostsWrappedComment(t *testing.T) {
	client := &fakeClient{}
	tr := newTestTransport(client, Options{Enabled: true})

	res := tr.Send(context.Background(), transport.SendInput{
		To:     "bob/reviewer",
		From:   "alice/planner",
		Worker: "planner",
		Intent: envelope.IntentRequest,
		Body:   "review please",
		Ack:    envelope.AckRequested,
	})
	if !res.Success {
		t.Fatalf("send failed: %+v", res)
	}
	if res.ChannelID != "ISSUE-7" {
		t.Fatalf("posted to wrong issue: %q", res.ChannelID)
	}
	if !envelope.ValidMessageID(res.MessageID) || !envelope.ValidThreadID(res.Thread) {
		t.Fatalf("ids not assigned: %+v", res)
	}

	if len(client.posted) != 1 {
		t.Fatalf("expected 1 posted comment, got %d", len(client.posted))
	}
	rawText, found := ExtractEnvelopeText(client.posted[0].Body)
	if !found {
		t.Fatal("posted comment carries no recoverable envelope")
	}
	parsed := envelope.Parse(rawText)
	if !parsed.OK() || parsed.Message.ID != res.MessageID {
		t.Fatalf("posted envelope does not match result: %+v", parsed)
	}
}

func TestSendReplyUsesThreadRef(t *testing.T) {
	client := &fakeClient{}
	tr := newTestTransport(client, Options{Enabled: true})

	res := tr.SendReply(context.Background(), transport.ReplyInput{
		SendInput: transport.SendInput{
			To:     "bob/reviewer",
			From:   "alice/planner",
			Intent: envelope.IntentAnswer,
			Body:   "done",
			Thread: "thr-00112233",
		},
		ThreadRef: "ISSUE-42",
		ReplyTo:   "c-9",
	})
	if !res.Success {
		t.Fatalf("reply failed: %+v", res)
	}
	if res.ChannelID != "ISSUE-42" {
		t.Fatalf("reply ignored thread ref: %q", res.ChannelID)
	}
	if res.Thread != "thr-00112233" {
		t.Fatalf("reply did not carry the thread: %q", res.Thread)
	}
}

func TestSendFailureCodes(t *testing.T) {
	base := transport.SendInput{
		To:     "bob/reviewer",
		From:   "alice/planner",
		Intent: envelope.IntentInform,
		Body:   "x",
	}

	t.Run("disabled", func(t *testing.T) {
		tr := newTestTransport(&fakeClient{}, Options{Enabled: false})
		if res := tr.Send(context.Background(), base); res.Code != transport.CodeDisabled {
			t.Fatalf("want DISABLED, got %+v", res)
		}
	})

	t.Run("kill switch", func(t *testing.T) {
		tr := newTestTransport(&fakeClient{}, Options{Enabled: true, KillSwitch: transport.NewKillSwitch(true)})
		if res := tr.Send(context.Background(), base); res.Code != transport.CodeKillSwitch {
			t.Fatalf("want KILL_SWITCH, got %+v", res)
		}
	})

	t.Run("unknown peer", func(t *testing.T) {
		tr := newTestTransport(&fakeClient{}, Options{Enabled: true})
		in := base
		in.To = "stranger/worker"
		if res := tr.Send(context.Background(), in); res.Code != transport.CodeChannelResolveFailed {
			t.Fatalf("want CHANNEL_RESOLVE_FAILED, got %+v", res)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		tr := newTestTransport(&fakeClient{}, Options{
			Enabled: true,
			Limiter: transport.NewRateLimiter(1, time.Minute),
		})
		if res := tr.Send(context.Background(), base); !res.Success {
			t.Fatalf("first send failed: %+v", res)
		}
		if res := tr.Send(context.Background(), base); res.Code != transport.CodeRateLimited {
			t.Fatalf("want RATE_LIMITED, got %+v", res)
		}
	})

	t.Run("platform failure maps to TRANSPORT_ERROR", func(t *testing.T) {
		tr := newTestTransport(&fakeClient{fail: errors.New("503 upstream")}, Options{Enabled: true})
		res := tr.Send(context.Background(), base)
		if res.Code != transport.CodeTransportError {
			t.Fatalf("want TRANSPORT_ERROR, got %+v", res)
		}
		if !strings.Contains(res.Error, "503") {
			t.Fatalf("platform detail lost: %q", res.Error)
		}
	})

	t.Run("invalid intent", func(t *testing.T) {
		tr := newTestTransport(&fakeClient{}, Options{Enabled: true})
		in := base
		in.Intent = "demolish"
		if res := tr.Send(context.Background(), in); res.Code != transport.CodeInvalidMessage {
			t.Fatalf("want INVALID_MESSAGE, got %+v", res)
		}
	})
}

func TestListenUnsupported(t *testing.T) {
	tr := newTestTransport(&fakeClient{}, Options{Enabled: true})
	if err := tr.Listen(context.Background(), transport.Listener{}); !errors.Is(err, transport.ErrPullOnly) {
		t.Fatalf("want ErrPullOnly, got %v", err)
	}
	if tr.IsListening() {
		t.Fatal("pull transport reports listening")
	}
}
