package discord

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"

	"github.com/hiamp-dev/hiamp/internal/transport"
	"github.com/hiamp-dev/hiamp/pkg/envelope"
	pkgLogger "github.com/hiamp-dev/hiamp/pkg/logger"
)

func testLogger() *pkgLogger.Logger {
	return pkgLogger.NewLoggerWithConsoleWriter(pkgLogger.LogLevelError, io.Discard)
}

type sentMessage struct {
	channelID string
	content   string
	replyTo   string
}

type fakeSender struct {
	sent []sentMessage
	fail error
}

func (f *fakeSender) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.sent = append(f.sent, sentMessage{channelID: channelID, content: content})
	return &discordgo.Message{ID: "d-1", ChannelID: channelID}, nil
}

func (f *fakeSender) ChannelMessageSendReply(channelID, content string, ref *discordgo.MessageReference, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.sent = append(f.sent, sentMessage{channelID: channelID, content: content, replyTo: ref.MessageID})
	return &discordgo.Message{ID: "d-1", ChannelID: channelID}, nil
}

func newTestTransport(t *testing.T, cfg Config, opts Options) (*Transport, *fakeSender) {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "test-token"
	}
	if opts.Resolver == nil {
		opts.Resolver = transport.NewStaticResolver(map[string]transport.PeerChannel{
			"bob": {ChannelID: "chan-7", ChannelName: "bob dm"},
		})
	}
	tr, err := New(cfg, opts, testLogger())
	if err != nil {
		t.Fatalf("failed to construct transport: %v", err)
	}
	sender := &fakeSender{}
	tr.sender = sender
	return tr, sender
}

func inboundMessage(author, channelID, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "m-1",
		ChannelID: channelID,
		Content:   content,
		Author:    &discordgo.User{ID: author, Username: author},
	}
}

func envelopeContent(t *testing.T, msg *envelope.Message) string {
	t.Helper()
	text, err := renderMessage(msg)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	return text
}

func TestSendPostsRenderedEnvelope(t *testing.T) {
	tr, sender := newTestTransport(t, Config{Enabled: true}, Options{})

	res := tr.Send(context.Background(), transport.SendInput{
		To:     "bob/reviewer",
		From:   "alice/planner",
		Intent: envelope.IntentRequest,
		Body:   "review please",
	})
	if !res.Success {
		t.Fatalf("send failed: %+v", res)
	}
	if res.ChannelID != "chan-7" {
		t.Fatalf("sent to wrong channel: %q", res.ChannelID)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("want 1 message, got %d", len(sender.sent))
	}

	parsed := envelope.Parse(sender.sent[0].content)
	if !parsed.OK() {
		t.Fatalf("posted text does not round-trip: %+v", parsed)
	}
	if parsed.Message.ID != res.MessageID || parsed.Message.Body != "review please" {
		t.Fatalf("posted envelope mismatch: %+v", parsed.Message)
	}
}

func TestSendReplyThreadsFirstChunk(t *testing.T) {
	tr, sender := newTestTransport(t, Config{Enabled: true}, Options{})

	res := tr.SendReply(context.Background(), transport.ReplyInput{
		SendInput: transport.SendInput{
			To:     "bob/reviewer",
			From:   "alice/planner",
			Intent: envelope.IntentAnswer,
			Body:   "done",
			Thread: "thr-00112233",
		},
		ThreadRef: "chan-42",
		ReplyTo:   "m-9",
	})
	if !res.Success {
		t.Fatalf("reply failed: %+v", res)
	}
	if res.ChannelID != "chan-42" || res.Thread != "thr-00112233" {
		t.Fatalf("reply lost conversation context: %+v", res)
	}
	if len(sender.sent) != 1 || sender.sent[0].replyTo != "m-9" {
		t.Fatalf("reply reference not attached: %+v", sender.sent)
	}
}

func TestSendSplitsLongMessages(t *testing.T) {
	tr, sender := newTestTransport(t, Config{Enabled: true}, Options{})

	body := strings.Repeat("progress line\n", 300)
	res := tr.Send(context.Background(), transport.SendInput{
		To:     "bob/reviewer",
		From:   "alice/planner",
		Intent: envelope.IntentInform,
		Body:   body,
	})
	if !res.Success {
		t.Fatalf("send failed: %+v", res)
	}
	if len(sender.sent) < 2 {
		t.Fatalf("long message not split: %d chunks", len(sender.sent))
	}
	for i, m := range sender.sent {
		if len(m.content) > maxMessageLen {
			t.Fatalf("chunk %d exceeds limit: %d", i, len(m.content))
		}
	}

	// The machine block ends the text, so the last chunk must carry it.
	last := sender.sent[len(sender.sent)-1].content
	parsed := envelope.Parse(last)
	if !parsed.OK() {
		t.Fatalf("machine block split across chunks: %q", last)
	}
	if parsed.Message.ID != res.MessageID || parsed.Message.Thread != res.Thread {
		t.Fatalf("recovered envelope mismatch: %+v", parsed.Message)
	}

	// A body too large for the block is capped inside it, but travels in
	// full in the visible chunks.
	if !strings.HasSuffix(parsed.Message.Body, truncatedNote) {
		t.Fatalf("oversized block body not marked truncated: %q", parsed.Message.Body)
	}
	if !strings.HasPrefix(body, strings.TrimSuffix(parsed.Message.Body, truncatedNote)) {
		t.Fatalf("capped body is not a prefix of the original: %q", parsed.Message.Body)
	}
	var visible strings.Builder
	for _, m := range sender.sent[:len(sender.sent)-1] {
		visible.WriteString(m.content)
	}
	if !strings.Contains(visible.String(), body) {
		t.Fatal("full body missing from the visible chunks")
	}
}

func TestSendLongBodyKeepsBlockExact(t *testing.T) {
	tr, sender := newTestTransport(t, Config{Enabled: true}, Options{})

	// Long enough to force chunking, small enough for the block to fit.
	body := strings.Repeat("x", 1500)
	res := tr.Send(context.Background(), transport.SendInput{
		To:     "bob/reviewer",
		From:   "alice/planner",
		Intent: envelope.IntentInform,
		Body:   body,
	})
	if !res.Success {
		t.Fatalf("send failed: %+v", res)
	}
	if len(sender.sent) < 2 {
		t.Fatalf("message not split: %d chunks", len(sender.sent))
	}
	parsed := envelope.Parse(sender.sent[len(sender.sent)-1].content)
	if !parsed.OK() {
		t.Fatalf("machine block not recoverable: %+v", parsed)
	}
	if parsed.Message.Body != body {
		t.Fatalf("body did not round-trip exactly: %d chars", len(parsed.Message.Body))
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
		tr, _ := newTestTransport(t, Config{Enabled: false}, Options{})
		if res := tr.Send(context.Background(), base); res.Code != transport.CodeDisabled {
			t.Fatalf("want DISABLED, got %+v", res)
		}
	})

	t.Run("kill switch", func(t *testing.T) {
		tr, _ := newTestTransport(t, Config{Enabled: true}, Options{KillSwitch: transport.NewKillSwitch(true)})
		if res := tr.Send(context.Background(), base); res.Code != transport.CodeKillSwitch {
			t.Fatalf("want KILL_SWITCH, got %+v", res)
		}
	})

	t.Run("unknown peer", func(t *testing.T) {
		tr, _ := newTestTransport(t, Config{Enabled: true}, Options{})
		in := base
		in.To = "stranger/worker"
		if res := tr.Send(context.Background(), in); res.Code != transport.CodeChannelResolveFailed {
			t.Fatalf("want CHANNEL_RESOLVE_FAILED, got %+v", res)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		tr, _ := newTestTransport(t, Config{Enabled: true}, Options{Limiter: transport.NewRateLimiter(1, time.Minute)})
		if res := tr.Send(context.Background(), base); !res.Success {
			t.Fatalf("first send failed: %+v", res)
		}
		if res := tr.Send(context.Background(), base); res.Code != transport.CodeRateLimited {
			t.Fatalf("want RATE_LIMITED, got %+v", res)
		}
	})

	t.Run("platform failure maps to TRANSPORT_ERROR", func(t *testing.T) {
		tr, sender := newTestTransport(t, Config{Enabled: true}, Options{})
		sender.fail = errors.New("50013 missing permissions")
		res := tr.Send(context.Background(), base)
		if res.Code != transport.CodeTransportError {
			t.Fatalf("want TRANSPORT_ERROR, got %+v", res)
		}
		if !strings.Contains(res.Error, "50013") {
			t.Fatalf("platform detail lost: %q", res.Error)
		}
	})
}

func TestProcessInboundDetectsEnvelope(t *testing.T) {
	tr, _ := newTestTransport(t, Config{Enabled: true}, Options{})
	var got []transport.ReceivedMessage
	tr.listener = transport.Listener{OnMessage: func(m transport.ReceivedMessage) { got = append(got, m) }}
	tr.botUserID = "bot-1"

	content := envelopeContent(t, &envelope.Message{
		Version: envelope.Version,
		ID:      "msg-0a1b2c3d",
		From:    "bob/reviewer",
		To:      "stefan/main",
		Intent:  envelope.IntentAnswer,
		Body:    "approved",
		Thread:  "thr-00112233",
	})
	tr.processInbound(inboundMessage("user-9", "chan-7", content))

	if len(got) != 1 {
		t.Fatalf("want 1 received message, got %d", len(got))
	}
	if !got[0].Detected || got[0].Message == nil || got[0].Message.ID != "msg-0a1b2c3d" {
		t.Fatalf("envelope not recovered: %+v", got[0])
	}
	if got[0].SenderID != "user-9" || got[0].ChannelID != "chan-7" || got[0].MessageRef != "m-1" {
		t.Fatalf("provenance lost: %+v", got[0])
	}
}

func TestProcessInboundCarriesReplyThread(t *testing.T) {
	tr, _ := newTestTransport(t, Config{Enabled: true}, Options{})
	var got []transport.ReceivedMessage
	tr.listener = transport.Listener{OnMessage: func(m transport.ReceivedMessage) { got = append(got, m) }}

	m := inboundMessage("user-9", "chan-7", "sounds good")
	m.MessageReference = &discordgo.MessageReference{MessageID: "m-0", ChannelID: "thread-99"}
	tr.processInbound(m)

	if len(got) != 1 {
		t.Fatalf("want 1 received message, got %d", len(got))
	}
	if got[0].ThreadRef != "thread-99" {
		t.Fatalf("reply thread provenance lost: %+v", got[0])
	}

	// Plain messages carry no thread reference.
	tr.processInbound(inboundMessage("user-9", "chan-7", "another"))
	if got[1].ThreadRef != "" {
		t.Fatalf("unexpected thread ref on plain message: %q", got[1].ThreadRef)
	}
}

func TestProcessInboundForwardsChatterUndetected(t *testing.T) {
	tr, _ := newTestTransport(t, Config{Enabled: true}, Options{})
	var got []transport.ReceivedMessage
	tr.listener = transport.Listener{OnMessage: func(m transport.ReceivedMessage) { got = append(got, m) }}

	tr.processInbound(inboundMessage("user-9", "chan-7", "hey, how is the deploy going?"))
	if len(got) != 1 {
		t.Fatalf("chatter dropped instead of forwarded: %d", len(got))
	}
	if got[0].Detected || got[0].Message != nil {
		t.Fatalf("chatter misdetected as envelope: %+v", got[0])
	}
}

func TestProcessInboundFilters(t *testing.T) {
	newFiltering := func(t *testing.T, cfg Config) (*Transport, *int) {
		tr, _ := newTestTransport(t, cfg, Options{})
		count := 0
		tr.listener = transport.Listener{OnMessage: func(transport.ReceivedMessage) { count++ }}
		tr.botUserID = "bot-1"
		return tr, &count
	}

	t.Run("own and bot messages dropped", func(t *testing.T) {
		tr, count := newFiltering(t, Config{Enabled: true})
		tr.processInbound(inboundMessage("bot-1", "chan-7", "echo"))
		m := inboundMessage("other-bot", "chan-7", "beep")
		m.Author.Bot = true
		tr.processInbound(m)
		if *count != 0 {
			t.Fatalf("bot traffic not filtered: %d", *count)
		}
	})

	t.Run("user allowlist", func(t *testing.T) {
		tr, count := newFiltering(t, Config{Enabled: true, AllowedUserIDs: []string{"user-1"}})
		tr.processInbound(inboundMessage("user-2", "chan-7", "hello"))
		tr.processInbound(inboundMessage("user-1", "chan-7", "hello"))
		if *count != 1 {
			t.Fatalf("user allowlist wrong: %d", *count)
		}
	})

	t.Run("channel allowlist", func(t *testing.T) {
		tr, count := newFiltering(t, Config{Enabled: true, AllowedChannelIDs: []string{"chan-7"}})
		tr.processInbound(inboundMessage("user-1", "chan-8", "hello"))
		tr.processInbound(inboundMessage("user-1", "chan-7", "hello"))
		if *count != 1 {
			t.Fatalf("channel allowlist wrong: %d", *count)
		}
	})

	t.Run("mention only in guilds", func(t *testing.T) {
		tr, count := newFiltering(t, Config{Enabled: true, MentionOnly: true})
		m := inboundMessage("user-1", "chan-7", "hello <@bot-1>")
		m.GuildID = "guild-1"
		tr.processInbound(m)
		if *count != 0 {
			t.Fatalf("unmentioned guild message not filtered: %d", *count)
		}
		m.Mentions = []*discordgo.User{{ID: "bot-1"}}
		tr.processInbound(m)
		if *count != 1 {
			t.Fatalf("mentioned guild message dropped: %d", *count)
		}
	})
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 2000); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %v", got)
	}

	text := strings.Repeat("0123456789\n", 30)
	chunks := splitMessage(text, 100)
	if len(chunks) < 3 {
		t.Fatalf("want multiple chunks, got %d", len(chunks))
	}
	if strings.Join(chunks, "") != text {
		t.Fatal("chunks do not reassemble to the original text")
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Fatalf("chunk %d over limit: %d", i, len(c))
		}
	}
}

func TestSplitMessageKeepsRunesWhole(t *testing.T) {
	// No newlines, so every cut lands mid-window; multi-byte runes must
	// survive intact.
	text := strings.Repeat("héllo wörld ", 40)
	chunks := splitMessage(text, 100)
	if len(chunks) < 2 {
		t.Fatalf("want multiple chunks, got %d", len(chunks))
	}
	if strings.Join(chunks, "") != text {
		t.Fatal("chunks do not reassemble to the original text")
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Fatalf("chunk %d over limit: %d", i, len(c))
		}
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d splits a rune: %q", i, c)
		}
	}
}
