// Package discord implements the push transport over the Discord
// gateway. Envelopes travel as ordinary messages carrying the machine
// block in a fenced hiamp code block; inbound traffic is filtered
// through guild/channel/user allowlists before reaching the listener.
package discord

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"

	"github.com/hiamp-dev/hiamp/internal/transport"
	"github.com/hiamp-dev/hiamp/pkg/envelope"
	pkgLogger "github.com/hiamp-dev/hiamp/pkg/logger"
)

const transportName = "discord"

// maxMessageLen is Discord's hard per-message limit.
const maxMessageLen = 2000

// Config holds the Discord platform settings.
type Config struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	Deprecated        bool     `json:"deprecated" yaml:"deprecated"`
	Token             string   `json:"token" yaml:"token"`
	AllowedGuildIDs   []string `json:"allowed_guild_ids" yaml:"allowed_guild_ids"`
	AllowedChannelIDs []string `json:"allowed_channel_ids" yaml:"allowed_channel_ids"`
	AllowedUserIDs    []string `json:"allowed_user_ids" yaml:"allowed_user_ids"`
	// MentionOnly restricts guild-channel ingestion to messages that
	// mention the bot; DMs are always processed.
	MentionOnly bool `json:"mention_only" yaml:"mention_only"`
}

// Options wire the shared protocol collaborators into the transport.
type Options struct {
	KillSwitch *transport.KillSwitch
	Resolver   transport.ChannelResolver
	Limiter    *transport.RateLimiter
	Validator  *envelope.Validator
}

// messageSender is the slice of discordgo.Session the send path needs.
type messageSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Transport implements transport.Transport over a Discord bot session.
type Transport struct {
	session *discordgo.Session
	sender  messageSender
	cfg     Config
	opts    Options
	logger  *pkgLogger.Logger

	allowGuilds map[string]bool
	allowChans  map[string]bool
	allowUsers  map[string]bool

	mu        sync.Mutex
	botUserID string
	listener  transport.Listener
	listening bool
}

// New creates the Discord transport. The session stays closed until
// Listen opens it.
func New(cfg Config, opts Options, logger *pkgLogger.Logger) (*Transport, error) {
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create discord session")
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	if opts.Validator == nil {
		opts.Validator = envelope.NewValidator()
	}

	t := &Transport{
		session:     dg,
		sender:      dg,
		cfg:         cfg,
		opts:        opts,
		logger:      logger.WithComponent("discord"),
		allowGuilds: toSet(cfg.AllowedGuildIDs),
		allowChans:  toSet(cfg.AllowedChannelIDs),
		allowUsers:  toSet(cfg.AllowedUserIDs),
	}

	dg.AddHandler(t.handleReady)
	dg.AddHandler(t.handleMessageCreate)
	return t, nil
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return transportName }

// Deprecated implements transport.Transport.
func (t *Transport) Deprecated() bool { return t.cfg.Deprecated }

func (t *Transport) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	t.mu.Lock()
	t.botUserID = r.User.ID
	t.mu.Unlock()
	t.logger.Info("Discord bot connected", "user", r.User.Username)
}

func (t *Transport) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	t.processInbound(m.Message)
}

// processInbound applies the ingestion filters, recovers the envelope if
// one is present, and hands the result to the listener. Chatter that
// passes the filters is forwarded undetected so downstream fallbacks
// (mention handling) can see it.
func (t *Transport) processInbound(m *discordgo.Message) {
	t.mu.Lock()
	botID := t.botUserID
	l := t.listener
	t.mu.Unlock()
	if l.OnMessage == nil {
		return
	}

	if m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return
	}
	if len(t.allowUsers) > 0 && !t.allowUsers[m.Author.ID] {
		return
	}
	if m.GuildID != "" && len(t.allowGuilds) > 0 && !t.allowGuilds[m.GuildID] {
		return
	}
	if len(t.allowChans) > 0 && !t.allowChans[m.ChannelID] {
		return
	}
	if m.GuildID != "" && t.cfg.MentionOnly && !mentions(m.Mentions, botID) {
		return
	}

	text := m.Content
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
		text = strings.ReplaceAll(text, "<@!"+botID+">", "")
		text = strings.TrimSpace(text)
	}
	if text == "" {
		return
	}

	parsed := envelope.Parse(text)
	received := transport.ReceivedMessage{
		RawText:     text,
		Message:     parsed.Message,
		Detected:    parsed.Detected,
		ChannelID:   m.ChannelID,
		SenderID:    m.Author.ID,
		MessageRef:  m.ID,
		Err:         parsed.Err,
		ProcessedAt: time.Now(),
	}
	if ref := m.MessageReference; ref != nil {
		// Replies carry the conversation they belong to. The reference's
		// channel is what SendReply threads onto.
		received.ThreadRef = ref.ChannelID
		if received.ThreadRef == "" {
			received.ThreadRef = m.ChannelID
		}
	}
	if parsed.OK() {
		if v := t.opts.Validator.Validate(parsed.Message); !v.Valid {
			received.Err = errors.Errorf("envelope failed validation: %s", v.Errors[0].Message)
			received.Message = nil
		}
	}
	l.OnMessage(received)
}

// Send posts a new envelope to the channel the target peer resolves to.
func (t *Transport) Send(ctx context.Context, in transport.SendInput) transport.SendResult {
	return t.post(ctx, in, "", "")
}

// SendReply posts the envelope to the originating channel as a reply to
// the platform message that started the exchange.
func (t *Transport) SendReply(ctx context.Context, in transport.ReplyInput) transport.SendResult {
	channelID := in.ThreadRef
	if channelID == "" {
		channelID = in.ChannelID
	}
	return t.post(ctx, in.SendInput, channelID, in.ReplyTo)
}

func (t *Transport) post(ctx context.Context, in transport.SendInput, channelID, replyTo string) transport.SendResult {
	if !t.cfg.Enabled {
		return transport.Failure(transport.CodeDisabled, "discord transport is disabled by config")
	}
	if t.opts.KillSwitch.Engaged() {
		return transport.Failure(transport.CodeKillSwitch, "outbound messaging is globally disabled")
	}

	owner, _, ok := envelope.SplitPeer(in.To)
	if !ok {
		return transport.Failure(transport.CodeInvalidMessage, "to address %q is not an <owner>/<workerId> address", in.To)
	}

	if channelID == "" {
		res := t.ResolveChannel(ctx, transport.ResolveInput{
			TargetPeerOwner: owner,
			ChannelID:       in.ChannelID,
			Context:         in.Context,
		})
		if !res.Success {
			return transport.SendResult{Code: res.Code, Error: res.Error}
		}
		channelID = res.ChannelID
	}

	if t.opts.Limiter != nil && !t.opts.Limiter.Allow(in.To) {
		return transport.Failure(transport.CodeRateLimited, "send rate to %q exceeded", in.To)
	}

	msg := transport.NewEnvelope(in)
	if v := t.opts.Validator.Validate(msg); !v.Valid {
		return transport.Failure(transport.CodeInvalidMessage, "outbound envelope invalid: %s", v.Errors[0].Message)
	}

	chunks, err := renderChunks(msg, maxMessageLen)
	if err != nil {
		return transport.Failure(transport.CodeInvalidMessage, "failed to encode envelope: %v", err)
	}

	if err := t.postChunks(channelID, replyTo, chunks); err != nil {
		t.logger.Error("Discord send failed", "channel", channelID, "id", msg.ID, "error", err)
		return transport.Failure(transport.CodeTransportError, "discord rejected message: %v", err)
	}

	t.logger.Debug("Envelope sent", "channel", channelID, "id", msg.ID, "intent", msg.Intent)
	return transport.SendResult{
		Success:     true,
		MessageID:   msg.ID,
		ChannelID:   channelID,
		MessageText: strings.Join(chunks, "\n"),
		Thread:      msg.Thread,
	}
}

// postChunks posts each pre-sized chunk as its own message. The first
// chunk carries the reply reference when present; follow-up chunks are
// plain messages.
func (t *Transport) postChunks(channelID, replyTo string, chunks []string) error {
	for i, chunk := range chunks {
		var err error
		if i == 0 && replyTo != "" {
			ref := &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
			_, err = t.sender.ChannelMessageSendReply(channelID, chunk, ref)
		} else {
			_, err = t.sender.ChannelMessageSend(channelID, chunk)
		}
		if err != nil {
			return errors.Wrap(err, "failed to send discord message")
		}
	}
	return nil
}

// truncatedNote marks a machine-block body cut to fit the platform limit.
// The full body still arrives in the visible chunks preceding the block.
const truncatedNote = " [truncated]"

// renderMessage builds the single-message Discord wire text: the
// human-readable header and body, then the machine block in a fenced
// hiamp code block. Parse recovers the block line directly from this
// text.
func renderMessage(msg *envelope.Message) (string, error) {
	fence, err := fencedBlock(msg)
	if err != nil {
		return "", err
	}
	return renderVisible(msg) + "\n\n" + fence, nil
}

// renderChunks sizes the wire text for the platform limit. The machine
// block is never split: when everything fits it goes out as one message,
// otherwise the visible text is chunked at newlines and the fenced block
// is posted intact as its own final message. A block that alone exceeds
// the limit gets its body capped; ids, intent, thread and refs stay
// exact, and the full body precedes it in the visible chunks.
func renderChunks(msg *envelope.Message, maxLen int) ([]string, error) {
	fence, err := fencedBlockWithin(msg, maxLen)
	if err != nil {
		return nil, err
	}
	visible := renderVisible(msg)
	if len(visible)+2+len(fence) <= maxLen {
		return []string{visible + "\n\n" + fence}, nil
	}
	return append(splitMessage(visible, maxLen), fence), nil
}

func renderVisible(msg *envelope.Message) string {
	var sb strings.Builder
	sb.WriteString(msg.Summary())
	if msg.Body != "" {
		sb.WriteString("\n\n")
		sb.WriteString(msg.Body)
	}
	return sb.String()
}

func fencedBlock(msg *envelope.Message) (string, error) {
	block, err := msg.Encode()
	if err != nil {
		return "", err
	}
	return "```hiamp\n" + block + "\n```", nil
}

// fencedBlockWithin shortens the body inside the machine block until the
// fenced form fits maxLen. JSON escaping makes the encoded size
// non-linear in the body length, so the cap is found by halving.
func fencedBlockWithin(msg *envelope.Message, maxLen int) (string, error) {
	fence, err := fencedBlock(msg)
	if err != nil || len(fence) <= maxLen {
		return fence, err
	}

	capped := *msg
	body := []rune(msg.Body)
	for len(body) > 0 {
		body = body[:len(body)/2]
		capped.Body = string(body) + truncatedNote
		if fence, err = fencedBlock(&capped); err != nil {
			return "", err
		}
		if len(fence) <= maxLen {
			return fence, nil
		}
	}
	capped.Body = truncatedNote
	return fencedBlock(&capped)
}

// Listen opens the gateway connection and streams inbound messages to
// the listener until the context is cancelled or Stop is called.
func (t *Transport) Listen(ctx context.Context, l transport.Listener) error {
	if !t.cfg.Enabled {
		return errors.New("discord transport is disabled by config")
	}

	t.mu.Lock()
	if t.listening {
		t.mu.Unlock()
		return errors.New("discord transport already listening")
	}
	t.listener = l
	t.mu.Unlock()

	if err := t.session.Open(); err != nil {
		return errors.Wrap(err, "failed to open discord connection")
	}

	t.mu.Lock()
	t.listening = true
	t.mu.Unlock()
	t.logger.Info("Discord transport listening")

	go func() {
		<-ctx.Done()
		if err := t.Stop(); err != nil {
			t.logger.Warn("Discord shutdown error", "error", err)
			if l.OnError != nil {
				l.OnError(err)
			}
		}
	}()
	return nil
}

// ResolveChannel maps a peer owner to a Discord channel id.
func (t *Transport) ResolveChannel(ctx context.Context, in transport.ResolveInput) transport.ResolveResult {
	if t.opts.Resolver == nil {
		return transport.ResolveFailure(transport.CodeChannelResolveFailed, "no channel resolver configured")
	}
	return t.opts.Resolver.ResolveChannel(ctx, in)
}

// Stop closes the gateway connection. Safe to call when not listening.
func (t *Transport) Stop() error {
	t.mu.Lock()
	wasListening := t.listening
	t.listening = false
	t.mu.Unlock()
	if !wasListening {
		return nil
	}
	return t.session.Close()
}

// IsListening implements transport.Transport.
func (t *Transport) IsListening() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listening
}

// splitMessage splits text into chunks no longer than maxLen bytes,
// preferring newline boundaries and never cutting inside a UTF-8 rune.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > 0 {
			cutAt = idx + 1
		} else {
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
			if cutAt == 0 {
				cutAt = maxLen // not valid UTF-8, cut anywhere
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

func mentions(users []*discordgo.User, botID string) bool {
	for _, u := range users {
		if u.ID == botID {
			return true
		}
	}
	return false
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
