// Package gateway wires the protocol pieces into one running agent
// endpoint: transports, the permission-gated router, the heartbeat
// poller, and acknowledgment bookkeeping with its sweep loop.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/hiamp-dev/hiamp/internal/config"
	"github.com/hiamp-dev/hiamp/internal/issues"
	"github.com/hiamp-dev/hiamp/internal/poller"
	"github.com/hiamp-dev/hiamp/internal/router"
	"github.com/hiamp-dev/hiamp/internal/tracker"
	"github.com/hiamp-dev/hiamp/internal/transport"
	"github.com/hiamp-dev/hiamp/internal/transport/discord"
	"github.com/hiamp-dev/hiamp/pkg/envelope"
	pkgLogger "github.com/hiamp-dev/hiamp/pkg/logger"
)

const (
	// sweepInterval is how often overdue acknowledgments are checked.
	sweepInterval = time.Minute
	busBufferSize = 64
)

// Gateway is the main orchestrator for a HIAMP endpoint.
type Gateway struct {
	cfg        *config.Config
	logger     *pkgLogger.Logger
	validator  *envelope.Validator
	killSwitch *transport.KillSwitch

	inbox *router.FileInbox
	rtr   *router.Router

	acks     *tracker.TimeoutTracker
	ackStore tracker.SnapshotRepository

	transports  map[string]transport.Transport
	defaultName string
	hb          *poller.HeartbeatPoller
	bus         *MessageBus

	ackTimeout time.Duration
}

// New creates a gateway from configuration, constructing the real
// tracker client for the issue transport when it is enabled.
func New(cfg *config.Config, logger *pkgLogger.Logger) (*Gateway, error) {
	var client issues.Client
	if cfg.Issues.Enabled {
		client = issues.NewHTTPClient(cfg.Issues.BaseURL, cfg.Issues.Token)
	}
	return NewWithIssuesClient(cfg, client, logger)
}

// NewWithIssuesClient creates a gateway with an injected issue-tracker
// client, the seam embedding callers and tests use.
func NewWithIssuesClient(cfg *config.Config, client issues.Client, logger *pkgLogger.Logger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	validator := envelope.NewValidator(cfg.ExtraIntents()...)
	killSwitch := transport.NewKillSwitch(cfg.Settings.KillSwitch)
	limiter := transport.NewRateLimiter(cfg.Settings.RatePerMinute, time.Minute)

	inbox := router.NewFileInbox(cfg.Settings.InboxDir)
	rtr := router.NewRouter(cfg.Identity.Owner, cfg.Workers, inbox, logger)

	gw := &Gateway{
		cfg:        cfg,
		logger:     logger.WithComponent("gateway"),
		validator:  validator,
		killSwitch: killSwitch,
		inbox:      inbox,
		rtr:        rtr,
		acks:       tracker.New(cfg.Settings.AckMaxRetries),
		ackStore:   tracker.NewFileSnapshotStore(cfg.Settings.AckStatePath),
		transports: make(map[string]transport.Transport),
		bus:        NewMessageBus(busBufferSize),
		ackTimeout: config.Duration(cfg.Settings.AckTimeout, tracker.DefaultTimeout),
	}

	if err := gw.acks.Restore(gw.ackStore); err != nil {
		gw.logger.Warn("Failed to restore pending acknowledgments", "error", err)
	}

	if cfg.Discord.Enabled {
		dt, err := discord.New(cfg.Discord.Config, discord.Options{
			KillSwitch: killSwitch,
			Resolver:   transport.NewStaticResolver(config.Channels(cfg.Discord.Peers)),
			Limiter:    limiter,
			Validator:  validator,
		}, logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create discord transport")
		}
		gw.addTransport(dt)
	}

	if cfg.Issues.Enabled {
		it := issues.New(client, issues.Options{
			Enabled:    true,
			Deprecated: cfg.Issues.Deprecated,
			KillSwitch: killSwitch,
			Resolver:   transport.NewStaticResolver(config.Channels(cfg.Issues.Peers)),
			Limiter:    limiter,
			Validator:  validator,
		}, logger)
		gw.addTransport(it)

		gw.hb = poller.New(client, rtr, inbox, poller.NewFileStateStore(cfg.Settings.HeartbeatStatePath), validator, poller.Options{
			Platform:             it.Name(),
			WatchedAgentNames:    cfg.Issues.WatchedAgentNames,
			InitialWatchedIssues: cfg.Issues.WatchedIssueIDs,
			Interval:             config.Duration(cfg.Issues.PollInterval, 5*time.Minute),
			InitialLookback:      config.Duration(cfg.Issues.InitialLookback, time.Hour),
			PageSize:             cfg.Issues.PageSize,
			OnEnvelope:           gw.settleAck,
			OnError:              func(err error) { gw.logger.Warn("Heartbeat error", "error", err) },
		}, logger)
	}

	if len(gw.transports) == 0 {
		return nil, errors.New("no transport enabled; enable discord or issues in the config")
	}
	return gw, nil
}

func (g *Gateway) addTransport(t transport.Transport) {
	g.transports[t.Name()] = t
	if g.defaultName == "" {
		g.defaultName = t.Name()
	}
	if t.Deprecated() {
		g.logger.Warn("Transport is deprecated; plan a migration", "transport", t.Name())
	}
}

// Run starts all transports and processes inbound traffic. Blocks until
// ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	for name, t := range g.transports {
		err := t.Listen(ctx, transport.Listener{
			OnMessage: func(m transport.ReceivedMessage) {
				g.bus.Inbound <- InboundEvent{Transport: name, Received: m}
			},
			OnError: func(err error) {
				g.logger.Error("Transport listener error", "transport", name, "error", err)
			},
		})
		switch {
		case errors.Is(err, transport.ErrPullOnly):
			g.logger.Info("Transport is pull-only, heartbeat poller ingests it", "transport", name)
		case err != nil:
			return errors.Wrapf(err, "failed to start transport %s", name)
		default:
			g.logger.Info("Transport listening", "transport", name)
		}
	}

	if g.hb != nil {
		if err := g.hb.Start(ctx); err != nil {
			return errors.Wrap(err, "failed to start heartbeat poller")
		}
	}

	go g.sweepLoop(ctx)

	g.logger.Info("Gateway running", "owner", g.cfg.Identity.Owner, "transports", len(g.transports))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-g.bus.Inbound:
			g.handleInbound(ev)
		}
	}
}

func (g *Gateway) handleInbound(ev InboundEvent) {
	m := ev.Received
	if m.Err != nil {
		g.logger.Warn("Inbound message claimed protocol but failed to parse",
			"transport", ev.Transport, "sender", m.SenderID, "error", m.Err)
		return
	}
	if !m.Detected || m.Message == nil {
		g.logger.Debug("Ignoring platform chatter", "transport", ev.Transport, "sender", m.SenderID)
		return
	}

	res := g.rtr.Route(m.Message, m.RawText, m.ChannelID, m.SenderID, m.MessageRef, m.ThreadRef)
	if !res.Success {
		g.logger.Warn("Inbound envelope rejected",
			"transport", ev.Transport, "id", m.Message.ID, "code", res.Code, "error", res.Error)
		return
	}
	g.settleAck(m.Message)
}

// settleAck resolves pending acknowledgment entries referenced by an
// inbound envelope. Any envelope carrying a ref to a tracked message
// settles it, not just explicit acks; a substantive answer acknowledges
// implicitly.
func (g *Gateway) settleAck(msg *envelope.Message) {
	if msg.Ref == "" {
		return
	}
	if g.acks.Resolve(msg.Ref) {
		g.logger.Info("Acknowledgment settled", "ref", msg.Ref, "by", msg.ID, "intent", msg.Intent)
		g.persistAcks()
	}
}

// Send posts an envelope on the named transport (empty selects the
// default) and starts acknowledgment tracking when one was requested.
func (g *Gateway) Send(ctx context.Context, transportName string, in transport.SendInput) transport.SendResult {
	t, res := g.pick(transportName)
	if t == nil {
		return res
	}
	if res := g.checkSendPermission(in); !res.Success && res.Code != "" {
		return res
	}
	out := t.Send(ctx, in)
	g.trackIfAcked(in, out)
	return out
}

// checkSendPermission gates outbound sends on the worker policy. The
// gateway's own traffic (ack reminders) uses the reserved gateway worker
// and is always allowed.
func (g *Gateway) checkSendPermission(in transport.SendInput) transport.SendResult {
	_, worker, ok := envelope.SplitPeer(in.From)
	if !ok || worker == "gateway" {
		return transport.SendResult{Success: true}
	}
	if !g.cfg.Workers.CanSend(worker) {
		return transport.Failure(transport.CodePermissionDenied, "worker %q is not permitted to send messages", worker)
	}
	return transport.SendResult{Success: true}
}

// SendReply posts a reply on the named transport, threading it onto the
// existing conversation.
func (g *Gateway) SendReply(ctx context.Context, transportName string, in transport.ReplyInput) transport.SendResult {
	t, res := g.pick(transportName)
	if t == nil {
		return res
	}
	if res := g.checkSendPermission(in.SendInput); !res.Success && res.Code != "" {
		return res
	}
	out := t.SendReply(ctx, in)
	g.trackIfAcked(in.SendInput, out)
	return out
}

func (g *Gateway) pick(name string) (transport.Transport, transport.SendResult) {
	if name == "" {
		name = g.defaultName
	}
	t, ok := g.transports[name]
	if !ok {
		return nil, transport.Failure(transport.CodeTransportError, "unknown transport %q", name)
	}
	return t, transport.SendResult{}
}

func (g *Gateway) trackIfAcked(in transport.SendInput, out transport.SendResult) {
	if !out.Success || in.Ack != envelope.AckRequested {
		return
	}
	g.acks.Track(out.MessageID, in.To, tracker.TrackOptions{
		ThreadID: out.Thread,
		Timeout:  g.ackTimeout,
	})
	g.persistAcks()
}

func (g *Gateway) persistAcks() {
	if err := g.acks.Persist(g.ackStore); err != nil {
		g.logger.Warn("Failed to persist acknowledgment state", "error", err)
	}
}

func (g *Gateway) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepAcks(ctx)
		}
	}
}

// sweepAcks handles every overdue acknowledgment: entries with retry
// budget left get a reminder in the original thread, exhausted ones are
// dropped and escalated to the log.
func (g *Gateway) sweepAcks(ctx context.Context) {
	overdue := g.acks.CheckTimeouts()
	if len(overdue) == 0 {
		return
	}

	changed := false
	for _, o := range overdue {
		e := o.Entry
		if g.acks.HasExceededRetries(e.MessageID) {
			g.acks.Remove(e.MessageID)
			changed = true
			g.logger.Warn("Acknowledgment never arrived, giving up",
				"id", e.MessageID, "target", e.Target, "retries", e.Retries, "overdue_ms", o.OverdueMs)
			continue
		}

		res := g.Send(ctx, "", transport.SendInput{
			To:     e.Target,
			From:   envelope.JoinPeer(g.cfg.Identity.Owner, "gateway"),
			Intent: envelope.IntentStatus,
			Body:   fmt.Sprintf("No acknowledgment received for %s yet, please confirm.", e.MessageID),
			Thread: e.ThreadID,
			Ref:    e.MessageID,
		})
		if !res.Success {
			g.logger.Warn("Acknowledgment reminder failed",
				"id", e.MessageID, "target", e.Target, "code", res.Code, "error", res.Error)
			continue
		}
		g.acks.RecordRetry(e.MessageID, 0)
		changed = true
		g.logger.Info("Acknowledgment reminder sent", "id", e.MessageID, "target", e.Target)
	}
	if changed {
		g.persistAcks()
	}
}

// PollOnce triggers one manual heartbeat cycle.
func (g *Gateway) PollOnce(ctx context.Context) (poller.PollCycleResult, error) {
	if g.hb == nil {
		return poller.PollCycleResult{}, errors.New("heartbeat poller is not configured; enable the issues transport")
	}
	return g.hb.PollOnce(ctx), nil
}

// Inbox exposes the worker delivery queue for read APIs.
func (g *Gateway) Inbox() *router.FileInbox { return g.inbox }

// Acks exposes the acknowledgment tracker for status APIs.
func (g *Gateway) Acks() *tracker.TimeoutTracker { return g.acks }

// Heartbeat exposes the poller, nil when the issue transport is off.
func (g *Gateway) Heartbeat() *poller.HeartbeatPoller { return g.hb }

// KillSwitch exposes the global outbound disable.
func (g *Gateway) KillSwitch() *transport.KillSwitch { return g.killSwitch }

// Owner returns the configured local identity.
func (g *Gateway) Owner() string { return g.cfg.Identity.Owner }

// TransportNames lists the enabled transports, default first.
func (g *Gateway) TransportNames() []string {
	names := []string{g.defaultName}
	for name := range g.transports {
		if name != g.defaultName {
			names = append(names, name)
		}
	}
	return names
}

// Close shuts down the poller and every transport, flushing state.
func (g *Gateway) Close() error {
	if g.hb != nil {
		g.hb.Stop()
	}
	for name, t := range g.transports {
		if err := t.Stop(); err != nil {
			g.logger.Warn("Transport shutdown error", "transport", name, "error", err)
		}
	}
	g.persistAcks()
	return nil
}
