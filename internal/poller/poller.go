package poller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hiamp-dev/hiamp/internal/issues"
	"github.com/hiamp-dev/hiamp/internal/router"
	"github.com/hiamp-dev/hiamp/pkg/envelope"
	pkgLogger "github.com/hiamp-dev/hiamp/pkg/logger"
)

const (
	defaultInterval     = 5 * time.Minute
	defaultLookback     = time.Hour
	defaultPageSize     = 50
	defaultFetchTimeout = 30 * time.Second
)

// CommentProcessResult records what happened to one fetched item.
type CommentProcessResult struct {
	CommentID       string `json:"comment_id"`
	IssueID         string `json:"issue_id"`
	IsHiamp         bool   `json:"is_hiamp"`
	Routed          bool   `json:"routed"`
	RouteError      string `json:"route_error,omitempty"`
	InformDelivered bool   `json:"inform_delivered"`
	Error           string `json:"error,omitempty"`
}

// PollCycleResult summarizes one completed poll cycle for external
// telemetry via the OnPollComplete callback.
type PollCycleResult struct {
	PollStartedAt           time.Time              `json:"pollStartedAt"`
	PollFinishedAt          time.Time              `json:"pollFinishedAt"`
	CommentsFound           int                    `json:"commentsFound"`
	HiampMessagesRouted     int                    `json:"hiampMessagesRouted"`
	InformMessagesDelivered int                    `json:"informMessagesDelivered"`
	Errors                  int                    `json:"errors"`
	Results                 []CommentProcessResult `json:"results"`
}

// Options configure the heartbeat poller.
type Options struct {
	// Platform names the bridged tracker; it becomes the worker half of
	// the synthetic from address on inform fallbacks.
	Platform string
	// WatchedAgentNames trigger the inform fallback when a non-HIAMP
	// comment mentions one of them (case-insensitive substring).
	WatchedAgentNames []string
	// InitialWatchedIssues seed the watch list when no state exists yet.
	InitialWatchedIssues []string

	Interval        time.Duration
	InitialLookback time.Duration
	PageSize        int
	// FetchTimeout bounds each platform call so one slow upstream call
	// cannot stall the whole cycle.
	FetchTimeout time.Duration

	OnPollComplete func(PollCycleResult)
	OnError        func(error)
	// OnEnvelope fires after a recognized envelope routes successfully,
	// so the owner can settle acknowledgment bookkeeping.
	OnEnvelope func(*envelope.Message)
}

func (o *Options) applyDefaults() {
	if o.Platform == "" {
		o.Platform = "issues"
	}
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.InitialLookback <= 0 {
		o.InitialLookback = defaultLookback
	}
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = defaultFetchTimeout
	}
}

// HeartbeatPoller ingests a pull-only platform. Cycles never overlap:
// the next one is scheduled only after the current cycle, including its
// persistence write, fully completes. That ordering is what keeps the
// cursor from corrupting across restarts.
type HeartbeatPoller struct {
	client    issues.Client
	router    *router.Router
	inbox     router.Inbox
	states    StateRepository
	validator *envelope.Validator
	opts      Options
	logger    *pkgLogger.Logger

	mu      sync.Mutex
	state   HeartbeatState
	loaded  bool
	running bool
	stop    chan struct{}
	done    chan struct{}
	now     func() time.Time
}

// New creates a poller. The inbox is used directly only by the inform
// fallback; recognized HIAMP traffic goes through the router's
// permission gate.
func New(client issues.Client, rtr *router.Router, inbox router.Inbox, states StateRepository, validator *envelope.Validator, opts Options, logger *pkgLogger.Logger) *HeartbeatPoller {
	opts.applyDefaults()
	if validator == nil {
		validator = envelope.NewValidator()
	}
	return &HeartbeatPoller{
		client:    client,
		router:    rtr,
		inbox:     inbox,
		states:    states,
		validator: validator,
		opts:      opts,
		logger:    logger.WithComponent("heartbeat"),
		now:       time.Now,
	}
}

func (p *HeartbeatPoller) reportError(err error) {
	p.logger.Error("Poll error", "error", err)
	if p.opts.OnError != nil {
		p.opts.OnError(err)
	}
}

// ensureState loads persisted state once, at startup. A missing document
// initializes fresh (cold start re-scans the lookback window); a corrupt
// one is reported and treated as missing, since losing the cursor is
// safe and refusing to start is not.
func (p *HeartbeatPoller) ensureState() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return
	}
	p.loaded = true

	state, err := p.states.Load()
	if err != nil {
		p.reportError(errors.Wrap(err, "heartbeat state unreadable, starting fresh"))
	}
	if state != nil {
		p.state = *state
		return
	}
	p.state = HeartbeatState{WatchedIssueIDs: append([]string(nil), p.opts.InitialWatchedIssues...)}
}

// Start runs one cycle immediately, then repeats on the configured
// interval until Stop or context cancellation. It returns immediately;
// an error means the poller was already running.
func (p *HeartbeatPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("heartbeat poller already running")
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stop, p.done
	p.mu.Unlock()

	p.ensureState()
	p.logger.Info("Heartbeat poller started", "interval", p.opts.Interval, "watched", len(p.watched()))

	go func() {
		defer close(done)
		p.runCycle(ctx)
		timer := time.NewTimer(p.opts.Interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-timer.C:
				p.runCycle(ctx)
				// Schedule only after the cycle fully completed; cycles
				// never overlap.
				timer.Reset(p.opts.Interval)
			}
		}
	}()
	return nil
}

// Stop cancels the recurring schedule, waits for any in-flight cycle to
// finish, and flushes state. Safe to call at any time, including while a
// cycle is mid-flight.
func (p *HeartbeatPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done

	p.mu.Lock()
	state := p.state
	loaded := p.loaded
	p.mu.Unlock()
	if loaded {
		if err := p.states.Save(state); err != nil {
			p.reportError(errors.Wrap(err, "failed to flush heartbeat state on stop"))
		}
	}
	p.logger.Info("Heartbeat poller stopped")
}

// PollOnce runs exactly one cycle without entering the recurring loop,
// for manual or externally triggered runs.
func (p *HeartbeatPoller) PollOnce(ctx context.Context) PollCycleResult {
	p.ensureState()
	return p.runCycle(ctx)
}

// WatchIssue adds an issue to the watch list. Idempotent.
func (p *HeartbeatPoller) WatchIssue(issueID string) {
	p.ensureState()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.state.WatchedIssueIDs {
		if id == issueID {
			return
		}
	}
	p.state.WatchedIssueIDs = append(p.state.WatchedIssueIDs, issueID)
	if err := p.states.Save(p.state); err != nil {
		p.reportError(errors.Wrap(err, "failed to persist watch list"))
	}
}

// UnwatchIssue removes an issue from the watch list. Removing an
// unwatched id is a no-op.
func (p *HeartbeatPoller) UnwatchIssue(issueID string) {
	p.ensureState()
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.state.WatchedIssueIDs[:0]
	removed := false
	for _, id := range p.state.WatchedIssueIDs {
		if id == issueID {
			removed = true
			continue
		}
		kept = append(kept, id)
	}
	if !removed {
		return
	}
	p.state.WatchedIssueIDs = kept
	if err := p.states.Save(p.state); err != nil {
		p.reportError(errors.Wrap(err, "failed to persist watch list"))
	}
}

func (p *HeartbeatPoller) watched() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.state.WatchedIssueIDs...)
}

// runCycle executes one full poll cycle: fetch per watched issue since
// the cursor, process each item, then advance and persist the cursor.
func (p *HeartbeatPoller) runCycle(ctx context.Context) PollCycleResult {
	started := p.now()

	p.mu.Lock()
	cursor := started.Add(-p.opts.InitialLookback)
	if p.state.LastPollAt != nil {
		cursor = *p.state.LastPollAt
	}
	p.mu.Unlock()

	result := PollCycleResult{PollStartedAt: started}

	for _, issueID := range p.watched() {
		comments, err := p.fetch(ctx, issueID, cursor)
		if err != nil {
			// One bad issue never aborts the cycle.
			result.Errors++
			p.reportError(errors.Wrapf(err, "failed to fetch comments for issue %s", issueID))
			continue
		}
		for _, c := range comments {
			if !c.CreatedAt.After(cursor) {
				continue // defense against clients ignoring the since bound
			}
			result.CommentsFound++
			item := p.processComment(c)
			if item.Routed {
				result.HiampMessagesRouted++
			}
			if item.InformDelivered {
				result.InformMessagesDelivered++
			}
			if item.Error != "" || item.RouteError != "" {
				result.Errors++
			}
			result.Results = append(result.Results, item)
		}
	}

	// Advance the cursor to the cycle start and persist only now, after
	// processing: a crash mid-cycle re-does this window (at-least-once)
	// instead of skipping it.
	p.mu.Lock()
	t := started
	p.state.LastPollAt = &t
	state := p.state
	p.mu.Unlock()
	if err := p.states.Save(state); err != nil {
		result.Errors++
		p.reportError(errors.Wrap(err, "failed to persist heartbeat state"))
	}

	result.PollFinishedAt = p.now()
	p.logger.Debug("Poll cycle complete",
		"found", result.CommentsFound,
		"routed", result.HiampMessagesRouted,
		"informs", result.InformMessagesDelivered,
		"errors", result.Errors)
	if p.opts.OnPollComplete != nil {
		p.opts.OnPollComplete(result)
	}
	return result
}

func (p *HeartbeatPoller) fetch(ctx context.Context, issueID string, since time.Time) ([]issues.Comment, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	defer cancel()
	return p.client.ListCommentsSince(callCtx, issueID, since, p.opts.PageSize)
}

// processComment drives one item through extract -> parse -> validate ->
// route, with the mention fallback for plain chatter.
func (p *HeartbeatPoller) processComment(c issues.Comment) CommentProcessResult {
	item := CommentProcessResult{CommentID: c.ID, IssueID: c.IssueID}

	rawText, found := issues.ExtractEnvelopeText(c.Body)
	if found {
		parsed := envelope.Parse(rawText)
		switch {
		case parsed.OK():
			item.IsHiamp = true
			if v := p.validator.Validate(parsed.Message); !v.Valid {
				item.Error = fmt.Sprintf("envelope failed validation: %s", joinValidationErrors(v))
				return item
			}
			route := p.router.Route(parsed.Message, rawText, c.IssueID, c.Author, c.ID, "")
			item.Routed = route.Success
			if !route.Success {
				item.RouteError = fmt.Sprintf("%s: %s", route.Code, route.Error)
			} else if p.opts.OnEnvelope != nil {
				p.opts.OnEnvelope(parsed.Message)
			}
			return item
		case parsed.Detected:
			item.Error = fmt.Sprintf("unparseable envelope block: %v", parsed.Err)
			return item
		}
		// A fence without a recoverable envelope falls through to the
		// mention check like any other chatter.
	}

	if !p.mentionsWatchedAgent(c.Body) {
		return item // ordinary platform chatter, skipped entirely
	}
	p.deliverInform(c, &item)
	return item
}

func (p *HeartbeatPoller) mentionsWatchedAgent(body string) bool {
	lower := strings.ToLower(body)
	for _, name := range p.opts.WatchedAgentNames {
		if name == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(name)) {
			return true
		}
	}
	return false
}

// deliverInform synthesizes an inform envelope for a non-HIAMP comment
// mentioning a watched agent and hands it straight to the inbox. This is
// a local-origin path by construction: the "sender" is the platform
// bridge, there is no remote to address to gate on, and the
// default-receive-worker lookup already encodes the permission decision.
func (p *HeartbeatPoller) deliverInform(c issues.Comment, item *CommentProcessResult) {
	worker, ok := p.router.Permissions().DefaultReceiveWorker()
	if !ok {
		item.Error = "mention noticed but no worker is permitted to receive"
		return
	}

	msg := &envelope.Message{
		Version: envelope.Version,
		ID:      envelope.NewMessageID(),
		From:    envelope.JoinPeer(peerOwner(c.Author), p.opts.Platform),
		To:      envelope.JoinPeer(p.router.Owner(), worker),
		Intent:  envelope.IntentInform,
		Body:    c.Body,
		Thread:  envelope.NewThreadID(),
		Ref:     c.IssueID,
	}

	res := p.inbox.Deliver(worker, router.Delivery{
		Message:    msg,
		RawText:    c.Body,
		ChannelID:  c.IssueID,
		SenderID:   c.Author,
		MessageRef: c.ID,
	})
	if !res.Success {
		item.Error = fmt.Sprintf("inform delivery failed: %s", res.Error)
		return
	}
	item.InformDelivered = true
}

// peerOwner turns a platform display name into a usable owner segment:
// a slash in the name would corrupt the <owner>/<workerId> grammar.
func peerOwner(author string) string {
	owner := strings.ReplaceAll(strings.TrimSpace(author), "/", "-")
	if owner == "" {
		owner = "unknown"
	}
	return owner
}

func joinValidationErrors(v envelope.ValidationResult) string {
	msgs := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}
