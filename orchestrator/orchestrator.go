// Package orchestrator drives conversations turn by turn. Each active
// conversation is owned by exactly one driver goroutine which runs the
// auction round, invokes the winning agent, persists the turn and fans the
// update out to participants. All conversation mutation flows through the
// driver, so turn numbers are dense and delivery order matches turn order by
// construction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/roundtable/bidding"
	"goa.design/roundtable/convo"
	"goa.design/roundtable/delivery"
	"goa.design/roundtable/memory"
	"goa.design/roundtable/model"
	"goa.design/roundtable/provider"
	"goa.design/roundtable/store"
	"goa.design/roundtable/telemetry"
	"goa.design/roundtable/wire"
)

type (
	// AgentSource resolves the model adapter backing a participant.
	// Satisfied by a thin wrapper over *provider.Registry.
	AgentSource interface {
		Agent(ctx context.Context, p convo.Participant) (provider.Agent, error)
	}

	// Config tunes the turn loop.
	Config struct {
		// BidTimeout bounds the sealed-bid collection window. Agents that
		// miss it are treated as passing. Defaults to 1s.
		BidTimeout time.Duration `yaml:"bid_timeout"`
		// ResponseTimeout bounds the winner's turn generation. Defaults to
		// 30s.
		ResponseTimeout time.Duration `yaml:"response_timeout"`
		// TurnDelay paces consecutive turns. Zero means no pacing.
		TurnDelay time.Duration `yaml:"turn_delay"`
		// TokenBudget ends the conversation once total token usage reaches
		// it. Zero means unlimited.
		TokenBudget int `yaml:"token_budget"`
		// MinBidsRequired is the minimum number of competing bids for a
		// round to proceed. Defaults to 1.
		MinBidsRequired int `yaml:"min_bids_required"`
		// MaxConsecutiveSkips is how many rounds in a row may produce no
		// turn before the conversation completes as stalled. Defaults to 3.
		MaxConsecutiveSkips int `yaml:"max_consecutive_skips"`
		// AgentRoles optionally assigns context-view roles to agents.
		AgentRoles map[string]memory.Role `yaml:"-"`
	}

	// Options wires the orchestrator's collaborators.
	Options struct {
		// Store persists conversations. Required.
		Store store.Store
		// Agents resolves participant adapters. Required.
		Agents AgentSource
		// Delivery fans completed turns out to participants. Required.
		Delivery *delivery.Coordinator
		// Bidding evaluates auction rounds. Defaults to the standard engine.
		Bidding *bidding.Engine
		// Memory applies the context compaction policy. Defaults to the
		// standard policy.
		Memory *memory.Manager
		// Config tunes the turn loop.
		Config Config
		// Logger records turn lifecycle events. Defaults to noop.
		Logger telemetry.Logger
		// Metrics records turn counters and latencies. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Orchestrator owns the driver set. All methods are safe for concurrent
	// use.
	Orchestrator struct {
		store    store.Store
		agents   AgentSource
		delivery *delivery.Coordinator
		bidding  *bidding.Engine
		memory   *memory.Manager
		cfg      Config
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		mu      sync.Mutex
		drivers map[string]*driver
	}

	// control is the pending lifecycle request a driver honors at the next
	// safe point (between turns).
	control int

	driver struct {
		o      *Orchestrator
		convID string

		mu      sync.Mutex
		pending control

		done chan struct{}
	}

	// roundResult is the outcome of one auction round plus turn generation.
	roundResult struct {
		msg      *convo.Message
		winner   string
		bidScore float64
	}
)

const (
	controlNone control = iota
	controlPause
	controlCancel
)

// End reasons recorded on completed conversations.
const (
	EndReasonMaxTurns  = "max_turns"
	EndReasonStalled   = "stalled"
	EndReasonBudget    = "budget_exceeded"
	EndReasonConcluded = "concluded"
)

const (
	defaultBidTimeout       = time.Second
	defaultResponseTimeout  = 30 * time.Second
	defaultMinBidsRequired  = 1
	defaultConsecutiveSkips = 3
	defaultTurnMaxTokens    = 1024
)

// ErrAlreadyRunning reports a start request for a conversation that already
// has a driver.
var ErrAlreadyRunning = errors.New("orchestrator: conversation already running")

// conclusionPhrases end the conversation when the winning turn closes with
// one of them.
var conclusionPhrases = []string{
	"i think we've covered everything",
	"nothing further to add",
	"in conclusion",
	"that concludes our discussion",
}

// New builds an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Agents == nil {
		return nil, errors.New("agent source is required")
	}
	if opts.Delivery == nil {
		return nil, errors.New("delivery coordinator is required")
	}
	engine := opts.Bidding
	if engine == nil {
		var err error
		engine, err = bidding.NewEngine(bidding.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("default bidding engine: %w", err)
		}
	}
	mem := opts.Memory
	if mem == nil {
		var err error
		mem, err = memory.NewManager(memory.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("default memory manager: %w", err)
		}
	}
	cfg := opts.Config
	if cfg.BidTimeout <= 0 {
		cfg.BidTimeout = defaultBidTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.MinBidsRequired <= 0 {
		cfg.MinBidsRequired = defaultMinBidsRequired
	}
	if cfg.MaxConsecutiveSkips <= 0 {
		cfg.MaxConsecutiveSkips = defaultConsecutiveSkips
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Orchestrator{
		store:    opts.Store,
		agents:   opts.Agents,
		delivery: opts.Delivery,
		bidding:  engine,
		memory:   mem,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		drivers:  make(map[string]*driver),
	}, nil
}

// Start transitions the conversation to active and spawns its driver. The
// driver runs until the conversation reaches a terminal status or ctx is
// cancelled.
func (o *Orchestrator) Start(ctx context.Context, conversationID string) error {
	o.mu.Lock()
	if _, ok := o.drivers[conversationID]; ok {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	d := &driver{o: o, convID: conversationID, done: make(chan struct{})}
	o.drivers[conversationID] = d
	o.mu.Unlock()

	c, err := o.store.Get(ctx, conversationID)
	if err != nil {
		o.removeDriver(conversationID)
		return err
	}
	if err := c.Start(time.Now().UTC()); err != nil {
		o.removeDriver(conversationID)
		return err
	}
	if err := o.store.Put(ctx, c); err != nil {
		o.removeDriver(conversationID)
		return fmt.Errorf("persist start: %w", err)
	}

	go d.run(ctx, c)
	return nil
}

// Pause asks the running driver to pause at the next safe point. A
// conversation without a driver is paused directly in the store.
func (o *Orchestrator) Pause(ctx context.Context, conversationID string) error {
	if d := o.driverFor(conversationID); d != nil {
		d.request(controlPause)
		return nil
	}
	return o.transition(ctx, conversationID, func(c *convo.Conversation) error {
		return c.Pause(time.Now().UTC())
	})
}

// Cancel asks the running driver to cancel at the next safe point. A
// conversation without a driver is cancelled directly in the store.
func (o *Orchestrator) Cancel(ctx context.Context, conversationID string) error {
	if d := o.driverFor(conversationID); d != nil {
		d.request(controlCancel)
		return nil
	}
	return o.transition(ctx, conversationID, func(c *convo.Conversation) error {
		return c.Cancel(time.Now().UTC())
	})
}

// Running reports whether the conversation currently has a driver.
func (o *Orchestrator) Running(conversationID string) bool {
	return o.driverFor(conversationID) != nil
}

// Wait blocks until the conversation's driver exits. Returns immediately
// when no driver is running.
func (o *Orchestrator) Wait(conversationID string) {
	if d := o.driverFor(conversationID); d != nil {
		<-d.done
	}
}

func (o *Orchestrator) driverFor(conversationID string) *driver {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drivers[conversationID]
}

func (o *Orchestrator) removeDriver(conversationID string) {
	o.mu.Lock()
	delete(o.drivers, conversationID)
	o.mu.Unlock()
}

func (o *Orchestrator) transition(ctx context.Context, conversationID string, apply func(*convo.Conversation) error) error {
	c, err := o.store.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := apply(c); err != nil {
		return err
	}
	return o.store.Put(ctx, c)
}

func (d *driver) request(ctrl control) {
	d.mu.Lock()
	// Cancel outranks pause.
	if ctrl > d.pending {
		d.pending = ctrl
	}
	d.mu.Unlock()
}

func (d *driver) takePending() control {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctrl := d.pending
	d.pending = controlNone
	return ctrl
}

// run is the turn loop. It owns c exclusively until it returns.
func (d *driver) run(ctx context.Context, c *convo.Conversation) {
	o := d.o
	defer close(d.done)
	defer o.removeDriver(d.convID)

	cc := d.rebuildContext(c)
	if c.CurrentTurn == 0 {
		o.delivery.BroadcastEvent(ctx, c.ID, wire.Update{Type: wire.UpdateConversationStart})
	}
	o.logger.Info(ctx, "conversation driver started",
		"conversation_id", c.ID,
		"current_turn", c.CurrentTurn,
		"participants", len(c.Participants))

	skips := 0
	for c.Status == convo.StatusActive {
		if ctx.Err() != nil {
			// Process shutdown: leave the conversation active and resumable.
			d.persist(context.WithoutCancel(ctx), c)
			return
		}
		switch d.takePending() {
		case controlPause:
			if err := c.Pause(time.Now().UTC()); err == nil {
				d.persist(ctx, c)
				o.logger.Info(ctx, "conversation paused", "conversation_id", c.ID)
			}
			return
		case controlCancel:
			d.finish(ctx, c, "cancelled", func(now time.Time) error { return c.Cancel(now) })
			return
		}

		if reason := d.endReason(c); reason != "" {
			d.complete(ctx, c, reason)
			return
		}

		res, err := d.round(ctx, c, cc)
		if err != nil {
			// No valid bids fails the turn outright: every agent passed,
			// deferred or dropped out, so waiting more rounds cannot help.
			if errors.Is(err, bidding.ErrNoValidBids) {
				o.logger.Warn(ctx, "no valid bids",
					"conversation_id", c.ID,
					"turn", c.CurrentTurn+1,
					"err", err)
				d.complete(ctx, c, EndReasonStalled)
				return
			}
			skips++
			o.logger.Warn(ctx, "round produced no turn",
				"conversation_id", c.ID,
				"turn", c.CurrentTurn+1,
				"consecutive_skips", skips,
				"err", err)
			if skips >= o.cfg.MaxConsecutiveSkips {
				d.complete(ctx, c, EndReasonStalled)
				return
			}
			continue
		}
		skips = 0

		if err := c.Append(*res.msg, time.Now().UTC()); err != nil {
			o.logger.Error(ctx, "append turn failed", "conversation_id", c.ID, "err", err)
			d.complete(ctx, c, EndReasonStalled)
			return
		}
		d.recordStats(c, res)

		// Durability before delivery: the turn must survive a crash even if
		// no participant ever sees the notification.
		if err := o.store.Put(ctx, c); err != nil {
			o.logger.Error(ctx, "persist turn failed", "conversation_id", c.ID, "err", err)
			d.complete(ctx, c, EndReasonStalled)
			return
		}

		cc = d.foldTurn(ctx, c, cc, res)
		o.delivery.DeliverTurn(ctx, c, res.msg)
		o.metrics.IncCounter("orchestrator.turns", 1, "conversation_id", c.ID)

		if concluded(res.msg.Content) {
			d.complete(ctx, c, EndReasonConcluded)
			return
		}
		if o.cfg.TurnDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(o.cfg.TurnDelay):
			}
		}
	}
}

// endReason checks the between-turn end conditions.
func (d *driver) endReason(c *convo.Conversation) string {
	if c.CurrentTurn >= c.MaxTurns {
		return EndReasonMaxTurns
	}
	if d.o.cfg.TokenBudget > 0 && c.TotalTokens() >= d.o.cfg.TokenBudget {
		return EndReasonBudget
	}
	return ""
}

// round runs one auction and produces the winning turn. A failed winner is
// retried once by re-running the auction without it; two failures skip the
// round.
func (d *driver) round(ctx context.Context, c *convo.Conversation, cc memory.CompactContext) (roundResult, error) {
	excluded := map[string]struct{}{}
	for attempt := 0; attempt < 2; attempt++ {
		bids := d.collectBids(ctx, c, cc, excluded)
		competing := 0
		for _, b := range bids {
			if b.Decision.Action != bidding.ActionPass {
				competing++
			}
		}
		if competing < d.o.cfg.MinBidsRequired {
			return roundResult{}, fmt.Errorf("%w: %d of %d required bids", bidding.ErrNoValidBids, competing, d.o.cfg.MinBidsRequired)
		}

		result, err := d.o.bidding.Evaluate(bids, d.state(c), d.stats(c))
		if err != nil {
			return roundResult{}, err
		}

		res, err := d.speak(ctx, c, cc, result)
		if err == nil {
			return res, nil
		}
		d.o.logger.Warn(ctx, "winner failed to produce a turn",
			"conversation_id", c.ID,
			"agent_id", result.Winner,
			"attempt", attempt+1,
			"err", err)
		excluded[result.Winner] = struct{}{}
	}
	return roundResult{}, errors.New("turn generation failed twice")
}

// collectBids fans the bid request out to every eligible participant and
// gathers the responses that arrive within the bid window. Timeouts and
// failures become implicit passes by omission.
func (d *driver) collectBids(ctx context.Context, c *convo.Conversation, cc memory.CompactContext, excluded map[string]struct{}) map[string]bidding.Bid {
	bidCtx, cancel := context.WithTimeout(ctx, d.o.cfg.BidTimeout)
	defer cancel()

	type submission struct {
		agentID string
		outcome provider.BidOutcome
		err     error
	}
	results := make(chan submission, len(c.Participants))
	asked := 0
	for _, p := range c.Participants {
		if _, skip := excluded[p.AgentID]; skip {
			continue
		}
		asked++
		go func(p convo.Participant) {
			agent, err := d.o.agents.Agent(bidCtx, p)
			if err != nil {
				results <- submission{agentID: p.AgentID, err: err}
				return
			}
			outcome, err := agent.GenerateBid(bidCtx, d.bidContext(c, cc, p))
			results <- submission{agentID: p.AgentID, outcome: outcome, err: err}
		}(p)
	}

	bids := make(map[string]bidding.Bid, asked)
	now := time.Now().UTC()
	for i := 0; i < asked; i++ {
		s := <-results
		if s.err != nil {
			d.o.logger.Debug(ctx, "bid lost to failure",
				"conversation_id", c.ID,
				"agent_id", s.agentID,
				"err", s.err)
			d.o.metrics.IncCounter("orchestrator.bid_failures", 1)
			continue
		}
		decision := s.outcome.Decision
		if decision.Action == bidding.ActionDefer {
			decision.Target = resolveDeferTarget(c, decision.Target)
		}
		bids[s.agentID] = bidding.Bid{
			ID:             uuid.NewString(),
			ConversationID: c.ID,
			Turn:           c.CurrentTurn + 1,
			AgentID:        s.agentID,
			Scores:         s.outcome.Scores,
			Decision:       decision,
			SubmittedAt:    now,
		}
	}
	return bids
}

// resolveDeferTarget maps a deferral target onto a participant agent id.
// Models name targets by display name, the evaluator keys scores by agent id;
// unknown targets pass through and are ignored by the evaluator.
func resolveDeferTarget(c *convo.Conversation, target string) string {
	for _, p := range c.Participants {
		if p.AgentID == target || strings.EqualFold(p.DisplayName, target) {
			return p.AgentID
		}
	}
	return target
}

// speak asks the auction winner for its turn.
func (d *driver) speak(ctx context.Context, c *convo.Conversation, cc memory.CompactContext, result bidding.Result) (roundResult, error) {
	p, ok := c.Participant(result.Winner)
	if !ok {
		return roundResult{}, fmt.Errorf("winner %q is not a participant", result.Winner)
	}
	agent, err := d.o.agents.Agent(ctx, p)
	if err != nil {
		return roundResult{}, err
	}

	d.o.delivery.BroadcastEvent(ctx, c.ID, wire.Update{
		Type:      wire.UpdateTurnStart,
		AgentID:   p.AgentID,
		AgentName: p.DisplayName,
	})
	d.o.delivery.Typing(c.ID, p.AgentID, p.DisplayName)

	genCtx, cancel := context.WithTimeout(ctx, d.o.cfg.ResponseTimeout)
	defer cancel()
	started := time.Now()
	resp, err := agent.Generate(genCtx, d.turnRequest(c, cc, p))
	if err != nil {
		return roundResult{}, err
	}
	latency := time.Since(started)
	d.o.metrics.RecordTimer("orchestrator.turn_latency", latency, "provider", p.Provider)

	now := time.Now().UTC()
	return roundResult{
		msg: &convo.Message{
			ID:             uuid.NewString(),
			ConversationID: c.ID,
			TurnNumber:     c.CurrentTurn + 1,
			AgentID:        p.AgentID,
			AgentName:      p.DisplayName,
			Content:        resp.Content,
			CreatedAt:      now,
			InputTokens:    resp.InputTokens,
			OutputTokens:   resp.OutputTokens,
			Latency:        latency,
		},
		winner:   result.Winner,
		bidScore: result.FinalScores[result.Winner],
	}, nil
}

// turnRequest renders the winner's prompt: persona, compact context and an
// instruction to take the turn.
func (d *driver) turnRequest(c *convo.Conversation, cc memory.CompactContext, p convo.Participant) model.Request {
	view := d.o.memory.RouteForRole(cc, d.o.cfg.AgentRoles[p.AgentID])

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", view.Topic)
	if view.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", view.Goal)
	}
	if view.Summary != "" {
		fmt.Fprintf(&b, "\nConversation so far:\n%s\n", view.Summary)
	}
	if len(view.Recent) > 0 {
		b.WriteString("\nRecent turns:\n")
		for _, e := range view.Recent {
			fmt.Fprintf(&b, "[turn %d] %s: %s\n", e.TurnNumber, e.AgentID, e.KeyPoint)
		}
	}
	fmt.Fprintf(&b, "\nIt is your turn, %s. Respond with your contribution only.", p.DisplayName)

	messages := make([]model.Message, 0, 2)
	if p.SystemPrompt != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: p.SystemPrompt})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: b.String()})
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultTurnMaxTokens
	}
	return model.Request{
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: p.Temperature,
	}
}

// bidContext renders the compact conversation view for one bidder.
func (d *driver) bidContext(c *convo.Conversation, cc memory.CompactContext, p convo.Participant) provider.BidContext {
	view := d.o.memory.RouteForRole(cc, d.o.cfg.AgentRoles[p.AgentID])
	recent := make([]provider.TurnBrief, len(view.Recent))
	for i, e := range view.Recent {
		recent[i] = provider.TurnBrief{Turn: e.TurnNumber, AgentID: e.AgentID, KeyPoint: e.KeyPoint}
	}
	names := make([]string, len(c.Participants))
	for i, other := range c.Participants {
		names[i] = other.DisplayName
	}
	return provider.BidContext{
		Topic:        view.Topic,
		Goal:         view.Goal,
		Summary:      view.Summary,
		Recent:       recent,
		AgentName:    p.DisplayName,
		Persona:      p.SystemPrompt,
		Participants: names,
	}
}

// state snapshots the auction-relevant conversation state.
func (d *driver) state(c *convo.Conversation) bidding.State {
	var speakers []string
	for _, m := range c.Messages {
		speakers = append(speakers, m.AgentID)
	}
	return bidding.State{
		ConversationID: c.ID,
		CurrentTurn:    c.CurrentTurn,
		LastSpeakers:   speakers,
	}
}

func (d *driver) stats(c *convo.Conversation) map[string]bidding.Stats {
	out := make(map[string]bidding.Stats, len(c.Participants))
	for _, p := range c.Participants {
		out[p.AgentID] = bidding.Stats{
			TurnsTaken:  p.Stats.TurnsTaken,
			TokensUsed:  p.Stats.TokensUsed,
			AvgBidScore: p.Stats.AvgBidScore,
			LastSpokeAt: p.Stats.LastSpokeAt,
		}
	}
	return out
}

// recordStats folds the turn into the winner's participation stats.
func (d *driver) recordStats(c *convo.Conversation, res roundResult) {
	p, ok := c.Participant(res.winner)
	if !ok {
		return
	}
	s := p.Stats
	s.AvgBidScore = (s.AvgBidScore*float64(s.TurnsTaken) + res.bidScore) / float64(s.TurnsTaken+1)
	s.TurnsTaken++
	s.TokensUsed += res.msg.InputTokens + res.msg.OutputTokens
	s.LastSpokeAt = res.msg.CreatedAt
	c.UpdateStats(res.winner, s)
}

// foldTurn advances the compact context, re-summarizing on cadence with the
// turn's own agent as the summarizer.
func (d *driver) foldTurn(ctx context.Context, c *convo.Conversation, cc memory.CompactContext, res roundResult) memory.CompactContext {
	summarize := d.summarizer(ctx, c, res.winner)
	next, err := d.o.memory.UpdateContext(ctx, cc, memory.Turn{
		TurnNumber: res.msg.TurnNumber,
		AgentID:    res.msg.AgentID,
		Content:    res.msg.Content,
	}, summarize)
	if err != nil {
		d.o.logger.Warn(ctx, "context update failed", "conversation_id", c.ID, "err", err)
		return cc
	}
	return next
}

// summarizer builds a Summarizer backed by the given agent's model.
func (d *driver) summarizer(ctx context.Context, c *convo.Conversation, agentID string) memory.Summarizer {
	p, ok := c.Participant(agentID)
	if !ok {
		return nil
	}
	agent, err := d.o.agents.Agent(ctx, p)
	if err != nil {
		return nil
	}
	return func(ctx context.Context, existing string, recent []memory.TurnEntry) (string, error) {
		var b strings.Builder
		b.WriteString("Condense the following conversation into a short running summary. Respond with the summary only.\n")
		if existing != "" {
			fmt.Fprintf(&b, "\nSummary so far:\n%s\n", existing)
		}
		b.WriteString("\nNew turns:\n")
		for _, e := range recent {
			fmt.Fprintf(&b, "[turn %d] %s: %s\n", e.TurnNumber, e.AgentID, e.KeyPoint)
		}
		resp, err := agent.Generate(ctx, model.Request{
			Messages:    []model.Message{{Role: model.RoleUser, Content: b.String()}},
			MaxTokens:   512,
			Temperature: 0.2,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

// rebuildContext reconstructs the compact context from the persisted message
// history, used when resuming a paused conversation.
func (d *driver) rebuildContext(c *convo.Conversation) memory.CompactContext {
	names := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		names[i] = p.DisplayName
	}
	cc := d.o.memory.CreateInitialContext(c.ID, c.Topic, c.Goal, names)
	for _, m := range c.Messages {
		next, err := d.o.memory.UpdateContext(context.Background(), cc, memory.Turn{
			TurnNumber: m.TurnNumber,
			AgentID:    m.AgentID,
			Content:    m.Content,
		}, nil)
		if err != nil {
			continue
		}
		cc = next
	}
	return cc
}

// complete ends the conversation with reason and notifies subscribers.
func (d *driver) complete(ctx context.Context, c *convo.Conversation, reason string) {
	d.finish(ctx, c, reason, func(now time.Time) error { return c.Complete(reason, now) })
}

func (d *driver) finish(ctx context.Context, c *convo.Conversation, reason string, apply func(time.Time) error) {
	if err := apply(time.Now().UTC()); err != nil {
		d.o.logger.Error(ctx, "finish transition failed", "conversation_id", c.ID, "err", err)
		return
	}
	d.persist(ctx, c)
	d.o.delivery.BroadcastEvent(ctx, c.ID, wire.Update{
		Type:       wire.UpdateConversationEnd,
		TotalTurns: c.CurrentTurn,
		Reason:     reason,
	})
	d.o.logger.Info(ctx, "conversation ended",
		"conversation_id", c.ID,
		"reason", reason,
		"total_turns", c.CurrentTurn)
	d.o.metrics.IncCounter("orchestrator.conversations_ended", 1, "reason", reason)
}

func (d *driver) persist(ctx context.Context, c *convo.Conversation) {
	if err := d.o.store.Put(ctx, c); err != nil {
		d.o.logger.Error(ctx, "persist conversation failed", "conversation_id", c.ID, "err", err)
	}
}

// RegistryAgentSource resolves agents through a process-wide provider
// registry, keyed by the participant's provider, credential handle and model.
type RegistryAgentSource struct {
	Registry *provider.Registry
}

// Agent implements AgentSource.
func (s RegistryAgentSource) Agent(ctx context.Context, p convo.Participant) (provider.Agent, error) {
	return s.Registry.Get(ctx, provider.Key{
		Provider:  p.Provider,
		KeyHandle: p.KeyHandle,
		Model:     p.ModelID,
	})
}

// concluded reports whether content signals the discussion is finished.
func concluded(content string) bool {
	lowered := strings.ToLower(content)
	for _, phrase := range conclusionPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}
