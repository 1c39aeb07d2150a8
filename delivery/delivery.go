// Package delivery fans a completed turn out to conversation participants.
// Each participant gets the best available channel: the live observer session
// when one is connected, an APNs push when a device token is registered, or
// nothing, with the outcome recorded per participant.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"goa.design/roundtable/apns"
	"goa.design/roundtable/convo"
	"goa.design/roundtable/registry"
	"goa.design/roundtable/telemetry"
	"goa.design/roundtable/wire"
)

type (
	// Channel names the path a notification took to a participant.
	Channel string

	// Receipt records the outcome of delivering one update to one
	// participant.
	Receipt struct {
		UserID string `json:"userId"`
		// Via is the channel used, or ChannelNone when nothing was sent.
		Via Channel `json:"via"`
		// PushID is the apns-id for push deliveries.
		PushID string `json:"pushId,omitempty"`
		// Reason explains ChannelNone or a failed push.
		Reason string `json:"reason,omitempty"`
	}

	// PushTarget maps a participant to a registered device.
	PushTarget struct {
		DeviceToken string
		Environment apns.Environment
	}

	// TokenSource resolves a participant's push target. A nil target means no
	// device is registered.
	TokenSource interface {
		PushTarget(ctx context.Context, userID string) (*PushTarget, error)
	}

	// Pusher is the push backend. Satisfied by *apns.Client.
	Pusher interface {
		Push(ctx context.Context, n apns.Notification) (string, error)
	}

	// Options configures the coordinator.
	Options struct {
		// Registry delivers to live observer sessions. Required.
		Registry *registry.Registry
		// Pusher sends APNs notifications. Optional; without it every
		// offline participant gets ChannelNone.
		Pusher Pusher
		// Tokens resolves device tokens. Required when Pusher is set.
		Tokens TokenSource
		// PushConcurrency bounds parallel push dispatch. Defaults to 10.
		PushConcurrency int
		// Logger records delivery outcomes. Defaults to noop.
		Logger telemetry.Logger
		// Metrics counts deliveries per channel. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Coordinator routes conversation updates to participants.
	Coordinator struct {
		registry        *registry.Registry
		pusher          Pusher
		tokens          TokenSource
		pushConcurrency int
		logger          telemetry.Logger
		metrics         telemetry.Metrics
	}
)

const (
	// ChannelLive means the frame was queued on a live observer session.
	ChannelLive Channel = "live"
	// ChannelPush means an APNs notification was accepted by the service.
	ChannelPush Channel = "push"
	// ChannelNone means the participant was unreachable.
	ChannelNone Channel = "none"
)

const defaultPushConcurrency = 10

// New builds a delivery coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Pusher != nil && opts.Tokens == nil {
		return nil, fmt.Errorf("token source is required when a pusher is configured")
	}
	concurrency := opts.PushConcurrency
	if concurrency <= 0 {
		concurrency = defaultPushConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Coordinator{
		registry:        opts.Registry,
		pusher:          opts.Pusher,
		tokens:          opts.Tokens,
		pushConcurrency: concurrency,
		logger:          logger,
		metrics:         metrics,
	}, nil
}

// DeliverTurn sends a completed turn to the conversation's live subscribers
// and to every participant. Subscribers get the conversation_update frame on
// their session; participants without a live frame fall back to push, then to
// nothing. Returns one receipt per participant, in participant order.
func (c *Coordinator) DeliverTurn(ctx context.Context, conversation *convo.Conversation, msg *convo.Message) []Receipt {
	frame := wire.ConversationUpdate(conversation.ID, wire.Update{
		Type:      wire.UpdateMessage,
		AgentID:   msg.AgentID,
		AgentName: msg.AgentName,
		Message:   msg,
	})

	reached := make(map[string]struct{})
	for _, userID := range c.registry.Subscribers(conversation.ID) {
		if c.registry.SendToUser(userID, frame) {
			reached[userID] = struct{}{}
		}
	}

	receipts := make([]Receipt, len(conversation.Participants))
	var pending []int
	for i, p := range conversation.Participants {
		if _, ok := reached[p.UserID]; ok {
			receipts[i] = Receipt{UserID: p.UserID, Via: ChannelLive}
			c.metrics.IncCounter("delivery.sent", 1, "channel", string(ChannelLive))
			continue
		}
		if c.registry.SendToUser(p.UserID, frame) {
			receipts[i] = Receipt{UserID: p.UserID, Via: ChannelLive}
			c.metrics.IncCounter("delivery.sent", 1, "channel", string(ChannelLive))
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) > 0 {
		c.pushAll(ctx, conversation, msg, receipts, pending)
	}

	for _, r := range receipts {
		if r.Via == ChannelNone {
			c.logger.Debug(ctx, "participant unreachable",
				"conversation_id", conversation.ID,
				"user_id", r.UserID,
				"reason", r.Reason)
		}
	}
	return receipts
}

// pushAll dispatches push notifications for the pending participants with
// bounded parallelism, filling in their receipts.
func (c *Coordinator) pushAll(ctx context.Context, conversation *convo.Conversation, msg *convo.Message, receipts []Receipt, pending []int) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.pushConcurrency)
	for _, i := range pending {
		p := conversation.Participants[i]
		idx := i
		g.Go(func() error {
			r := c.pushOne(gctx, conversation, msg, p.UserID)
			mu.Lock()
			receipts[idx] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) pushOne(ctx context.Context, conversation *convo.Conversation, msg *convo.Message, userID string) Receipt {
	if c.pusher == nil {
		return Receipt{UserID: userID, Via: ChannelNone, Reason: "push not configured"}
	}
	target, err := c.tokens.PushTarget(ctx, userID)
	if err != nil {
		c.logger.Warn(ctx, "push target lookup failed", "user_id", userID, "err", err)
		return Receipt{UserID: userID, Via: ChannelNone, Reason: "token lookup failed"}
	}
	if target == nil {
		return Receipt{UserID: userID, Via: ChannelNone, Reason: "no device token"}
	}

	pushID, err := c.pusher.Push(ctx, apns.Notification{
		DeviceToken:    target.DeviceToken,
		Environment:    target.Environment,
		Title:          conversation.Topic,
		Body:           pushBody(msg),
		ConversationID: conversation.ID,
		MessageID:      msg.ID,
	})
	if err != nil {
		c.logger.Warn(ctx, "push failed", "user_id", userID, "err", err)
		c.metrics.IncCounter("delivery.push_failed", 1)
		c.discardIfUnusable(ctx, userID, err)
		return Receipt{UserID: userID, Via: ChannelNone, Reason: err.Error()}
	}
	c.metrics.IncCounter("delivery.sent", 1, "channel", string(ChannelPush))
	return Receipt{UserID: userID, Via: ChannelPush, PushID: pushID}
}

// discardIfUnusable drops the user's device binding when APNs reports the
// token as permanently dead.
func (c *Coordinator) discardIfUnusable(ctx context.Context, userID string, err error) {
	var pushErr *apns.PushError
	if !errors.As(err, &pushErr) || !pushErr.Unusable() {
		return
	}
	remover, ok := c.tokens.(interface{ Remove(userID string) })
	if !ok {
		return
	}
	remover.Remove(userID)
	c.logger.Info(ctx, "discarded unusable device token", "user_id", userID, "reason", pushErr.Reason)
}

// BroadcastEvent sends a non-message update (turn_start, conversation_start,
// conversation_end, errors) to live subscribers only. Transient events are
// not worth a push.
func (c *Coordinator) BroadcastEvent(ctx context.Context, conversationID string, u wire.Update) {
	unreachable := c.registry.Broadcast(conversationID, wire.ConversationUpdate(conversationID, u))
	if len(unreachable) > 0 {
		c.logger.Debug(ctx, "event skipped offline subscribers",
			"conversation_id", conversationID,
			"type", string(u.Type),
			"offline", len(unreachable))
	}
}

// Typing relays a typing indicator to live subscribers.
func (c *Coordinator) Typing(conversationID, agentID, agentName string) {
	frame := wire.NewServerFrame(wire.ServerTyping, conversationID, wire.Update{
		Type:      wire.UpdateTurnStart,
		AgentID:   agentID,
		AgentName: agentName,
	})
	_ = c.registry.Broadcast(conversationID, frame)
}

// pushBody renders the notification body: speaker name plus a clipped excerpt
// of the turn.
func pushBody(msg *convo.Message) string {
	const maxExcerpt = 120
	content := msg.Content
	if len(content) > maxExcerpt {
		content = content[:maxExcerpt-1] + "…"
	}
	if msg.AgentName == "" {
		return content
	}
	return msg.AgentName + ": " + content
}
