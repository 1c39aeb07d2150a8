// Package registry tracks live observer sessions: the userId → session map,
// the conversationId → subscriber reverse index, and per-session outbound
// queues. The registry is in-memory and all operations are non-blocking; a
// session whose queue is full or whose transport rejects a write is dropped.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/roundtable/telemetry"
	"goa.design/roundtable/wire"
)

type (
	// Transport is the minimal write surface of a live connection. Satisfied
	// by a thin wrapper over *websocket.Conn; tests supply fakes.
	Transport interface {
		// WriteFrame sends one server frame. A returned error marks the
		// transport dead.
		WriteFrame(frame wire.ServerFrame) error
		// Close terminates the connection with a close reason.
		Close(reason string) error
	}

	// Session is one live observer connection.
	Session struct {
		UserID      string
		ConnectedAt time.Time

		transport Transport
		send      chan wire.ServerFrame
		done      chan struct{}
		closeOnce sync.Once

		mu         sync.Mutex
		lastPingAt time.Time
	}

	// Options tunes the registry.
	Options struct {
		// SendBuffer is the per-session outbound queue depth. Defaults to 32.
		SendBuffer int
		// IdleTimeout evicts sessions whose last ping is older than this.
		// Zero disables the sweeper.
		IdleTimeout time.Duration
		// SweepInterval is how often the idle sweeper runs. Defaults to one
		// minute when IdleTimeout is set.
		SweepInterval time.Duration
		// Logger records session lifecycle events. Defaults to noop.
		Logger telemetry.Logger
	}

	// Registry owns the live session set. All methods are safe for
	// concurrent use.
	Registry struct {
		mu            sync.Mutex
		sessions      map[string]*Session
		subscriptions map[string]map[string]struct{}

		sendBuffer int
		logger     telemetry.Logger
	}
)

// CloseReasonSuperseded is the close reason sent to a session replaced by a
// newer connection for the same user.
const CloseReasonSuperseded = "new connection established"

const (
	defaultSendBuffer    = 32
	defaultSweepInterval = time.Minute
)

// ErrSessionClosed reports a write to a session that has been removed.
var ErrSessionClosed = errors.New("registry: session closed")

// New builds a session registry. When opts.IdleTimeout is set, a background
// sweeper evicts idle sessions until ctx is cancelled.
func New(ctx context.Context, opts Options) *Registry {
	buffer := opts.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	r := &Registry{
		sessions:      make(map[string]*Session),
		subscriptions: make(map[string]map[string]struct{}),
		sendBuffer:    buffer,
		logger:        logger,
	}
	if opts.IdleTimeout > 0 {
		interval := opts.SweepInterval
		if interval <= 0 {
			interval = defaultSweepInterval
		}
		go r.sweep(ctx, opts.IdleTimeout, interval)
	}
	return r
}

// Add registers a live transport for userID and returns its session. A prior
// session for the same user is closed with CloseReasonSuperseded and replaced
// atomically.
func (r *Registry) Add(ctx context.Context, userID string, transport Transport) *Session {
	now := time.Now()
	s := &Session{
		UserID:      userID,
		ConnectedAt: now,
		lastPingAt:  now,
		transport:   transport,
		send:        make(chan wire.ServerFrame, r.sendBuffer),
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	prev := r.sessions[userID]
	r.sessions[userID] = s
	r.mu.Unlock()

	if prev != nil {
		prev.close(CloseReasonSuperseded)
		r.logger.Info(ctx, "session superseded", "user_id", userID)
	}

	go s.writePump()
	return s
}

// Remove drops the user's session and clears its subscriptions. Removing an
// unknown user is a no-op.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	s := r.sessions[userID]
	delete(r.sessions, userID)
	for convoID, subs := range r.subscriptions {
		delete(subs, userID)
		if len(subs) == 0 {
			delete(r.subscriptions, convoID)
		}
	}
	r.mu.Unlock()

	if s != nil {
		s.close("")
	}
}

// RemoveSession drops the user's session only when s is still the current
// one, so a superseded connection cannot evict its replacement on teardown.
func (r *Registry) RemoveSession(userID string, s *Session) {
	r.mu.Lock()
	current := r.sessions[userID]
	r.mu.Unlock()
	if current != s {
		s.close("")
		return
	}
	r.Remove(userID)
}

// Subscribe adds userID to the conversation's subscriber set. Idempotent;
// subscribing without a live session is a no-op.
func (r *Registry) Subscribe(userID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[userID]; !ok {
		return
	}
	subs, ok := r.subscriptions[conversationID]
	if !ok {
		subs = make(map[string]struct{})
		r.subscriptions[conversationID] = subs
	}
	subs[userID] = struct{}{}
}

// Unsubscribe removes userID from the conversation's subscriber set.
// Idempotent.
func (r *Registry) Unsubscribe(userID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.subscriptions[conversationID]
	if !ok {
		return
	}
	delete(subs, userID)
	if len(subs) == 0 {
		delete(r.subscriptions, conversationID)
	}
}

// Subscribers returns the user ids subscribed to a conversation.
func (r *Registry) Subscribers(conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subscriptions[conversationID]
	out := make([]string, 0, len(subs))
	for userID := range subs {
		out = append(out, userID)
	}
	return out
}

// SendToUser queues frame for the user's live session. Returns true when the
// session exists and accepted the frame; on any failure the session is
// removed and false is returned.
func (r *Registry) SendToUser(userID string, frame wire.ServerFrame) bool {
	r.mu.Lock()
	s := r.sessions[userID]
	r.mu.Unlock()
	if s == nil {
		return false
	}
	if err := s.enqueue(frame); err != nil {
		r.Remove(userID)
		return false
	}
	return true
}

// Broadcast sends frame to every subscriber of the conversation and returns
// the user ids for which delivery failed.
func (r *Registry) Broadcast(conversationID string, frame wire.ServerFrame) []string {
	var unreachable []string
	for _, userID := range r.Subscribers(conversationID) {
		if !r.SendToUser(userID, frame) {
			unreachable = append(unreachable, userID)
		}
	}
	return unreachable
}

// Ping refreshes the session's liveness timestamp.
func (r *Registry) Ping(userID string) {
	r.mu.Lock()
	s := r.sessions[userID]
	r.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	s.lastPingAt = time.Now()
	s.mu.Unlock()
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) sweep(ctx context.Context, idle, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-idle)
			r.mu.Lock()
			var stale []string
			for userID, s := range r.sessions {
				if s.LastPingAt().Before(cutoff) {
					stale = append(stale, userID)
				}
			}
			r.mu.Unlock()
			for _, userID := range stale {
				r.logger.Info(ctx, "evicting idle session", "user_id", userID)
				r.Remove(userID)
			}
		}
	}
}

// enqueue hands a frame to the writer pump without blocking.
func (s *Session) enqueue(frame wire.ServerFrame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return errors.New("registry: send queue full")
	}
}

// writePump drains the send queue onto the transport. A write failure stops
// the pump; the registry removes the session on the next send attempt.
func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			if err := s.transport.WriteFrame(frame); err != nil {
				s.close("")
				return
			}
		}
	}
}

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastPingAt reports the most recent liveness refresh.
func (s *Session) LastPingAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPingAt
}

func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.transport.Close(reason)
	})
}
