package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"goa.design/roundtable/wire"
)

type (
	// websocketUpgrader is the subset of *websocket.Upgrader the handler
	// uses.
	websocketUpgrader interface {
		Upgrade(w http.ResponseWriter, r *http.Request, h http.Header) (*websocket.Conn, error)
	}

	// wsTransport adapts a websocket connection to the registry transport
	// contract. The registry's write pump is the only data writer; the mutex
	// serializes it against control-frame writes from Close.
	wsTransport struct {
		mu   sync.Mutex
		conn *websocket.Conn
	}

	// typingPayload is relayed to subscribers when an observer reports
	// typing.
	typingPayload struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
	}
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1 << 16
)

func newUpgrader() websocketUpgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

func (t *wsTransport) WriteFrame(frame wire.ServerFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteJSON(frame)
}

func (t *wsTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
	return t.conn.Close()
}

// serveWS performs the ticket handshake and runs the connection's read loop.
// Authentication uses a single-use ticket in the query string because
// browsers cannot set headers on WebSocket handshakes.
func (s *Service) serveWS(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing ticket", "")
		return
	}
	userID, err := s.tickets.Redeem(ticket)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid ticket", "")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Debug(r.Context(), "websocket upgrade failed", "user_id", userID, "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	transport := &wsTransport{conn: conn}
	session := s.registry.Add(r.Context(), userID, transport)
	s.registry.SendToUser(userID, wire.NewServerFrame(wire.ServerConnected, "", map[string]string{"userId": userID}))
	s.logger.Info(r.Context(), "observer connected", "user_id", userID)

	defer s.registry.RemoveSession(userID, session)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wire.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.registry.SendToUser(userID, wire.NewServerFrame(wire.ServerError, "", wire.ErrorPayload{
				Code:    "invalid_frame",
				Message: "malformed client frame",
			}))
			continue
		}
		s.handleClientFrame(userID, frame)
	}
}

func (s *Service) handleClientFrame(userID string, frame wire.ClientFrame) {
	switch frame.Type {
	case wire.ClientPing:
		s.registry.Ping(userID)
		s.registry.SendToUser(userID, wire.NewServerFrame(wire.ServerPong, "", nil))
	case wire.ClientSubscribe:
		if p, ok := subscribePayload(frame); ok {
			s.registry.Subscribe(userID, p.ConversationID)
		}
	case wire.ClientUnsubscribe:
		if p, ok := subscribePayload(frame); ok {
			s.registry.Unsubscribe(userID, p.ConversationID)
		}
	case wire.ClientTyping:
		if p, ok := subscribePayload(frame); ok {
			s.registry.Broadcast(p.ConversationID, wire.NewServerFrame(wire.ServerTyping, p.ConversationID, typingPayload{
				ConversationID: p.ConversationID,
				UserID:         userID,
			}))
		}
	default:
		s.registry.SendToUser(userID, wire.NewServerFrame(wire.ServerError, "", wire.ErrorPayload{
			Code:    "unknown_frame",
			Message: "unknown client frame type",
		}))
	}
}

func subscribePayload(frame wire.ClientFrame) (wire.SubscribePayload, bool) {
	var p wire.SubscribePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.ConversationID == "" {
		return wire.SubscribePayload{}, false
	}
	return p, true
}
