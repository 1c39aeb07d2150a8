// Package wire defines the JSON frames exchanged over the live observer
// channel and the nested conversation update payloads shared with the
// delivery layer.
package wire

import (
	"encoding/json"
	"time"

	"goa.design/roundtable/convo"
)

type (
	// ServerFrameType tags frames flowing server → client.
	ServerFrameType string

	// ClientFrameType tags frames flowing client → server.
	ClientFrameType string

	// UpdateType tags the nested payload of a conversation_update frame.
	UpdateType string

	// ServerFrame is the envelope for every server → client message.
	ServerFrame struct {
		Type           ServerFrameType `json:"type"`
		ConversationID string          `json:"conversationId,omitempty"`
		Payload        any             `json:"payload,omitempty"`
		Timestamp      time.Time       `json:"timestamp"`
	}

	// ClientFrame is the envelope for every client → server message.
	ClientFrame struct {
		Type    ClientFrameType `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// SubscribePayload is the payload of subscribe/unsubscribe/typing client
	// frames.
	SubscribePayload struct {
		ConversationID string `json:"conversationId"`
	}

	// Update is the nested payload of a conversation_update frame.
	Update struct {
		Type UpdateType `json:"type"`
		// AgentID is set for turn_start and typing-originated updates.
		AgentID string `json:"agentId,omitempty"`
		// AgentName mirrors AgentID for display.
		AgentName string `json:"agentName,omitempty"`
		// Message carries the completed turn for message updates.
		Message *convo.Message `json:"message,omitempty"`
		// TotalTurns is set on conversation_end.
		TotalTurns int `json:"totalTurns,omitempty"`
		// Reason is set on conversation_end and error updates.
		Reason string `json:"reason,omitempty"`
	}

	// ErrorPayload is the payload of a server error frame.
	ErrorPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

const (
	ServerConnected          ServerFrameType = "connected"
	ServerConversationUpdate ServerFrameType = "conversation_update"
	ServerTyping             ServerFrameType = "typing"
	ServerPong               ServerFrameType = "pong"
	ServerError              ServerFrameType = "error"
)

const (
	ClientPing        ClientFrameType = "ping"
	ClientSubscribe   ClientFrameType = "subscribe"
	ClientUnsubscribe ClientFrameType = "unsubscribe"
	ClientTyping      ClientFrameType = "typing"
)

const (
	UpdateConversationStart UpdateType = "conversation_start"
	UpdateTurnStart         UpdateType = "turn_start"
	UpdateMessage           UpdateType = "message"
	UpdateConversationEnd   UpdateType = "conversation_end"
	UpdateError             UpdateType = "error"
)

// NewServerFrame builds a stamped server frame.
func NewServerFrame(t ServerFrameType, conversationID string, payload any) ServerFrame {
	return ServerFrame{
		Type:           t,
		ConversationID: conversationID,
		Payload:        payload,
		Timestamp:      time.Now().UTC(),
	}
}

// ConversationUpdate builds a conversation_update frame carrying u.
func ConversationUpdate(conversationID string, u Update) ServerFrame {
	return NewServerFrame(ServerConversationUpdate, conversationID, u)
}
