// Package convo defines the conversation domain types: conversations,
// participants, their per-conversation statistics and turn messages. The
// types are persistence-shaped (JSON and BSON tagged) and carry no behavior
// beyond validation and small state-machine helpers; the orchestrator drives
// all mutation.
package convo

import (
	"errors"
	"fmt"
	"time"
)

type (
	// Status is the conversation lifecycle state.
	Status string

	// Mode selects the conversation format.
	Mode string

	// Conversation is the unit of orchestration. It exclusively owns its
	// Messages and Participants.
	Conversation struct {
		ID              string        `json:"conversationId" bson:"_id"`
		Topic           string        `json:"topic" bson:"topic"`
		Goal            string        `json:"goal,omitempty" bson:"goal,omitempty"`
		Mode            Mode          `json:"mode" bson:"mode"`
		MaxTurns        int           `json:"maxTurns" bson:"max_turns"`
		Status          Status        `json:"status" bson:"status"`
		CurrentTurn     int           `json:"currentTurn" bson:"current_turn"`
		Participants    []Participant `json:"participants" bson:"participants"`
		Messages        []Message     `json:"messages" bson:"messages"`
		InitiatorUserID string        `json:"initiatorUserId" bson:"initiator_user_id"`
		CreatedAt       time.Time     `json:"createdAt" bson:"created_at"`
		UpdatedAt       time.Time     `json:"updatedAt" bson:"updated_at"`
		// EndReason records why a conversation completed ("max_turns",
		// "stalled", "budget", "concluded", "cancelled").
		EndReason string `json:"endReason,omitempty" bson:"end_reason,omitempty"`
	}

	// Participant binds an agent into a conversation. Immutable after the
	// first turn is emitted.
	Participant struct {
		ID           string           `json:"participantId" bson:"participant_id"`
		AgentID      string           `json:"agentId" bson:"agent_id"`
		UserID       string           `json:"userId" bson:"user_id"`
		DisplayName  string           `json:"displayName" bson:"display_name"`
		Provider     string           `json:"provider" bson:"provider"`
		ModelID      string           `json:"modelId" bson:"model_id"`
		SystemPrompt string           `json:"systemPrompt,omitempty" bson:"system_prompt,omitempty"`
		Temperature  float32          `json:"temperature,omitempty" bson:"temperature,omitempty"`
		MaxTokens    int              `json:"maxTokens,omitempty" bson:"max_tokens,omitempty"`
		KeyHandle    string           `json:"-" bson:"key_handle"`
		Stats        ParticipantStats `json:"stats" bson:"stats"`
	}

	// ParticipantStats accumulates per-conversation activity. It is a value
	// embedded in the participant list, updated only by the orchestrator.
	ParticipantStats struct {
		TurnsTaken  int       `json:"turnsTaken" bson:"turns_taken"`
		TokensUsed  int       `json:"tokensUsed" bson:"tokens_used"`
		AvgBidScore float64   `json:"avgBidScore" bson:"avg_bid_score"`
		LastSpokeAt time.Time `json:"lastSpokeAt,omitempty" bson:"last_spoke_at,omitempty"`
	}

	// Message is the immutable record of one completed turn.
	Message struct {
		ID             string        `json:"messageId" bson:"message_id"`
		ConversationID string        `json:"conversationId" bson:"conversation_id"`
		TurnNumber     int           `json:"turnNumber" bson:"turn_number"`
		AgentID        string        `json:"agentId" bson:"agent_id"`
		AgentName      string        `json:"agentName" bson:"agent_name"`
		Content        string        `json:"content" bson:"content"`
		CreatedAt      time.Time     `json:"createdAt" bson:"created_at"`
		InputTokens    int           `json:"inputTokens" bson:"input_tokens"`
		OutputTokens   int           `json:"outputTokens" bson:"output_tokens"`
		Latency        time.Duration `json:"latencyMs" bson:"latency_ms"`
	}
)

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

const (
	// ModeBTS is the behind-the-scenes format: agents discuss among
	// themselves while humans observe.
	ModeBTS Mode = "bts"
	// ModeCampfire is the open roundtable format.
	ModeCampfire Mode = "campfire"
	// ModeSolo runs a single agent thinking out loud.
	ModeSolo Mode = "solo"
)

// Participant count bounds enforced on start.
const (
	MinParticipants = 2
	MaxParticipants = 8
)

// ErrInvalidTransition reports a lifecycle operation applied in the wrong
// status.
var ErrInvalidTransition = errors.New("convo: invalid status transition")

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusPaused, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeBTS, ModeCampfire, ModeSolo:
		return true
	}
	return false
}

// minParticipants returns the lower participant bound for the mode. Solo
// conversations run with a single agent.
func (m Mode) minParticipants() int {
	if m == ModeSolo {
		return 1
	}
	return MinParticipants
}

// Validate checks the conversation invariants that hold regardless of
// status.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return errors.New("convo: conversation id is required")
	}
	if c.Topic == "" {
		return errors.New("convo: topic is required")
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("convo: unknown mode %q", c.Mode)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("convo: unknown status %q", c.Status)
	}
	if c.MaxTurns <= 0 {
		return errors.New("convo: max turns must be positive")
	}
	return nil
}

// Start transitions pending → active, enforcing the participant count
// bounds.
func (c *Conversation) Start(now time.Time) error {
	if c.Status != StatusPending && c.Status != StatusPaused {
		return fmt.Errorf("%w: start from %q", ErrInvalidTransition, c.Status)
	}
	n := len(c.Participants)
	if n < c.Mode.minParticipants() || n > MaxParticipants {
		return fmt.Errorf("convo: participant count %d outside [%d, %d]",
			n, c.Mode.minParticipants(), MaxParticipants)
	}
	c.Status = StatusActive
	c.UpdatedAt = now
	return nil
}

// Pause transitions active → paused.
func (c *Conversation) Pause(now time.Time) error {
	if c.Status != StatusActive {
		return fmt.Errorf("%w: pause from %q", ErrInvalidTransition, c.Status)
	}
	c.Status = StatusPaused
	c.UpdatedAt = now
	return nil
}

// Cancel transitions any non-terminal status → cancelled.
func (c *Conversation) Cancel(now time.Time) error {
	if c.Status.Terminal() {
		return fmt.Errorf("%w: cancel from %q", ErrInvalidTransition, c.Status)
	}
	c.Status = StatusCancelled
	c.EndReason = "cancelled"
	c.UpdatedAt = now
	return nil
}

// Complete transitions active → completed with the given reason.
func (c *Conversation) Complete(reason string, now time.Time) error {
	if c.Status != StatusActive {
		return fmt.Errorf("%w: complete from %q", ErrInvalidTransition, c.Status)
	}
	c.Status = StatusCompleted
	c.EndReason = reason
	c.UpdatedAt = now
	return nil
}

// Join appends a participant. Participants join before the first turn only.
func (c *Conversation) Join(p Participant, now time.Time) error {
	if c.Status != StatusPending {
		return fmt.Errorf("%w: join from %q", ErrInvalidTransition, c.Status)
	}
	if len(c.Participants) >= MaxParticipants {
		return fmt.Errorf("convo: participant limit %d reached", MaxParticipants)
	}
	if p.AgentID == "" {
		return errors.New("convo: agent id is required")
	}
	for _, existing := range c.Participants {
		if existing.AgentID == p.AgentID {
			return fmt.Errorf("convo: agent %q already joined", p.AgentID)
		}
	}
	c.Participants = append(c.Participants, p)
	c.UpdatedAt = now
	return nil
}

// Append records a completed turn. The message turn number must extend the
// dense 1..N sequence; CurrentTurn tracks the number of appended messages.
func (c *Conversation) Append(m Message, now time.Time) error {
	if c.Status != StatusActive {
		return fmt.Errorf("%w: append from %q", ErrInvalidTransition, c.Status)
	}
	if m.TurnNumber != c.CurrentTurn+1 {
		return fmt.Errorf("convo: turn number %d does not extend current turn %d",
			m.TurnNumber, c.CurrentTurn)
	}
	c.Messages = append(c.Messages, m)
	c.CurrentTurn = m.TurnNumber
	c.UpdatedAt = now
	return nil
}

// Participant returns the participant bound to agentID.
func (c *Conversation) Participant(agentID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.AgentID == agentID {
			return p, true
		}
	}
	return Participant{}, false
}

// UpdateStats replaces the stats for agentID.
func (c *Conversation) UpdateStats(agentID string, stats ParticipantStats) {
	for i := range c.Participants {
		if c.Participants[i].AgentID == agentID {
			c.Participants[i].Stats = stats
			return
		}
	}
}

// TotalTokens sums the token counts across all messages.
func (c *Conversation) TotalTokens() int {
	n := 0
	for _, m := range c.Messages {
		n += m.InputTokens + m.OutputTokens
	}
	return n
}
