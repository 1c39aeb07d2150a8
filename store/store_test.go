package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/roundtable/convo"
)

func TestMemoryRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	c := &convo.Conversation{
		ID:        "c1",
		Topic:     "topic",
		Mode:      convo.ModeCampfire,
		MaxTurns:  10,
		Status:    convo.StatusPending,
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.Put(ctx, c))

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, c.ID, got.ID)
	require.Equal(t, c.Topic, got.Topic)
}

func TestMemoryIsolation(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	c := &convo.Conversation{ID: "c1", Topic: "t", Mode: convo.ModeSolo, MaxTurns: 1, Status: convo.StatusPending}
	require.NoError(t, s.Put(ctx, c))

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	got.Messages = append(got.Messages, convo.Message{TurnNumber: 1})
	got.Topic = "mutated"

	again, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, again.Messages)
	require.Equal(t, "t", again.Topic)
}

func TestListByUser(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	older := &convo.Conversation{ID: "c1", Topic: "t", Mode: convo.ModeSolo, MaxTurns: 1, Status: convo.StatusPending, UpdatedAt: time.Now().Add(-time.Hour)}
	newer := &convo.Conversation{ID: "c2", Topic: "t", Mode: convo.ModeSolo, MaxTurns: 1, Status: convo.StatusPending, UpdatedAt: time.Now()}
	require.NoError(t, s.Put(ctx, older))
	require.NoError(t, s.Put(ctx, newer))
	require.NoError(t, s.AddUserToConversation(ctx, "u1", "c1"))
	require.NoError(t, s.AddUserToConversation(ctx, "u1", "c2"))
	require.NoError(t, s.AddUserToConversation(ctx, "u1", "c2"), "idempotent")

	list, err := s.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "c2", list[0].ID)

	list, err = s.ListByUser(ctx, "u2")
	require.NoError(t, err)
	require.Empty(t, list)
}
