package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)
	return m
}

func TestCreateInitialContext(t *testing.T) {
	m := newTestManager(t)
	cc := m.CreateInitialContext("c1", "topic", "goal", []string{"a", "b"})
	require.Equal(t, "c1", cc.ConversationID)
	require.Zero(t, cc.CurrentTurn)
	require.Empty(t, cc.Summary)
	require.Empty(t, cc.Recent)
	require.Equal(t, []string{"a", "b"}, cc.Participants)
}

func TestUpdateContextWindow(t *testing.T) {
	m := newTestManager(t)
	cc := m.CreateInitialContext("c1", "topic", "", []string{"a"})

	var err error
	for i := 1; i <= 7; i++ {
		cc, err = m.UpdateContext(context.Background(), cc, Turn{
			TurnNumber: i,
			AgentID:    "a",
			Content:    "Point one. Point two. Point three.",
		}, nil)
		require.NoError(t, err)
	}

	require.Equal(t, 7, cc.CurrentTurn)
	require.Len(t, cc.Recent, 5)
	require.Equal(t, 3, cc.Recent[0].TurnNumber)
	require.Equal(t, 7, cc.Recent[len(cc.Recent)-1].TurnNumber)
	// Key point keeps only the first two sentences.
	require.Equal(t, "Point one. Point two.", cc.Recent[0].KeyPoint)
}

func TestKeyPointTruncation(t *testing.T) {
	m := newTestManager(t)
	cc := m.CreateInitialContext("c1", "topic", "", nil)

	long := strings.Repeat("x", 500) + ". More."
	cc, err := m.UpdateContext(context.Background(), cc, Turn{TurnNumber: 1, AgentID: "a", Content: long}, nil)
	require.NoError(t, err)
	point := cc.Recent[0].KeyPoint
	require.True(t, strings.HasSuffix(point, "..."))
	require.LessOrEqual(t, len(point), 203)
}

func TestSummarizeCadence(t *testing.T) {
	m := newTestManager(t)
	cc := m.CreateInitialContext("c1", "topic", "", nil)

	calls := 0
	summarize := func(ctx context.Context, existing string, recent []TurnEntry) (string, error) {
		calls++
		return "summary after turn " + recent[len(recent)-1].KeyPoint, nil
	}

	var err error
	for i := 1; i <= 10; i++ {
		cc, err = m.UpdateContext(context.Background(), cc, Turn{
			TurnNumber: i, AgentID: "a", Content: "t",
		}, summarize)
		require.NoError(t, err)
	}
	// Cadence of 5 fires at turns 5 and 10.
	require.Equal(t, 2, calls)
	require.NotEmpty(t, cc.Summary)
}

func TestSummarizerFailureKeepsPreviousSummary(t *testing.T) {
	m := newTestManager(t)
	cc := m.CreateInitialContext("c1", "topic", "", nil)
	cc.Summary = "previous"
	cc.CurrentTurn = 4

	cc, err := m.UpdateContext(context.Background(), cc, Turn{TurnNumber: 5, AgentID: "a", Content: "t"},
		func(ctx context.Context, existing string, recent []TurnEntry) (string, error) {
			return "", errors.New("summarizer down")
		})
	require.NoError(t, err)
	require.Equal(t, "previous", cc.Summary)
}

func TestRouteForRole(t *testing.T) {
	m := newTestManager(t)
	cc := CompactContext{
		Summary: "long summary",
		Recent: []TurnEntry{
			{TurnNumber: 1, AgentID: "a", KeyPoint: "one"},
			{TurnNumber: 2, AgentID: "b", KeyPoint: "two"},
			{TurnNumber: 3, AgentID: "a", KeyPoint: "three"},
		},
	}

	critic := m.RouteForRole(cc, RoleCritic)
	require.Empty(t, critic.Summary)
	require.Len(t, critic.Recent, 1)
	require.Equal(t, 3, critic.Recent[0].TurnNumber)

	synth := m.RouteForRole(cc, RoleSynthesizer)
	require.Equal(t, "long summary", synth.Summary)
	require.Len(t, synth.Recent, 3)

	full := m.RouteForRole(cc, Role("unknown"))
	require.Equal(t, cc, full)
}

func TestEstimateTokens(t *testing.T) {
	cc := CompactContext{
		Summary: strings.Repeat("s", 10), // ceil(10/4) = 3
		Recent: []TurnEntry{
			{KeyPoint: strings.Repeat("k", 7)}, // ceil(7/4) = 2
			{KeyPoint: strings.Repeat("k", 8)}, // 2
		},
	}
	require.Equal(t, 3+2+2+50, EstimateTokens(cc))
}
