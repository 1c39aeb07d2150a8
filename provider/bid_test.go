package provider

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/roundtable/bidding"
)

func TestParseBidScores(t *testing.T) {
	cases := []struct {
		name string
		text string
		want bidding.Scores
	}{
		{
			name: "bare object",
			text: `{"relevance": 0.9, "confidence": 0.8, "novelty": 0.5, "urgency": 0.1}`,
			want: bidding.Scores{Relevance: 0.9, Confidence: 0.8, Novelty: 0.5, Urgency: 0.1},
		},
		{
			name: "object surrounded by prose",
			text: "Sure! Here is my bid:\n```json\n{\"relevance\": 0.7, \"confidence\": 0.6, \"novelty\": 0.4, \"urgency\": 0.2}\n```\nLet me know.",
			want: bidding.Scores{Relevance: 0.7, Confidence: 0.6, Novelty: 0.4, Urgency: 0.2},
		},
		{
			name: "out of range values clamped",
			text: `{"relevance": 1.7, "confidence": -0.3, "novelty": 0.5, "urgency": 2}`,
			want: bidding.Scores{Relevance: 1, Confidence: 0, Novelty: 0.5, Urgency: 1},
		},
		{
			name: "no json at all",
			text: "I would love to speak next!",
			want: FallbackScores,
		},
		{
			name: "missing field",
			text: `{"relevance": 0.9, "confidence": 0.8, "novelty": 0.5}`,
			want: FallbackScores,
		},
		{
			name: "non numeric field",
			text: `{"relevance": "high", "confidence": 0.8, "novelty": 0.5, "urgency": 0.1}`,
			want: FallbackScores,
		},
		{
			name: "unbalanced object",
			text: `{"relevance": 0.9, "confidence": 0.8, "novelty": 0.5, "urgency": 0.1`,
			want: FallbackScores,
		},
		{
			name: "braces inside strings ignored",
			text: `{"relevance": 0.9, "confidence": 0.8, "novelty": 0.5, "urgency": 0.1, "note": "uses { and } freely"}`,
			want: bidding.Scores{Relevance: 0.9, Confidence: 0.8, Novelty: 0.5, Urgency: 0.1},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ParseBidScores(tc.text))
		})
	}
}

func TestParseBidOutcomeDecisions(t *testing.T) {
	out := ParseBidOutcome(`{"relevance": 0.5, "confidence": 0.5, "novelty": 0.5, "urgency": 0.5, "decision": "pass"}`)
	require.Equal(t, bidding.ActionPass, out.Decision.Action)

	out = ParseBidOutcome(`{"relevance": 0.5, "confidence": 0.5, "novelty": 0.5, "urgency": 0.5, "decision": "defer", "target": "ada"}`)
	require.Equal(t, bidding.ActionDefer, out.Decision.Action)
	require.Equal(t, "ada", out.Decision.Target)

	// Defer without a target degrades to a plain bid.
	out = ParseBidOutcome(`{"relevance": 0.5, "confidence": 0.5, "novelty": 0.5, "urgency": 0.5, "decision": "defer"}`)
	require.Equal(t, bidding.ActionBid, out.Decision.Action)

	// Unknown decision values fail schema validation and fall back entirely.
	out = ParseBidOutcome(`{"relevance": 0.5, "confidence": 0.5, "novelty": 0.5, "urgency": 0.5, "decision": "maybe"}`)
	require.Equal(t, FallbackScores, out.Scores)
	require.Equal(t, bidding.ActionBid, out.Decision.Action)
}

func TestFirstJSONObject(t *testing.T) {
	raw, ok := firstJSONObject(`leading {"a": {"b": 1}} trailing {"c": 2}`)
	require.True(t, ok)
	require.Equal(t, `{"a": {"b": 1}}`, raw)

	_, ok = firstJSONObject("no braces here")
	require.False(t, ok)
}

func TestBidPromptMentionsContext(t *testing.T) {
	bc := BidContext{
		Topic:        "ship naming",
		Goal:         "pick a name",
		Summary:      "Two camps have formed.",
		AgentName:    "ada",
		Participants: []string{"ada", "grace"},
		Recent: []TurnBrief{
			{Turn: 3, AgentID: "grace", KeyPoint: "Suggested Dauntless."},
		},
	}
	msgs := bc.prompt()
	require.Len(t, msgs, 2)
	require.Contains(t, msgs[1].Content, "ship naming")
	require.Contains(t, msgs[1].Content, "Suggested Dauntless.")
	require.Contains(t, msgs[1].Content, "You are ada")
}
