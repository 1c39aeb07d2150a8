// Package memory maintains the per-conversation compact context: a rolling
// natural-language summary plus a bounded window of recent turn key points.
// The manager is pure bookkeeping; summarization is delegated to an external
// collaborator (typically another model call) supplied per update.
package memory

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

type (
	// CompactContext is the bounded working memory shipped to every agent
	// call.
	CompactContext struct {
		ConversationID string      `json:"conversationId"`
		CurrentTurn    int         `json:"currentTurn"`
		Summary        string      `json:"summary"`
		Recent         []TurnEntry `json:"recent"`
		Topic          string      `json:"topic"`
		Goal           string      `json:"goal,omitempty"`
		Participants   []string    `json:"participants"`
	}

	// TurnEntry is one entry of the recent-turn window.
	TurnEntry struct {
		TurnNumber int    `json:"turnNumber"`
		AgentID    string `json:"agentId"`
		KeyPoint   string `json:"keyPoint"`
	}

	// Turn is the completed-turn input to UpdateContext.
	Turn struct {
		TurnNumber int
		AgentID    string
		Content    string
	}

	// Summarizer folds the recent window into a fresh rolling summary. It is
	// invoked every summarizeEveryNTurns turns.
	Summarizer func(ctx context.Context, existing string, recent []TurnEntry) (string, error)

	// Role selects a reduced context view for specialized agents.
	Role string

	// RoleView controls what RouteForRole hands a given role.
	RoleView struct {
		// IncludeSummary keeps the rolling summary in the view.
		IncludeSummary bool
		// RecentTurns caps the recent window. Zero means the full window.
		RecentTurns int
	}

	// Config tunes the manager.
	Config struct {
		MaxSummaryTokens     int               `yaml:"max_summary_tokens"`
		SummarizeEveryNTurns int               `yaml:"summarize_every_n_turns"`
		MaxRecentTurns       int               `yaml:"max_recent_turns"`
		MaxKeyPointLength    int               `yaml:"max_key_point_length"`
		RoleViews            map[Role]RoleView `yaml:"-"`
	}

	// Manager applies the compaction policy.
	Manager struct {
		cfg Config
	}
)

// Roles with specialized context views.
const (
	RoleCritic      Role = "critic"
	RoleSynthesizer Role = "synthesizer"
)

// DefaultConfig returns the standard compaction policy.
func DefaultConfig() Config {
	return Config{
		MaxSummaryTokens:     500,
		SummarizeEveryNTurns: 5,
		MaxRecentTurns:       5,
		MaxKeyPointLength:    200,
		RoleViews: map[Role]RoleView{
			RoleCritic:      {IncludeSummary: false, RecentTurns: 1},
			RoleSynthesizer: {IncludeSummary: true, RecentTurns: 10},
		},
	}
}

// NewManager builds a context manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MaxSummaryTokens <= 0 {
		return nil, errors.New("max summary tokens must be positive")
	}
	if cfg.SummarizeEveryNTurns <= 0 {
		return nil, errors.New("summarize cadence must be positive")
	}
	if cfg.MaxRecentTurns <= 0 {
		return nil, errors.New("max recent turns must be positive")
	}
	if cfg.MaxKeyPointLength <= 0 {
		return nil, errors.New("max key point length must be positive")
	}
	return &Manager{cfg: cfg}, nil
}

// CreateInitialContext returns the empty context for a new conversation.
func (m *Manager) CreateInitialContext(conversationID, topic, goal string, participants []string) CompactContext {
	return CompactContext{
		ConversationID: conversationID,
		Topic:          topic,
		Goal:           goal,
		Participants:   append([]string(nil), participants...),
	}
}

// UpdateContext folds a completed turn into cc: extracts the key point,
// advances the recent window and the turn counter, and re-summarizes on the
// configured cadence when a summarizer is supplied. Summarizer failures keep
// the previous summary rather than failing the turn.
func (m *Manager) UpdateContext(ctx context.Context, cc CompactContext, turn Turn, summarize Summarizer) (CompactContext, error) {
	entry := TurnEntry{
		TurnNumber: turn.TurnNumber,
		AgentID:    turn.AgentID,
		KeyPoint:   m.extractKeyPoint(turn.Content),
	}
	cc.Recent = append(cc.Recent, entry)
	if n := len(cc.Recent); n > m.cfg.MaxRecentTurns {
		cc.Recent = append([]TurnEntry(nil), cc.Recent[n-m.cfg.MaxRecentTurns:]...)
	}
	cc.CurrentTurn++

	if summarize != nil && cc.CurrentTurn%m.cfg.SummarizeEveryNTurns == 0 {
		sum, err := summarize(ctx, cc.Summary, cc.Recent)
		if err != nil {
			return cc, nil
		}
		cc.Summary = m.truncateSummary(sum)
	}
	return cc, nil
}

// RouteForRole produces the reduced context view for role. Unknown roles get
// the full context.
func (m *Manager) RouteForRole(cc CompactContext, role Role) CompactContext {
	view, ok := m.cfg.RoleViews[role]
	if !ok {
		return cc
	}
	out := cc
	if !view.IncludeSummary {
		out.Summary = ""
	}
	if view.RecentTurns > 0 && len(cc.Recent) > view.RecentTurns {
		out.Recent = append([]TurnEntry(nil), cc.Recent[len(cc.Recent)-view.RecentTurns:]...)
	}
	return out
}

// EstimateTokens approximates the token footprint of cc: four characters per
// token plus a fixed overhead for framing.
func EstimateTokens(cc CompactContext) int {
	n := ceilDiv(len(cc.Summary), 4)
	for _, e := range cc.Recent {
		n += ceilDiv(len(e.KeyPoint), 4)
	}
	return n + 50
}

// extractKeyPoint takes the first one or two sentences of content, truncated
// to the configured length with a trailing ellipsis.
func (m *Manager) extractKeyPoint(content string) string {
	content = strings.TrimSpace(content)
	sentences := splitSentences(content)
	var point string
	switch {
	case len(sentences) == 0:
		point = content
	case len(sentences) == 1:
		point = sentences[0]
	default:
		point = sentences[0] + " " + sentences[1]
	}
	return truncate(point, m.cfg.MaxKeyPointLength)
}

func (m *Manager) truncateSummary(sum string) string {
	// The summary budget is expressed in tokens; apply the same four
	// characters per token heuristic used by EstimateTokens.
	return truncate(sum, m.cfg.MaxSummaryTokens*4)
}

func splitSentences(s string) []string {
	var (
		out   []string
		start int
	)
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			sentence := strings.TrimSpace(s[start : i+1])
			if sentence != "" {
				out = append(out, sentence)
			}
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}
