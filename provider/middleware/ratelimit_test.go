package middleware

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/roundtable/model"
)

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 500, estimateTokens(model.Request{}))

	req := model.Request{Messages: []model.Message{
		{Role: model.RoleUser, Content: "abcdef"},
		{Role: model.RoleAssistant, Content: "ghi"},
	}}
	require.Equal(t, 9/3+500, estimateTokens(req))
}

func TestBackoffHalvesBudget(t *testing.T) {
	l := newAdaptiveRateLimiter(6000, 12000)
	require.InDelta(t, 6000, l.currentTPM, 1e-9)

	l.observe(fmt.Errorf("wrapped: %w", model.ErrRateLimited))
	require.InDelta(t, 3000, l.currentTPM, 1e-9)

	// Non-rate-limit errors leave the budget alone.
	l.observe(fmt.Errorf("boom"))
	require.InDelta(t, 3000, l.currentTPM, 1e-9)
}

func TestProbeRecoversBudget(t *testing.T) {
	l := newAdaptiveRateLimiter(6000, 6600)
	l.observe(fmt.Errorf("wrapped: %w", model.ErrRateLimited))
	require.InDelta(t, 3000, l.currentTPM, 1e-9)

	for i := 0; i < 100; i++ {
		l.observe(nil)
	}
	// Recovery is additive and capped at the configured ceiling.
	require.InDelta(t, 6600, l.currentTPM, 1e-9)
}

func TestBackoffRespectsFloor(t *testing.T) {
	l := newAdaptiveRateLimiter(1000, 1000)
	for i := 0; i < 20; i++ {
		l.observe(fmt.Errorf("wrapped: %w", model.ErrRateLimited))
	}
	require.InDelta(t, 100, l.currentTPM, 1e-9)
}

func TestLimitedGeneratorDelegates(t *testing.T) {
	l := newAdaptiveRateLimiter(60000, 60000)
	backend := &flakyGenerator{}
	g := l.Middleware()(backend)

	resp, err := g.Generate(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content)
	require.Equal(t, "flaky", g.Model())
	require.Equal(t, 1, backend.calls)
}
