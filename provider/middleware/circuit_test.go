package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/roundtable/model"
)

type flakyGenerator struct {
	err   error
	calls int
}

func (f *flakyGenerator) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	f.calls++
	if f.err != nil {
		return model.Response{}, f.err
	}
	return model.Response{Content: "ok"}, nil
}

func (f *flakyGenerator) Model() string { return "flaky" }

func TestCircuitOpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(CircuitOptions{Threshold: 3, Cooldown: time.Minute})
	backend := &flakyGenerator{err: errors.New("down")}
	g := b.Middleware()(backend)

	req := model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}}
	for i := 0; i < 3; i++ {
		_, err := g.Generate(context.Background(), req)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrCircuitOpen)
	}
	require.Equal(t, 3, backend.calls)

	// Circuit is now open: calls are rejected without reaching the backend.
	_, err := g.Generate(context.Background(), req)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Equal(t, 3, backend.calls)
}

func TestCircuitProbesAfterCooldown(t *testing.T) {
	b := NewCircuitBreaker(CircuitOptions{Threshold: 1, Cooldown: time.Minute})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	backend := &flakyGenerator{err: errors.New("down")}
	g := b.Middleware()(backend)
	req := model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}}

	_, err := g.Generate(context.Background(), req)
	require.Error(t, err)
	_, err = g.Generate(context.Background(), req)
	require.ErrorIs(t, err, ErrCircuitOpen)

	// A failed probe re-opens the circuit for another cooldown.
	clock = clock.Add(2 * time.Minute)
	_, err = g.Generate(context.Background(), req)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrCircuitOpen)
	_, err = g.Generate(context.Background(), req)
	require.ErrorIs(t, err, ErrCircuitOpen)

	// A successful probe closes it.
	clock = clock.Add(2 * time.Minute)
	backend.err = nil
	_, err = g.Generate(context.Background(), req)
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), req)
	require.NoError(t, err)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := NewCircuitBreaker(CircuitOptions{Threshold: 2, Cooldown: time.Minute})
	backend := &flakyGenerator{err: errors.New("down")}
	g := b.Middleware()(backend)
	req := model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}}

	_, err := g.Generate(context.Background(), req)
	require.Error(t, err)
	backend.err = nil
	_, err = g.Generate(context.Background(), req)
	require.NoError(t, err)
	backend.err = errors.New("down")
	_, err = g.Generate(context.Background(), req)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrCircuitOpen)

	// One more failure reaches the threshold.
	_, err = g.Generate(context.Background(), req)
	require.Error(t, err)
	_, err = g.Generate(context.Background(), req)
	require.ErrorIs(t, err, ErrCircuitOpen)
}
