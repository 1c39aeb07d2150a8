package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/roundtable/bidding"
	"goa.design/roundtable/model"
)

type fakeGenerator struct {
	model string
	resp  model.Response
	err   error
	delay time.Duration
	calls int
}

func (f *fakeGenerator) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return model.Response{}, ctx.Err()
		}
	}
	if f.err != nil {
		return model.Response{}, f.err
	}
	return f.resp, nil
}

func (f *fakeGenerator) Model() string { return f.model }

func TestAdapterTimeout(t *testing.T) {
	gen := &fakeGenerator{model: "slow-model", delay: time.Second}
	a, err := NewAdapter(gen, Options{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = a.Generate(context.Background(), model.Request{MaxTokens: 10})
	require.ErrorIs(t, err, ErrTimeout)
	require.Contains(t, err.Error(), "slow-model")
}

func TestAdapterWrapsUpstreamErrors(t *testing.T) {
	boom := errors.New("boom")
	gen := &fakeGenerator{model: "m", err: boom}
	a, err := NewAdapter(gen, Options{})
	require.NoError(t, err)

	_, err = a.Generate(context.Background(), model.Request{MaxTokens: 10})
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	require.ErrorIs(t, err, boom)

	// Errors already typed pass through untouched.
	typed := &UpstreamError{Provider: "p", Model: "m", StatusCode: 429, Err: boom}
	gen.err = typed
	_, err = a.Generate(context.Background(), model.Request{MaxTokens: 10})
	require.ErrorAs(t, err, &ue)
	require.Equal(t, 429, ue.StatusCode)
}

func TestAdapterGenerateBid(t *testing.T) {
	gen := &fakeGenerator{
		model: "m",
		resp: model.Response{
			Content: `{"relevance": 0.9, "confidence": 0.8, "novelty": 0.5, "urgency": 0.1}`,
		},
	}
	a, err := NewAdapter(gen, Options{})
	require.NoError(t, err)

	out, err := a.GenerateBid(context.Background(), BidContext{Topic: "t", AgentName: "a"})
	require.NoError(t, err)
	require.Equal(t, bidding.Scores{Relevance: 0.9, Confidence: 0.8, Novelty: 0.5, Urgency: 0.1}, out.Scores)
	require.Equal(t, bidding.ActionBid, out.Decision.Action)

	// Unparsable output falls back, no error.
	gen.resp = model.Response{Content: "gladly!"}
	out, err = a.GenerateBid(context.Background(), BidContext{Topic: "t", AgentName: "a"})
	require.NoError(t, err)
	require.Equal(t, FallbackScores, out.Scores)
}

func TestAdapterHealthCheck(t *testing.T) {
	gen := &fakeGenerator{model: "m", resp: model.Response{Content: "pong"}}
	a, err := NewAdapter(gen, Options{})
	require.NoError(t, err)
	require.True(t, a.HealthCheck(context.Background()))

	gen.err = errors.New("down")
	require.False(t, a.HealthCheck(context.Background()))
}

func TestAdapterMiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Generator) Generator {
			return generatorFunc{
				model: next.Model(),
				fn: func(ctx context.Context, req model.Request) (model.Response, error) {
					order = append(order, name)
					return next.Generate(ctx, req)
				},
			}
		}
	}
	gen := &fakeGenerator{model: "m", resp: model.Response{Content: "ok"}}
	a, err := NewAdapter(gen, Options{Middlewares: []Middleware{mw("inner"), mw("outer")}})
	require.NoError(t, err)

	_, err = a.Generate(context.Background(), model.Request{MaxTokens: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner"}, order)
}

type generatorFunc struct {
	model string
	fn    func(context.Context, model.Request) (model.Response, error)
}

func (g generatorFunc) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	return g.fn(ctx, req)
}

func (g generatorFunc) Model() string { return g.model }

func TestRegistryCachesAdapters(t *testing.T) {
	built := 0
	factory := func(ctx context.Context, key Key) (Generator, error) {
		built++
		return &fakeGenerator{model: key.Model, resp: model.Response{Content: "ok"}}, nil
	}
	r, err := NewRegistry(factory, Options{})
	require.NoError(t, err)

	key := Key{Provider: "mock", Model: "m1"}
	a1, err := r.Get(context.Background(), key)
	require.NoError(t, err)
	a2, err := r.Get(context.Background(), key)
	require.NoError(t, err)
	require.Same(t, a1, a2)
	require.Equal(t, 1, built)

	_, err = r.Get(context.Background(), Key{Provider: "mock", Model: "m2"})
	require.NoError(t, err)
	require.Equal(t, 2, built)
}

func TestRegistryValidatesKey(t *testing.T) {
	r, err := NewRegistry(func(ctx context.Context, key Key) (Generator, error) {
		return &fakeGenerator{model: key.Model}, nil
	}, Options{})
	require.NoError(t, err)

	_, err = r.Get(context.Background(), Key{Model: "m"})
	require.Error(t, err)
	_, err = r.Get(context.Background(), Key{Provider: "mock"})
	require.Error(t, err)
}
