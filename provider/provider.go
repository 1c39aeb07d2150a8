// Package provider exposes the uniform agent adapter surface over
// heterogeneous LLM backends. A concrete backend only implements the
// Generator contract (a single chat completion call); this package layers the
// full capability set on top: deadline enforcement, bid-score generation with
// robust JSON extraction, and health probing. Adapters are stateless per call
// and shared across conversations through a process-wide Registry.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/roundtable/model"
)

type (
	// Generator is the minimal contract a backend SDK adapter implements.
	Generator interface {
		// Generate sends a chat completion request and returns the response.
		Generate(ctx context.Context, req model.Request) (model.Response, error)
		// Model returns the concrete model identifier the adapter targets.
		Model() string
	}

	// Agent is the full capability set the orchestrator drives: turn response
	// generation, bid scoring and health probing.
	Agent interface {
		Generator
		// GenerateBid asks the model to score its own desire to speak next.
		// Parse failures degrade to fallback scores, never to an error.
		GenerateBid(ctx context.Context, bc BidContext) (BidOutcome, error)
		// HealthCheck sends a minimal probe and reports success without
		// raising.
		HealthCheck(ctx context.Context) bool
	}

	// Middleware wraps a Generator with additional behavior (rate limiting,
	// circuit breaking).
	Middleware func(Generator) Generator

	// Options tunes an Adapter.
	Options struct {
		// Timeout bounds every upstream call. Defaults to 30s.
		Timeout time.Duration
		// BidTemperature is the sampling temperature for bid generation.
		// Lower than turn generation to stabilize scoring. Defaults to 0.3.
		BidTemperature float32
		// BidMaxTokens caps bid completions. Defaults to 256.
		BidMaxTokens int
		// Middlewares are applied to the Generator innermost-first.
		Middlewares []Middleware
	}

	// Adapter implements Agent on top of any Generator.
	Adapter struct {
		gen     Generator
		timeout time.Duration
		bidTemp float32
		bidMax  int
	}

	// Key identifies an adapter in the Registry. Adapters are keyed by
	// provider, API key handle and model so conversations sharing a
	// credential and model share a client.
	Key struct {
		Provider  string
		KeyHandle string
		Model     string
	}

	// Factory builds the Generator for a registry key.
	Factory func(ctx context.Context, key Key) (Generator, error)

	// Registry owns the process-wide adapter set. Adapter lifetime equals
	// process lifetime.
	Registry struct {
		mu       sync.Mutex
		factory  Factory
		opts     Options
		adapters map[Key]*Adapter
	}
)

const (
	defaultTimeout        = 30 * time.Second
	defaultBidTemperature = 0.3
	defaultBidMaxTokens   = 256
)

// NewAdapter wraps gen with the full agent capability set.
func NewAdapter(gen Generator, opts Options) (*Adapter, error) {
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	bidTemp := opts.BidTemperature
	if bidTemp <= 0 {
		bidTemp = defaultBidTemperature
	}
	bidMax := opts.BidMaxTokens
	if bidMax <= 0 {
		bidMax = defaultBidMaxTokens
	}
	for _, mw := range opts.Middlewares {
		gen = mw(gen)
	}
	return &Adapter{
		gen:     gen,
		timeout: timeout,
		bidTemp: bidTemp,
		bidMax:  bidMax,
	}, nil
}

// Generate invokes the backend with the adapter deadline applied. Deadline
// expiry surfaces as ErrTimeout; other upstream failures as *UpstreamError.
func (a *Adapter) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	resp, err := a.gen.Generate(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return model.Response{}, fmt.Errorf("%w: %s", ErrTimeout, a.gen.Model())
		}
		var ue *UpstreamError
		if errors.As(err, &ue) {
			return model.Response{}, err
		}
		return model.Response{}, &UpstreamError{Model: a.gen.Model(), Err: err}
	}
	return resp, nil
}

// GenerateBid calls Generate with the fixed bid system prompt and extracts the
// four-field score object from the response. Any parse or validation failure
// yields the fallback scores with no error; transport failures are returned
// so the orchestrator can record an implicit pass.
func (a *Adapter) GenerateBid(ctx context.Context, bc BidContext) (BidOutcome, error) {
	req := model.Request{
		Messages:    bc.prompt(),
		MaxTokens:   a.bidMax,
		Temperature: a.bidTemp,
	}
	resp, err := a.Generate(ctx, req)
	if err != nil {
		return BidOutcome{}, err
	}
	return ParseBidOutcome(resp.Content), nil
}

// HealthCheck sends a one-token probe and reports whether the backend
// answered.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	_, err := a.Generate(ctx, model.Request{
		Messages:  []model.Message{{Role: model.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	return err == nil
}

// Model returns the backend model identifier.
func (a *Adapter) Model() string { return a.gen.Model() }

// NewRegistry builds an adapter registry using factory to construct backends
// on first use. opts apply to every adapter the registry creates.
func NewRegistry(factory Factory, opts Options) (*Registry, error) {
	if factory == nil {
		return nil, errors.New("factory is required")
	}
	return &Registry{
		factory:  factory,
		opts:     opts,
		adapters: make(map[Key]*Adapter),
	}, nil
}

// Get returns the adapter for key, constructing and caching it on first use.
func (r *Registry) Get(ctx context.Context, key Key) (Agent, error) {
	if key.Provider == "" {
		return nil, errors.New("provider is required")
	}
	if key.Model == "" {
		return nil, errors.New("model is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[key]; ok {
		return a, nil
	}
	gen, err := r.factory(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", key.Provider, err)
	}
	a, err := NewAdapter(gen, r.opts)
	if err != nil {
		return nil, err
	}
	r.adapters[key] = a
	return a, nil
}
