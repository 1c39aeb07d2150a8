// Package mock provides a scripted provider.Generator for tests and demos. It
// replays configured responses in order, optionally delaying or failing calls
// to exercise timeout and retry paths without touching a real backend.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"goa.design/roundtable/model"
	"goa.design/roundtable/provider"
)

type (
	// Options configures a scripted generator.
	Options struct {
		// Model is the model identifier reported by the generator. Defaults
		// to "mock".
		Model string
		// Responses are replayed in order; the last one repeats once
		// exhausted. When empty every call returns a canned acknowledgment.
		Responses []string
		// BidOutputs are replayed by GenerateBid-style calls, matched by the
		// bid system prompt. When empty, bids return an even score object.
		BidOutputs []string
		// ResponseDelay is applied before answering. Calls honor context
		// cancellation during the delay.
		ResponseDelay time.Duration
		// FailureRate in [0,1] makes that fraction of calls fail with a
		// retryable upstream error.
		FailureRate float64
		// Seed fixes the failure-rate randomness. Zero means time-based.
		Seed int64
	}

	// Generator is a scripted provider.Generator.
	Generator struct {
		mu        sync.Mutex
		model     string
		responses []string
		bids      []string
		delay     time.Duration
		failRate  float64
		rand      *rand.Rand
		calls     int
		bidCalls  int
	}
)

const defaultBidOutput = `{"relevance": 0.5, "confidence": 0.5, "novelty": 0.5, "urgency": 0.5}`

// New builds a scripted generator.
func New(opts Options) *Generator {
	modelID := opts.Model
	if modelID == "" {
		modelID = "mock"
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		model:     modelID,
		responses: opts.Responses,
		bids:      opts.BidOutputs,
		delay:     opts.ResponseDelay,
		failRate:  opts.FailureRate,
		rand:      rand.New(rand.NewSource(seed)),
	}
}

// Generate replays the next scripted response. Requests whose first message is
// the bid instruction replay from the bid script instead.
func (g *Generator) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return model.Response{}, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.failRate > 0 && g.rand.Float64() < g.failRate {
		return model.Response{}, &provider.UpstreamError{
			Provider:   "mock",
			Model:      g.model,
			StatusCode: 503,
			Err:        fmt.Errorf("scripted failure on call %d", g.calls),
		}
	}

	content := g.next(req)
	return model.Response{
		Content:      content,
		InputTokens:  estimate(req),
		OutputTokens: len(content) / 4,
		Model:        g.model,
		FinishReason: "stop",
	}, nil
}

// Model returns the configured model identifier.
func (g *Generator) Model() string { return g.model }

// CallCount reports how many Generate calls have been made, including failed
// ones.
func (g *Generator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *Generator) next(req model.Request) string {
	if isBidRequest(req) {
		g.bidCalls++
		if len(g.bids) == 0 {
			return defaultBidOutput
		}
		i := g.bidCalls - 1
		if i >= len(g.bids) {
			i = len(g.bids) - 1
		}
		return g.bids[i]
	}
	if len(g.responses) == 0 {
		return fmt.Sprintf("mock response %d", g.calls)
	}
	i := g.calls - 1
	if i >= len(g.responses) {
		i = len(g.responses) - 1
	}
	return g.responses[i]
}

func isBidRequest(req model.Request) bool {
	for _, m := range req.Messages {
		if m.Role == model.RoleSystem && strings.Contains(m.Content, "whether to speak next") {
			return true
		}
	}
	return false
}

func estimate(req model.Request) int {
	n := 0
	for _, m := range req.Messages {
		n += len(m.Content) / 4
	}
	return n
}
