package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/roundtable/model"
	"goa.design/roundtable/provider"
)

type (
	// CircuitBreaker trips after a run of consecutive backend failures and
	// rejects calls until a cooldown elapses. The first call after the
	// cooldown probes the backend; success closes the circuit, failure
	// re-opens it for another cooldown.
	CircuitBreaker struct {
		mu sync.Mutex

		threshold int
		cooldown  time.Duration
		now       func() time.Time

		failures  int
		openUntil time.Time
		probing   bool
	}

	// CircuitOptions configures a CircuitBreaker.
	CircuitOptions struct {
		// Threshold is the consecutive failure count that opens the circuit.
		// Defaults to 5.
		Threshold int
		// Cooldown is how long the circuit stays open before a probe is
		// allowed. Defaults to 30s.
		Cooldown time.Duration
	}

	brokenGenerator struct {
		next    provider.Generator
		breaker *CircuitBreaker
	}
)

// ErrCircuitOpen reports that the backend circuit is open and the call was
// rejected without reaching the backend.
var ErrCircuitOpen = errors.New("middleware: circuit open")

const (
	defaultCircuitThreshold = 5
	defaultCircuitCooldown  = 30 * time.Second
)

// NewCircuitBreaker constructs a circuit breaker.
func NewCircuitBreaker(opts CircuitOptions) *CircuitBreaker {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = defaultCircuitThreshold
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCircuitCooldown
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Middleware returns a provider.Middleware that guards Generate calls with
// the breaker.
func (b *CircuitBreaker) Middleware() provider.Middleware {
	return func(next provider.Generator) provider.Generator {
		if next == nil {
			return nil
		}
		return &brokenGenerator{next: next, breaker: b}
	}
}

// Generate rejects the call with ErrCircuitOpen while the circuit is open,
// otherwise delegates and records the outcome.
func (g *brokenGenerator) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	if err := g.breaker.allow(); err != nil {
		return model.Response{}, err
	}
	resp, err := g.next.Generate(ctx, req)
	g.breaker.record(err)
	return resp, err
}

// Model returns the underlying model identifier.
func (g *brokenGenerator) Model() string { return g.next.Model() }

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return nil
	}
	if b.now().Before(b.openUntil) {
		return ErrCircuitOpen
	}
	// Cooldown elapsed: admit a single probe, keep rejecting everyone else
	// until it resolves.
	if b.probing {
		return ErrCircuitOpen
	}
	b.probing = true
	return nil
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil || errors.Is(err, context.Canceled) {
		b.failures = 0
		b.openUntil = time.Time{}
		b.probing = false
		return
	}
	b.failures++
	b.probing = false
	if b.failures >= b.threshold || !b.openUntil.IsZero() {
		b.openUntil = b.now().Add(b.cooldown)
	}
}
