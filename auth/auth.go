// Package auth verifies caller identity and issues the short-lived
// single-use tickets the WebSocket handshake uses in place of headers.
// Verification is delegated to an external identity service when one is
// configured; a local HS256 verifier can back it up in non-production
// environments.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type (
	// Claims is the verified caller identity.
	Claims struct {
		UserID string
		Email  string
	}

	// Verifier validates a bearer token and returns the caller's claims.
	Verifier interface {
		Verify(ctx context.Context, token string) (Claims, error)
	}

	// Options configures the chain verifier.
	Options struct {
		// External is the primary verifier, typically backed by the identity
		// provider's verification endpoint.
		External Verifier
		// LocalSecret enables the HS256 fallback verifier.
		LocalSecret []byte
		// AllowLocal permits the fallback. Ignored in production.
		AllowLocal bool
		// Environment is the deployment environment name. The local
		// fallback is never used when it is "production".
		Environment string
	}

	// Chain verifies against the external service first and falls back to
	// local HS256 verification when permitted.
	Chain struct {
		external Verifier
		local    *HS256Verifier
	}

	// HS256Verifier validates locally-signed HS256 tokens. Development and
	// test environments only.
	HS256Verifier struct {
		secret []byte
	}

	// TicketIssuer mints single-use WebSocket connection tickets. A ticket
	// is an opaque random handle redeemable exactly once within its TTL.
	TicketIssuer struct {
		ttl time.Duration
		now func() time.Time

		mu      sync.Mutex
		tickets map[string]ticketEntry
	}

	ticketEntry struct {
		userID    string
		expiresAt time.Time
	}
)

// DefaultTicketTTL bounds the window between ticket issue and the WebSocket
// handshake that redeems it.
const DefaultTicketTTL = 30 * time.Second

var (
	// ErrInvalidToken reports a token that failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidTicket reports an unknown, expired or already-redeemed
	// ticket.
	ErrInvalidTicket = errors.New("auth: invalid ticket")
)

// NewChain builds the verification chain.
func NewChain(opts Options) (*Chain, error) {
	c := &Chain{external: opts.External}
	if opts.AllowLocal && opts.Environment != "production" {
		if len(opts.LocalSecret) == 0 {
			return nil, errors.New("local secret is required when local verification is enabled")
		}
		c.local = NewHS256Verifier(opts.LocalSecret)
	}
	if c.external == nil && c.local == nil {
		return nil, errors.New("at least one verifier is required")
	}
	return c, nil
}

// Verify implements Verifier. The external verifier wins when it accepts the
// token; the local fallback is consulted only when the external verifier is
// absent or rejects.
func (c *Chain) Verify(ctx context.Context, token string) (Claims, error) {
	var extErr error
	if c.external != nil {
		claims, err := c.external.Verify(ctx, token)
		if err == nil {
			return claims, nil
		}
		extErr = err
	}
	if c.local != nil {
		claims, err := c.local.Verify(ctx, token)
		if err == nil {
			return claims, nil
		}
	}
	if extErr != nil {
		return Claims{}, fmt.Errorf("%w: %s", ErrInvalidToken, extErr)
	}
	return Claims{}, ErrInvalidToken
}

// NewHS256Verifier builds a local verifier over a shared secret.
func NewHS256Verifier(secret []byte) *HS256Verifier {
	return &HS256Verifier{secret: secret}
}

// Verify implements Verifier.
func (v *HS256Verifier) Verify(_ context.Context, token string) (Claims, error) {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	email, _ := claims["email"].(string)
	return Claims{UserID: sub, Email: email}, nil
}

// NewTicketIssuer builds a ticket issuer. ttl <= 0 uses DefaultTicketTTL.
func NewTicketIssuer(ttl time.Duration) *TicketIssuer {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &TicketIssuer{
		ttl:     ttl,
		now:     time.Now,
		tickets: make(map[string]ticketEntry),
	}
}

// Issue mints a ticket bound to userID.
func (t *TicketIssuer) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("auth: user id is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: mint ticket: %w", err)
	}
	ticket := hex.EncodeToString(buf)

	now := t.now()
	t.mu.Lock()
	t.sweepLocked(now)
	t.tickets[ticket] = ticketEntry{userID: userID, expiresAt: now.Add(t.ttl)}
	t.mu.Unlock()
	return ticket, nil
}

// Redeem consumes a ticket and returns the bound user id. A ticket redeems
// exactly once.
func (t *TicketIssuer) Redeem(ticket string) (string, error) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.tickets[ticket]
	if !ok {
		return "", ErrInvalidTicket
	}
	delete(t.tickets, ticket)
	if now.After(entry.expiresAt) {
		return "", ErrInvalidTicket
	}
	return entry.userID, nil
}

func (t *TicketIssuer) sweepLocked(now time.Time) {
	for ticket, entry := range t.tickets {
		if now.After(entry.expiresAt) {
			delete(t.tickets, ticket)
		}
	}
}
