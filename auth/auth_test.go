package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	claims Claims
	err    error
}

func (s *stubVerifier) Verify(context.Context, string) (Claims, error) {
	return s.claims, s.err
}

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func TestHS256Verifier(t *testing.T) {
	secret := []byte("test-secret")
	v := NewHS256Verifier(secret)

	token := signHS256(t, secret, jwt.MapClaims{"sub": "u1", "email": "u1@example.com"})
	claims, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, Claims{UserID: "u1", Email: "u1@example.com"}, claims)

	_, err = v.Verify(context.Background(), signHS256(t, []byte("wrong"), jwt.MapClaims{"sub": "u1"}))
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(context.Background(), signHS256(t, secret, jwt.MapClaims{"email": "nosub@example.com"}))
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(context.Background(), "not a token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestChainPrefersExternal(t *testing.T) {
	external := &stubVerifier{claims: Claims{UserID: "ext"}}
	c, err := NewChain(Options{
		External:    external,
		LocalSecret: []byte("secret"),
		AllowLocal:  true,
		Environment: "development",
	})
	require.NoError(t, err)

	claims, err := c.Verify(context.Background(), "anything")
	require.NoError(t, err)
	require.Equal(t, "ext", claims.UserID)
}

func TestChainFallsBackToLocal(t *testing.T) {
	secret := []byte("secret")
	c, err := NewChain(Options{
		External:    &stubVerifier{err: errors.New("upstream 401")},
		LocalSecret: secret,
		AllowLocal:  true,
		Environment: "development",
	})
	require.NoError(t, err)

	claims, err := c.Verify(context.Background(), signHS256(t, secret, jwt.MapClaims{"sub": "u1"}))
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)

	_, err = c.Verify(context.Background(), "garbage")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestChainNeverFallsBackInProduction(t *testing.T) {
	secret := []byte("secret")
	c, err := NewChain(Options{
		External:    &stubVerifier{err: errors.New("upstream 401")},
		LocalSecret: secret,
		AllowLocal:  true,
		Environment: "production",
	})
	require.NoError(t, err)

	_, err = c.Verify(context.Background(), signHS256(t, secret, jwt.MapClaims{"sub": "u1"}))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestChainRequiresAVerifier(t *testing.T) {
	_, err := NewChain(Options{})
	require.Error(t, err)

	_, err = NewChain(Options{AllowLocal: true})
	require.Error(t, err)
}

func TestTicketSingleUse(t *testing.T) {
	issuer := NewTicketIssuer(time.Minute)

	ticket, err := issuer.Issue("u1")
	require.NoError(t, err)
	require.NotEmpty(t, ticket)

	userID, err := issuer.Redeem(ticket)
	require.NoError(t, err)
	require.Equal(t, "u1", userID)

	_, err = issuer.Redeem(ticket)
	require.ErrorIs(t, err, ErrInvalidTicket)
}

func TestTicketExpiry(t *testing.T) {
	issuer := NewTicketIssuer(30 * time.Second)
	clock := time.Now()
	issuer.now = func() time.Time { return clock }

	ticket, err := issuer.Issue("u1")
	require.NoError(t, err)

	clock = clock.Add(31 * time.Second)
	_, err = issuer.Redeem(ticket)
	require.ErrorIs(t, err, ErrInvalidTicket)
}

func TestTicketUnknown(t *testing.T) {
	issuer := NewTicketIssuer(0)
	_, err := issuer.Redeem("never-issued")
	require.ErrorIs(t, err, ErrInvalidTicket)

	_, err = issuer.Issue("")
	require.Error(t, err)
}
