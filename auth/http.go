package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPVerifier delegates token verification to an identity service
// endpoint. The endpoint receives the token and answers with the verified
// identity.
type HTTPVerifier struct {
	url    string
	client *http.Client
}

// NewHTTPVerifier builds a verifier against the given verification endpoint.
// A nil client uses a default with a 5s timeout.
func NewHTTPVerifier(url string, client *http.Client) *HTTPVerifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPVerifier{url: url, client: client}
}

// Verify implements Verifier.
func (v *HTTPVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return Claims{}, fmt.Errorf("auth: encode verify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return Claims{}, fmt.Errorf("auth: build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Claims{}, fmt.Errorf("auth: verify request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return Claims{}, ErrInvalidToken
	default:
		return Claims{}, fmt.Errorf("auth: verify endpoint returned %d", resp.StatusCode)
	}

	var out struct {
		UserID string `json:"userId"`
		Email  string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Claims{}, fmt.Errorf("auth: decode verify response: %w", err)
	}
	if out.UserID == "" {
		return Claims{}, fmt.Errorf("%w: verify response missing user id", ErrInvalidToken)
	}
	return Claims{UserID: out.UserID, Email: out.Email}, nil
}
