// Package apns delivers push notifications through the Apple Push
// Notification service. Provider authentication uses ES256 JWTs signed with
// the configured .p8 key; tokens are cached process-wide and reissued shortly
// before expiry.
package apns

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type (
	// Environment selects the APNs host.
	Environment string

	// Options configures the client.
	Options struct {
		// KeyPEM is the ES256 provider key in PEM form (.p8 contents).
		KeyPEM []byte
		// KeyID is the 10-character Apple key identifier.
		KeyID string
		// TeamID is the Apple developer team identifier.
		TeamID string
		// Topic is the app bundle id sent as apns-topic.
		Topic string
		// HTTPClient overrides the default HTTP client.
		HTTPClient *http.Client
	}

	// Client pushes notifications. Safe for concurrent use.
	Client struct {
		key    *ecdsa.PrivateKey
		keyID  string
		teamID string
		topic  string
		http   *http.Client
		now    func() time.Time

		mu          sync.Mutex
		cachedToken string
		tokenExpiry time.Time
	}

	// Notification is one push request.
	Notification struct {
		DeviceToken string
		Environment Environment
		Title       string
		Body        string
		// ConversationID and MessageID travel in the custom payload so the
		// app can deep-link.
		ConversationID string
		MessageID      string
	}

	// PushError reports an APNs rejection.
	PushError struct {
		// StatusCode is the APNs HTTP status.
		StatusCode int
		// Reason is the APNs reason string ("BadDeviceToken", ...).
		Reason string
	}

	apnsPayload struct {
		APS            aps    `json:"aps"`
		ConversationID string `json:"conversationId,omitempty"`
		MessageID      string `json:"messageId,omitempty"`
	}

	aps struct {
		Alert alert `json:"alert"`
		Sound string `json:"sound,omitempty"`
	}

	alert struct {
		Title string `json:"title,omitempty"`
		Body  string `json:"body"`
	}
)

const (
	// Production targets the live APNs host.
	Production Environment = "production"
	// Sandbox targets the development APNs host.
	Sandbox Environment = "sandbox"
)

const (
	productionHost = "https://api.push.apple.com"
	sandboxHost    = "https://api.sandbox.push.apple.com"

	tokenLifetime     = time.Hour
	tokenReissueSlack = 10 * time.Minute
)

// Error implements error.
func (e *PushError) Error() string {
	return fmt.Sprintf("apns: status %d: %s", e.StatusCode, e.Reason)
}

// Unusable reports whether the device token should be discarded rather than
// retried.
func (e *PushError) Unusable() bool {
	switch e.Reason {
	case "BadDeviceToken", "Unregistered", "ExpiredToken", "DeviceTokenNotForTopic":
		return true
	}
	return false
}

// New builds an APNs client.
func New(opts Options) (*Client, error) {
	if len(opts.KeyPEM) == 0 {
		return nil, errors.New("provider key is required")
	}
	if opts.KeyID == "" {
		return nil, errors.New("key id is required")
	}
	if opts.TeamID == "" {
		return nil, errors.New("team id is required")
	}
	if opts.Topic == "" {
		return nil, errors.New("topic is required")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(opts.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse provider key: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		key:    key,
		keyID:  opts.KeyID,
		teamID: opts.TeamID,
		topic:  opts.Topic,
		http:   httpClient,
		now:    time.Now,
	}, nil
}

// Push sends one alert notification and returns the apns-id assigned by the
// service. Rejections surface as *PushError.
func (c *Client) Push(ctx context.Context, n Notification) (string, error) {
	if n.DeviceToken == "" {
		return "", errors.New("apns: device token is required")
	}
	token, err := c.providerToken()
	if err != nil {
		return "", err
	}

	payload := apnsPayload{
		APS: aps{
			Alert: alert{Title: n.Title, Body: n.Body},
			Sound: "default",
		},
		ConversationID: n.ConversationID,
		MessageID:      n.MessageID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("apns: encode payload: %w", err)
	}

	url := c.host(n.Environment) + "/3/device/" + n.DeviceToken
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("apns: build request: %w", err)
	}
	req.Header.Set("authorization", "bearer "+token)
	req.Header.Set("apns-topic", c.topic)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("apns-priority", "10")
	req.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("apns: post: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusOK {
		return resp.Header.Get("apns-id"), nil
	}

	var rejection struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&rejection)
	return "", &PushError{StatusCode: resp.StatusCode, Reason: rejection.Reason}
}

// providerToken returns the cached provider JWT, minting a fresh one when
// within the reissue window of expiry.
func (c *Client) providerToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.cachedToken != "" && now.Before(c.tokenExpiry.Add(-tokenReissueSlack)) {
		return c.cachedToken, nil
	}

	claims := jwt.MapClaims{
		"iss": c.teamID,
		"iat": now.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = c.keyID
	signed, err := tok.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("apns: sign provider token: %w", err)
	}
	c.cachedToken = signed
	c.tokenExpiry = now.Add(tokenLifetime)
	return signed, nil
}

func (c *Client) host(env Environment) string {
	if env == Sandbox {
		return sandboxHost
	}
	return productionHost
}
