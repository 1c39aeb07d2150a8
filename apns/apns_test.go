package apns

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// roundTripperFunc lets tests intercept outbound requests.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func testClient(t *testing.T, rt roundTripperFunc) *Client {
	t.Helper()
	c, err := New(Options{
		KeyPEM:     testKeyPEM(t),
		KeyID:      "ABC123DEFG",
		TeamID:     "TEAM456789",
		Topic:      "design.goa.roundtable",
		HTTPClient: &http.Client{Transport: rt},
	})
	require.NoError(t, err)
	return c
}

func okResponse(apnsID string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Apns-Id": []string{apnsID}},
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func TestNewValidatesOptions(t *testing.T) {
	pem := testKeyPEM(t)
	cases := []struct {
		name string
		opts Options
	}{
		{"missing key", Options{KeyID: "k", TeamID: "t", Topic: "b"}},
		{"missing key id", Options{KeyPEM: pem, TeamID: "t", Topic: "b"}},
		{"missing team id", Options{KeyPEM: pem, KeyID: "k", Topic: "b"}},
		{"missing topic", Options{KeyPEM: pem, KeyID: "k", TeamID: "t"}},
		{"bad key", Options{KeyPEM: []byte("not a key"), KeyID: "k", TeamID: "t", Topic: "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.opts)
			require.Error(t, err)
		})
	}
}

func TestPushSendsAlert(t *testing.T) {
	var captured *http.Request
	var capturedBody []byte
	c := testClient(t, func(r *http.Request) (*http.Response, error) {
		captured = r
		capturedBody, _ = io.ReadAll(r.Body)
		return okResponse("push-123"), nil
	})

	id, err := c.Push(context.Background(), Notification{
		DeviceToken:    "device-token",
		Environment:    Sandbox,
		Title:          "Roundtable",
		Body:           "ada: I think we should start with the data model.",
		ConversationID: "c1",
		MessageID:      "m1",
	})
	require.NoError(t, err)
	require.Equal(t, "push-123", id)

	require.Equal(t, "api.sandbox.push.apple.com", captured.URL.Host)
	require.Equal(t, "/3/device/device-token", captured.URL.Path)
	require.Equal(t, "design.goa.roundtable", captured.Header.Get("apns-topic"))
	require.Equal(t, "alert", captured.Header.Get("apns-push-type"))
	require.Equal(t, "10", captured.Header.Get("apns-priority"))
	require.True(t, strings.HasPrefix(captured.Header.Get("authorization"), "bearer "))

	var payload apnsPayload
	require.NoError(t, json.Unmarshal(capturedBody, &payload))
	require.Equal(t, "Roundtable", payload.APS.Alert.Title)
	require.Equal(t, "c1", payload.ConversationID)
	require.Equal(t, "m1", payload.MessageID)
}

func TestPushRejection(t *testing.T) {
	c := testClient(t, func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusGone,
			Body:       io.NopCloser(strings.NewReader(`{"reason":"Unregistered"}`)),
		}, nil
	})

	_, err := c.Push(context.Background(), Notification{DeviceToken: "stale"})
	var pushErr *PushError
	require.ErrorAs(t, err, &pushErr)
	require.Equal(t, http.StatusGone, pushErr.StatusCode)
	require.Equal(t, "Unregistered", pushErr.Reason)
	require.True(t, pushErr.Unusable())
}

func TestPushErrorUnusable(t *testing.T) {
	require.True(t, (&PushError{Reason: "BadDeviceToken"}).Unusable())
	require.True(t, (&PushError{Reason: "ExpiredToken"}).Unusable())
	require.False(t, (&PushError{Reason: "TooManyRequests"}).Unusable())
	require.False(t, (&PushError{Reason: "InternalServerError"}).Unusable())
}

func TestProviderTokenCachedAndReissued(t *testing.T) {
	c := testClient(t, func(*http.Request) (*http.Response, error) {
		return okResponse(""), nil
	})
	clock := time.Now()
	c.now = func() time.Time { return clock }

	first, err := c.providerToken()
	require.NoError(t, err)

	// Within the validity window the cached token is reused.
	clock = clock.Add(30 * time.Minute)
	again, err := c.providerToken()
	require.NoError(t, err)
	require.Equal(t, first, again)

	// Inside the reissue window a fresh token is minted.
	clock = clock.Add(25 * time.Minute)
	fresh, err := c.providerToken()
	require.NoError(t, err)
	require.NotEqual(t, first, fresh)

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"ES256"}))
	_, _, err = parser.ParseUnverified(fresh, claims)
	require.NoError(t, err)
	require.Equal(t, "TEAM456789", claims["iss"])
}
