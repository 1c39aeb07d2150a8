package provider

import (
	"errors"
	"fmt"
)

// UpstreamError reports a provider backend failure: an HTTP status of 400 or
// above, or a transport-level error.
type UpstreamError struct {
	// Provider names the backend ("anthropic", "openai", ...). May be empty
	// when the adapter wrapper fills only the model.
	Provider string
	// Model is the model identifier the request targeted.
	Model string
	// StatusCode is the upstream HTTP status when known, zero otherwise.
	StatusCode int
	// Err is the underlying SDK or transport error.
	Err error
}

// Error implements error.
func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream %s/%s: status %d: %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s/%s: %v", e.Provider, e.Model, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *UpstreamError) Unwrap() error { return e.Err }

// ErrTimeout reports that an upstream call exceeded the adapter deadline. Bid
// deadlines degrade to implicit passes; response deadlines trigger one retry.
var ErrTimeout = errors.New("provider: deadline exceeded")
