// Package groq provides a provider.Generator backed by the Groq inference
// API. Groq exposes an OpenAI-compatible surface, so this package is a thin
// configuration layer over the openai adapter pointed at the Groq base URL.
package groq

import (
	"errors"

	sdk "github.com/sashabaranov/go-openai"

	"goa.design/roundtable/provider/openai"
)

// BaseURL is the Groq OpenAI-compatible endpoint.
const BaseURL = "https://api.groq.com/openai/v1"

// New constructs a Groq-backed generator for the given API key and model.
func New(apiKey, modelID string) (*openai.Generator, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	cfg := sdk.DefaultConfig(apiKey)
	cfg.BaseURL = BaseURL
	return openai.New(openai.Options{
		Client:       sdk.NewClientWithConfig(cfg),
		Model:        modelID,
		ProviderName: "groq",
	})
}
