// Package gemini provides a provider.Generator backed by the Google Gemini
// API using google.golang.org/genai. System messages become the system
// instruction; user and assistant turns map to the "user" and "model" roles.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"goa.design/roundtable/model"
	"goa.design/roundtable/provider"
)

type (
	// ContentClient captures the subset of the genai models service used by
	// the adapter.
	ContentClient interface {
		GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	}

	// Options configures the Gemini adapter.
	Options struct {
		// Client issues the generate content calls.
		Client ContentClient
		// Model is the model identifier every request targets.
		Model string
	}

	// Generator implements provider.Generator via the Gemini API.
	Generator struct {
		client  ContentClient
		modelID string
	}
)

const providerName = "gemini"

// New builds a Gemini-backed generator from the provided options.
func New(opts Options) (*Generator, error) {
	if opts.Client == nil {
		return nil, errors.New("gemini client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Generator{client: opts.Client, modelID: opts.Model}, nil
}

// NewFromAPIKey constructs a generator using the default genai HTTP client.
func NewFromAPIKey(ctx context.Context, apiKey, modelID string) (*Generator, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return New(Options{Client: client.Models, Model: modelID})
}

// Generate renders a completion using the configured client.
func (g *Generator) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("gemini: messages are required")
	}

	cfg := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(req.Temperature)
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: m.Content}},
			}
		case model.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		case model.RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		default:
			return model.Response{}, fmt.Errorf("gemini: unsupported message role %q", m.Role)
		}
	}
	if len(contents) == 0 {
		return model.Response{}, errors.New("gemini: at least one user/assistant message is required")
	}

	resp, err := g.client.GenerateContent(ctx, g.modelID, contents, cfg)
	if err != nil {
		return model.Response{}, g.wrapError(err)
	}

	out := model.Response{
		Content: resp.Text(),
		Model:   g.modelID,
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	return out, nil
}

// Model returns the configured model identifier.
func (g *Generator) Model() string { return g.modelID }

func (g *Generator) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		wrapped := error(&provider.UpstreamError{
			Provider:   providerName,
			Model:      g.modelID,
			StatusCode: apiErr.Code,
			Err:        err,
		})
		if apiErr.Code == http.StatusTooManyRequests {
			wrapped = fmt.Errorf("%w: %w", model.ErrRateLimited, wrapped)
		}
		return wrapped
	}
	return &provider.UpstreamError{Provider: providerName, Model: g.modelID, Err: err}
}
