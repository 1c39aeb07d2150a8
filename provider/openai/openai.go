// Package openai provides a provider.Generator backed by the OpenAI Chat
// Completions API using github.com/sashabaranov/go-openai. Any
// OpenAI-compatible endpoint works through a custom base URL, which is how
// the groq package reuses this adapter.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/roundtable/model"
	"goa.design/roundtable/provider"
)

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
			openai.ChatCompletionResponse, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Client issues the chat completion calls.
		Client ChatClient
		// Model is the model identifier every request targets.
		Model string
		// ProviderName overrides the provider label in errors. Defaults to
		// "openai".
		ProviderName string
	}

	// Generator implements provider.Generator via the OpenAI Chat Completions
	// API.
	Generator struct {
		chat     ChatClient
		modelID  string
		provName string
	}
)

// New builds an OpenAI-backed generator from the provided options.
func New(opts Options) (*Generator, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	name := opts.ProviderName
	if name == "" {
		name = "openai"
	}
	return &Generator{chat: opts.Client, modelID: opts.Model, provName: name}, nil
}

// NewFromAPIKey constructs a generator using the default go-openai HTTP
// client.
func NewFromAPIKey(apiKey, modelID string) (*Generator, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), Model: modelID})
}

// Generate renders a chat completion using the configured client.
func (g *Generator) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		role, err := encodeRole(m.Role)
		if err != nil {
			return model.Response{}, err
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	resp, err := g.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.modelID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return model.Response{}, g.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return model.Response{}, &provider.UpstreamError{
			Provider: g.provName,
			Model:    g.modelID,
			Err:      errors.New("empty choices in completion response"),
		}
	}
	choice := resp.Choices[0]
	return model.Response{
		Content:      choice.Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        g.modelID,
		FinishReason: string(choice.FinishReason),
	}, nil
}

// Model returns the configured model identifier.
func (g *Generator) Model() string { return g.modelID }

func encodeRole(role model.Role) (string, error) {
	switch role {
	case model.RoleSystem:
		return openai.ChatMessageRoleSystem, nil
	case model.RoleUser:
		return openai.ChatMessageRoleUser, nil
	case model.RoleAssistant:
		return openai.ChatMessageRoleAssistant, nil
	default:
		return "", fmt.Errorf("openai: unsupported message role %q", role)
	}
}

func (g *Generator) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		wrapped := error(&provider.UpstreamError{
			Provider:   g.provName,
			Model:      g.modelID,
			StatusCode: apiErr.HTTPStatusCode,
			Err:        err,
		})
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			wrapped = fmt.Errorf("%w: %w", model.ErrRateLimited, wrapped)
		}
		return wrapped
	}
	return &provider.UpstreamError{Provider: g.provName, Model: g.modelID, Err: err}
}
