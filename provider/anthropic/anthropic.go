// Package anthropic provides a provider.Generator backed by the Anthropic
// Claude Messages API. It translates generic chat requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses and token usage back into the generic structures.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/roundtable/model"
	"goa.design/roundtable/provider"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// Model is the Claude model identifier every request targets.
		Model string
	}

	// Generator implements provider.Generator on top of Anthropic Claude
	// Messages.
	Generator struct {
		msg     MessagesClient
		modelID string
	}
)

const providerName = "anthropic"

// New builds an Anthropic-backed generator from the provided Messages client.
func New(msg MessagesClient, opts Options) (*Generator, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Generator{msg: msg, modelID: opts.Model}, nil
}

// NewFromAPIKey constructs a generator using the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey, modelID string) (*Generator, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: modelID})
}

// Generate issues a non-streaming Messages.New request and translates the
// response.
func (g *Generator) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := g.encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := g.msg.New(ctx, *params)
	if err != nil {
		return model.Response{}, wrapError(err, g.modelID)
	}
	return translateResponse(msg, g.modelID), nil
}

// Model returns the configured model identifier.
func (g *Generator) Model() string { return g.modelID }

func (g *Generator) encodeRequest(req model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	if req.MaxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}

	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	system := make([]sdk.TextBlockParam, 0, 1)
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(req.MaxTokens),
		Messages:  conversation,
		Model:     sdk.Model(g.modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	return &params, nil
}

func translateResponse(msg *sdk.Message, modelID string) model.Response {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return model.Response{
		Content:      b.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		Model:        modelID,
		FinishReason: string(msg.StopReason),
	}
}

func wrapError(err error, modelID string) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		wrapped := error(&provider.UpstreamError{
			Provider:   providerName,
			Model:      modelID,
			StatusCode: apiErr.StatusCode,
			Err:        err,
		})
		if apiErr.StatusCode == http.StatusTooManyRequests {
			wrapped = fmt.Errorf("%w: %w", model.ErrRateLimited, wrapped)
		}
		return wrapped
	}
	return &provider.UpstreamError{Provider: providerName, Model: modelID, Err: err}
}
