// Package bedrock provides a provider.Generator backed by the AWS Bedrock
// Converse API. It maps generic chat requests onto Converse content blocks
// and translates throttling and transport failures into the shared provider
// error types.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/roundtable/model"
	"goa.design/roundtable/provider"
)

type (
	// ConverseClient captures the subset of the Bedrock runtime client used
	// by the adapter.
	ConverseClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// Client issues the Converse calls.
		Client ConverseClient
		// Model is the Bedrock model identifier every request targets.
		Model string
	}

	// Generator implements provider.Generator via the Bedrock Converse API.
	Generator struct {
		runtime ConverseClient
		modelID string
	}
)

const providerName = "bedrock"

// New builds a Bedrock-backed generator from the provided options.
func New(opts Options) (*Generator, error) {
	if opts.Client == nil {
		return nil, errors.New("bedrock client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Generator{runtime: opts.Client, modelID: opts.Model}, nil
}

// NewFromConfig constructs a generator from an AWS configuration.
func NewFromConfig(cfg aws.Config, modelID string) (*Generator, error) {
	return New(Options{Client: bedrockruntime.NewFromConfig(cfg), Model: modelID})
}

// Generate issues a Converse request and translates the response.
func (g *Generator) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	input, err := g.encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	output, err := g.runtime.Converse(ctx, input)
	if err != nil {
		return model.Response{}, g.wrapError(err)
	}
	return g.translateResponse(output), nil
}

// Model returns the configured model identifier.
func (g *Generator) Model() string { return g.modelID }

func (g *Generator) encodeRequest(req model.Request) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}

	messages := make([]brtypes.Message, 0, len(req.Messages))
	system := make([]brtypes.SystemContentBlock, 0, 1)
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case model.RoleUser:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleAssistant:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(messages) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(g.modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	var cfg brtypes.InferenceConfiguration
	if req.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(req.MaxTokens)) //nolint:gosec // AWS SDK requires int32
	}
	if req.Temperature > 0 {
		cfg.Temperature = aws.Float32(req.Temperature)
	}
	if cfg.MaxTokens != nil || cfg.Temperature != nil {
		input.InferenceConfig = &cfg
	}
	return input, nil
}

func (g *Generator) translateResponse(output *bedrockruntime.ConverseOutput) model.Response {
	var b strings.Builder
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if v, ok := block.(*brtypes.ContentBlockMemberText); ok {
				b.WriteString(v.Value)
			}
		}
	}
	resp := model.Response{
		Content:      b.String(),
		Model:        g.modelID,
		FinishReason: string(output.StopReason),
	}
	if usage := output.Usage; usage != nil {
		if usage.InputTokens != nil {
			resp.InputTokens = int(*usage.InputTokens)
		}
		if usage.OutputTokens != nil {
			resp.OutputTokens = int(*usage.OutputTokens)
		}
	}
	return resp
}

// wrapError converts SDK failures into the shared provider error types. Both
// ThrottlingException-style error codes and HTTP 429 responses mark the error
// as rate limited.
func (g *Generator) wrapError(err error) error {
	var (
		status  int
		limited bool
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			limited = true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
		if status == 429 {
			limited = true
		}
	}
	wrapped := error(&provider.UpstreamError{
		Provider:   providerName,
		Model:      g.modelID,
		StatusCode: status,
		Err:        err,
	})
	if limited {
		wrapped = fmt.Errorf("%w: %w", model.ErrRateLimited, wrapped)
	}
	return wrapped
}
