// Package model defines the provider-agnostic chat completion types shared by
// every provider adapter. It abstracts over heterogeneous LLM backends
// (Anthropic, OpenAI, Gemini, Groq, Bedrock) so the orchestrator can request
// turn responses and bid scores without coupling to specific SDKs.
// Implementations translate these normalized types into provider-specific
// formats.
package model

import "errors"

type (
	// Role identifies the author of a conversation message.
	Role string

	// Message is a single entry in the prompt transcript sent to a model.
	Message struct {
		// Role is "system", "user" or "assistant".
		Role Role

		// Content is the message text.
		Content string
	}

	// Request captures the normalized parameters of a model invocation.
	// Messages alternate user/assistant turns with an optional leading system
	// prompt; adapters that require strict alternation enforce it themselves.
	Request struct {
		// Messages is the ordered transcript provided to the model.
		Messages []Message

		// MaxTokens caps the number of completion tokens. Zero means use the
		// adapter default.
		MaxTokens int

		// Temperature controls sampling temperature. Zero means use the
		// adapter default.
		Temperature float32
	}

	// Response wraps the generated content returned by a model backend.
	Response struct {
		// Content is the assistant text produced by the model.
		Content string

		// InputTokens counts tokens consumed by the prompt, when the provider
		// reports usage.
		InputTokens int

		// OutputTokens counts tokens produced by the completion.
		OutputTokens int

		// Model is the concrete model identifier that served the request.
		Model string

		// FinishReason explains why generation stopped. Provider-specific;
		// common values are "stop", "length" and "max_tokens".
		FinishReason string
	}
)

// Role constants.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrRateLimited marks provider errors caused by rate limiting. Adapters wrap
// the provider error with this sentinel so middlewares can react (adaptive
// rate limiter backoff) without parsing provider-specific payloads.
var ErrRateLimited = errors.New("model: rate limited")
