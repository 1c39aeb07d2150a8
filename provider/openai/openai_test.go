package openai

import (
	"context"
	"net/http"
	"testing"

	sdk "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"goa.design/roundtable/model"
	"goa.design/roundtable/provider"
)

type stubChatClient struct {
	lastReq sdk.ChatCompletionRequest
	resp    sdk.ChatCompletionResponse
	err     error
}

func (s *stubChatClient) CreateChatCompletion(_ context.Context, req sdk.ChatCompletionRequest) (sdk.ChatCompletionResponse, error) {
	s.lastReq = req
	return s.resp, s.err
}

func TestGenerate(t *testing.T) {
	stub := &stubChatClient{
		resp: sdk.ChatCompletionResponse{
			Choices: []sdk.ChatCompletionChoice{
				{
					Message:      sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleAssistant, Content: "world"},
					FinishReason: sdk.FinishReasonStop,
				},
			},
			Usage: sdk.Usage{PromptTokens: 10, CompletionTokens: 5},
		},
	}
	g, err := New(Options{Client: stub, Model: "gpt-4o"})
	require.NoError(t, err)

	resp, err := g.Generate(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "be brief"},
			{Role: model.RoleUser, Content: "hello"},
		},
		MaxTokens:   128,
		Temperature: 0.7,
	})
	require.NoError(t, err)
	require.Equal(t, "world", resp.Content)
	require.Equal(t, 10, resp.InputTokens)
	require.Equal(t, 5, resp.OutputTokens)
	require.Equal(t, string(sdk.FinishReasonStop), resp.FinishReason)

	require.Equal(t, "gpt-4o", stub.lastReq.Model)
	require.Len(t, stub.lastReq.Messages, 2)
	require.Equal(t, sdk.ChatMessageRoleSystem, stub.lastReq.Messages[0].Role)
	require.Equal(t, 128, stub.lastReq.MaxTokens)
}

func TestGenerateEmptyChoices(t *testing.T) {
	g, err := New(Options{Client: &stubChatClient{}, Model: "gpt-4o"})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	var ue *provider.UpstreamError
	require.ErrorAs(t, err, &ue)
}

func TestGenerateWrapsAPIErrors(t *testing.T) {
	stub := &stubChatClient{err: &sdk.APIError{HTTPStatusCode: http.StatusTooManyRequests}}
	g, err := New(Options{Client: stub, Model: "gpt-4o", ProviderName: "groq"})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
	var ue *provider.UpstreamError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, "groq", ue.Provider)
	require.Equal(t, http.StatusTooManyRequests, ue.StatusCode)
}
