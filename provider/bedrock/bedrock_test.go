package bedrock

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"goa.design/roundtable/model"
	"goa.design/roundtable/provider"
)

type stubConverseClient struct {
	lastInput *bedrockruntime.ConverseInput
	output    *bedrockruntime.ConverseOutput
	err       error
}

func (s *stubConverseClient) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.lastInput = params
	return s.output, s.err
}

func TestGenerate(t *testing.T) {
	stub := &stubConverseClient{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{
				Value: brtypes.Message{
					Role: brtypes.ConversationRoleAssistant,
					Content: []brtypes.ContentBlock{
						&brtypes.ContentBlockMemberText{Value: "world"},
					},
				},
			},
			StopReason: brtypes.StopReasonEndTurn,
			Usage: &brtypes.TokenUsage{
				InputTokens:  aws.Int32(10),
				OutputTokens: aws.Int32(5),
			},
		},
	}
	g, err := New(Options{Client: stub, Model: "anthropic.claude-sonnet-4-5"})
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
	require.Equal(t, string(brtypes.StopReasonEndTurn), resp.FinishReason)

	require.Len(t, stub.lastInput.Messages, 1)
	require.Len(t, stub.lastInput.System, 1)
	require.NotNil(t, stub.lastInput.InferenceConfig)
	require.Equal(t, int32(128), *stub.lastInput.InferenceConfig.MaxTokens)
}

func TestGenerateWrapsThrottling(t *testing.T) {
	stub := &stubConverseClient{err: &brtypes.ThrottlingException{Message: aws.String("throttled")}}
	g, err := New(Options{Client: stub, Model: "m"})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
	var ue *provider.UpstreamError
	require.ErrorAs(t, err, &ue)
}
