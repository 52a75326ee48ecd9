package openai_test

import (
	"context"
	"testing"

	sdk "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/cronicorn/cronicorn/model"
	"github.com/cronicorn/cronicorn/model/openai"
)

type fakeChat struct {
	req  sdk.ChatCompletionRequest
	resp sdk.ChatCompletionResponse
	err  error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req sdk.ChatCompletionRequest) (
	sdk.ChatCompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

func newClient(t *testing.T, chat *fakeChat) *openai.Client {
	t.Helper()
	c, err := openai.New(openai.Options{Client: chat, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	return c
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := openai.New(openai.Options{DefaultModel: "gpt-4o"})
	require.Error(t, err)
	_, err = openai.New(openai.Options{Client: &fakeChat{}})
	require.Error(t, err)
	_, err = openai.NewFromAPIKey("", "gpt-4o")
	require.Error(t, err)
}

func TestCompleteEncodesConversation(t *testing.T) {
	chat := &fakeChat{resp: sdk.ChatCompletionResponse{
		Choices: []sdk.ChatCompletionChoice{{
			Message:      sdk.ChatCompletionMessage{Content: "done"},
			FinishReason: sdk.FinishReasonStop,
		}},
		Usage: sdk.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	c := newClient(t, chat)

	resp, err := c.Complete(context.Background(), model.Request{
		System: "be terse",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "hello"},
			{
				Role:      model.RoleAssistant,
				ToolCalls: []model.ToolCall{{ID: "c1", Name: "lookup", Args: map[string]any{"id": "7"}}},
			},
			{
				Role:        model.RoleUser,
				ToolResults: []model.ToolResult{{ToolCallID: "c1", Content: `{"found":true}`}},
			},
		},
		Tools: []model.ToolDefinition{{
			Name:        "lookup",
			Description: "look something up",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, "done", resp.Text)
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, resp.Usage)

	require.Equal(t, "gpt-4o", chat.req.Model)
	msgs := chat.req.Messages
	require.Len(t, msgs, 4, "system, user, assistant tool call, tool result")
	require.Equal(t, sdk.ChatMessageRoleSystem, msgs[0].Role)
	require.Equal(t, "be terse", msgs[0].Content)
	require.Equal(t, "hello", msgs[1].Content)
	require.Len(t, msgs[2].ToolCalls, 1)
	require.Equal(t, "lookup", msgs[2].ToolCalls[0].Function.Name)
	require.JSONEq(t, `{"id":"7"}`, msgs[2].ToolCalls[0].Function.Arguments)
	require.Equal(t, sdk.ChatMessageRoleTool, msgs[3].Role)
	require.Equal(t, "c1", msgs[3].ToolCallID)

	require.Len(t, chat.req.Tools, 1)
	require.Equal(t, "lookup", chat.req.Tools[0].Function.Name)
}

func TestCompleteTranslatesToolCalls(t *testing.T) {
	chat := &fakeChat{resp: sdk.ChatCompletionResponse{
		Choices: []sdk.ChatCompletionChoice{{
			Message: sdk.ChatCompletionMessage{
				ToolCalls: []sdk.ToolCall{{
					ID:   "call-1",
					Type: sdk.ToolTypeFunction,
					Function: sdk.FunctionCall{
						Name:      "propose_interval",
						Arguments: `{"interval_ms":120000}`,
					},
				}},
			},
			FinishReason: sdk.FinishReasonToolCalls,
		}},
	}}
	c := newClient(t, chat)

	resp, err := c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "go"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "call-1", resp.ToolCalls[0].ID)
	require.Equal(t, "propose_interval", resp.ToolCalls[0].Name)
	require.Equal(t, float64(120000), resp.ToolCalls[0].Args["interval_ms"])
}

func TestCompleteMapsRateLimit(t *testing.T) {
	chat := &fakeChat{err: &sdk.APIError{HTTPStatusCode: 429, Message: "slow down"}}
	c := newClient(t, chat)

	_, err := c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "go"}},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestCompleteRequiresMessages(t *testing.T) {
	c := newClient(t, &fakeChat{})
	_, err := c.Complete(context.Background(), model.Request{})
	require.Error(t, err)
}
