// Package model defines a provider-agnostic abstraction over chat completion
// APIs so the planner can invoke models without coupling to specific SDKs.
// Implementations translate these normalized types into provider-specific
// formats.
package model

import (
	"context"
	"errors"
)

type (
	// Client is the contract the planner uses to invoke LLM calls.
	// Implementations wrap provider SDKs and must be safe for concurrent use.
	Client interface {
		// Complete sends a chat completion request and returns the generated
		// response. Returns an error if the provider is unavailable, quota is
		// exceeded, or the request is malformed.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model identifies the target model with the provider-specific
		// identifier. Empty uses the adapter's configured default.
		Model string

		// System is the system prompt, kept separate from the conversation
		// because providers disagree on how it is carried.
		System string

		// Messages is the ordered conversation, including prior assistant
		// turns and tool results.
		Messages []Message

		// Temperature controls sampling. Zero means provider default.
		Temperature float32

		// MaxTokens caps completion tokens. Zero means provider default.
		MaxTokens int

		// Tools describes the tool schemas exposed for function calling.
		Tools []ToolDefinition
	}

	// Role is the conversational role of a message.
	Role string

	// Message is one turn of the conversation. Exactly one of Content,
	// ToolCalls or ToolResults is typically set; assistant turns may carry
	// both text and tool calls.
	Message struct {
		Role    Role
		Content string

		// ToolCalls replays tool invocations from a prior assistant turn.
		ToolCalls []ToolCall

		// ToolResults returns executed tool output to the model.
		ToolResults []ToolResult
	}

	// ToolDefinition describes a tool schema passed to the provider for
	// function calling.
	ToolDefinition struct {
		Name        string
		Description string
		// InputSchema is a JSON Schema object ("type": "object", "properties",
		// "required").
		InputSchema map[string]any
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call identifier, echoed back in the
		// matching ToolResult.
		ID string
		// Name matches a ToolDefinition.Name from the request.
		Name string
		// Args are the model-generated arguments conforming to InputSchema.
		Args map[string]any
	}

	// ToolResult carries one executed tool's output back to the model.
	ToolResult struct {
		ToolCallID string
		Content    string
		IsError    bool
	}

	// Response wraps the generated content and any tool call requests.
	Response struct {
		// Text is the concatenated assistant text. Empty if the model only
		// requested tool calls.
		Text string

		// ToolCalls lists requested tool invocations. Empty on a final text
		// response.
		ToolCalls []ToolCall

		// Usage reports token counts when the provider supplies them.
		Usage TokenUsage

		// StopReason is the provider-specific termination reason, e.g.
		// "end_turn", "tool_use", "max_tokens". May be empty.
		StopReason string
	}

	// TokenUsage records prompt/completion token counts when reported.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}
)

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrRateLimited wraps provider rate-limit rejections so callers can back off
// instead of treating them as hard failures.
var ErrRateLimited = errors.New("model: rate limited")
