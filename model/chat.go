// Package model defines the LLM provider contracts used by the orchestrator.
package model

import "context"

// ChatModel is the capability the orchestrator requires from an LLM provider:
// streaming chat completion with tool calling, plus an optional structured
// output mode. No other provider features are assumed.
//
// Implementations should:
//   - Handle provider-specific authentication.
//   - Convert Message values to the provider's wire format and back.
//   - Forward token deltas through ChatRequest.Stream as they arrive.
//   - Respect context cancellation and timeouts.
//
// Example usage:
//
//	m := openai.NewChatModel(apiKey, "gpt-4o-mini")
//	out, err := m.Chat(ctx, model.ChatRequest{
//	    Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
//	})
type ChatModel interface {
	// Chat sends a conversation to the provider and returns the response.
	//
	// If req.Stream is non-nil the provider forwards text deltas through it
	// before returning; the returned ChatOut.Text still contains the full
	// assembled text. If req.ResponseSchema is non-nil the provider is asked
	// for JSON conforming to the schema (providers without a native
	// structured mode fall back to JSON-object mode plus prompt guidance).
	Chat(ctx context.Context, req ChatRequest) (ChatOut, error)
}

// Embedder produces vector embeddings for short texts. Used by the intent
// router and the capability index; the orchestrator never does embedding
// math beyond cosine similarity over the returned vectors.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Message is a single utterance in an LLM conversation.
type Message struct {
	// Role identifies the sender. Use the Role* constants.
	Role string `json:"role"`

	// Content is the message text. May be empty for messages that only
	// carry tool calls.
	Content string `json:"content"`

	// ToolCalls holds tool invocations requested by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Standard role constants, aligned with the conventions of the major
// providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolSpec describes a tool the LLM may call. Schema follows JSON Schema
// and describes the expected input parameters.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// ToolCall is a request from the LLM to invoke a specific tool.
type ToolCall struct {
	// ID is the provider-assigned call identifier (empty for providers
	// that do not assign one).
	ID string `json:"id,omitempty"`

	// Name matches a ToolSpec.Name from the request.
	Name string `json:"name"`

	// Input contains the call arguments, shaped per the tool's schema.
	Input map[string]any `json:"input,omitempty"`
}

// ChatRequest carries one chat completion request.
type ChatRequest struct {
	// Messages is the conversation history, oldest first.
	Messages []Message

	// Tools lists the tools the LLM may call. Nil disables tool calling.
	Tools []ToolSpec

	// ResponseSchema, when non-nil, requests structured JSON output
	// conforming to the given JSON Schema.
	ResponseSchema map[string]any

	// Stream, when non-nil, receives text deltas as they arrive from the
	// provider. Callers must not block inside the callback.
	Stream func(delta string)

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int

	// Temperature overrides the sampling temperature when non-nil.
	Temperature *float64
}

// Usage reports token consumption for a single completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatOut is the result of a chat completion. The LLM may respond with
// text, tool calls, or both.
type ChatOut struct {
	// Text is the generated response. For structured requests this is the
	// raw JSON document.
	Text string

	// ToolCalls contains tools the LLM wants invoked.
	ToolCalls []ToolCall

	// Model is the concrete model that served the request, for usage
	// accounting.
	Model string

	// Usage reports token consumption when the provider supplies it.
	Usage Usage
}
