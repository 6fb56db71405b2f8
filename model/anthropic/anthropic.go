// Package anthropic adapts Anthropic's Claude API to the model.ChatModel
// contract.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/olavnet/olav/model"
)

// ChatModel implements model.ChatModel for Anthropic's API.
//
// Provides chat completion with tool use and streaming token deltas.
// Claude has no native JSON-schema output mode; structured requests are
// served via prompt guidance, and callers validate the decoded document.
//
// Example usage:
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "claude-3-5-sonnet-20241022")
//	out, err := m.Chat(ctx, model.ChatRequest{
//	    Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
//	})
type ChatModel struct {
	client     anthropic.Client
	modelName  string
	maxTokens  int64
	maxRetries int
	retryDelay time.Duration
}

// NewChatModel creates an Anthropic ChatModel. Empty modelName selects
// claude-3-5-sonnet-20241022.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "claude-3-5-sonnet-20241022"
	}
	return &ChatModel{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		modelName:  modelName,
		maxTokens:  4096,
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, req model.ChatRequest) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: m.maxTokens,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	system, msgs := splitSystem(req.Messages)
	if req.ResponseSchema != nil {
		schemaJSON, _ := json.Marshal(req.ResponseSchema)
		system += "\nRespond ONLY with valid JSON matching this schema. No markdown, no explanation:\n" + string(schemaJSON)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	params.Messages = msgs
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		var out model.ChatOut
		var err error
		if req.Stream != nil {
			out, err = m.streamMessage(ctx, params, req.Stream)
		} else {
			out, err = m.message(ctx, params)
		}
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isTransient(err) || attempt >= m.maxRetries {
			break
		}
		select {
		case <-time.After(m.retryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return model.ChatOut{}, ctx.Err()
		}
	}
	return model.ChatOut{}, fmt.Errorf("anthropic: %w", lastErr)
}

func (m *ChatModel) message(ctx context.Context, params anthropic.MessageNewParams) (model.ChatOut, error) {
	message, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, err
	}
	return convertMessage(message, m.modelName), nil
}

func (m *ChatModel) streamMessage(ctx context.Context, params anthropic.MessageNewParams, onDelta func(string)) (model.ChatOut, error) {
	stream := m.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return model.ChatOut{}, err
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					onDelta(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return model.ChatOut{}, err
	}
	return convertMessage(&message, m.modelName), nil
}

func convertMessage(message *anthropic.Message, modelName string) model.ChatOut {
	out := model.ChatOut{
		Model: modelName,
		Usage: model.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			var input map[string]any
			_ = json.Unmarshal(variant.Input, &input)
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:    variant.ID,
				Name:  variant.Name,
				Input: input,
			})
		}
	}
	out.Text = text.String()
	return out
}

// splitSystem extracts the system prompt and converts the remaining
// conversation into Anthropic message params. Tool results are carried as
// tool_result blocks inside user turns, per the Messages API convention.
func splitSystem(messages []model.Message) (string, []anthropic.MessageParam) {
	var system strings.Builder
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(msg.Content)
		case model.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		case model.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return system.String(), out
}

func convertTools(tools []model.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		var props any
		if t.Schema != nil {
			props = t.Schema["properties"]
		}
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: props,
				},
			},
		}
	}
	return out
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "network", "connection", "temporary", "overloaded", "rate limit", "429", "500", "502", "503", "529"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
