// Package openai adapts OpenAI's API to the model.ChatModel and
// model.Embedder contracts.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/olavnet/olav/model"
)

// ChatModel implements model.ChatModel for OpenAI's API.
//
// Provides chat completion with tool calling, streaming token deltas, and a
// JSON structured-output mode. Transient errors (network, rate limits, 5xx)
// are retried with linear backoff.
//
// Example usage:
//
//	m := openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "gpt-4o-mini")
//	out, err := m.Chat(ctx, model.ChatRequest{
//	    Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
//	})
type ChatModel struct {
	client     openai.Client
	modelName  string
	maxRetries int
	retryDelay time.Duration
}

// NewChatModel creates an OpenAI ChatModel. Empty modelName selects
// gpt-4o-mini.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}
	return &ChatModel{
		client:     openai.NewClient(option.WithAPIKey(apiKey)),
		modelName:  modelName,
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, req model.ChatRequest) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: convertMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.ResponseSchema != nil {
		// JSON-object mode plus schema guidance in the final user turn; the
		// caller validates the decoded document against its own schema.
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		var out model.ChatOut
		var err error
		if req.Stream != nil {
			out, err = m.streamCompletion(ctx, params, req.Stream)
		} else {
			out, err = m.completion(ctx, params)
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
	return model.ChatOut{}, fmt.Errorf("openai: %w", lastErr)
}

func (m *ChatModel) completion(ctx context.Context, params openai.ChatCompletionNewParams) (model.ChatOut, error) {
	completion, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, err
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("empty response")
	}
	msg := completion.Choices[0].Message
	out := model.ChatOut{
		Text:  msg.Content,
		Model: m.modelName,
		Usage: model.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: decodeArgs(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (m *ChatModel) streamCompletion(ctx context.Context, params openai.ChatCompletionNewParams, onDelta func(string)) (model.ChatOut, error) {
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				onDelta(delta)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return model.ChatOut{}, err
	}
	if len(acc.Choices) == 0 {
		return model.ChatOut{}, errors.New("empty streamed response")
	}
	msg := acc.Choices[0].Message
	out := model.ChatOut{
		Text:  msg.Content,
		Model: m.modelName,
		Usage: model.Usage{
			InputTokens:  int(acc.Usage.PromptTokens),
			OutputTokens: int(acc.Usage.CompletionTokens),
		},
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: decodeArgs(tc.Function.Arguments),
		})
	}
	return out, nil
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		case model.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func convertTools(tools []model.ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Schema),
			},
		}
	}
	return out
}

func decodeArgs(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "network", "connection", "temporary", "rate limit", "429", "500", "502", "503"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Embedder implements model.Embedder using OpenAI's embeddings API.
type Embedder struct {
	client    openai.Client
	modelName string
}

// NewEmbedder creates an OpenAI Embedder. Empty modelName selects
// text-embedding-3-small.
func NewEmbedder(apiKey, modelName string) *Embedder {
	if modelName == "" {
		modelName = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	return &Embedder{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
	}
}

// Embed implements model.Embedder.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.modelName),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, x := range d.Embedding {
			vec[j] = float32(x)
		}
		out[i] = vec
	}
	return out, nil
}
