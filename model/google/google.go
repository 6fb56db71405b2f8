// Package google adapts Google's Gemini API to the model.ChatModel contract.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/olavnet/olav/model"
)

// ChatModel implements model.ChatModel for Google's Gemini API.
//
// Provides chat completion with function calling and streaming token
// deltas. Structured requests use Gemini's JSON response MIME type plus
// schema guidance.
//
// Example usage:
//
//	m := google.NewChatModel(os.Getenv("GOOGLE_API_KEY"), "gemini-2.5-flash")
//	out, err := m.Chat(ctx, model.ChatRequest{
//	    Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
//	})
type ChatModel struct {
	apiKey    string
	modelName string
}

// NewChatModel creates a Google ChatModel. Empty modelName selects
// gemini-2.5-flash.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &ChatModel{apiKey: apiKey, modelName: modelName}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, req model.ChatRequest) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	if m.apiKey == "" {
		return model.ChatOut{}, fmt.Errorf("google: API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(m.apiKey))
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("google: create client: %w", err)
	}
	defer func() { _ = client.Close() }()

	genModel := client.GenerativeModel(m.modelName)
	if len(req.Tools) > 0 {
		genModel.Tools = convertTools(req.Tools)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		genModel.Temperature = &t
	}
	if req.MaxTokens > 0 {
		n := int32(req.MaxTokens)
		genModel.MaxOutputTokens = &n
	}

	system, parts := convertMessages(req.Messages)
	if req.ResponseSchema != nil {
		genModel.ResponseMIMEType = "application/json"
		schemaJSON, _ := json.Marshal(req.ResponseSchema)
		system += "\nRespond ONLY with valid JSON matching this schema:\n" + string(schemaJSON)
	}
	if system != "" {
		genModel.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	if req.Stream != nil {
		return m.streamContent(ctx, genModel, parts, req.Stream)
	}

	resp, err := genModel.GenerateContent(ctx, parts...)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("google: %w", err)
	}
	return convertResponse(resp, m.modelName), nil
}

func (m *ChatModel) streamContent(ctx context.Context, genModel *genai.GenerativeModel, parts []genai.Part, onDelta func(string)) (model.ChatOut, error) {
	iter := genModel.GenerateContentStream(ctx, parts...)
	out := model.ChatOut{Model: m.modelName}
	var text strings.Builder
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return model.ChatOut{}, fmt.Errorf("google: %w", err)
		}
		chunk := convertResponse(resp, m.modelName)
		if chunk.Text != "" {
			onDelta(chunk.Text)
			text.WriteString(chunk.Text)
		}
		out.ToolCalls = append(out.ToolCalls, chunk.ToolCalls...)
		if chunk.Usage.InputTokens > 0 || chunk.Usage.OutputTokens > 0 {
			out.Usage = chunk.Usage
		}
	}
	out.Text = text.String()
	return out, nil
}

// convertMessages folds the conversation into Gemini content parts. The
// system prompt is extracted for SystemInstruction; remaining turns are
// flattened into text parts in order, role-prefixed so the model keeps
// speaker attribution.
func convertMessages(messages []model.Message) (string, []genai.Part) {
	var system strings.Builder
	var parts []genai.Part
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(msg.Content)
		default:
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
		}
	}
	return system.String(), parts
}

func convertTools(tools []model.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertSchema(t.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema converts a JSON Schema map to genai.Schema. Handles the
// object/properties/required shape the tool registry emits.
func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	result := &genai.Schema{Type: genai.TypeObject}
	if props, ok := schema["properties"].(map[string]any); ok {
		properties := make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			propMap, ok := val.(map[string]any)
			if !ok {
				continue
			}
			prop := &genai.Schema{}
			if typeStr, ok := propMap["type"].(string); ok {
				prop.Type = convertType(typeStr)
			}
			if desc, ok := propMap["description"].(string); ok {
				prop.Description = desc
			}
			properties[key] = prop
		}
		result.Properties = properties
	}
	switch required := schema["required"].(type) {
	case []string:
		result.Required = required
	case []any:
		for _, v := range required {
			if s, ok := v.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}
	return result
}

func convertType(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func convertResponse(resp *genai.GenerateContentResponse, modelName string) model.ChatOut {
	out := model.ChatOut{Model: modelName}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				Name:  p.Name,
				Input: p.Args,
			})
		}
	}
	out.Text = text.String()
	return out
}
