// ABOUTME: Backend-neutral request, message, and stream types shared by all adapters.
// ABOUTME: Adapters translate these to a provider SDK and stream complete tool calls back.

package providers

import (
	"context"
	"encoding/json"
)

// Adapter streams one completion from a backend.
type Adapter interface {
	Name() string
	// Stream sends req and calls handler for every chunk. The final chunk is
	// ChunkEnd unless an error is returned. Tool calls are delivered whole.
	Stream(ctx context.Context, req *Request, handler StreamHandler) error
}

// StreamHandler receives chunks in order. Returning an error aborts the stream.
type StreamHandler func(chunk *StreamChunk) error

// Request is one completion round.
type Request struct {
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
	Tools        []Tool    `json:"tools,omitempty"`
	Model        string    `json:"model,omitempty"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one conversation entry. Tool messages carry ToolCallID and
// ToolName; assistant messages may carry the ToolCalls they issued.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// Tool describes a callable action to the backend. Parameters is a JSON
// schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a backend's request to run an action. Arguments is a JSON object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonError     StopReason = "error"
)

type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkEnd      ChunkType = "end"
	ChunkError    ChunkType = "error"
)

// StreamChunk is one unit of streamed output.
type StreamChunk struct {
	Type       ChunkType  `json:"type"`
	Text       string     `json:"text,omitempty"`
	ToolCall   *ToolCall  `json:"tool_call,omitempty"`
	StopReason StopReason `json:"stop_reason,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// DefaultMaxTokens is used when neither the request nor the credential sets a limit.
const DefaultMaxTokens = 4096

func maxTokens(req *Request, fallback int) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultMaxTokens
}

func modelFor(req *Request, fallback string) string {
	if req.Model != "" {
		return req.Model
	}
	return fallback
}

// argumentsObject decodes tool call arguments into a map. Empty or invalid
// input yields an empty object so a replayed history never fails to encode.
func argumentsObject(arguments string) map[string]any {
	out := map[string]any{}
	if arguments == "" {
		return out
	}
	_ = json.Unmarshal([]byte(arguments), &out)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func ensureObjectSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	return schema
}
