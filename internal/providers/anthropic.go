// ABOUTME: Anthropic adapter built on the Messages streaming API.
// ABOUTME: Tool input JSON deltas are accumulated per content block and emitted on block stop.

package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is used when the credential names no model.
const DefaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicAdapter implements Adapter for Anthropic.
type AnthropicAdapter struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropic creates an adapter from an anthropic credential.
func NewAnthropic(cred Credential) (Adapter, error) {
	if cred.Secret == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrMissingSecret)
	}

	opts := []option.RequestOption{option.WithAPIKey(cred.Secret)}
	if base := cred.Settings[SettingBaseURL]; base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}

	return &AnthropicAdapter{
		client:    anthropic.NewClient(opts...),
		model:     cred.setting(SettingModel, DefaultAnthropicModel),
		maxTokens: cred.intSetting(SettingMaxTokens),
	}, nil
}

func (a *AnthropicAdapter) Name() string { return string(Anthropic) }

type pendingToolUse struct {
	id   string
	name string
	args strings.Builder
}

func (a *AnthropicAdapter) Stream(ctx context.Context, req *Request, handler StreamHandler) error {
	stream := a.client.Messages.NewStreaming(ctx, a.buildParams(req))
	defer stream.Close()

	var usage Usage
	stop := StopReasonEndTurn
	pending := map[int64]*pendingToolUse{}

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			usage.InputTokens = int(ev.Message.Usage.InputTokens)

		case anthropic.ContentBlockStartEvent:
			if ev.ContentBlock.Type == "tool_use" {
				pending[ev.Index] = &pendingToolUse{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			}

		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				if err := handler(&StreamChunk{Type: ChunkText, Text: delta.Text}); err != nil {
					return err
				}
			case anthropic.InputJSONDelta:
				if tu := pending[ev.Index]; tu != nil {
					tu.args.WriteString(delta.PartialJSON)
				}
			}

		case anthropic.ContentBlockStopEvent:
			tu := pending[ev.Index]
			if tu == nil {
				continue
			}
			delete(pending, ev.Index)
			args := tu.args.String()
			if args == "" {
				args = "{}"
			}
			if err := handler(&StreamChunk{
				Type:     ChunkToolCall,
				ToolCall: &ToolCall{ID: tu.id, Name: tu.name, Arguments: args},
			}); err != nil {
				return err
			}

		case anthropic.MessageDeltaEvent:
			if ev.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(ev.Usage.OutputTokens)
			}
			if ev.Delta.StopReason != "" {
				stop = anthropicStopReason(ev.Delta.StopReason)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return streamFailed(handler, fmt.Errorf("anthropic stream: %w", err))
	}

	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return handler(&StreamChunk{Type: ChunkEnd, StopReason: stop, Usage: &usage})
}

func (a *AnthropicAdapter) buildParams(req *Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelFor(req, a.model)),
		MaxTokens: int64(maxTokens(req, a.maxTokens)),
		Messages:  anthropicMessages(req.Messages),
	}

	var system []string
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}
	// Anthropic has no system role inside the message list.
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem && msg.Content != "" {
			system = append(system, msg.Content)
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	for _, tool := range req.Tools {
		schema := ensureObjectSchema(tool.Parameters)
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
					Required:   requiredFields(schema),
				},
			},
		})
	}
	return params
}

// anthropicMessages converts history. Consecutive tool results are merged
// into a single user message, which the API requires after parallel tool use.
func anthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	var results []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, msg := range messages {
		if msg.Role == RoleTool {
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			continue
		}
		flush()

		switch msg.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, argumentsObject(tc.Arguments), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	flush()
	return out
}

func anthropicStopReason(reason anthropic.StopReason) StopReason {
	switch reason {
	case anthropic.StopReasonMaxTokens:
		return StopReasonMaxTokens
	case anthropic.StopReasonToolUse:
		return StopReasonToolUse
	default:
		return StopReasonEndTurn
	}
}
