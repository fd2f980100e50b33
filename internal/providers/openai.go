// ABOUTME: OpenAI adapter built on the Responses API streaming endpoint.
// ABOUTME: Function calls are emitted when their output item completes.

package providers

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

// DefaultOpenAIModel is used when the credential names no model.
const DefaultOpenAIModel = "gpt-4.1-mini"

// OpenAIAdapter implements Adapter for OpenAI.
type OpenAIAdapter struct {
	client    openai.Client
	model     string
	maxTokens int
}

// NewOpenAI creates an adapter from an openai credential.
func NewOpenAI(cred Credential) (Adapter, error) {
	if cred.Secret == "" {
		return nil, fmt.Errorf("openai: %w", ErrMissingSecret)
	}

	opts := []option.RequestOption{option.WithAPIKey(cred.Secret)}
	if base := cred.Settings[SettingBaseURL]; base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}

	return &OpenAIAdapter{
		client:    openai.NewClient(opts...),
		model:     cred.setting(SettingModel, DefaultOpenAIModel),
		maxTokens: cred.intSetting(SettingMaxTokens),
	}, nil
}

func (a *OpenAIAdapter) Name() string { return string(OpenAI) }

func (a *OpenAIAdapter) Stream(ctx context.Context, req *Request, handler StreamHandler) error {
	stream := a.client.Responses.NewStreaming(ctx, a.buildParams(req))
	defer stream.Close()

	var usage Usage
	stop := StopReasonEndTurn
	sawToolCall := false

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case responses.ResponseTextDeltaEvent:
			if ev.Delta == "" {
				continue
			}
			if err := handler(&StreamChunk{Type: ChunkText, Text: ev.Delta}); err != nil {
				return err
			}

		case responses.ResponseOutputItemDoneEvent:
			if ev.Item.Type != "function_call" {
				continue
			}
			sawToolCall = true
			if err := handler(&StreamChunk{
				Type: ChunkToolCall,
				ToolCall: &ToolCall{
					ID:        ev.Item.CallID,
					Name:      ev.Item.Name,
					Arguments: ev.Item.Arguments,
				},
			}); err != nil {
				return err
			}

		case responses.ResponseCompletedEvent:
			usage = openAIUsage(ev.Response)

		case responses.ResponseIncompleteEvent:
			usage = openAIUsage(ev.Response)
			if ev.Response.IncompleteDetails.Reason == "max_output_tokens" {
				stop = StopReasonMaxTokens
			}

		case responses.ResponseFailedEvent:
			return streamFailed(handler, fmt.Errorf("openai stream: %s", ev.Response.Error.Message))

		case responses.ResponseErrorEvent:
			return streamFailed(handler, fmt.Errorf("openai stream: %s", ev.Message))
		}
	}

	if err := stream.Err(); err != nil {
		return streamFailed(handler, fmt.Errorf("openai stream: %w", err))
	}

	if sawToolCall && stop == StopReasonEndTurn {
		stop = StopReasonToolUse
	}
	return handler(&StreamChunk{Type: ChunkEnd, StopReason: stop, Usage: &usage})
}

func (a *OpenAIAdapter) buildParams(req *Request) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(modelFor(req, a.model)),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: openAIInput(req),
		},
		MaxOutputTokens: openai.Int(int64(maxTokens(req, a.maxTokens))),
	}

	for _, tool := range req.Tools {
		param := responses.ToolParamOfFunction(tool.Name, ensureObjectSchema(tool.Parameters), false)
		if tool.Description != "" && param.OfFunction != nil {
			param.OfFunction.Description = openai.String(tool.Description)
		}
		params.Tools = append(params.Tools, param)
	}
	return params
}

func openAIInput(req *Request) responses.ResponseInputParam {
	items := make(responses.ResponseInputParam, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		items = append(items, responses.ResponseInputItemParamOfMessage(req.SystemPrompt, responses.EasyInputMessageRoleSystem))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			items = append(items, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleSystem))
		case RoleUser:
			items = append(items, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleUser))
		case RoleAssistant:
			if msg.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleAssistant))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(args, tc.ID, tc.Name))
			}
		case RoleTool:
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(msg.ToolCallID, msg.Content))
		}
	}
	return items
}

func openAIUsage(r responses.Response) Usage {
	return Usage{
		InputTokens:  int(r.Usage.InputTokens),
		OutputTokens: int(r.Usage.OutputTokens),
		TotalTokens:  int(r.Usage.TotalTokens),
	}
}

// streamFailed reports err to the handler as an error chunk and returns it.
func streamFailed(handler StreamHandler, err error) error {
	_ = handler(&StreamChunk{Type: ChunkError, Text: err.Error(), StopReason: StopReasonError})
	return err
}
