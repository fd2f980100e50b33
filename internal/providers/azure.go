// ABOUTME: Azure OpenAI adapter using chat completions against a named deployment.
// ABOUTME: Needs the structured credential: key, endpoint, and deployment.

package providers

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/shared"
)

// DefaultAzureAPIVersion is used when the credential names no API version.
const DefaultAzureAPIVersion = "2024-10-21"

// AzureAdapter implements Adapter for Azure OpenAI deployments.
type AzureAdapter struct {
	client     openai.Client
	deployment string
	maxTokens  int
}

// NewAzure creates an adapter from an azure credential.
func NewAzure(cred Credential) (Adapter, error) {
	if !cred.Complete() {
		return nil, fmt.Errorf("azure: %w", ErrIncompleteCredential)
	}

	client := openai.NewClient(
		azure.WithEndpoint(cred.Settings[SettingEndpoint], cred.setting(SettingAPIVersion, DefaultAzureAPIVersion)),
		azure.WithAPIKey(cred.Secret),
	)

	return &AzureAdapter{
		client:     client,
		deployment: cred.Settings[SettingDeployment],
		maxTokens:  cred.intSetting(SettingMaxTokens),
	}, nil
}

func (a *AzureAdapter) Name() string { return string(Azure) }

func (a *AzureAdapter) Stream(ctx context.Context, req *Request, handler StreamHandler) error {
	stream := a.client.Chat.Completions.NewStreaming(ctx, a.buildParams(req))
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	stop := StopReasonEndTurn

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if err := handler(&StreamChunk{Type: ChunkText, Text: choice.Delta.Content}); err != nil {
				return err
			}
		}
		switch choice.FinishReason {
		case "length":
			stop = StopReasonMaxTokens
		case "tool_calls":
			stop = StopReasonToolUse
		}
	}

	if err := stream.Err(); err != nil {
		return streamFailed(handler, fmt.Errorf("azure stream: %w", err))
	}

	// Tool call arguments arrive in fragments; the accumulator holds the joined calls.
	if len(acc.Choices) > 0 {
		for _, tc := range acc.Choices[0].Message.ToolCalls {
			if err := handler(&StreamChunk{
				Type:     ChunkToolCall,
				ToolCall: &ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			}); err != nil {
				return err
			}
			stop = StopReasonToolUse
		}
	}

	return handler(&StreamChunk{
		Type:       ChunkEnd,
		StopReason: stop,
		Usage: &Usage{
			InputTokens:  int(acc.Usage.PromptTokens),
			OutputTokens: int(acc.Usage.CompletionTokens),
			TotalTokens:  int(acc.Usage.TotalTokens),
		},
	})
}

func (a *AzureAdapter) buildParams(req *Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		// Azure routes by deployment; the SDK moves the model field into the path.
		Model:               shared.ChatModel(a.deployment),
		Messages:            chatMessages(req),
		MaxCompletionTokens: openai.Int(int64(maxTokens(req, a.maxTokens))),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  shared.FunctionParameters(ensureObjectSchema(tool.Parameters)),
			},
		})
	}
	return params
}

func chatMessages(req *Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.SystemMessage(req.SystemPrompt))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return out
}
