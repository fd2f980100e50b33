// ABOUTME: Google Gemini adapter built on the genai SDK streaming iterator.
// ABOUTME: Gemini returns function calls whole, so each one is emitted as it arrives.

package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// DefaultGoogleModel is used when the credential names no model.
const DefaultGoogleModel = "gemini-2.5-flash"

// GoogleAdapter implements Adapter for the Gemini API.
type GoogleAdapter struct {
	client    *genai.Client
	model     string
	maxTokens int
}

// NewGoogle creates an adapter from a google credential.
func NewGoogle(cred Credential) (Adapter, error) {
	if cred.Secret == "" {
		return nil, fmt.Errorf("google: %w", ErrMissingSecret)
	}

	cc := &genai.ClientConfig{
		APIKey:  cred.Secret,
		Backend: genai.BackendGeminiAPI,
	}
	if base := cred.Settings[SettingBaseURL]; base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}

	// NewClient does no I/O for the Gemini API backend.
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}

	return &GoogleAdapter{
		client:    client,
		model:     cred.setting(SettingModel, DefaultGoogleModel),
		maxTokens: cred.intSetting(SettingMaxTokens),
	}, nil
}

func (a *GoogleAdapter) Name() string { return string(Google) }

func (a *GoogleAdapter) Stream(ctx context.Context, req *Request, handler StreamHandler) error {
	var usage Usage
	stop := StopReasonEndTurn
	sawToolCall := false

	for resp, err := range a.client.Models.GenerateContentStream(ctx, modelFor(req, a.model), googleContents(req.Messages), a.buildConfig(req)) {
		if err != nil {
			return streamFailed(handler, fmt.Errorf("google stream: %w", err))
		}

		if resp.UsageMetadata != nil {
			usage = Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
			}
		}
		if len(resp.Candidates) == 0 {
			continue
		}

		cand := resp.Candidates[0]
		if cand.FinishReason == genai.FinishReasonMaxTokens {
			stop = StopReasonMaxTokens
		}
		if cand.Content == nil {
			continue
		}

		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				sawToolCall = true
				if err := handler(&StreamChunk{Type: ChunkToolCall, ToolCall: googleToolCall(part.FunctionCall)}); err != nil {
					return err
				}
			case part.Text != "" && !part.Thought:
				if err := handler(&StreamChunk{Type: ChunkText, Text: part.Text}); err != nil {
					return err
				}
			}
		}
	}

	if sawToolCall && stop == StopReasonEndTurn {
		stop = StopReasonToolUse
	}
	return handler(&StreamChunk{Type: ChunkEnd, StopReason: stop, Usage: &usage})
}

func (a *GoogleAdapter) buildConfig(req *Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens(req, a.maxTokens)),
	}

	system := req.SystemPrompt
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem && msg.Content != "" {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		}
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 tool.Name,
				Description:          tool.Description,
				ParametersJsonSchema: ensureObjectSchema(tool.Parameters),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

// googleContents converts history. Consecutive tool results share one user turn.
func googleContents(messages []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	var responses []*genai.Part

	flush := func() {
		if len(responses) > 0 {
			out = append(out, genai.NewContentFromParts(responses, genai.RoleUser))
			responses = nil
		}
	}

	for _, msg := range messages {
		if msg.Role == RoleTool {
			part := genai.NewPartFromFunctionResponse(msg.ToolName, map[string]any{"result": msg.Content})
			part.FunctionResponse.ID = msg.ToolCallID
			responses = append(responses, part)
			continue
		}
		flush()

		switch msg.Role {
		case RoleUser:
			out = append(out, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				part := genai.NewPartFromFunctionCall(tc.Name, argumentsObject(tc.Arguments))
				part.FunctionCall.ID = tc.ID
				parts = append(parts, part)
			}
			if len(parts) > 0 {
				out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		}
	}
	flush()
	return out
}

func googleToolCall(fc *genai.FunctionCall) *ToolCall {
	id := fc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	args := "{}"
	if len(fc.Args) > 0 {
		if data, err := json.Marshal(fc.Args); err == nil {
			args = string(data)
		}
	}
	return &ToolCall{ID: id, Name: fc.Name, Arguments: args}
}
