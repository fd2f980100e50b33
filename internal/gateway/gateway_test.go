// ABOUTME: Tests for the conversation endpoint using scripted provider adapters
// ABOUTME: Covers the turn state machine, client actions, errors, auth, and health routes

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/copilot-bridge/internal/auth"
	"github.com/2389/copilot-bridge/internal/components"
	"github.com/2389/copilot-bridge/internal/config"
	"github.com/2389/copilot-bridge/internal/providers"
)

// scriptedAdapter replays one chunk list per round; the last round repeats.
type scriptedAdapter struct {
	mu       sync.Mutex
	rounds   [][]providers.StreamChunk
	err      error
	block    bool
	requests []providers.Request
}

func (a *scriptedAdapter) Name() string { return "scripted" }

func (a *scriptedAdapter) Stream(ctx context.Context, req *providers.Request, handler providers.StreamHandler) error {
	a.mu.Lock()
	n := len(a.requests)
	snapshot := *req
	snapshot.Messages = append([]providers.Message(nil), req.Messages...)
	a.requests = append(a.requests, snapshot)
	a.mu.Unlock()

	if a.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if a.err != nil {
		_ = handler(&providers.StreamChunk{Type: providers.ChunkError, Text: a.err.Error()})
		return a.err
	}

	chunks := a.rounds[min(n, len(a.rounds)-1)]
	for i := range chunks {
		if err := handler(&chunks[i]); err != nil {
			return err
		}
	}
	return nil
}

func (a *scriptedAdapter) calls() []providers.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]providers.Request(nil), a.requests...)
}

func textRound(text string) []providers.StreamChunk {
	return []providers.StreamChunk{
		{Type: providers.ChunkText, Text: text},
		{Type: providers.ChunkEnd, StopReason: providers.StopReasonEndTurn, Usage: &providers.Usage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}},
	}
}

func callRound(id, name, args string) []providers.StreamChunk {
	return []providers.StreamChunk{
		{Type: providers.ChunkToolCall, ToolCall: &providers.ToolCall{ID: id, Name: name, Arguments: args}},
		{Type: providers.ChunkEnd, StopReason: providers.StopReasonToolUse},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Metrics.Enabled = true
	return cfg
}

func envWith(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

// newTestGateway builds a gateway whose OpenAI slot is served by adapter.
// A nil adapter leaves every provider unconfigured.
func newTestGateway(t *testing.T, cfg *config.Config, adapter providers.Adapter) *Gateway {
	t.Helper()
	env := map[string]string{}
	if adapter != nil {
		env["OPENAI_API_KEY"] = "sk-test"
	}
	g, err := New(cfg, testLogger(),
		WithEnvLookup(envWith(env)),
		WithFactories(map[providers.ProviderID]providers.Factory{
			providers.OpenAI: func(providers.Credential) (providers.Adapter, error) { return adapter, nil },
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })
	return g
}

type sseEvent struct {
	Event string
	Data  map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.Data))
		case line == "":
			if current.Event != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Event
	}
	return names
}

func post(t *testing.T, h http.Handler, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/copilotkit", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const helloBody = `{"thread_id":"t-1","messages":[{"role":"user","content":"hello"}]}`

func TestConversation_Unconfigured(t *testing.T) {
	g := newTestGateway(t, testConfig(), nil)

	rec := post(t, g.Handler(), helloBody)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t,
		"No API key configured. Add OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, AZURE_OPENAI_API_KEY (with AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_DEPLOYMENT) to the server environment.",
		body["error"])
}

func TestConversation_BadRequest(t *testing.T) {
	g := newTestGateway(t, testConfig(), &scriptedAdapter{rounds: [][]providers.StreamChunk{textRound("hi")}})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{`, "invalid JSON body"},
		{"no messages", `{"messages":[]}`, "messages is required"},
		{"unknown role", `{"messages":[{"role":"robot","content":"x"}]}`, `messages[0]: unknown role "robot"`},
		{"tool without id", `{"messages":[{"role":"tool","content":"x"}]}`, "messages[0]: tool message requires tool_call_id"},
		{"bad action", `{"messages":[{"role":"user","content":"x"}],"actions":[{"name":""}]}`, `invalid action ""`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, g.Handler(), tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Contains(t, body["error"], tt.want)
		})
	}
}

func TestConversation_BodyTooLarge(t *testing.T) {
	g := newTestGateway(t, testConfig(), &scriptedAdapter{rounds: [][]providers.StreamChunk{textRound("hi")}})
	body := `{"messages":[{"role":"user","content":"` + strings.Repeat("a", maxRequestBytes) + `"}]}`

	rec := post(t, g.Handler(), body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "request body exceeds")
}

func TestConversation_TextOnly(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]providers.StreamChunk{textRound("Hello there")}}
	g := newTestGateway(t, testConfig(), adapter)

	rec := post(t, g.Handler(), helloBody)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	events := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{"started", "text", "done"}, eventNames(events))
	assert.Equal(t, "t-1", events[0].Data["thread_id"])

	done := events[2].Data
	assert.Equal(t, "end_turn", done["stop_reason"])
	assert.Equal(t, "Hello there", done["full_response"])
	assert.EqualValues(t, 0, done["rounds"])

	reqs := adapter.calls()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].SystemPrompt, "You are an assistant")
	assert.Contains(t, reqs[0].SystemPrompt, `{"count":0}`)
	var tools []string
	for _, tool := range reqs[0].Tools {
		tools = append(tools, tool.Name)
	}
	assert.Contains(t, tools, "setCount")
	assert.Contains(t, tools, "addTask")
}

func TestConversation_ServerActionRound(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]providers.StreamChunk{
		callRound("call-1", "setCount", `{"value":5}`),
		textRound("The counter is 5."),
	}}
	g := newTestGateway(t, testConfig(), adapter)

	rec := post(t, g.Handler(), helloBody)

	events := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{"started", "action_call", "action_result", "text", "done"}, eventNames(events))

	result := events[2].Data
	assert.Equal(t, "call-1", result["call_id"])
	assert.Equal(t, "Counter set to 5", result["result"])
	assert.Equal(t, true, result["succeeded"])
	assert.EqualValues(t, 1, events[4].Data["rounds"])

	reqs := adapter.calls()
	require.Len(t, reqs, 2)
	second := reqs[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, providers.RoleAssistant, second.Messages[1].Role)
	assert.Equal(t, "setCount", second.Messages[1].ToolCalls[0].Name)
	assert.Equal(t, providers.Message{
		Role:       providers.RoleTool,
		Content:    "Counter set to 5",
		ToolCallID: "call-1",
		ToolName:   "setCount",
	}, second.Messages[2])
	assert.Contains(t, second.SystemPrompt, `{"count":5}`, "readables refresh between rounds")
}

func TestConversation_FailedActionContinues(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]providers.StreamChunk{
		callRound("call-1", "setCount", `{}`),
		textRound("I need a value."),
	}}
	g := newTestGateway(t, testConfig(), adapter)

	events := parseSSE(t, post(t, g.Handler(), helloBody).Body.String())

	require.Len(t, events, 5)
	assert.Equal(t, false, events[2].Data["succeeded"])
	assert.Equal(t,
		"Invalid arguments for action setCount: missing required parameter(s): value",
		events[2].Data["result"])
	assert.Equal(t, "done", events[4].Event)
}

func TestConversation_ClientAction(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]providers.StreamChunk{
		callRound("call-9", "highlight", `{"id":"row-3"}`),
	}}
	g := newTestGateway(t, testConfig(), adapter)

	body := `{
		"messages":[{"role":"user","content":"highlight row 3"}],
		"actions":[{"name":"highlight","description":"Highlight a row","parameters":[{"name":"id","type":"string","required":true}]}],
		"readables":[{"description":"Visible rows","value":["row-1","row-3"]}]
	}`
	events := parseSSE(t, post(t, g.Handler(), body).Body.String())

	assert.Equal(t, []string{"started", "action_call", "client_action", "done"}, eventNames(events))
	assert.Equal(t, map[string]any{"id": "row-3"}, events[2].Data["arguments"])
	assert.Equal(t, "client_action", events[3].Data["stop_reason"])

	reqs := adapter.calls()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].SystemPrompt, `Visible rows: ["row-1","row-3"]`)

	_, ok := g.Registry().Action("highlight")
	assert.False(t, ok, "client actions never reach the application registry")
}

func TestConversation_ClientActionInvalidArguments(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]providers.StreamChunk{
		callRound("call-9", "highlight", `{}`),
		textRound("Which row?"),
	}}
	g := newTestGateway(t, testConfig(), adapter)

	body := `{"messages":[{"role":"user","content":"highlight"}],
		"actions":[{"name":"highlight","parameters":[{"name":"id","type":"string","required":true}]}]}`
	events := parseSSE(t, post(t, g.Handler(), body).Body.String())

	assert.Equal(t, []string{"started", "action_call", "action_result", "text", "done"}, eventNames(events))
	assert.Contains(t, events[2].Data["result"], "missing required parameter(s): id")
	assert.Equal(t, "end_turn", events[4].Data["stop_reason"])
}

func TestConversation_MaxToolRounds(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]providers.StreamChunk{
		callRound("", "increment", `{}`),
	}}
	cfg := testConfig()
	cfg.Gateway.MaxToolRounds = 2
	g := newTestGateway(t, cfg, adapter)

	events := parseSSE(t, post(t, g.Handler(), helloBody).Body.String())

	done := events[len(events)-1]
	require.Equal(t, "done", done.Event)
	assert.Equal(t, "max_tool_rounds", done.Data["stop_reason"])
	assert.EqualValues(t, 2, done.Data["rounds"])
	assert.Len(t, adapter.calls(), 3)

	rd, ok := g.Registry().Readable("count")
	require.True(t, ok)
	assert.Equal(t, components.CounterState{Count: 2}, rd.Value)
}

func TestConversation_CallIDRunsOnce(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]providers.StreamChunk{
		callRound("call-dup", "increment", `{}`),
		textRound("ok"),
	}}
	g := newTestGateway(t, testConfig(), adapter)

	post(t, g.Handler(), helloBody)
	adapter.mu.Lock()
	adapter.requests = nil
	adapter.mu.Unlock()
	post(t, g.Handler(), helloBody)

	rd, ok := g.Registry().Readable("count")
	require.True(t, ok)
	assert.Equal(t, components.CounterState{Count: 1}, rd.Value)
}

func TestConversation_CallIDScopedToThread(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]providers.StreamChunk{
		callRound("call-dup", "increment", `{}`),
		textRound("ok"),
	}}
	g := newTestGateway(t, testConfig(), adapter)

	post(t, g.Handler(), helloBody)
	adapter.mu.Lock()
	adapter.requests = nil
	adapter.mu.Unlock()
	post(t, g.Handler(), strings.Replace(helloBody, "t-1", "t-2", 1))

	rd, ok := g.Registry().Readable("count")
	require.True(t, ok)
	assert.Equal(t, components.CounterState{Count: 2}, rd.Value)
}

func TestConversation_ProviderErrorIsHidden(t *testing.T) {
	adapter := &scriptedAdapter{err: errors.New("401 invalid api key sk-secret")}
	g := newTestGateway(t, testConfig(), adapter)

	rec := post(t, g.Handler(), helloBody)

	events := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{"started", "error"}, eventNames(events))
	assert.Equal(t, "internal error", events[1].Data["error"])
	assert.NotContains(t, rec.Body.String(), "sk-secret")
}

func TestConversation_RequestTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.RequestTimeout = 30 * time.Millisecond
	g := newTestGateway(t, cfg, &scriptedAdapter{block: true})

	events := parseSSE(t, post(t, g.Handler(), helloBody).Body.String())

	require.Len(t, events, 2)
	assert.Equal(t, "error", events[1].Event)
	assert.Equal(t, "request timed out", events[1].Data["error"])
}

func TestConversation_RequiresTokenWhenAuthEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = strings.Repeat("s", 32)
	g := newTestGateway(t, cfg, &scriptedAdapter{rounds: [][]providers.StreamChunk{textRound("hi")}})

	rec := post(t, g.Handler(), helloBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate("browser", time.Hour)
	require.NoError(t, err)
	rec = post(t, g.Handler(), helloBody, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// lockedBuffer collects log output written from request goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConversation_LogsPrincipal(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = strings.Repeat("s", 32)
	logs := &lockedBuffer{}
	adapter := &scriptedAdapter{rounds: [][]providers.StreamChunk{textRound("hi")}}
	g, err := New(cfg, slog.New(slog.NewTextHandler(logs, nil)),
		WithEnvLookup(envWith(map[string]string{"OPENAI_API_KEY": "sk-test"})),
		WithFactories(map[providers.ProviderID]providers.Factory{
			providers.OpenAI: func(providers.Credential) (providers.Adapter, error) { return adapter, nil },
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate("browser-7", time.Hour)
	require.NoError(t, err)
	rec := post(t, g.Handler(), helloBody, "Authorization", "Bearer "+token)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, logs.String(), "principal=browser-7")
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name       string
		adapter    providers.Adapter
		wantStatus string
		wantAdapts []string
	}{
		{"configured", &scriptedAdapter{}, "ok", []string{"openai"}},
		{"unconfigured", nil, "unconfigured", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, testConfig(), tt.adapter)
			rec := httptest.NewRecorder()
			g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/copilotkit", nil))

			require.Equal(t, http.StatusOK, rec.Code)
			var resp StatusResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantAdapts, resp.Adapters)
			assert.Equal(t, Version, resp.Version)
			assert.Contains(t, resp.Actions, "filterTasks")
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	g := newTestGateway(t, testConfig(), nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/copilotkit", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	configured := newTestGateway(t, testConfig(), &scriptedAdapter{})
	unconfigured := newTestGateway(t, testConfig(), nil)

	tests := []struct {
		name       string
		g          *Gateway
		path       string
		wantStatus int
		wantBody   string
	}{
		{"health", unconfigured, "/health", http.StatusOK, "OK"},
		{"ready", configured, "/health/ready", http.StatusOK, "ready (openai)"},
		{"not ready", unconfigured, "/health/ready", http.StatusServiceUnavailable, "no provider configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]providers.StreamChunk{textRound("hi")}}
	g := newTestGateway(t, testConfig(), adapter)
	post(t, g.Handler(), helloBody)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "copilot_bridge_provider_selections_total")
}

func TestCredentialSourceFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.Azure.APIKeyEnv = "MY_AZURE_KEY"
	cfg.Providers.Azure.APIVersion = "2025-01-01"
	cfg.Providers.Anthropic.Model = "claude-test"
	cfg.Providers.Anthropic.MaxTokens = 512

	src := credentialSource(cfg.Providers, envWith(map[string]string{
		"MY_AZURE_KEY":            "k",
		"AZURE_OPENAI_ENDPOINT":   "https://example.openai.azure.com",
		"AZURE_OPENAI_DEPLOYMENT": "gpt",
		"ANTHROPIC_API_KEY":       "a",
	}))
	set := src.Credentials()

	require.Contains(t, set, providers.Azure)
	assert.True(t, set[providers.Azure].Complete())
	assert.Equal(t, "2025-01-01", set[providers.Azure].Settings[providers.SettingAPIVersion])
	assert.Equal(t, "claude-test", set[providers.Anthropic].Settings[providers.SettingModel])
	assert.Equal(t, "512", set[providers.Anthropic].Settings[providers.SettingMaxTokens])
	assert.NotContains(t, set, providers.OpenAI)
}
