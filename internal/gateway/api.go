// ABOUTME: HTTP API handlers for the conversation endpoint, streamed over SSE.
// ABOUTME: Provides POST/GET /api/copilotkit and request-scoped capability mounting.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/copilot-bridge/internal/auth"
	"github.com/2389/copilot-bridge/internal/capability"
	"github.com/2389/copilot-bridge/internal/providers"
	"github.com/2389/copilot-bridge/internal/readables"
)

// maxRequestBytes caps the POST body.
const maxRequestBytes = 1 << 20

// ConversationRequest is the JSON request body for POST /api/copilotkit.
type ConversationRequest struct {
	ThreadID  string              `json:"thread_id,omitempty"`
	Messages  []providers.Message `json:"messages"`
	Actions   []ClientAction      `json:"actions,omitempty"`
	Readables []ClientReadable    `json:"readables,omitempty"`
	System    string              `json:"system,omitempty"`
}

// ClientAction is an action declared by the browser for this request only.
// When the agent calls it, the call is forwarded back to the client.
type ClientAction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  []capability.Parameter `json:"parameters,omitempty"`
}

// ClientReadable is state published by the browser for this request only.
type ClientReadable struct {
	ID          string `json:"id,omitempty"`
	Description string `json:"description"`
	Value       any    `json:"value"`
}

// StatusResponse is the JSON response for GET /api/copilotkit.
type StatusResponse struct {
	Status   string   `json:"status"`
	Adapters []string `json:"adapters"`
	Actions  []string `json:"actions"`
	Version  string   `json:"version"`
}

var errBodyTooLarge = fmt.Errorf("request body exceeds %d bytes", maxRequestBytes)

// errClientSide is returned if a client-declared action is ever run on the server.
var errClientSide = errors.New("action runs in the client")

// handleStatus handles GET /api/copilotkit.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:   "ok",
		Adapters: []string{},
		Actions:  []string{},
		Version:  Version,
	}
	for _, p := range g.router.Configured() {
		resp.Adapters = append(resp.Adapters, string(p))
	}
	if len(resp.Adapters) == 0 {
		resp.Status = "unconfigured"
	}
	for _, a := range g.registry.Actions() {
		resp.Actions = append(resp.Actions, a.Name)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleConversation handles POST /api/copilotkit: it runs one agent turn and
// streams it as server-sent events.
func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	adapter, err := g.router.Resolve()
	if errors.Is(err, providers.ErrUnconfigured) {
		g.metrics.ObserveRequest("unconfigured", time.Since(start))
		sendJSONError(w, http.StatusInternalServerError, g.router.MissingMessage())
		return
	}
	if err != nil {
		g.logger.Error("failed to create provider adapter", "error", err)
		g.metrics.ObserveRequest("error", time.Since(start))
		sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	req, err := parseConversationRequest(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		g.metrics.ObserveRequest("bad_request", time.Since(start))
		sendJSONError(w, status, err.Error())
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}
	logger := g.logger.With("thread_id", req.ThreadID, "provider", adapter.Name())
	if p := auth.FromContext(r.Context()); p != nil {
		logger = logger.With("principal", p.ID)
	}

	// Client-declared capabilities live in their own registry, layered over
	// the application registry and released on every exit path.
	requestRegistry := capability.NewRegistry(logger)
	defer requestRegistry.Close()
	scope := requestRegistry.Mount("client:" + req.ThreadID)
	defer scope.Close()

	clientActions, err := mountClientCapabilities(scope, req)
	if err != nil {
		g.metrics.ObserveRequest("bad_request", time.Since(start))
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	catalog := capability.Overlay(requestRegistry, g.registry)

	// Check streaming support before starting (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("streaming not supported")
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.config.Gateway.RequestTimeout)
	defer cancel()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse := &sseWriter{w: w, flusher: flusher, logger: logger}
	sse.send("started", map[string]string{"thread_id": req.ThreadID, "provider": adapter.Name()})

	t := &turn{
		threadID:      req.ThreadID,
		adapter:       adapter,
		catalog:       catalog,
		executor:      g.executor.WithCatalog(catalog),
		clientActions: clientActions,
		maxRounds:     g.config.Gateway.MaxToolRounds,
		prepare:       g.prepareRound(catalog, req.System),
		emit:          sse.send,
		logger:        logger,
	}
	result, err := t.run(ctx, &providers.Request{Messages: req.Messages})
	g.metrics.ObserveToolRounds(result.Rounds)

	if err != nil {
		status, msg := "error", "internal error"
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			status, msg = "timeout", "request timed out"
			logger.Warn("request timed out", "timeout", g.config.Gateway.RequestTimeout, "rounds", result.Rounds)
		case r.Context().Err() != nil:
			status, msg = "canceled", "request cancelled"
			logger.Info("client disconnected", "rounds", result.Rounds)
		default:
			logger.Error("turn failed", "error", err, "rounds", result.Rounds)
		}
		g.metrics.ObserveRequest(status, time.Since(start))
		sse.send("error", map[string]string{"error": msg})
		return
	}

	g.metrics.ObserveRequest("ok", time.Since(start))
	logger.Info("turn completed",
		"stop_reason", result.StopReason,
		"rounds", result.Rounds,
		"duration", time.Since(start),
	)
	sse.send("done", doneEvent{
		ThreadID:     req.ThreadID,
		StopReason:   result.StopReason,
		Rounds:       result.Rounds,
		FullResponse: result.Text,
		Usage:        result.Usage,
	})
}

// prepareRound refreshes the system prompt and tools from catalog so every
// round sees the state left by the previous round's actions.
func (g *Gateway) prepareRound(catalog capability.Catalog, system string) func(*providers.Request) {
	agg := readables.New(readables.Config{
		Catalog:     catalog,
		TokenBudget: g.config.Gateway.ReadableTokenBudget,
		Logger:      g.logger,
	})
	return func(req *providers.Request) {
		var parts []string
		for _, s := range []string{g.config.Gateway.SystemPrompt, system, agg.Snapshot().Render()} {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
		req.SystemPrompt = strings.Join(parts, "\n\n")

		actions := catalog.Actions()
		req.Tools = make([]providers.Tool, len(actions))
		for i, a := range actions {
			req.Tools[i] = providers.Tool{
				Name:        a.Name,
				Description: a.Description,
				Parameters:  a.Schema(),
			}
		}
	}
}

// mountClientCapabilities registers the request's client actions and
// readables into scope. It returns the client action names.
func mountClientCapabilities(scope *capability.Scope, req *ConversationRequest) (map[string]struct{}, error) {
	names := make(map[string]struct{}, len(req.Actions))
	for _, ca := range req.Actions {
		a := &capability.Action{
			Name:        ca.Name,
			Description: ca.Description,
			Parameters:  ca.Parameters,
			Handler: capability.HandlerFunc(func(context.Context, capability.Args) (any, error) {
				return nil, errClientSide
			}),
		}
		if err := scope.Action(a); err != nil {
			return nil, fmt.Errorf("invalid action %q: %w", ca.Name, err)
		}
		names[ca.Name] = struct{}{}
	}

	for i, rd := range req.Readables {
		id := rd.ID
		if id == "" {
			id = fmt.Sprintf("client-readable-%d", i)
		}
		if err := scope.Readable(id, rd.Description, rd.Value); err != nil {
			return nil, fmt.Errorf("invalid readable %q: %w", id, err)
		}
	}
	return names, nil
}

// parseConversationRequest parses and validates a ConversationRequest.
func parseConversationRequest(r io.Reader) (*ConversationRequest, error) {
	var req ConversationRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, errors.New("invalid JSON body")
	}

	if len(req.Messages) == 0 {
		return nil, errors.New("messages is required")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case providers.RoleUser, providers.RoleAssistant, providers.RoleSystem:
		case providers.RoleTool:
			if m.ToolCallID == "" {
				return nil, fmt.Errorf("messages[%d]: tool message requires tool_call_id", i)
			}
		default:
			return nil, fmt.Errorf("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	return &req, nil
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
