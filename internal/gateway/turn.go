// ABOUTME: Agent turn state machine: stream, run requested actions, stream again.
// ABOUTME: Also holds the SSE writer the turn reports progress through.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/2389/copilot-bridge/internal/capability"
	"github.com/2389/copilot-bridge/internal/dispatch"
	"github.com/2389/copilot-bridge/internal/providers"
)

// StopClientAction ends a turn that is waiting on the browser to run actions.
const StopClientAction providers.StopReason = "client_action"

// StopMaxToolRounds ends a turn that kept requesting actions past the limit.
const StopMaxToolRounds providers.StopReason = "max_tool_rounds"

type turnState int

const (
	stateStreaming turnState = iota
	stateAwaitingToolResult
	stateDone
)

func (s turnState) String() string {
	switch s {
	case stateStreaming:
		return "streaming"
	case stateAwaitingToolResult:
		return "awaiting_tool_result"
	case stateDone:
		return "done"
	}
	return "unknown"
}

// sseWriter writes server-sent events. Safe for concurrent use.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	logger  *slog.Logger
}

// send writes a single SSE event and flushes it.
func (s *sseWriter) send(event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "event", event, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "event: %s\n", event)
	fmt.Fprintf(s.w, "data: %s\n\n", dataJSON)
	s.flusher.Flush()
}

type textEvent struct {
	Text string `json:"text"`
}

type actionCallEvent struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

type doneEvent struct {
	ThreadID     string               `json:"thread_id"`
	StopReason   providers.StopReason `json:"stop_reason"`
	Rounds       int                  `json:"rounds"`
	FullResponse string               `json:"full_response"`
	Usage        *providers.Usage     `json:"usage,omitempty"`
}

// turnResult summarizes a finished turn.
type turnResult struct {
	Text       string
	StopReason providers.StopReason
	// Rounds is the number of action rounds executed.
	Rounds int
	Usage  *providers.Usage
}

// turn drives one request through the adapter until the agent stops asking
// for actions, a client action is pending, or the round limit is reached.
type turn struct {
	threadID      string
	adapter       providers.Adapter
	catalog       capability.Catalog
	executor      *dispatch.Executor
	clientActions map[string]struct{}
	maxRounds     int
	// prepare, if set, refreshes the request before each round.
	prepare       func(*providers.Request)
	emit          func(event string, data any)
	logger        *slog.Logger

	state turnState
}

func (t *turn) transition(next turnState) {
	t.logger.Debug("turn state", "from", t.state, "to", next)
	t.state = next
}

// run executes the turn. req.Messages grows with assistant and tool messages
// as rounds complete.
func (t *turn) run(ctx context.Context, req *providers.Request) (turnResult, error) {
	var (
		res  turnResult
		text strings.Builder
	)
	t.state = stateStreaming

	for {
		var (
			roundText strings.Builder
			calls     []providers.ToolCall
			stop      providers.StopReason
		)
		if t.prepare != nil {
			t.prepare(req)
		}
		err := t.adapter.Stream(ctx, req, func(c *providers.StreamChunk) error {
			switch c.Type {
			case providers.ChunkText:
				roundText.WriteString(c.Text)
				t.emit("text", textEvent{Text: c.Text})
			case providers.ChunkToolCall:
				if c.ToolCall != nil {
					calls = append(calls, *c.ToolCall)
				}
			case providers.ChunkEnd:
				stop = c.StopReason
				res.Usage = addUsage(res.Usage, c.Usage)
			}
			return ctx.Err()
		})
		text.WriteString(roundText.String())
		res.Text = text.String()
		if err != nil {
			return res, fmt.Errorf("stream from %s: %w", t.adapter.Name(), err)
		}

		req.Messages = append(req.Messages, providers.Message{
			Role:      providers.RoleAssistant,
			Content:   roundText.String(),
			ToolCalls: calls,
		})

		if len(calls) == 0 {
			t.transition(stateDone)
			res.StopReason = stop
			return res, nil
		}
		if res.Rounds >= t.maxRounds {
			t.logger.Warn("tool round limit reached", "max_tool_rounds", t.maxRounds)
			t.transition(stateDone)
			res.StopReason = StopMaxToolRounds
			return res, nil
		}

		t.transition(stateAwaitingToolResult)
		res.Rounds++
		pendingClient := t.runCalls(ctx, req, calls)
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if pendingClient {
			t.transition(stateDone)
			res.StopReason = StopClientAction
			return res, nil
		}
		t.transition(stateStreaming)
	}
}

// runCalls executes server actions and forwards valid client actions. Every
// call that is not forwarded gets a tool message so the agent sees its result.
// It reports whether any client action is now pending.
func (t *turn) runCalls(ctx context.Context, req *providers.Request, calls []providers.ToolCall) bool {
	pendingClient := false
	for _, call := range calls {
		t.emit("action_call", actionCallEvent{
			CallID:    call.ID,
			Name:      call.Name,
			Arguments: json.RawMessage(argumentsJSON(call.Arguments)),
		})

		if _, ok := t.clientActions[call.Name]; ok {
			args, errText := t.validateClientCall(call)
			if errText != "" {
				t.emit("action_result", dispatch.Result{CallID: call.ID, ActionName: call.Name, ResultText: errText})
				req.Messages = append(req.Messages, toolMessage(call, errText))
				continue
			}
			t.emit("client_action", actionCallEvent{CallID: call.ID, Name: call.Name, Arguments: args})
			pendingClient = true
			continue
		}

		result := t.executor.InvokeCall(ctx, dispatch.Call{
			ThreadID:  t.threadID,
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
		t.emit("action_result", result)
		req.Messages = append(req.Messages, toolMessage(call, result.ResultText))
	}
	return pendingClient
}

// validateClientCall checks a client action call against its declaration.
// It returns the coerced arguments, or the failure text for the agent.
func (t *turn) validateClientCall(call providers.ToolCall) (map[string]any, string) {
	var raw map[string]any
	if s := strings.TrimSpace(call.Arguments); s != "" {
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return nil, fmt.Sprintf("Invalid arguments for action %s: arguments must be a JSON object", call.Name)
		}
	}
	action, ok := t.catalog.Action(call.Name)
	if !ok {
		return nil, "Unknown action: " + call.Name
	}
	args, err := dispatch.Validate(action, raw)
	if err != nil {
		return nil, err.Error()
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, ""
}

func toolMessage(call providers.ToolCall, content string) providers.Message {
	return providers.Message{
		Role:       providers.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
}

// argumentsJSON returns s if it is valid JSON, otherwise an empty object.
func argumentsJSON(s string) string {
	if json.Valid([]byte(s)) {
		return s
	}
	return "{}"
}

func addUsage(total, u *providers.Usage) *providers.Usage {
	if u == nil {
		return total
	}
	if total == nil {
		total = &providers.Usage{}
	}
	total.InputTokens += u.InputTokens
	total.OutputTokens += u.OutputTokens
	total.TotalTokens += u.TotalTokens
	return total
}
