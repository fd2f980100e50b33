// ABOUTME: Executes agent-issued action calls against the capability catalog.
// ABOUTME: Every failure becomes a textual result; nothing is thrown to the transport layer.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/copilot-bridge/internal/capability"
	"github.com/2389/copilot-bridge/internal/dedupe"
	"github.com/2389/copilot-bridge/internal/metrics"
)

// DefaultTimeout is the default time an executor waits for a handler.
const DefaultTimeout = 30 * time.Second

// Invocation outcomes, used for logging and metrics.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeUnknown   = "unknown"
	OutcomeInvalid   = "invalid"
	OutcomeTimeout   = "timeout"
	OutcomeUnmounted = "unmounted"
	OutcomeReplayed  = "replayed"
)

// UnregisteredAction is the metrics label for calls naming no registered
// action, so model output cannot grow the label set.
const UnregisteredAction = "unregistered"

// Result is the outcome of one invocation. ResultText is always set, even on
// failure, because the consumer is a language model turn.
type Result struct {
	CallID        string         `json:"call_id,omitempty"`
	ActionName    string         `json:"action"`
	RawParameters map[string]any `json:"parameters,omitempty"`
	ResultText    string         `json:"result"`
	Succeeded     bool           `json:"succeeded"`
}

// Call is an action call as emitted by a provider: arguments are a JSON object.
type Call struct {
	// ThreadID scopes ID, which backends only guarantee unique within a conversation.
	ThreadID  string
	ID        string
	Name      string
	Arguments string
}

// Config contains configuration options for the Executor.
type Config struct {
	Catalog capability.Catalog
	Logger  *slog.Logger
	Timeout time.Duration
	// Ledger, if set, records results by thread, action, and call ID so a
	// replayed call is not re-executed.
	Ledger  *dedupe.Ledger[Result]
	Metrics *metrics.Metrics
}

// Executor validates and runs action calls.
type Executor struct {
	catalog capability.Catalog
	logger  *slog.Logger
	timeout time.Duration
	ledger  *dedupe.Ledger[Result]
	metrics *metrics.Metrics
}

// NewExecutor creates an Executor with the given configuration.
func NewExecutor(cfg Config) *Executor {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		catalog: cfg.Catalog,
		logger:  logger,
		timeout: timeout,
		ledger:  cfg.Ledger,
		metrics: cfg.Metrics,
	}
}

// WithCatalog returns an executor that shares this executor's ledger, metrics
// and timeout but resolves actions against catalog.
func (e *Executor) WithCatalog(catalog capability.Catalog) *Executor {
	clone := *e
	clone.catalog = catalog
	return &clone
}

type callIDKey struct{}

// WithCallID attaches the provider's call ID to ctx.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallIDFromContext returns the call ID of the invocation running under ctx, if any.
func CallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// InvokeCall parses the call's JSON arguments and invokes it. When a ledger is
// configured, a call that already ran in the same thread under the same
// action name returns the recorded result.
func (e *Executor) InvokeCall(ctx context.Context, call Call) Result {
	run := func() Result {
		raw, err := parseArguments(call.Arguments)
		if err != nil {
			e.logger.Warn("action arguments not a JSON object",
				"action", call.Name,
				"call_id", call.ID,
				"error", err,
			)
			e.metrics.ObserveInvocation(e.label(call.Name), OutcomeInvalid)
			return Result{
				ActionName: call.Name,
				ResultText: fmt.Sprintf("Invalid arguments for action %s: arguments must be a JSON object", call.Name),
			}
		}
		return e.Invoke(WithCallID(ctx, call.ID), call.Name, raw)
	}

	var res Result
	if e.ledger == nil || call.ID == "" {
		res = run()
	} else {
		var replayed bool
		res, replayed = e.ledger.Do(ledgerKey(call), run)
		if replayed {
			e.logger.Info("action call replayed from ledger",
				"action", call.Name,
				"call_id", call.ID,
				"thread_id", call.ThreadID,
			)
			e.metrics.ObserveInvocation(e.label(call.Name), OutcomeReplayed)
		}
	}
	res.CallID = call.ID
	return res
}

func ledgerKey(call Call) string {
	return strings.Join([]string{call.ThreadID, call.Name, call.ID}, "\x00")
}

// label returns name if it is a registered action, else UnregisteredAction.
func (e *Executor) label(name string) string {
	if _, ok := e.catalog.Action(name); ok {
		return name
	}
	return UnregisteredAction
}

func parseArguments(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]any{}, nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// Invoke looks up, validates, and runs the named action exactly once.
// It never returns an error: every failure is encoded in the Result.
func (e *Executor) Invoke(ctx context.Context, name string, raw map[string]any) Result {
	res := Result{ActionName: name, RawParameters: raw}

	action, ok := e.catalog.Action(name)
	if !ok {
		e.logger.Warn("unknown action", "action", name)
		e.metrics.ObserveInvocation(UnregisteredAction, OutcomeUnknown)
		res.ResultText = "Unknown action: " + name
		return res
	}

	args, err := Validate(action, raw)
	if err != nil {
		e.logger.Info("action arguments rejected", "action", name, "error", err)
		e.metrics.ObserveInvocation(name, OutcomeInvalid)
		res.ResultText = err.Error()
		return res
	}

	e.logger.Info("→ invoking action", "action", name, "call_id", CallIDFromContext(ctx))
	start := time.Now()
	value, err := e.run(ctx, action, args)
	elapsed := time.Since(start)
	e.metrics.ObserveActionDuration(name, elapsed)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.logger.Warn("action timed out", "action", name, "timeout", e.timeout)
		e.metrics.ObserveInvocation(name, OutcomeTimeout)
		res.ResultText = fmt.Sprintf("Action %s timed out after %s", name, e.timeout)
		return res
	case err != nil:
		e.logger.Warn("action failed", "action", name, "error", err)
		e.metrics.ObserveInvocation(name, OutcomeFailed)
		res.ResultText = fmt.Sprintf("Action %s failed: %v", name, err)
		return res
	}

	// The owning component may have unmounted while the handler ran.
	if _, still := e.catalog.Action(name); !still {
		e.logger.Info("action result discarded, component unmounted", "action", name)
		e.metrics.ObserveInvocation(name, OutcomeUnmounted)
		res.ResultText = fmt.Sprintf("Action %s finished after its component unmounted; result discarded", name)
		return res
	}

	e.logger.Info("← action completed", "action", name, "duration", elapsed)
	e.metrics.ObserveInvocation(name, OutcomeSucceeded)
	res.ResultText = resultText(name, value)
	res.Succeeded = true
	return res
}

// run executes the handler on its own goroutine so a slow handler can be
// abandoned at the timeout. Panics are recovered into errors.
func (e *Executor) run(ctx context.Context, action *capability.Action, args capability.Args) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := action.Handler.Invoke(ctx, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resultText converts a handler's return value into text for the agent.
func resultText(name string, v any) string {
	switch x := v.(type) {
	case nil:
		return fmt.Sprintf("Action %s completed", name)
	case string:
		if x == "" {
			return fmt.Sprintf("Action %s completed", name)
		}
		return x
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	case error:
		return x.Error()
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
