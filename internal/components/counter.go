// ABOUTME: Counter component exposing a count readable and actions to change it.

package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/copilot-bridge/internal/capability"
)

const countDescription = "The current value of the counter"

// CounterState is the value published as the "count" readable.
type CounterState struct {
	Count float64 `json:"count"`
}

// Counter holds a single number.
type Counter struct {
	logger *slog.Logger

	mu    sync.Mutex
	count float64
	scope *capability.Scope
}

// NewCounter creates a counter starting at zero.
func NewCounter(logger *slog.Logger) *Counter {
	return &Counter{logger: logger}
}

// Name implements Component.
func (c *Counter) Name() string { return "counter" }

// Value returns the current count.
func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Mount implements Component.
func (c *Counter) Mount(reg *capability.Registry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scope != nil {
		return errors.New("counter already mounted")
	}
	scope := reg.Mount(c.Name())
	if err := scope.Readable("count", countDescription, CounterState{Count: c.count}); err != nil {
		scope.Close()
		return err
	}

	actions := []*capability.Action{
		{
			Name:        "setCount",
			Description: "Set the counter to a specific value",
			Parameters: []capability.Parameter{
				{Name: "value", Type: capability.ParamNumber, Required: true, Description: "The new counter value"},
			},
			Handler: capability.HandlerFunc(c.setCount),
		},
		{
			Name:        "increment",
			Description: "Add to the counter. Defaults to adding 1",
			Parameters: []capability.Parameter{
				{Name: "by", Type: capability.ParamNumber, Description: "Amount to add, may be negative"},
			},
			Handler: capability.HandlerFunc(c.increment),
		},
		{
			Name:        "clear",
			Description: "Reset the counter to zero",
			Handler:     capability.HandlerFunc(c.clear),
		},
	}
	for _, a := range actions {
		if err := scope.Action(a); err != nil {
			scope.Close()
			return err
		}
	}

	c.scope = scope
	return nil
}

// Unmount implements Component.
func (c *Counter) Unmount() {
	c.mu.Lock()
	scope := c.scope
	c.scope = nil
	c.mu.Unlock()

	if scope != nil {
		scope.Close()
	}
}

// update applies fn and republishes the readable under one lock so the
// published count always matches the state.
func (c *Counter) update(fn func(float64) float64) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := fn(c.count)
	if c.scope != nil {
		if err := c.scope.Readable("count", countDescription, CounterState{Count: next}); err != nil {
			return c.count, fmt.Errorf("publish count: %w", err)
		}
	}
	c.count = next
	c.logger.Debug("counter updated", "count", next)
	return next, nil
}

func (c *Counter) setCount(_ context.Context, args capability.Args) (any, error) {
	n, err := c.update(func(float64) float64 { return args.Number("value") })
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("Counter set to %g", n), nil
}

func (c *Counter) increment(_ context.Context, args capability.Args) (any, error) {
	by := 1.0
	if args.Has("by") {
		by = args.Number("by")
	}
	n, err := c.update(func(cur float64) float64 { return cur + by })
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("Counter is now %g", n), nil
}

func (c *Counter) clear(_ context.Context, _ capability.Args) (any, error) {
	if _, err := c.update(func(float64) float64 { return 0 }); err != nil {
		return nil, err
	}
	return "Counter cleared", nil
}
