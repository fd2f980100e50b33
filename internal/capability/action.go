// ABOUTME: Action and parameter descriptors that components register for the agent.
// ABOUTME: Provides descriptor validation and JSON-schema rendering for adapters.

package capability

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidDescriptor indicates an action or parameter descriptor is malformed.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

// ParamType is the declared type of an action parameter.
type ParamType string

const (
	ParamString      ParamType = "string"
	ParamNumber      ParamType = "number"
	ParamBoolean     ParamType = "boolean"
	ParamStringArray ParamType = "string[]"
	ParamEnum        ParamType = "enum"
)

// Valid reports whether t is one of the supported parameter types.
func (t ParamType) Valid() bool {
	switch t {
	case ParamString, ParamNumber, ParamBoolean, ParamStringArray, ParamEnum:
		return true
	}
	return false
}

// Parameter describes one named argument of an action.
type Parameter struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
}

// Args is the validated parameter mapping passed to a handler.
type Args map[string]any

// String returns the named string argument, or "" if absent.
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Number returns the named number argument, or 0 if absent.
func (a Args) Number(name string) float64 {
	n, _ := a[name].(float64)
	return n
}

// Bool returns the named boolean argument, or false if absent.
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Strings returns the named string array argument, or nil if absent.
func (a Args) Strings(name string) []string {
	s, _ := a[name].([]string)
	return s
}

// Has reports whether the argument was supplied.
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// Invoker is the capability contract every action handler satisfies.
// The returned value is converted to text for the agent.
type Invoker interface {
	Invoke(ctx context.Context, args Args) (any, error)
}

// HandlerFunc adapts an ordinary function to the Invoker interface.
type HandlerFunc func(ctx context.Context, args Args) (any, error)

// Invoke calls f(ctx, args).
func (f HandlerFunc) Invoke(ctx context.Context, args Args) (any, error) {
	return f(ctx, args)
}

// Action is a named operation an agent can invoke to mutate component state.
type Action struct {
	Name        string
	Description string
	Parameters  []Parameter
	Handler     Invoker
}

// Validate checks that the descriptor can be registered.
func (a *Action) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: nil action", ErrInvalidDescriptor)
	}
	if a.Name == "" {
		return fmt.Errorf("%w: action name is required", ErrInvalidDescriptor)
	}
	if a.Handler == nil {
		return fmt.Errorf("%w: action %q has no handler", ErrInvalidDescriptor, a.Name)
	}

	seen := make(map[string]struct{}, len(a.Parameters))
	for _, p := range a.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%w: action %q has a parameter without a name", ErrInvalidDescriptor, a.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("%w: action %q declares parameter %q twice", ErrInvalidDescriptor, a.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
		if !p.Type.Valid() {
			return fmt.Errorf("%w: parameter %q has unsupported type %q", ErrInvalidDescriptor, p.Name, p.Type)
		}
		if p.Type == ParamEnum && len(p.Enum) == 0 {
			return fmt.Errorf("%w: enum parameter %q declares no values", ErrInvalidDescriptor, p.Name)
		}
	}
	return nil
}

// Parameter returns the declared parameter with the given name.
func (a *Action) Parameter(name string) (Parameter, bool) {
	for _, p := range a.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// RequiredParameters returns the names of required parameters in declaration order.
func (a *Action) RequiredParameters() []string {
	var names []string
	for _, p := range a.Parameters {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}

// Schema renders the parameters as a JSON-schema object, the shape every
// provider adapter accepts for tool definitions.
func (a *Action) Schema() map[string]any {
	props := make(map[string]any, len(a.Parameters))
	for _, p := range a.Parameters {
		props[p.Name] = p.schema()
	}

	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if req := a.RequiredParameters(); len(req) > 0 {
		required := make([]any, len(req))
		for i, name := range req {
			required[i] = name
		}
		schema["required"] = required
	}
	return schema
}

func (p Parameter) schema() map[string]any {
	s := map[string]any{}
	switch p.Type {
	case ParamString:
		s["type"] = "string"
	case ParamNumber:
		s["type"] = "number"
	case ParamBoolean:
		s["type"] = "boolean"
	case ParamStringArray:
		s["type"] = "array"
		s["items"] = map[string]any{"type": "string"}
	case ParamEnum:
		s["type"] = "string"
		values := make([]any, len(p.Enum))
		for i, v := range p.Enum {
			values[i] = v
		}
		s["enum"] = values
	}
	if p.Description != "" {
		s["description"] = p.Description
	}
	return s
}
