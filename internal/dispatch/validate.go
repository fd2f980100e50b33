// ABOUTME: Validates and coerces raw action arguments against declared parameters.
// ABOUTME: Missing required fields and type mismatches are reported together, never defaulted.

package dispatch

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/2389/copilot-bridge/internal/capability"
)

// ValidationError lists every problem found in one set of arguments.
type ValidationError struct {
	Action  string
	Missing []string
	Invalid []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required parameter(s): "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid parameter(s): "+strings.Join(e.Invalid, "; "))
	}
	return fmt.Sprintf("Invalid arguments for action %s: %s", e.Action, strings.Join(parts, "; "))
}

// Validate checks raw against the action's parameters and returns the coerced
// arguments. Undeclared keys are dropped. A JSON null counts as absent.
func Validate(a *capability.Action, raw map[string]any) (capability.Args, error) {
	verr := &ValidationError{Action: a.Name}
	args := make(capability.Args, len(a.Parameters))

	for _, p := range a.Parameters {
		v, present := raw[p.Name]
		if !present || v == nil {
			if p.Required {
				verr.Missing = append(verr.Missing, p.Name)
			}
			continue
		}

		coerced, err := coerce(p, v)
		if err != nil {
			verr.Invalid = append(verr.Invalid, fmt.Sprintf("%s %s", p.Name, err))
			continue
		}
		args[p.Name] = coerced
	}

	if len(verr.Missing) > 0 || len(verr.Invalid) > 0 {
		return nil, verr
	}
	return args, nil
}

// coerceError is the reason text appended after the parameter name.
type coerceError string

func (e coerceError) Error() string { return string(e) }

func coerce(p capability.Parameter, v any) (any, error) {
	switch p.Type {
	case capability.ParamString:
		s, ok := v.(string)
		if !ok {
			return nil, coerceError("must be a string")
		}
		return s, nil

	case capability.ParamNumber:
		n, ok := toNumber(v)
		if !ok {
			return nil, coerceError("must be a number")
		}
		return n, nil

	case capability.ParamBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			switch b {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}
		return nil, coerceError("must be a boolean")

	case capability.ParamStringArray:
		switch list := v.(type) {
		case []string:
			return slices.Clone(list), nil
		case []any:
			out := make([]string, len(list))
			for i, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, coerceError("must be an array of strings")
				}
				out[i] = s
			}
			return out, nil
		}
		return nil, coerceError("must be an array of strings")

	case capability.ParamEnum:
		s, ok := v.(string)
		if !ok || !slices.Contains(p.Enum, s) {
			return nil, coerceError("must be one of: " + strings.Join(p.Enum, ", "))
		}
		return s, nil
	}
	return nil, coerceError("has unsupported type " + string(p.Type))
}

func toNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
