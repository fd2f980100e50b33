// ABOUTME: Demo components that publish state and actions into a capability registry.
// ABOUTME: MountAll mounts the configured set in order; Close unmounts in reverse.

package components

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/copilot-bridge/internal/capability"
)

// ErrUnknownComponent indicates a component name with no constructor.
var ErrUnknownComponent = errors.New("unknown component")

// Component is a mountable unit of UI state.
type Component interface {
	Name() string
	// Mount registers the component's readables and actions. A component
	// mounts at most once.
	Mount(reg *capability.Registry) error
	// Unmount releases every registration made by Mount.
	Unmount()
}

var constructors = map[string]func(*slog.Logger) Component{
	"counter": func(l *slog.Logger) Component { return NewCounter(l) },
	"tasks":   func(l *slog.Logger) Component { return NewTasks(l) },
}

// New builds the named component.
func New(name string, logger *slog.Logger) (Component, error) {
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownComponent, name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return ctor(logger.With("component", name)), nil
}

// Set is a group of mounted components.
type Set struct {
	mounted []Component
}

// MountAll constructs and mounts the named components in order. Later mounts
// replace earlier registrations that share a name. On error every component
// already mounted is unmounted.
func MountAll(reg *capability.Registry, names []string, logger *slog.Logger) (*Set, error) {
	set := &Set{}
	for _, name := range names {
		c, err := New(name, logger)
		if err != nil {
			set.Close()
			return nil, err
		}
		if err := c.Mount(reg); err != nil {
			set.Close()
			return nil, fmt.Errorf("mount %s: %w", name, err)
		}
		set.mounted = append(set.mounted, c)
	}
	return set, nil
}

// Names returns the mounted component names in mount order.
func (s *Set) Names() []string {
	names := make([]string, len(s.mounted))
	for i, c := range s.mounted {
		names[i] = c.Name()
	}
	return names
}

// Close unmounts every component in reverse mount order.
func (s *Set) Close() {
	for i := len(s.mounted) - 1; i >= 0; i-- {
		s.mounted[i].Unmount()
	}
	s.mounted = nil
}
