// ABOUTME: Scoped acquisition of capabilities for one mounted component instance.
// ABOUTME: Close releases every registration the scope made, on every exit path.

package capability

import (
	"errors"
	"sync"
)

// ErrScopeClosed indicates registration on a scope that has already been closed.
var ErrScopeClosed = errors.New("scope closed")

// Scope owns the registrations of one component instance.
type Scope struct {
	registry *Registry
	owner    Owner

	mu        sync.Mutex
	disposers map[string]Disposer // keyed by kind/id so re-registration replaces
	order     []string
	closed    bool
}

// Mount starts a new scope with a fresh owner token.
func (r *Registry) Mount(label string) *Scope {
	return &Scope{
		registry:  r,
		owner:     NewOwner(label),
		disposers: make(map[string]Disposer),
	}
}

// Owner returns the scope's owner token.
func (s *Scope) Owner() Owner {
	return s.owner
}

// Action registers or re-registers an action under this scope.
func (s *Scope) Action(a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrScopeClosed
	}
	dispose, err := s.registry.RegisterAction(s.owner, a)
	if err != nil {
		return err
	}
	s.track(KindAction.String()+"/"+a.Name, dispose)
	return nil
}

// Readable registers or refreshes a readable under this scope.
// Calling it again with the same id publishes a new snapshot.
func (s *Scope) Readable(id, description string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrScopeClosed
	}
	dispose, err := s.registry.RegisterReadable(s.owner, id, description, value)
	if err != nil {
		return err
	}
	s.track(KindReadable.String()+"/"+id, dispose)
	return nil
}

// track must be called with s.mu held.
func (s *Scope) track(key string, dispose Disposer) {
	if _, ok := s.disposers[key]; !ok {
		s.order = append(s.order, key)
	}
	// The previous disposer for key is stale: its generation was replaced.
	s.disposers[key] = dispose
}

// Close runs every disposer in reverse registration order. Safe to call multiple times.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	order, disposers := s.order, s.disposers
	s.order, s.disposers = nil, nil
	s.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		disposers[order[i]]()
	}
}
