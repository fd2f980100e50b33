// ABOUTME: Thread-safe registry of actions and readables owned by mounted components.
// ABOUTME: Insert-or-replace by name, insertion-ordered listing, generation-checked disposers.

package capability

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrNoOwner indicates a registration was attempted without an owner token.
var ErrNoOwner = errors.New("registration requires an owner")

// Kind distinguishes the two capability tables.
type Kind int

const (
	KindAction Kind = iota
	KindReadable
)

func (k Kind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindReadable:
		return "readable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Owner is an opaque lifecycle token for one mounted component instance.
type Owner string

// NewOwner returns a fresh owner token. The label only aids logging.
func NewOwner(label string) Owner {
	return Owner(label + "#" + uuid.NewString())
}

// Disposer removes the registration that produced it. Calling it more than
// once, or after the entry was replaced by another registration, does nothing.
type Disposer func()

// Readable is a snapshot of component state published for the agent.
type Readable struct {
	ID          string
	Description string
	Value       any
	Owner       Owner
}

// Entry is a generic view of one registration, used for introspection.
type Entry struct {
	Kind       Kind
	ID         string
	Owner      Owner
	Descriptor any
}

// Catalog is the read side of a registry.
type Catalog interface {
	Action(name string) (*Action, bool)
	Actions() []*Action
	Readables() []*Readable
}

// Registry is the live table of registered actions and readables.
// Create one per application context with NewRegistry; there is no global instance.
type Registry struct {
	mu        sync.RWMutex
	actions   *table
	readables *table
	gen       uint64
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		actions:   newTable(),
		readables: newTable(),
		logger:    logger,
	}
}

// Register inserts or replaces a descriptor of the given kind.
// For KindAction the descriptor must be *Action and id, if set, must match its name.
// For KindReadable the descriptor must be *Readable; id overrides its ID.
func (r *Registry) Register(kind Kind, id string, owner Owner, descriptor any) (Disposer, error) {
	switch kind {
	case KindAction:
		a, ok := descriptor.(*Action)
		if !ok {
			return nil, fmt.Errorf("%w: expected *Action, got %T", ErrInvalidDescriptor, descriptor)
		}
		if id != "" && a != nil && id != a.Name {
			return nil, fmt.Errorf("%w: id %q does not match action name %q", ErrInvalidDescriptor, id, a.Name)
		}
		return r.RegisterAction(owner, a)
	case KindReadable:
		rd, ok := descriptor.(*Readable)
		if !ok || rd == nil {
			return nil, fmt.Errorf("%w: expected *Readable, got %T", ErrInvalidDescriptor, descriptor)
		}
		if id == "" {
			id = rd.ID
		}
		return r.RegisterReadable(owner, id, rd.Description, rd.Value)
	default:
		return nil, fmt.Errorf("%w: unknown kind %s", ErrInvalidDescriptor, kind)
	}
}

// RegisterAction inserts or replaces an action by name. Last writer wins.
func (r *Registry) RegisterAction(owner Owner, a *Action) (Disposer, error) {
	if owner == "" {
		return nil, ErrNoOwner
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.gen++
	gen := r.gen
	prev, replaced := r.actions.put(a.Name, owner, gen, a)
	total := r.actions.len()
	r.mu.Unlock()

	if replaced {
		r.logger.Debug("action replaced",
			"action", a.Name,
			"owner", owner,
			"previous_owner", prev,
		)
	} else {
		r.logger.Debug("action registered", "action", a.Name, "owner", owner, "total_actions", total)
	}

	return r.disposer(KindAction, a.Name, gen), nil
}

// RegisterReadable inserts or replaces a readable by id. Last writer wins.
func (r *Registry) RegisterReadable(owner Owner, id, description string, value any) (Disposer, error) {
	if owner == "" {
		return nil, ErrNoOwner
	}
	if id == "" {
		return nil, fmt.Errorf("%w: readable id is required", ErrInvalidDescriptor)
	}

	rd := &Readable{
		ID:          id,
		Description: description,
		Value:       value,
		Owner:       owner,
	}

	r.mu.Lock()
	r.gen++
	gen := r.gen
	_, replaced := r.readables.put(id, owner, gen, rd)
	r.mu.Unlock()

	if !replaced {
		r.logger.Debug("readable registered", "readable", id, "owner", owner)
	}

	return r.disposer(KindReadable, id, gen), nil
}

func (r *Registry) disposer(kind Kind, id string, gen uint64) Disposer {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			removed := r.tableFor(kind).removeGen(id, gen)
			r.mu.Unlock()
			if removed {
				r.logger.Debug("capability disposed", "kind", kind.String(), "id", id)
			}
		})
	}
}

// Unregister removes the entry with the given id. It is a no-op if absent.
func (r *Registry) Unregister(kind Kind, id string) {
	r.mu.Lock()
	removed := r.tableFor(kind).remove(id)
	r.mu.Unlock()

	if removed {
		r.logger.Debug("capability unregistered", "kind", kind.String(), "id", id)
	}
}

// UnregisterOwner removes every entry held by owner and returns how many were removed.
func (r *Registry) UnregisterOwner(owner Owner) int {
	r.mu.Lock()
	n := r.actions.removeOwner(owner) + r.readables.removeOwner(owner)
	r.mu.Unlock()

	if n > 0 {
		r.logger.Debug("owner unmounted", "owner", owner, "removed", n)
	}
	return n
}

// Action returns the currently registered action with the given name.
func (r *Registry) Action(name string) (*Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.actions.get(name)
	if !ok {
		return nil, false
	}
	return e.value.(*Action), true
}

// Readable returns the currently registered readable with the given id.
func (r *Registry) Readable(id string) (*Readable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.readables.get(id)
	if !ok {
		return nil, false
	}
	return e.value.(*Readable), true
}

// Actions returns all registered actions in insertion order.
func (r *Registry) Actions() []*Action {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Action, 0, r.actions.len())
	r.actions.each(func(e *tableEntry) {
		out = append(out, e.value.(*Action))
	})
	return out
}

// Readables returns all registered readables in insertion order.
func (r *Registry) Readables() []*Readable {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Readable, 0, r.readables.len())
	r.readables.each(func(e *tableEntry) {
		out = append(out, e.value.(*Readable))
	})
	return out
}

// List returns a snapshot of one table in insertion order.
func (r *Registry) List(kind Kind) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t := r.tableFor(kind)
	out := make([]Entry, 0, t.len())
	t.each(func(e *tableEntry) {
		out = append(out, Entry{Kind: kind, ID: e.id, Owner: e.owner, Descriptor: e.value})
	})
	return out
}

// Len returns the number of entries of the given kind.
func (r *Registry) Len(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tableFor(kind).len()
}

// Close clears the registry. This should be called during graceful shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	actions, readables := r.actions.len(), r.readables.len()
	r.actions = newTable()
	r.readables = newTable()
	r.mu.Unlock()

	r.logger.Debug("registry closed", "actions_cleared", actions, "readables_cleared", readables)
}

func (r *Registry) tableFor(kind Kind) *table {
	if kind == KindReadable {
		return r.readables
	}
	return r.actions
}

// tableEntry is one registration slot.
type tableEntry struct {
	id    string
	owner Owner
	gen   uint64
	value any
}

// table keeps entries keyed by id in insertion order.
// Uses a doubly-linked list so removal and in-place replacement are O(1).
type table struct {
	order *list.List
	index map[string]*list.Element
}

func newTable() *table {
	return &table{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// put inserts a new entry at the end or replaces an existing one in place.
// Returns the previous owner when an entry was replaced.
func (t *table) put(id string, owner Owner, gen uint64, value any) (Owner, bool) {
	if el, ok := t.index[id]; ok {
		e := el.Value.(*tableEntry)
		prev := e.owner
		e.owner, e.gen, e.value = owner, gen, value
		return prev, true
	}
	t.index[id] = t.order.PushBack(&tableEntry{id: id, owner: owner, gen: gen, value: value})
	return "", false
}

func (t *table) get(id string) (*tableEntry, bool) {
	el, ok := t.index[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*tableEntry), true
}

func (t *table) remove(id string) bool {
	el, ok := t.index[id]
	if !ok {
		return false
	}
	t.order.Remove(el)
	delete(t.index, id)
	return true
}

// removeGen removes id only if it still holds the given generation.
func (t *table) removeGen(id string, gen uint64) bool {
	el, ok := t.index[id]
	if !ok || el.Value.(*tableEntry).gen != gen {
		return false
	}
	t.order.Remove(el)
	delete(t.index, id)
	return true
}

func (t *table) removeOwner(owner Owner) int {
	n := 0
	for el := t.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*tableEntry)
		if e.owner == owner {
			t.order.Remove(el)
			delete(t.index, e.id)
			n++
		}
		el = next
	}
	return n
}

func (t *table) each(fn func(*tableEntry)) {
	for el := t.order.Front(); el != nil; el = el.Next() {
		fn(el.Value.(*tableEntry))
	}
}

func (t *table) len() int {
	return t.order.Len()
}
