// Package capability provides the live table of actions and readables that
// mounted UI components publish for an agent.
//
// # Overview
//
// Components register two kinds of capabilities:
//
//   - Actions: named, schema-described operations the agent can invoke
//   - Readables: snapshots of component state placed in the agent's context
//
// Every registration is owned by exactly one component instance (an Owner).
// When the component unmounts, its registrations are removed.
//
// # Registration
//
// Registration inserts or replaces by name. The last writer wins, and the
// replaced entry keeps its original insertion slot so ordering stays stable
// across re-renders:
//
//	registry := capability.NewRegistry(logger)
//	dispose, err := registry.RegisterAction(owner, &capability.Action{...})
//	defer dispose()
//
// A disposer only removes the registration it created. If another component
// has since replaced the entry, the stale disposer is a no-op.
//
// # Scopes
//
// Mount returns a Scope that collects disposers for one component instance:
//
//	scope := registry.Mount("counter")
//	defer scope.Close()
//	scope.Action(&capability.Action{...})
//	scope.Readable("count", "Current counter value", map[string]int{"count": 0})
//
// # Catalogs
//
// Consumers read through the Catalog interface. Overlay layers a
// request-scoped registry on top of the application registry without copying.
package capability
