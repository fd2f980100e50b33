// Package components provides the demo components mounted by copilot-bridge.
//
// Each component owns its state and a capability.Scope. Mount publishes the
// component's readables and actions; every state change republishes the
// readable while the component lock is held, so the agent never sees a
// readable that disagrees with the state an action just produced.
//
// Available components:
//
//   - counter: readable "count", actions setCount, increment, clear
//   - tasks: readable "tasks", actions addTask, completeTask, filterTasks, clear
//
// Both components register "clear". The registry keeps the most recent
// registration, so with the default mount order the tasks component owns it.
package components
