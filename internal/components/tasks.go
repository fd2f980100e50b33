// ABOUTME: Task list component with add, complete, filter, and clear actions.
// ABOUTME: filterTasks runs asynchronously and stops when its context ends.

package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/copilot-bridge/internal/capability"
)

const (
	tasksDescription = "The user's task list"

	defaultFilterDelay = 50 * time.Millisecond
)

// Filter statuses accepted by filterTasks.
const (
	StatusAll  = "all"
	StatusOpen = "open"
	StatusDone = "done"
)

// ErrTaskNotFound indicates an unknown task ID.
var ErrTaskNotFound = errors.New("task not found")

// Task is one entry in the list.
type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Tags      []string  `json:"tags,omitempty"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}

// Tasks holds an ordered task list.
type Tasks struct {
	logger *slog.Logger
	// filterDelay simulates a slow backing query for filterTasks.
	filterDelay time.Duration

	mu    sync.Mutex
	tasks []Task
	scope *capability.Scope
}

// NewTasks creates an empty task list.
func NewTasks(logger *slog.Logger) *Tasks {
	return &Tasks{logger: logger, filterDelay: defaultFilterDelay}
}

// Name implements Component.
func (t *Tasks) Name() string { return "tasks" }

// List returns a copy of the current tasks.
func (t *Tasks) List() []Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.tasks)
}

// Mount implements Component.
func (t *Tasks) Mount(reg *capability.Registry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.scope != nil {
		return errors.New("tasks already mounted")
	}
	scope := reg.Mount(t.Name())
	if err := scope.Readable("tasks", tasksDescription, slices.Clone(t.tasks)); err != nil {
		scope.Close()
		return err
	}

	actions := []*capability.Action{
		{
			Name:        "addTask",
			Description: "Add a task to the list",
			Parameters: []capability.Parameter{
				{Name: "title", Type: capability.ParamString, Required: true, Description: "Short task title"},
				{Name: "tags", Type: capability.ParamStringArray, Description: "Optional labels"},
			},
			Handler: capability.HandlerFunc(t.addTask),
		},
		{
			Name:        "completeTask",
			Description: "Mark a task as done",
			Parameters: []capability.Parameter{
				{Name: "id", Type: capability.ParamString, Required: true, Description: "Task ID"},
			},
			Handler: capability.HandlerFunc(t.completeTask),
		},
		{
			Name:        "filterTasks",
			Description: "List tasks with the given status",
			Parameters: []capability.Parameter{
				{
					Name:     "status",
					Type:     capability.ParamEnum,
					Required: true,
					Enum:     []string{StatusAll, StatusOpen, StatusDone},
				},
			},
			Handler: capability.HandlerFunc(t.filterTasks),
		},
		{
			Name:        "clear",
			Description: "Remove every task",
			Handler:     capability.HandlerFunc(t.clear),
		},
	}
	for _, a := range actions {
		if err := scope.Action(a); err != nil {
			scope.Close()
			return err
		}
	}

	t.scope = scope
	return nil
}

// Unmount implements Component.
func (t *Tasks) Unmount() {
	t.mu.Lock()
	scope := t.scope
	t.scope = nil
	t.mu.Unlock()

	if scope != nil {
		scope.Close()
	}
}

// update applies fn to a copy of the list, publishes it, then commits it.
func (t *Tasks) update(fn func([]Task) ([]Task, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, err := fn(slices.Clone(t.tasks))
	if err != nil {
		return err
	}
	if t.scope != nil {
		if err := t.scope.Readable("tasks", tasksDescription, slices.Clone(next)); err != nil {
			return fmt.Errorf("publish tasks: %w", err)
		}
	}
	t.tasks = next
	return nil
}

func (t *Tasks) addTask(_ context.Context, args capability.Args) (any, error) {
	task := Task{
		ID:        "task-" + uuid.NewString()[:8],
		Title:     args.String("title"),
		Tags:      args.Strings("tags"),
		CreatedAt: time.Now().UTC(),
	}
	err := t.update(func(cur []Task) ([]Task, error) {
		return append(cur, task), nil
	})
	if err != nil {
		return nil, err
	}
	t.logger.Debug("task added", "task_id", task.ID)
	return task, nil
}

func (t *Tasks) completeTask(_ context.Context, args capability.Args) (any, error) {
	id := args.String("id")
	err := t.update(func(cur []Task) ([]Task, error) {
		i := slices.IndexFunc(cur, func(task Task) bool { return task.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		cur[i].Done = true
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("Task %s completed", id), nil
}

func (t *Tasks) filterTasks(ctx context.Context, args capability.Args) (any, error) {
	status := args.String("status")
	snapshot := t.List()

	done := make(chan []Task, 1)
	go func() {
		time.Sleep(t.filterDelay)
		out := make([]Task, 0, len(snapshot))
		for _, task := range snapshot {
			switch {
			case status == StatusOpen && task.Done:
			case status == StatusDone && !task.Done:
			default:
				out = append(out, task)
			}
		}
		done <- out
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		return out, nil
	}
}

func (t *Tasks) clear(_ context.Context, _ capability.Args) (any, error) {
	var n int
	err := t.update(func(cur []Task) ([]Task, error) {
		n = len(cur)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("Cleared %d tasks", n), nil
}
