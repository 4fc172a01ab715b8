package core

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Deps are the process-level collaborators handed to task constructors.
type Deps struct {
	Logger         *slog.Logger
	CommandTimeout time.Duration
}

// Constructor builds a task instance for one action.
type Constructor func(id string, args map[string]any, deps Deps) (Task, error)

// Registry maps task-type names to constructors.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry returns a registry holding the built-in task types.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	r.Register(CommandTaskType, NewCommand)
	return r
}

// Register adds or replaces a constructor.
func (r *Registry) Register(name string, c Constructor) {
	r.constructors[name] = c
}

// Types lists the registered task-type names.
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build resolves the action's task type and constructs its instance.
func (r *Registry) Build(action ActionConfig, deps Deps) (Task, error) {
	name := TypeName(action.Task)
	c, ok := r.constructors[name]
	if !ok {
		return nil, &ConfigError{ActionID: action.ID, Msg: fmt.Sprintf("task type %q", action.Task), Err: ErrUnknownTaskType}
	}
	task, err := c(action.ID, action.Args, deps)
	if err != nil {
		return nil, &ConfigError{ActionID: action.ID, Msg: fmt.Sprintf("build %s task", name), Err: err}
	}
	return task, nil
}

// TypeName returns the segment of a task identifier after the final ':'.
func TypeName(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if idx := strings.LastIndex(identifier, ":"); idx >= 0 {
		return identifier[idx+1:]
	}
	return identifier
}
