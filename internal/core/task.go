package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// DefaultAction is invoked when a job does not name an action.
const DefaultAction = "defaultAction"

// Action performs one named behaviour of a task.
type Action func(ctx context.Context, args map[string]any) (Status, error)

// Task is a long-lived task instance built once per action.
type Task interface {
	ID() string
	Type() string
	// Action returns the handler bound to name.
	Action(name string) (Action, bool)
	// State returns the free-form text of the last run, if any.
	State() string
}

// StatusReporter receives the outcome of every task execution.
type StatusReporter interface {
	RecordOK(taskID string)
	RecordWarning(taskID string)
	RecordCritical(taskID string)
	RecordInvalid(taskID string)
}

// BaseTask carries the id, type, action table and state text shared by task types.
type BaseTask struct {
	id       string
	taskType string
	actions  map[string]Action

	mu    sync.RWMutex
	state string
}

// NewBaseTask returns a BaseTask with no actions bound.
func NewBaseTask(id, taskType string) *BaseTask {
	return &BaseTask{id: id, taskType: taskType, actions: make(map[string]Action)}
}

func (b *BaseTask) ID() string   { return b.id }
func (b *BaseTask) Type() string { return b.taskType }

// Handle binds fn to an action name.
func (b *BaseTask) Handle(name string, fn Action) {
	b.actions[name] = fn
}

func (b *BaseTask) Action(name string) (Action, bool) {
	fn, ok := b.actions[name]
	return fn, ok
}

func (b *BaseTask) State() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetState records the text of the current run.
func (b *BaseTask) SetState(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = text
}

// Runner is the execution engine for one task instance. It contains failures,
// reports every outcome and keeps the last result.
type Runner struct {
	task     Task
	reporter StatusReporter
	logger   *slog.Logger

	mu   sync.RWMutex
	last *Result
}

// NewRunner wraps task. reporter may be nil.
func NewRunner(task Task, reporter StatusReporter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		task:     task,
		reporter: reporter,
		logger:   logger.With("task_id", task.ID(), "task_type", task.Type()),
	}
}

// Task returns the wrapped task instance.
func (r *Runner) Task() Task { return r.task }

// Invoke runs the named action. An unknown action is a TaskError; any failure inside the
// action is logged and turned into StatusInvalid without being returned.
func (r *Runner) Invoke(ctx context.Context, action string, args map[string]any) (Status, error) {
	if action == "" {
		action = DefaultAction
	}
	fn, ok := r.task.Action(action)
	if !ok {
		return StatusInvalid, &TaskError{TaskType: r.task.Type(), Action: action, Msg: "no such action"}
	}

	r.logger.Debug("calling action", "action", action)
	started := time.Now()
	status, err := r.call(ctx, fn, args)
	if err != nil {
		attrs := []any{"action", action, "err", err}
		var taskErr *TaskError
		if errors.As(err, &taskErr) && taskErr.Output != "" {
			attrs = append(attrs, "output", taskErr.Output)
		}
		r.logger.Error("action failed", attrs...)
		status = StatusInvalid
	}
	r.report(status)

	r.mu.Lock()
	r.last = &Result{
		Action:   action,
		Status:   status,
		Text:     r.task.State(),
		Err:      err,
		Started:  started,
		Duration: time.Since(started),
	}
	r.mu.Unlock()
	return status, nil
}

// Last returns a copy of the most recent result, or nil before the first run.
func (r *Runner) Last() *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return nil
	}
	cp := *r.last
	return &cp
}

func (r *Runner) call(ctx context.Context, fn Action, args map[string]any) (status Status, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			status = StatusInvalid
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return fn(ctx, args)
}

func (r *Runner) report(status Status) {
	if r.reporter == nil {
		return
	}
	id := r.task.ID()
	switch status {
	case StatusOK:
		r.reporter.RecordOK(id)
	case StatusWarning:
		r.reporter.RecordWarning(id)
	case StatusCritical:
		r.reporter.RecordCritical(id)
	default:
		r.reporter.RecordInvalid(id)
	}
}

// MultiReporter fans a status report out to several reporters.
type MultiReporter []StatusReporter

func (m MultiReporter) RecordOK(taskID string) {
	for _, r := range m {
		r.RecordOK(taskID)
	}
}

func (m MultiReporter) RecordWarning(taskID string) {
	for _, r := range m {
		r.RecordWarning(taskID)
	}
}

func (m MultiReporter) RecordCritical(taskID string) {
	for _, r := range m {
		r.RecordCritical(taskID)
	}
}

func (m MultiReporter) RecordInvalid(taskID string) {
	for _, r := range m {
		r.RecordInvalid(taskID)
	}
}
