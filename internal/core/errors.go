package core

import (
	"errors"
	"fmt"
)

// ErrorKind separates errors that must abort the process from errors that only affect one run.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindFatal aborts planning or startup.
	KindFatal
	// KindTask is contained at the task boundary and becomes StatusInvalid.
	KindTask
)

var (
	// ErrClockAnomaly is returned when the planning horizon is more than a day away.
	ErrClockAnomaly = errors.New("planning horizon out of range")
	// ErrUnhealthy is returned when the startup health check fails.
	ErrUnhealthy = errors.New("startup health check failed")
	// ErrUnknownTaskType is returned by the registry for unregistered task types.
	ErrUnknownTaskType = errors.New("unknown task type")
)

// ConfigError is a fatal configuration problem found at startup or planning time.
type ConfigError struct {
	ActionID string
	Msg      string
	Err      error
}

func (e *ConfigError) Error() string {
	msg := "configuration error"
	if e.ActionID != "" {
		msg += fmt.Sprintf(" in action %q", e.ActionID)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TaskError is raised inside a task; it never escapes the execution engine as a crash.
type TaskError struct {
	TaskType string
	Action   string
	Msg      string
	ExitCode int
	Output   string
	Err      error
}

func (e *TaskError) Error() string {
	msg := fmt.Sprintf("task %s", e.TaskType)
	if e.Action != "" {
		msg += "." + e.Action
	}
	msg += ": " + e.Msg
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TaskError) Unwrap() error { return e.Err }

// KindOf classifies err so callers can choose between process abort and status-only handling.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return KindTask
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return KindFatal
	}
	if errors.Is(err, ErrClockAnomaly) || errors.Is(err, ErrUnhealthy) || errors.Is(err, ErrUnknownTaskType) {
		return KindFatal
	}
	return KindUnknown
}
