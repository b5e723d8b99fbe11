package core

import (
	"fmt"
	"time"
)

// ValidationError reports a malformed or incomplete request or argument set.
// Requests failing validation are rejected before any Session exists.
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ToolExecutionError is a failure caught at the tool boundary. It is carried
// as data in a structured result, never raised past the agent.
type ToolExecutionError struct {
	Tool    string `json:"tool"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ToolExecutionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// TaskFailure is a tool failure promoted to plan level. It halts every
// transitive dependent of TaskID.
type TaskFailure struct {
	TaskID string
	Err    error
}

func (e *TaskFailure) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *TaskFailure) Unwrap() error { return e.Err }

// SessionTimeout is raised by the watchdog when a running session outlives
// its allowed runtime.
type SessionTimeout struct {
	SessionID string
	Limit     time.Duration
}

func (e *SessionTimeout) Error() string {
	return fmt.Sprintf("session %s exceeded maximum runtime of %s", e.SessionID, e.Limit)
}

// StorageError wraps a persistence read or write failure. Storage errors are
// logged and degrade to "change not persisted"; they never reach callers of
// the session API.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
