package tool

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hupe1980/insightmesh/core"
)

// Status is the outcome of a tool execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is the uniform shape every tool execution produces.
type Result struct {
	Status   Status        `json:"status"`
	Data     any           `json:"data,omitempty"`
	Message  string        `json:"message,omitempty"`
	Code     string        `json:"code,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Success wraps data in a success result.
func Success(data any) Result {
	return Result{Status: StatusSuccess, Data: data}
}

// Failure converts err to an error result, keeping the code of a ToolError.
func Failure(err error) Result {
	r := Result{Status: StatusError, Message: err.Error(), Code: CodeExecution}

	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		r.Message = toolErr.Message
		if toolErr.Code != "" {
			r.Code = toolErr.Code
		}
	}

	return r
}

// NotFound is the result of executing a tool that is not registered.
func NotFound(name string) Result {
	return Result{Status: StatusError, Message: "not found", Code: CodeNotFound, Data: map[string]any{"tool": name}}
}

// OK reports whether the execution succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Err returns the failure as a ToolError, or nil on success.
func (r Result) Err(tool string) error {
	if r.OK() {
		return nil
	}
	return &ToolError{Tool: tool, Code: r.Code, Message: r.Message}
}

// Run calls t and converts every outcome, panics included, into a Result.
func Run(toolCtx *core.ToolContext, t Tool, args map[string]any) (result Result) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			toolCtx.Logger().Error("tool.call.panic", "tool", t.Name(), "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			result = Result{Status: StatusError, Message: fmt.Sprintf("panic: %v", rec), Code: CodePanic}
		}
		result.Duration = time.Since(start)
	}()

	if args == nil {
		args = map[string]any{}
	}

	out, err := t.Call(toolCtx, args)
	if err != nil {
		return Failure(err)
	}

	return Success(out)
}
