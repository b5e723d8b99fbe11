// Package tool implements the capability contract workers expose to the
// orchestrator: named operations with schema validated arguments, uniform
// error codes and a structured success/error result that never escapes as a
// panic or error past the tool boundary.
package tool

import (
	"github.com/hupe1980/insightmesh/core"
	"github.com/hupe1980/insightmesh/internal/util"
)

// Error codes carried by ToolError and Result.Code.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodePanic      = "PANIC"
)

// Tool defines a single named operation an agent can execute.
//
// Tools are registered with an agent under their name; the name doubles as
// the capability the orchestrator routes plan tasks by. Implementations
// should:
//   - Provide a stable snake_case name and a short description
//   - Declare a JSON schema for their parameters
//   - Return errors instead of panicking
//   - Be safe for concurrent use, since one agent may run several calls at once
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description of what this tool does.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// Call executes the tool with structured arguments and a ToolContext
	// carrying the task identity and upstream outputs.
	Call(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// ToolError represents errors that occur during tool execution.
type ToolError = core.ToolExecutionError

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
