package core

import (
	"context"
	"fmt"

	"github.com/hupe1980/insightmesh/logging"
)

// ToolContext provides a constrained surface for tool implementations: the
// ambient context, the identifiers of the task being run, the outputs of the
// task's dependencies and an optional artifact store.
type ToolContext struct {
	ctx       context.Context
	agentName string
	sessionID string
	requestID string
	taskID    string
	inputs    map[string]any
	artifacts ArtifactStore
	logger    logging.Logger
}

// ToolContextOptions configures NewToolContext.
type ToolContextOptions struct {
	SessionID string
	RequestID string
	TaskID    string
	Inputs    map[string]any
	Artifacts ArtifactStore
	Logger    logging.Logger
}

// NewToolContext constructs a tool context bound to ctx on behalf of agentName.
func NewToolContext(ctx context.Context, agentName string, optFns ...func(o *ToolContextOptions)) *ToolContext {
	opts := ToolContextOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if ctx == nil {
		ctx = context.Background()
	}

	inputs := opts.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}

	return &ToolContext{
		ctx:       ctx,
		agentName: agentName,
		sessionID: opts.SessionID,
		requestID: opts.RequestID,
		taskID:    opts.TaskID,
		inputs:    inputs,
		artifacts: opts.Artifacts,
		logger:    logging.OrNoOp(opts.Logger),
	}
}

// Context returns the context associated with the tool invocation.
func (tc *ToolContext) Context() context.Context { return tc.ctx }

// AgentName returns the agent executing the tool.
func (tc *ToolContext) AgentName() string { return tc.agentName }

// SessionID returns the session the task belongs to.
func (tc *ToolContext) SessionID() string { return tc.sessionID }

// RequestID returns the request correlation id.
func (tc *ToolContext) RequestID() string { return tc.requestID }

// TaskID returns the plan task being executed.
func (tc *ToolContext) TaskID() string { return tc.taskID }

// Logger returns the logger associated with the tool invocation. A nil
// context logs nowhere.
func (tc *ToolContext) Logger() logging.Logger {
	if tc == nil {
		return logging.NoOpLogger{}
	}
	return tc.logger
}

// Input returns the output recorded for an upstream task.
func (tc *ToolContext) Input(taskID string) (any, bool) {
	v, ok := tc.inputs[taskID]
	return v, ok
}

// Inputs returns a copy of every upstream output.
func (tc *ToolContext) Inputs() map[string]any {
	out := make(map[string]any, len(tc.inputs))
	for k, v := range tc.inputs {
		out[k] = v
	}
	return out
}

// SaveArtifact persists artifact bytes under the current session.
func (tc *ToolContext) SaveArtifact(id string, data []byte) error {
	if tc.artifacts == nil {
		return fmt.Errorf("artifact store not configured")
	}
	return tc.artifacts.Save(tc.sessionID, id, data)
}

// LoadArtifact loads artifact bytes from the current session.
func (tc *ToolContext) LoadArtifact(id string) ([]byte, error) {
	if tc.artifacts == nil {
		return nil, fmt.Errorf("artifact store not configured")
	}
	return tc.artifacts.Get(tc.sessionID, id)
}
