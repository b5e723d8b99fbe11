package agent

import (
	"context"
	"fmt"

	"github.com/hupe1980/insightmesh/core"
	"github.com/hupe1980/insightmesh/logging"
	"github.com/hupe1980/insightmesh/tool"
)

// NewWorker constructs an agent exposing tools as capabilities and handling
// IntentExecuteTask. Each task runs on its own goroutine, bounded by
// Options.MaxConcurrentTools, and is answered with a TaskResultPayload or a
// TaskFailurePayload carrying the structured tool error.
func NewWorker(name string, tools []tool.Tool, optFns ...func(o *Options)) *Agent {
	a := New(name, optFns...)

	for _, t := range tools {
		a.RegisterTool(t)
	}

	a.RegisterMessageHandler(core.IntentExecuteTask, a.handleExecuteTask)

	return a
}

func (a *Agent) handleExecuteTask(ctx context.Context, msg core.Message) (core.Payload, error) {
	task, ok := msg.Content.(core.TaskPayload)
	if !ok {
		return nil, fmt.Errorf("execute_task message %s carries %T", msg.ID, msg.Content)
	}

	a.inflight.Add(1)

	go func() {
		defer a.inflight.Done()

		if err := a.sem.Acquire(ctx, 1); err != nil {
			a.logger.Warn("agent.task.abandoned", "agent", a.name, "task_id", task.TaskID, "error", err.Error())
			return
		}
		defer a.sem.Release(1)

		payload := a.runTask(ctx, task)

		if err := a.reply(ctx, msg, payload); err != nil {
			a.logger.Error("agent.reply.failed", "agent", a.name, "task_id", task.TaskID, "error", err.Error())
		}
	}()

	return nil, nil
}

func (a *Agent) runTask(ctx context.Context, task core.TaskPayload) core.Payload {
	logger := a.logger
	if ml, ok := logger.(*logging.MeshLogger); ok {
		logger = ml.WithSession(task.SessionID, task.RequestID).WithContext("task_id", task.TaskID)
	}

	toolCtx := core.NewToolContext(ctx, a.name, func(o *core.ToolContextOptions) {
		o.SessionID = task.SessionID
		o.RequestID = task.RequestID
		o.TaskID = task.TaskID
		o.Inputs = task.Inputs
		o.Artifacts = a.artifacts
		o.Logger = logger
	})

	res := a.ExecuteTool(toolCtx, task.Capability, task.Args)
	if !res.OK() {
		return core.TaskFailurePayload{
			RequestID: task.RequestID,
			TaskID:    task.TaskID,
			Code:      res.Code,
			Error:     res.Message,
		}
	}

	return core.TaskResultPayload{
		RequestID: task.RequestID,
		TaskID:    task.TaskID,
		Output:    res.Data,
	}
}
