package testutil

import (
	"github.com/hupe1980/insightmesh/core"
)

// TaskMessage builds an execute-task message from the orchestrator to
// recipient. It panics on invalid input, which only happens on test typos.
func TaskMessage(recipient, taskID string, args map[string]any, inputs map[string]any) core.Message {
	msg, err := core.NewMessage("orchestrator", recipient, core.IntentExecuteTask, core.TaskPayload{
		RequestID:  "req-1",
		SessionID:  "sess-1",
		TaskID:     taskID,
		Capability: taskID,
		Args:       args,
		Inputs:     inputs,
	}, core.WithReplyTo("orchestrator"))
	if err != nil {
		panic(err)
	}

	return msg
}

// ResultReply builds the completion an agent sends for msg.
func ResultReply(msg core.Message, sender string, output any) core.Message {
	task := msg.Content.(core.TaskPayload)

	reply, err := msg.Reply(sender, core.TaskResultPayload{
		RequestID: task.RequestID,
		TaskID:    task.TaskID,
		Output:    output,
	})
	if err != nil {
		panic(err)
	}

	return reply
}

// FailureReply builds the failure an agent sends for msg.
func FailureReply(msg core.Message, sender, code, reason string) core.Message {
	task := msg.Content.(core.TaskPayload)

	reply, err := msg.Reply(sender, core.TaskFailurePayload{
		RequestID: task.RequestID,
		TaskID:    task.TaskID,
		Code:      code,
		Error:     reason,
	})
	if err != nil {
		panic(err)
	}

	return reply
}
