package core

import (
	"encoding/json"
	"fmt"
)

// Payload is the content carried by a Message. Concrete payload types
// implement the unexported isPayload marker, making the set closed; each
// variant reports the single Intent it travels under.
type Payload interface {
	Intent() Intent
	isPayload()
}

// SubmitPayload hands an accepted request to the orchestrator loop.
type SubmitPayload struct {
	RequestID string  `json:"request_id"`
	SessionID string  `json:"session_id"`
	Request   Request `json:"request"`
}

// Intent implements Payload.
func (SubmitPayload) Intent() Intent { return IntentSubmitRequest }
func (SubmitPayload) isPayload()     {}

// TaskPayload asks a worker to run one task. Inputs holds the outputs of
// the task's dependencies keyed by task id.
type TaskPayload struct {
	RequestID  string         `json:"request_id"`
	SessionID  string         `json:"session_id"`
	TaskID     string         `json:"task_id"`
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
}

// Intent implements Payload.
func (TaskPayload) Intent() Intent { return IntentExecuteTask }
func (TaskPayload) isPayload()     {}

// TaskResultPayload reports a successful task.
type TaskResultPayload struct {
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
	Output    any    `json:"output,omitempty"`
}

// Intent implements Payload.
func (TaskResultPayload) Intent() Intent { return IntentTaskCompleted }
func (TaskResultPayload) isPayload()     {}

// TaskFailurePayload reports a failed task with the structured tool error.
type TaskFailurePayload struct {
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error"`
}

// Intent implements Payload.
func (TaskFailurePayload) Intent() Intent { return IntentTaskFailed }
func (TaskFailurePayload) isPayload()     {}

// FinalPayload is the single terminal answer for a request.
type FinalPayload struct {
	RequestID string         `json:"request_id"`
	SessionID string         `json:"session_id"`
	Succeeded bool           `json:"succeeded"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Intent implements Payload.
func (p FinalPayload) Intent() Intent {
	if p.Succeeded {
		return IntentRequestCompleted
	}
	return IntentRequestFailed
}
func (FinalPayload) isPayload() {}

// DecodePayload decodes raw JSON into the payload variant for intent.
func DecodePayload(intent Intent, raw []byte) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var (
		p   Payload
		err error
	)

	switch intent {
	case IntentSubmitRequest:
		var v SubmitPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case IntentExecuteTask:
		var v TaskPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case IntentTaskCompleted:
		var v TaskResultPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case IntentTaskFailed:
		var v TaskFailurePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case IntentRequestCompleted, IntentRequestFailed:
		var v FinalPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("no payload for intent %s", intent)
	}

	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", intent, err)
	}

	return p, nil
}
