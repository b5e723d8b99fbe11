package core

import "fmt"

// Intent names what a Message asks its recipient to do. The set is closed:
// handlers are registered per Intent value and ParseIntent rejects any name
// outside the enumeration, so unknown intents are caught at the edge rather
// than by string comparison deep inside an agent.
type Intent uint8

const (
	// IntentUnknown is the zero value; it is never valid on a Message.
	IntentUnknown Intent = iota
	// IntentSubmitRequest starts a new request inside the orchestrator loop.
	IntentSubmitRequest
	// IntentExecuteTask asks a worker agent to run one plan task.
	IntentExecuteTask
	// IntentTaskCompleted reports a successful task back to the orchestrator.
	IntentTaskCompleted
	// IntentTaskFailed reports a failed task back to the orchestrator.
	IntentTaskFailed
	// IntentRequestCompleted is the terminal message for a successful request.
	IntentRequestCompleted
	// IntentRequestFailed is the terminal message for a failed request.
	IntentRequestFailed
)

var intentNames = [...]string{
	IntentUnknown:          "unknown",
	IntentSubmitRequest:    "submit_request",
	IntentExecuteTask:      "execute_task",
	IntentTaskCompleted:    "task_completed",
	IntentTaskFailed:       "task_failed",
	IntentRequestCompleted: "request_completed",
	IntentRequestFailed:    "request_failed",
}

// Intents returns every valid intent in declaration order.
func Intents() []Intent {
	return []Intent{
		IntentSubmitRequest,
		IntentExecuteTask,
		IntentTaskCompleted,
		IntentTaskFailed,
		IntentRequestCompleted,
		IntentRequestFailed,
	}
}

// String returns the wire name of the intent.
func (i Intent) String() string {
	if int(i) < len(intentNames) {
		return intentNames[i]
	}
	return fmt.Sprintf("intent(%d)", uint8(i))
}

// Valid reports whether i is a member of the closed intent set.
func (i Intent) Valid() bool {
	return i > IntentUnknown && int(i) < len(intentNames)
}

// Terminal reports whether i closes a request.
func (i Intent) Terminal() bool {
	return i == IntentRequestCompleted || i == IntentRequestFailed
}

// ParseIntent maps a wire name back to its Intent.
func ParseIntent(s string) (Intent, error) {
	for i, name := range intentNames {
		if Intent(i).Valid() && name == s {
			return Intent(i), nil
		}
	}
	return IntentUnknown, fmt.Errorf("unknown intent %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (i Intent) MarshalText() ([]byte, error) {
	if !i.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid intent %d", uint8(i))
	}
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Intent) UnmarshalText(b []byte) error {
	v, err := ParseIntent(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}
