package plan

// Status is the lifecycle state of a task or of a whole goal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Goal names what a plan is meant to achieve.
type Goal struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Task is a single work item. Capability selects the worker that runs it and
// defaults to ID. Tasks returned by a Plan are snapshots; mutating them does
// not change the plan.
type Task struct {
	ID           string         `json:"id"`
	Description  string         `json:"description,omitempty"`
	Capability   string         `json:"capability,omitempty"`
	Args         map[string]any `json:"args,omitempty"`
	Status       Status         `json:"status"`
	Output       any            `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Parent       string         `json:"parent,omitempty"`
	Composite    bool           `json:"composite,omitempty"`
}

type node struct {
	task Task
	deps []string
	sub  *Plan
}

func (n *node) snapshot(parent string) Task {
	t := n.task
	t.Dependencies = append([]string(nil), n.deps...)
	t.Parent = parent
	t.Composite = n.sub != nil
	if n.task.Args != nil {
		t.Args = make(map[string]any, len(n.task.Args))
		for k, v := range n.task.Args {
			t.Args[k] = v
		}
	}
	return t
}
