package plan

import (
	"fmt"

	"github.com/hupe1980/insightmesh/core"
)

// Plan is a goal plus a dependency graph of tasks. Tasks are kept in
// insertion order, which is the order NextRunnable and Tasks report them in.
type Plan struct {
	goal   Goal
	parent string
	order  []string
	nodes  map[string]*node
}

// New creates an empty plan for goal.
func New(goal Goal) *Plan {
	return &Plan{
		goal:  goal,
		nodes: map[string]*node{},
	}
}

// Goal returns the plan's goal.
func (p *Plan) Goal() Goal { return p.goal }

// AddTask inserts a pending task with edges to its dependency ids. Dependency
// ids may name tasks added later; dangling or cyclic edges are reported by
// Validate, not here.
func (p *Plan) AddTask(task Task, dependencies ...string) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}

	if _, exists := p.nodes[task.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}

	if task.Capability == "" {
		task.Capability = task.ID
	}

	task.Status = StatusPending
	task.Output = nil
	task.Error = ""
	task.Dependencies = nil
	task.Parent = ""
	task.Composite = false

	p.nodes[task.ID] = &node{task: task, deps: append([]string(nil), dependencies...)}
	p.order = append(p.order, task.ID)

	return nil
}

// AddSubPlan inserts a composite task whose completion is the completion of
// the whole sub-plan. Tasks inside sub run only once the composite's own
// dependencies completed.
func (p *Plan) AddSubPlan(id, description string, sub *Plan, dependencies ...string) error {
	if sub == nil {
		return fmt.Errorf("sub-plan for %s is nil", id)
	}

	if err := p.AddTask(Task{ID: id, Description: description}, dependencies...); err != nil {
		return err
	}

	sub.parent = id
	p.nodes[id].sub = sub

	return nil
}

// Validate checks the whole plan tree: every plan has tasks, ids are unique
// across all sub-plans, every dependency names a task of the same plan and
// the graph is acyclic.
func (p *Plan) Validate() error {
	return p.validate(map[string]bool{})
}

func (p *Plan) validate(seen map[string]bool) error {
	if len(p.order) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyPlan, p.goal.Name)
	}

	for _, id := range p.order {
		if seen[id] {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
		}
		seen[id] = true
	}

	for _, id := range p.order {
		for _, dep := range p.nodes[id].deps {
			if _, ok := p.nodes[dep]; !ok {
				return fmt.Errorf("%w: task %s depends on non-existent task %s", ErrUnknownDependency, id, dep)
			}
		}
	}

	if err := p.checkCycles(); err != nil {
		return err
	}

	for _, id := range p.order {
		if sub := p.nodes[id].sub; sub != nil {
			if err := sub.validate(seen); err != nil {
				return err
			}
		}
	}

	return nil
}

// checkCycles detects cycles in the dependency graph using DFS.
func (p *Plan) checkCycles() error {
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		if visiting[id] {
			return fmt.Errorf("%w: involving task %s", ErrCycle, id)
		}
		if visited[id] {
			return nil
		}

		visiting[id] = true
		for _, dep := range p.nodes[id].deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[id] = false
		visited[id] = true

		return nil
	}

	for _, id := range p.order {
		if !visited[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}

	return nil
}

type frame struct {
	plan *Plan
	node *node
}

// locate returns the path from the root plan down to the task id.
func (p *Plan) locate(id string) []frame {
	if n, ok := p.nodes[id]; ok {
		return []frame{{plan: p, node: n}}
	}

	for _, tid := range p.order {
		n := p.nodes[tid]
		if n.sub == nil {
			continue
		}
		if path := n.sub.locate(id); path != nil {
			return append([]frame{{plan: p, node: n}}, path...)
		}
	}

	return nil
}

func (p *Plan) depsCompleted(n *node) bool {
	for _, dep := range n.deps {
		d, ok := p.nodes[dep]
		if !ok || d.task.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// NextRunnable returns every pending leaf task whose dependencies, and whose
// enclosing composites' dependencies, have all completed.
func (p *Plan) NextRunnable() []Task {
	var out []Task
	p.collectRunnable(&out)
	return out
}

func (p *Plan) collectRunnable(out *[]Task) {
	for _, id := range p.order {
		n := p.nodes[id]
		if !p.depsCompleted(n) {
			continue
		}

		if n.sub != nil {
			if !n.task.Status.Terminal() {
				n.sub.collectRunnable(out)
			}
			continue
		}

		if n.task.Status == StatusPending {
			*out = append(*out, n.snapshot(p.parent))
		}
	}
}

// MarkRunning moves a pending leaf task to running. It fails with
// ErrDependenciesPending unless every dependency of the task and of each
// enclosing composite has completed. Enclosing composites become running too.
func (p *Plan) MarkRunning(id string) error {
	path := p.locate(id)
	if path == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	leaf := path[len(path)-1].node
	if leaf.sub != nil {
		return fmt.Errorf("%w: composite task %s runs through its sub-plan", ErrInvalidTransition, id)
	}

	if leaf.task.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, leaf.task.Status)
	}

	for _, f := range path {
		if !f.plan.depsCompleted(f.node) {
			return fmt.Errorf("%w: %s", ErrDependenciesPending, f.node.task.ID)
		}
		if f.node.task.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, f.node.task.ID, f.node.task.Status)
		}
	}

	for _, f := range path {
		if f.node.task.Status == StatusPending {
			f.node.task.Status = StatusRunning
		}
	}

	return nil
}

// CompleteTask records output for a running leaf task and returns the ids of
// tasks that became runnable as a result. Composites whose sub-plans finish
// complete with the sub-plan outputs. Completing a task that is not running,
// for example on redelivery, returns ErrInvalidTransition.
func (p *Plan) CompleteTask(id string, output any) ([]string, error) {
	path := p.locate(id)
	if path == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	leaf := path[len(path)-1].node
	if leaf.sub != nil || leaf.task.Status != StatusRunning {
		return nil, fmt.Errorf("%w: cannot complete %s from %s", ErrInvalidTransition, id, leaf.task.Status)
	}

	before := map[string]bool{}
	for _, t := range p.NextRunnable() {
		before[t.ID] = true
	}

	leaf.task.Status = StatusCompleted
	leaf.task.Output = output

	for i := len(path) - 2; i >= 0; i-- {
		composite := path[i].node
		if composite.sub.Status() != StatusCompleted {
			break
		}
		composite.task.Status = StatusCompleted
		composite.task.Output = composite.sub.Outputs()
	}

	var unlocked []string
	for _, t := range p.NextRunnable() {
		if !before[t.ID] {
			unlocked = append(unlocked, t.ID)
		}
	}

	return unlocked, nil
}

// FailTask marks a pending or running leaf task failed with cause. Every
// enclosing composite fails too, which fails the goal.
func (p *Plan) FailTask(id string, cause error) error {
	path := p.locate(id)
	if path == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	leaf := path[len(path)-1].node
	if leaf.sub != nil || leaf.task.Status.Terminal() {
		return fmt.Errorf("%w: cannot fail %s from %s", ErrInvalidTransition, id, leaf.task.Status)
	}

	msg := "task failed"
	if cause != nil {
		msg = cause.Error()
	}

	for _, f := range path {
		if !f.node.task.Status.Terminal() {
			f.node.task.Status = StatusFailed
			f.node.task.Error = msg
		}
	}

	return nil
}

// Status derives the goal status: failed once any task failed, completed
// once every task completed, running once any task started, else pending.
func (p *Plan) Status() Status {
	if len(p.order) == 0 {
		return StatusPending
	}

	started, all := false, true

	for _, id := range p.order {
		switch p.nodes[id].task.Status {
		case StatusFailed:
			return StatusFailed
		case StatusCompleted:
			started = true
		case StatusRunning:
			started = true
			all = false
		default:
			all = false
		}
	}

	switch {
	case all:
		return StatusCompleted
	case started:
		return StatusRunning
	default:
		return StatusPending
	}
}

// Done reports whether the goal reached a terminal status.
func (p *Plan) Done() bool { return p.Status().Terminal() }

// Err returns a *core.TaskFailure for the first failed leaf task, or nil.
func (p *Plan) Err() error {
	for _, t := range p.Tasks() {
		if t.Status == StatusFailed && !t.Composite {
			return &core.TaskFailure{TaskID: t.ID, Err: fmt.Errorf("%s", t.Error)}
		}
	}
	return nil
}

// Task returns a snapshot of the task with the given id.
func (p *Plan) Task(id string) (Task, bool) {
	path := p.locate(id)
	if path == nil {
		return Task{}, false
	}
	f := path[len(path)-1]
	return f.node.snapshot(f.plan.parent), true
}

// Tasks returns snapshots of every task in the tree, depth first, with each
// composite reported before its children.
func (p *Plan) Tasks() []Task {
	var out []Task
	p.collectTasks(&out)
	return out
}

func (p *Plan) collectTasks(out *[]Task) {
	for _, id := range p.order {
		n := p.nodes[id]
		*out = append(*out, n.snapshot(p.parent))
		if n.sub != nil {
			n.sub.collectTasks(out)
		}
	}
}

// Dependencies returns the direct dependency ids of a task.
func (p *Plan) Dependencies(id string) []string {
	path := p.locate(id)
	if path == nil {
		return nil
	}
	return append([]string(nil), path[len(path)-1].node.deps...)
}

// Outputs returns the outputs of every completed leaf task keyed by id.
func (p *Plan) Outputs() map[string]any {
	out := map[string]any{}
	for _, t := range p.Tasks() {
		if t.Status == StatusCompleted && !t.Composite {
			out[t.ID] = t.Output
		}
	}
	return out
}

// Inputs returns the outputs of every task id transitively depends on,
// including the upstream of enclosing composites. Composite dependencies
// contribute the outputs of their leaf tasks.
func (p *Plan) Inputs(id string) map[string]any {
	out := map[string]any{}
	for _, f := range p.locate(id) {
		f.plan.collectUpstream(f.node, out, map[string]bool{})
	}
	return out
}

func (p *Plan) collectUpstream(n *node, out map[string]any, seen map[string]bool) {
	for _, dep := range n.deps {
		if seen[dep] {
			continue
		}
		seen[dep] = true

		d, ok := p.nodes[dep]
		if !ok {
			continue
		}

		if d.sub != nil {
			for k, v := range d.sub.Outputs() {
				out[k] = v
			}
		} else if d.task.Status == StatusCompleted {
			out[dep] = d.task.Output
		}

		p.collectUpstream(d, out, seen)
	}
}

// Progress returns the number of completed leaf tasks and the number of leaf
// tasks overall.
func (p *Plan) Progress() (completed, total int) {
	for _, t := range p.Tasks() {
		if t.Composite {
			continue
		}
		total++
		if t.Status == StatusCompleted {
			completed++
		}
	}
	return completed, total
}
