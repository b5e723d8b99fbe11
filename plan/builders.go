package plan

import "fmt"

// Sequential builds a validated plan in which each task depends on exactly
// the previous one, so NextRunnable always yields at most one task.
func Sequential(goal Goal, tasks ...Task) (*Plan, error) {
	p := New(goal)

	prev := ""
	for _, t := range tasks {
		var deps []string
		if prev != "" {
			deps = []string{prev}
		}
		if err := p.AddTask(t, deps...); err != nil {
			return nil, err
		}
		prev = t.ID
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// Parallel builds a validated plan of independent tasks that are all
// runnable at once.
func Parallel(goal Goal, tasks ...Task) (*Plan, error) {
	p := New(goal)

	for _, t := range tasks {
		if err := p.AddTask(t); err != nil {
			return nil, err
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// Pipeline builds a composite plan of plans: each stage becomes one task,
// named after the stage's goal, that depends on the stage before it.
func Pipeline(goal Goal, stages ...*Plan) (*Plan, error) {
	p := New(goal)

	prev := ""
	for _, stage := range stages {
		if stage == nil {
			return nil, fmt.Errorf("pipeline %s: nil stage", goal.Name)
		}

		var deps []string
		if prev != "" {
			deps = []string{prev}
		}

		id := stage.Goal().Name
		if err := p.AddSubPlan(id, stage.Goal().Description, stage, deps...); err != nil {
			return nil, err
		}
		prev = id
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}
