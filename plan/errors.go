package plan

import "errors"

var (
	// ErrDuplicateTask is returned when a task id is used twice in a plan tree.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrUnknownTask is returned for operations on an id the plan does not hold.
	ErrUnknownTask = errors.New("unknown task")
	// ErrUnknownDependency is returned by Validate for a dangling dependency edge.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrCycle is returned by Validate when the dependency graph has a cycle.
	ErrCycle = errors.New("dependency cycle")
	// ErrEmptyPlan is returned by Validate for a plan or sub-plan without tasks.
	ErrEmptyPlan = errors.New("plan has no tasks")
	// ErrDependenciesPending is returned when a task is started before all of
	// its dependencies completed.
	ErrDependenciesPending = errors.New("dependencies not completed")
	// ErrInvalidTransition is returned for a status change that would break
	// monotonicity, such as completing an already completed task.
	ErrInvalidTransition = errors.New("invalid task transition")
)
