// Package plan implements the dependency-annotated workflow the orchestrator
// executes: a Goal, its Tasks and the all-of dependency edges between them.
//
// A Plan is a directed acyclic graph. A task becomes runnable once every task
// it depends on has completed; NextRunnable returns every such task, which
// may then run concurrently. Sequential workflows are the degenerate case in
// which each task depends on exactly its predecessor. Composite workflows nest
// a whole sub-plan behind one task of the parent plan; the composite task
// completes when its sub-plan does.
//
// Status is monotonic: pending → running → completed|failed. A failed task
// fails every composite around it and therefore the Goal; its transitive
// dependents never become runnable and the sub-plans of failed composites are
// closed. There is no retry at this layer.
//
// A Plan is not safe for concurrent use. The orchestrator advances each plan
// from a single event loop.
package plan
