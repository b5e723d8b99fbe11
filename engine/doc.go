// Package engine implements the orchestrator that drives requests through
// their plans.
//
// The Engine owns the "orchestrator" mailbox on a Transport. Every message
// addressed to it is handled on the single goroutine the transport runs for
// that mailbox, so plan state is advanced one event at a time and never needs
// its own locking.
//
// # Request lifecycle
//
// Each request moves through
//
//	received → planning → dispatching ⇄ awaiting → finalizing → completed | failed
//
// and the current phase is recorded in the session metadata under "phase".
//
//   - Submit validates the request, asks the Planner for a plan, creates the
//     session, keeps the plan in working memory under the request id and
//     posts a submit message to the orchestrator mailbox. It returns the
//     session id at once.
//   - On the submit message the engine dispatches every runnable task to the
//     agent registered for the task capability. Task messages carry the task
//     outputs the task depends on.
//   - Completions are matched by correlation id against the dispatch records.
//     A completion nobody is waiting for, such as a redelivery, is dropped.
//     Matched completions advance the plan, are stored in the session result
//     and trigger the next dispatch wave.
//   - When the plan completes or fails the engine finalizes the session,
//     clears the working-memory entry and sends exactly one FinalPayload to
//     the requester.
//
// # Failure handling
//
// A failed task fails the plan; none of its dependents run. The session keeps
// every stage output recorded before the failure and gets "error" and
// "failed_task" metadata. A task whose capability has no registered agent
// fails immediately. A session the store watchdog already failed is
// finalized as failed on the next completion for its request.
//
// # Usage
//
//	b := bus.New()
//	eng, _ := engine.New(b, store, func(o *engine.Options) { o.Planner = planner })
//	_ = eng.Register(worker)
//	_ = eng.Start(ctx)
//	sessionID, err := eng.Submit(ctx, "client", req)
package engine
