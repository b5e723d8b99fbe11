// Package core provides the foundational domain types and contracts used by
// InsightMesh. It defines:
//
//   - Message, the immutable envelope exchanged between agents
//   - Intent, the closed set of things a message can ask for
//   - Payload, the sealed set of message contents
//   - Request, the declarative configuration a caller submits
//   - The error taxonomy (ValidationError, ToolExecutionError, TaskFailure,
//     SessionTimeout, StorageError)
//   - Transport / Receiver, the delivery contract deployments implement
//   - ToolContext, the scoped surface handed to tool implementations
//
// Implementation concerns (delivery, persistence, orchestration) live in
// other packages; core only exposes the small interfaces they meet on.
package core
