// Package agent contains the addressable worker units of InsightMesh.
//
// An Agent owns two per-instance registries: tools keyed by name and
// message handlers keyed by core.Intent. Nothing is shared between agents,
// so independent orchestrators can coexist in one process. The package
// focuses on three concerns:
//
//  1. Registration (RegisterTool, RegisterMessageHandler)
//  2. Dispatch (ProcessMessage, Receive as the mailbox entry point)
//  3. Safe execution (ExecuteTool never panics or returns an error)
//
// Execution Model:
//   - Receive is called by the transport, one message at a time per agent
//   - Worker agents (NewWorker) run each task's tool on its own goroutine,
//     bounded by a weighted semaphore, so slow tools never block the mailbox
//   - Replies travel through the configured core.Transport
package agent
