package core

import "context"

// Transport delivers a Message to the mailbox named by its Recipient.
// Deployments supply the concrete implementation; bus.Bus is the in-process one.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Receiver consumes messages delivered to a mailbox.
type Receiver interface {
	Receive(ctx context.Context, msg Message)
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(ctx context.Context, msg Message)

// Receive implements Receiver.
func (f ReceiverFunc) Receive(ctx context.Context, msg Message) { f(ctx, msg) }

// ArtifactStore persists binary artifacts scoped by session identifier.
type ArtifactStore interface {
	Save(sessionID, artifactID string, data []byte) error
	Get(sessionID, artifactID string) ([]byte, error)
	List(sessionID string) ([]string, error)
	Delete(sessionID, artifactID string) error
}
