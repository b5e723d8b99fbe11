package testutil

import (
	"time"

	"github.com/hupe1980/insightmesh/core"
)

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	sess := NewSessionBuilder("sess-1").Status(core.StatusCompleted).Result("ingest", out).Build()
type SessionBuilder struct {
	id       string
	status   core.SessionStatus
	request  core.Request
	result   map[string]any
	metadata map[string]any
	state    map[string]any
	created  time.Time
	updated  time.Time
}

// NewSessionBuilder creates a new builder for a running demo session with
// the given id.
func NewSessionBuilder(id string) *SessionBuilder {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	return &SessionBuilder{
		id:       id,
		status:   core.StatusRunning,
		request:  core.Request{Source: "demo", Objectives: []string{"sentiment"}},
		result:   map[string]any{},
		metadata: map[string]any{},
		state:    map[string]any{},
		created:  now,
		updated:  now,
	}
}

// Status sets the session status (chainable).
func (b *SessionBuilder) Status(status core.SessionStatus) *SessionBuilder {
	b.status = status
	return b
}

// Request sets the session config (chainable).
func (b *SessionBuilder) Request(req core.Request) *SessionBuilder {
	b.request = req
	return b
}

// Result sets a stage output (chainable).
func (b *SessionBuilder) Result(key string, val any) *SessionBuilder {
	b.result[key] = val
	return b
}

// Metadata sets a metadata key/value pair (chainable).
func (b *SessionBuilder) Metadata(key string, val any) *SessionBuilder {
	b.metadata[key] = val
	return b
}

// State sets or overwrites a state key/value pair (chainable).
func (b *SessionBuilder) State(key string, val any) *SessionBuilder {
	b.state[key] = val
	return b
}

// CreatedAt sets the creation time; updatedAt follows unless set later (chainable).
func (b *SessionBuilder) CreatedAt(t time.Time) *SessionBuilder {
	b.created = t
	b.updated = t
	return b
}

// UpdatedAt sets the last update time (chainable).
func (b *SessionBuilder) UpdatedAt(t time.Time) *SessionBuilder {
	b.updated = t
	return b
}

// Build returns a *core.Session with the configured fields.
func (b *SessionBuilder) Build() *core.Session {
	s := core.NewSession(b.request, b.created)
	s.ID = b.id
	s.Status = b.status
	s.UpdatedAt = b.updated

	for k, v := range b.result {
		s.Result[k] = v
	}

	for k, v := range b.metadata {
		s.Metadata[k] = v
	}

	for k, v := range b.state {
		s.State[k] = v
	}

	return s.Clone()
}
