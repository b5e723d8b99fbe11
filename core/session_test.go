package core

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionStatus_Transitions(t *testing.T) {
	assert.True(t, StatusRunning.CanTransition(StatusCompleted))
	assert.True(t, StatusRunning.CanTransition(StatusFailed))
	assert.False(t, StatusRunning.CanTransition(StatusRunning))
	assert.False(t, StatusCompleted.CanTransition(StatusFailed))
	assert.False(t, StatusFailed.CanTransition(StatusRunning))
	assert.False(t, SessionStatus("paused").Valid())
}

func TestNewSession(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSession(Request{Source: "demo", Objectives: []string{"sentiment"}}, now)

	assert.True(t, strings.HasPrefix(s.ID, "sess_"))
	assert.Equal(t, StatusRunning, s.Status)
	assert.Equal(t, "demo: sentiment", s.Name)
	assert.Equal(t, now, s.CreatedAt)
	assert.Equal(t, now, s.UpdatedAt)
	assert.False(t, s.Terminal())

	other := NewSession(Request{Source: "demo", Objectives: []string{"sentiment"}}, now)
	assert.NotEqual(t, s.ID, other.ID)
}

func TestSession_Clone(t *testing.T) {
	s := NewSession(Request{Source: "demo", Objectives: []string{"topics"}}, time.Now())
	s.Result["ingest"] = map[string]any{"records": []any{"a", "b"}}
	s.State["theme"] = "dark"

	clone := s.Clone()
	clone.Result["ingest"].(map[string]any)["records"] = []any{}
	clone.State["theme"] = "light"
	clone.Config.Objectives[0] = "summary"

	assert.Equal(t, []any{"a", "b"}, s.Result["ingest"].(map[string]any)["records"])
	assert.Equal(t, "dark", s.State["theme"])
	assert.Equal(t, "topics", s.Config.Objectives[0])

	var nilSession *Session
	assert.Nil(t, nilSession.Clone())
}
