package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is completed or failed.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a session in status s may move to next.
// Only running→completed and running→failed are allowed.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	return s == StatusRunning && next.Terminal()
}

// Session is the durable record of one end-to-end request.
//
// Contract:
//   - Status moves only from running to a terminal status
//   - A terminal session changes only through metadata enrichment
//   - Result keeps every completed stage output, also when a later stage fails
//   - Clone performs deep copies of maps and slices for safe divergence
type Session struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type,omitempty"`
	Status    SessionStatus  `json:"status"`
	Config    Request        `json:"config"`
	Result    map[string]any `json:"result"`
	Metadata  map[string]any `json:"metadata"`
	State     map[string]any `json:"state"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// NewSession creates a running session for cfg at now.
func NewSession(cfg Request, now time.Time) *Session {
	return &Session{
		ID:        NewSessionID(now),
		Name:      cfg.DisplayName(),
		Type:      cfg.Type,
		Status:    StatusRunning,
		Config:    cfg,
		Result:    map[string]any{},
		Metadata:  map[string]any{},
		State:     map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewSessionID derives a unique session id from the creation time and a
// random component.
func NewSessionID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("sess_%s_%s", strconv.FormatInt(now.UnixMilli(), 36), random[:12])
}

// Terminal reports whether the session reached completed or failed.
func (s *Session) Terminal() bool { return s.Status.Terminal() }

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Config.Objectives = append([]string(nil), s.Config.Objectives...)
	clone.Config.Parameters = CloneMap(s.Config.Parameters)
	clone.Config.Preferences = CloneMap(s.Config.Preferences)
	clone.Result = CloneMap(s.Result)
	clone.Metadata = CloneMap(s.Metadata)
	clone.State = CloneMap(s.State)
	return &clone
}

// CloneMap deep-copies nested maps and slices of m. Other values are shared.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
