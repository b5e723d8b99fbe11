package core

import "strings"

// Request is the declarative configuration a caller submits: where the data
// comes from, what to find out, and a free-form parameter bag.
type Request struct {
	Name        string         `json:"name,omitempty" yaml:"name"`
	Type        string         `json:"type,omitempty" yaml:"type"`
	Source      string         `json:"source" yaml:"source"`
	Objectives  []string       `json:"objectives" yaml:"objectives"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters"`
	Preferences map[string]any `json:"preferences,omitempty" yaml:"preferences"`
}

// Validate checks the request shape. Domain checks (known sources and
// objectives) belong to the planner.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return NewValidationError("source", "source is required")
	}

	if len(r.Objectives) == 0 {
		return NewValidationError("objectives", "at least one objective is required")
	}

	seen := make(map[string]bool, len(r.Objectives))
	for _, o := range r.Objectives {
		o = strings.TrimSpace(o)
		if o == "" {
			return NewValidationError("objectives", "objectives must not be blank")
		}
		if seen[o] {
			return &ValidationError{Field: "objectives", Value: o, Message: "duplicate objective"}
		}
		seen[o] = true
	}

	return nil
}

// DisplayName returns Name or a name derived from the objectives.
func (r Request) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Source + ": " + strings.Join(r.Objectives, ", ")
}
