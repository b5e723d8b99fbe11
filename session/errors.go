package session

import "errors"

var (
	// ErrNotFound is returned when no session exists for an id in either tier.
	ErrNotFound = errors.New("session not found")
	// ErrTerminal is returned when a patch touches more than the metadata of
	// a completed or failed session.
	ErrTerminal = errors.New("session is terminal")
	// ErrInvalidTransition is returned for a status change other than
	// running to completed or failed.
	ErrInvalidTransition = errors.New("invalid session status transition")
	// ErrRevisionConflict is returned when StrictRevisions is enabled and the
	// persisted document changed since this store last observed it.
	ErrRevisionConflict = errors.New("persisted document revision changed")
)
