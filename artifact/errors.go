package artifact

import "errors"

var (
	// ErrNotFound is returned when an artifact for the given session / id pair
	// does not exist in the underlying store.
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidID is returned for an empty session or artifact id.
	ErrInvalidID = errors.New("artifact: session and artifact id are required")
)
