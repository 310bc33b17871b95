package registry

import "errors"

// Sentinel errors for registry operations.
var (
	// ErrNotFound indicates the requested job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrConflict indicates an attempted mutation of a terminal job.
	ErrConflict = errors.New("job is in a terminal state")

	// ErrInvalidTransition indicates a mutation tried to move a job
	// backwards through its lifecycle.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// IsNotFound returns true if the error indicates a missing job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error indicates a rejected mutation of a
// terminal job.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
