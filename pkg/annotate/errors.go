package annotate

import (
	"errors"
	"fmt"
)

// Sentinel errors for annotation source calls.
var (
	// ErrTransient indicates a remote timeout, connection failure, or 5xx.
	// Transient failures are retried with backoff before being surfaced.
	ErrTransient = errors.New("annotation source transient failure")

	// ErrRejected indicates the remote service rejected the request (4xx).
	// Rejections are never retried.
	ErrRejected = errors.New("annotation request rejected")
)

// SourceError wraps a remote annotation failure with calling context.
type SourceError struct {
	// Source is the provider that failed.
	Source SourceName

	// StatusCode is the HTTP status, when a response was received.
	StatusCode int

	// Err is the underlying sentinel or transport error.
	Err error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s source: HTTP %d: %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s source: %v", e.Source, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SourceError) Unwrap() error {
	return e.Err
}

// IsTransient returns true if the error indicates a retryable remote failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsRejected returns true if the error indicates a non-retryable rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
