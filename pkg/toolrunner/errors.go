package toolrunner

import (
	"errors"
	"fmt"
)

// Sentinel errors for tool invocations.
var (
	// ErrToolUnavailable indicates the external binary could not be spawned
	// (missing from PATH, permission denied). Waiting will not resolve it.
	ErrToolUnavailable = errors.New("tool unavailable")

	// ErrToolExecution indicates the process ran but exited non-zero.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrParse indicates the process succeeded but its expected output
	// artifacts were missing or malformed.
	ErrParse = errors.New("tool output parse failed")
)

// InvocationError wraps tool failures with diagnostic context.
type InvocationError struct {
	// Tool is the binary that was invoked.
	Tool string

	// ExitCode is the process exit status, when the process ran.
	ExitCode int

	// Stderr is the captured standard error output, for diagnostics.
	Stderr string

	// Permanent marks a deterministic failure signature: retrying the same
	// invocation will fail the same way.
	Permanent bool

	// Err is the underlying sentinel.
	Err error
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v (exit %d): %s", e.Tool, e.Err, e.ExitCode, firstLine(e.Stderr))
	}
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *InvocationError) Unwrap() error {
	return e.Err
}

// IsUnavailable returns true if the error indicates the binary could not be
// spawned.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrToolUnavailable)
}

// IsExecutionError returns true if the error indicates a non-zero exit.
func IsExecutionError(err error) bool {
	return errors.Is(err, ErrToolExecution)
}

// IsParseError returns true if the error indicates missing or malformed
// output artifacts.
func IsParseError(err error) bool {
	return errors.Is(err, ErrParse)
}

// IsPermanent returns true if the failure carries a deterministic error
// signature and should not be retried.
func IsPermanent(err error) bool {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Permanent
	}
	return false
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
