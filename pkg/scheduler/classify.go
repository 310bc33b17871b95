package scheduler

import (
	"context"
	"errors"

	"github.com/seqtrace/bioengine/pkg/annotate"
	"github.com/seqtrace/bioengine/pkg/registry"
	"github.com/seqtrace/bioengine/pkg/toolrunner"
)

// classify maps a pipeline error to a failure kind and whether another
// attempt could succeed.
//
// Tool execution failures are retryable unless a deterministic error
// signature marked them permanent. Annotation transients are retryable.
// Everything else, including panics and unclassified errors, is terminal.
func classify(err error) (registry.FailureKind, bool) {
	switch {
	case errors.Is(err, context.Canceled):
		return registry.FailureCancelled, false
	case errors.Is(err, context.DeadlineExceeded):
		return registry.FailureTimeout, false
	case toolrunner.IsUnavailable(err):
		return registry.FailureToolUnavailable, false
	case toolrunner.IsParseError(err):
		return registry.FailureParse, false
	case toolrunner.IsExecutionError(err):
		return registry.FailureToolExecution, !toolrunner.IsPermanent(err)
	case annotate.IsRejected(err):
		return registry.FailureAnnotationRejected, false
	case annotate.IsTransient(err):
		return registry.FailureAnnotationTransient, true
	}
	return registry.FailureInternal, false
}

// buildFailure converts a pipeline error into the registry failure record,
// attaching captured stderr when the error came from a tool invocation.
func buildFailure(err error) *registry.Failure {
	kind, _ := classify(err)
	f := &registry.Failure{
		Kind:    kind,
		Message: err.Error(),
	}
	var invErr *toolrunner.InvocationError
	if errors.As(err, &invErr) {
		f.Stderr = invErr.Stderr
	}
	return f
}
