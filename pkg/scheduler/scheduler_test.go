package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqtrace/bioengine/pkg/annotate"
	"github.com/seqtrace/bioengine/pkg/registry"
	"github.com/seqtrace/bioengine/pkg/toolrunner"
)

// fakePipeline runs a caller-supplied function for a fixed job kind.
type fakePipeline struct {
	kind registry.JobKind
	run  func(ctx context.Context, job *registry.Job, progress ProgressFunc) (json.RawMessage, error)
}

func (p *fakePipeline) Kind() registry.JobKind { return p.kind }

func (p *fakePipeline) Run(ctx context.Context, job *registry.Job, progress ProgressFunc) (json.RawMessage, error) {
	return p.run(ctx, job, progress)
}

func waitForState(t *testing.T, reg *registry.Registry, id string, want registry.JobState) *registry.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := reg.Get(id)
		require.NoError(t, err)
		if job.State == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := reg.Get(id)
	t.Fatalf("job %s never reached %s, stuck at %s", id, want, job.State)
	return nil
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	reg := registry.New()
	pipe := &fakePipeline{
		kind: registry.KindAlignment,
		run: func(ctx context.Context, job *registry.Job, progress ProgressFunc) (json.RawMessage, error) {
			progress(50, "aligning")
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
	s := New(reg, []Pipeline{pipe}, DefaultConfig(), nil, nil)
	defer func() { _ = s.Close(context.Background()) }()

	job, err := s.Submit(registry.KindAlignment, "demo", registry.Input{Reference: "ref.fasta"})
	require.NoError(t, err)
	assert.Equal(t, registry.StatePending, job.State)

	done := waitForState(t, reg, job.ID, registry.StateCompleted)
	assert.Equal(t, 100, done.Progress)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
}

func TestSubmitUnknownKind(t *testing.T) {
	s := New(registry.New(), nil, DefaultConfig(), nil, nil)
	defer func() { _ = s.Close(context.Background()) }()

	_, err := s.Submit(registry.KindAnnotation, "", registry.Input{})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRetryableFailureIsRetried(t *testing.T) {
	var attempts atomic.Int32
	pipe := &fakePipeline{
		kind: registry.KindAlignment,
		run: func(ctx context.Context, job *registry.Job, progress ProgressFunc) (json.RawMessage, error) {
			if attempts.Add(1) < 3 {
				return nil, &toolrunner.InvocationError{
					Tool: "tracy", ExitCode: 1, Err: toolrunner.ErrToolExecution,
				}
			}
			return json.RawMessage(`{}`), nil
		},
	}
	reg := registry.New()
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.RetryBackoff = time.Millisecond
	s := New(reg, []Pipeline{pipe}, cfg, nil, nil)
	defer func() { _ = s.Close(context.Background()) }()

	job, err := s.Submit(registry.KindAlignment, "", registry.Input{})
	require.NoError(t, err)
	done := waitForState(t, reg, job.ID, registry.StateCompleted)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 2, done.Retries)
}

func TestPermanentToolFailureNotRetried(t *testing.T) {
	var attempts atomic.Int32
	pipe := &fakePipeline{
		kind: registry.KindAlignment,
		run: func(ctx context.Context, job *registry.Job, progress ProgressFunc) (json.RawMessage, error) {
			attempts.Add(1)
			return nil, &toolrunner.InvocationError{
				Tool: "tracy", ExitCode: 1, Stderr: "Reference is larger than 50Kbp",
				Permanent: true, Err: toolrunner.ErrToolExecution,
			}
		},
	}
	reg := registry.New()
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	s := New(reg, []Pipeline{pipe}, cfg, nil, nil)
	defer func() { _ = s.Close(context.Background()) }()

	job, err := s.Submit(registry.KindAlignment, "", registry.Input{})
	require.NoError(t, err)
	done := waitForState(t, reg, job.ID, registry.StateFailed)
	assert.Equal(t, int32(1), attempts.Load())
	require.NotNil(t, done.Failure)
	assert.Equal(t, registry.FailureToolExecution, done.Failure.Kind)
	assert.Contains(t, done.Failure.Stderr, "50Kbp")
}

func TestUnavailableToolFailsImmediately(t *testing.T) {
	pipe := &fakePipeline{
		kind: registry.KindAlignment,
		run: func(ctx context.Context, job *registry.Job, progress ProgressFunc) (json.RawMessage, error) {
			return nil, fmt.Errorf("spawn: %w", toolrunner.ErrToolUnavailable)
		},
	}
	reg := registry.New()
	s := New(reg, []Pipeline{pipe}, DefaultConfig(), nil, nil)
	defer func() { _ = s.Close(context.Background()) }()

	job, err := s.Submit(registry.KindAlignment, "", registry.Input{})
	require.NoError(t, err)
	done := waitForState(t, reg, job.ID, registry.StateFailed)
	require.NotNil(t, done.Failure)
	assert.Equal(t, registry.FailureToolUnavailable, done.Failure.Kind)
}

func TestAnnotationTransientIsRetryable(t *testing.T) {
	kind, retryable := classify(fmt.Errorf("%w: down", annotate.ErrTransient))
	assert.Equal(t, registry.FailureAnnotationTransient, kind)
	assert.True(t, retryable)

	kind, retryable = classify(fmt.Errorf("%w: bad input", annotate.ErrRejected))
	assert.Equal(t, registry.FailureAnnotationRejected, kind)
	assert.False(t, retryable)
}

func TestCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	pipe := &fakePipeline{
		kind: registry.KindAlignment,
		run: func(ctx context.Context, job *registry.Job, progress ProgressFunc) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	reg := registry.New()
	s := New(reg, []Pipeline{pipe}, DefaultConfig(), nil, nil)
	defer func() { _ = s.Close(context.Background()) }()

	job, err := s.Submit(registry.KindAlignment, "", registry.Input{})
	require.NoError(t, err)
	<-started
	require.NoError(t, s.Cancel(job.ID))

	done := waitForState(t, reg, job.ID, registry.StateCancelled)
	require.NotNil(t, done.Failure)
	assert.Equal(t, registry.FailureCancelled, done.Failure.Kind)
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	block := make(chan struct{})
	var ran atomic.Int32
	pipe := &fakePipeline{
		kind: registry.KindAlignment,
		run: func(ctx context.Context, job *registry.Job, progress ProgressFunc) (json.RawMessage, error) {
			ran.Add(1)
			<-block
			return json.RawMessage(`{}`), nil
		},
	}
	reg := registry.New()
	cfg := DefaultConfig()
	cfg.Workers = 1
	s := New(reg, []Pipeline{pipe}, cfg, nil, nil)
	defer func() { _ = s.Close(context.Background()) }()

	first, err := s.Submit(registry.KindAlignment, "", registry.Input{})
	require.NoError(t, err)
	waitForState(t, reg, first.ID, registry.StateRunning)

	queued, err := s.Submit(registry.KindAlignment, "", registry.Input{})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(queued.ID))

	done := waitForState(t, reg, queued.ID, registry.StateCancelled)
	assert.Equal(t, "cancelled before execution", done.Failure.Message)

	close(block)
	waitForState(t, reg, first.ID, registry.StateCompleted)
	assert.Equal(t, int32(1), ran.Load())
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	pipe := &fakePipeline{
		kind: registry.KindAlignment,
		run: func(ctx context.Context, job *registry.Job, progress ProgressFunc) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}
	reg := registry.New()
	s := New(reg, []Pipeline{pipe}, DefaultConfig(), nil, nil)
	defer func() { _ = s.Close(context.Background()) }()

	job, err := s.Submit(registry.KindAlignment, "", registry.Input{})
	require.NoError(t, err)
	waitForState(t, reg, job.ID, registry.StateCompleted)

	err = s.Cancel(job.ID)
	assert.True(t, registry.IsConflict(err))
}

func TestTimeoutFailsJob(t *testing.T) {
	pipe := &fakePipeline{
		kind: registry.KindAlignment,
		run: func(ctx context.Context, job *registry.Job, progress ProgressFunc) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	reg := registry.New()
	cfg := DefaultConfig()
	cfg.Timeouts = map[registry.JobKind]time.Duration{
		registry.KindAlignment: 20 * time.Millisecond,
	}
	s := New(reg, []Pipeline{pipe}, cfg, nil, nil)
	defer func() { _ = s.Close(context.Background()) }()

	job, err := s.Submit(registry.KindAlignment, "", registry.Input{})
	require.NoError(t, err)
	done := waitForState(t, reg, job.ID, registry.StateFailed)
	require.NotNil(t, done.Failure)
	assert.Equal(t, registry.FailureTimeout, done.Failure.Kind)
}

func TestPanicBecomesInternalFailure(t *testing.T) {
	pipe := &fakePipeline{
		kind: registry.KindAlignment,
		run: func(ctx context.Context, job *registry.Job, progress ProgressFunc) (json.RawMessage, error) {
			panic("boom")
		},
	}
	reg := registry.New()
	s := New(reg, []Pipeline{pipe}, DefaultConfig(), nil, nil)
	defer func() { _ = s.Close(context.Background()) }()

	job, err := s.Submit(registry.KindAlignment, "", registry.Input{})
	require.NoError(t, err)
	done := waitForState(t, reg, job.ID, registry.StateFailed)
	require.NotNil(t, done.Failure)
	assert.Equal(t, registry.FailureInternal, done.Failure.Kind)
	assert.Contains(t, done.Failure.Message, "boom")
}

func TestCloseDrainsInFlightAndCancelsQueued(t *testing.T) {
	release := make(chan struct{})
	pipe := &fakePipeline{
		kind: registry.KindAlignment,
		run: func(ctx context.Context, job *registry.Job, progress ProgressFunc) (json.RawMessage, error) {
			<-release
			return json.RawMessage(`{}`), nil
		},
	}
	reg := registry.New()
	cfg := DefaultConfig()
	cfg.Workers = 1
	s := New(reg, []Pipeline{pipe}, cfg, nil, nil)

	inflight, err := s.Submit(registry.KindAlignment, "", registry.Input{})
	require.NoError(t, err)
	waitForState(t, reg, inflight.ID, registry.StateRunning)

	queued, err := s.Submit(registry.KindAlignment, "", registry.Input{})
	require.NoError(t, err)

	closeErr := make(chan error, 1)
	go func() { closeErr <- s.Close(context.Background()) }()

	waitForState(t, reg, queued.ID, registry.StateCancelled)
	close(release)
	require.NoError(t, <-closeErr)

	done, err := reg.Get(inflight.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateCompleted, done.State)

	_, err = s.Submit(registry.KindAlignment, "", registry.Input{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseDeadlineForcesCancellation(t *testing.T) {
	pipe := &fakePipeline{
		kind: registry.KindAlignment,
		run: func(ctx context.Context, job *registry.Job, progress ProgressFunc) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	reg := registry.New()
	s := New(reg, []Pipeline{pipe}, DefaultConfig(), nil, nil)

	job, err := s.Submit(registry.KindAlignment, "", registry.Input{})
	require.NoError(t, err)
	waitForState(t, reg, job.ID, registry.StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.Close(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	done := waitForState(t, reg, job.ID, registry.StateCancelled)
	assert.Equal(t, "interrupted by shutdown", done.Failure.Message)
}
