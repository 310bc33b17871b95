// Package scheduler executes analysis jobs on a bounded worker pool.
//
// Submission is O(1) and never blocks on execution: admitted jobs wait in an
// unbounded FIFO queue until a worker is free. Cancellation is cooperative,
// propagated through the job's context. Failed attempts are retried with
// exponential backoff when the failure class allows it.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seqtrace/bioengine/internal/metrics"
	"github.com/seqtrace/bioengine/pkg/registry"
)

var (
	// ErrClosed is returned by Submit after Close has been called.
	ErrClosed = errors.New("scheduler is closed")

	// ErrUnknownKind is returned by Submit when no pipeline is registered
	// for the requested job kind.
	ErrUnknownKind = errors.New("no pipeline registered for job kind")
)

// ProgressFunc reports pipeline progress as a percentage and a short
// human-readable phase description.
type ProgressFunc func(percent int, message string)

// Pipeline executes one job kind. Run returns the kind-specific result
// payload, or an error classified by the failure helpers in toolrunner and
// annotate.
type Pipeline interface {
	Kind() registry.JobKind
	Run(ctx context.Context, job *registry.Job, progress ProgressFunc) (json.RawMessage, error)
}

// Config controls the worker pool and retry behavior.
type Config struct {
	// Workers is the number of concurrent job executors. Default: 4.
	Workers int

	// MaxRetries bounds retry attempts for retryable failures. Default: 2.
	MaxRetries int

	// RetryBackoff is the base delay before a retry; it doubles per
	// attempt. Default: 5s.
	RetryBackoff time.Duration

	// DefaultTimeout bounds job execution when no per-kind timeout is
	// set. Zero means unbounded.
	DefaultTimeout time.Duration

	// Timeouts overrides DefaultTimeout per job kind.
	Timeouts map[registry.JobKind]time.Duration
}

// DefaultConfig returns the standard scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		MaxRetries:     2,
		RetryBackoff:   5 * time.Second,
		DefaultTimeout: 30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	return c
}

type jobHandle struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Scheduler admits jobs into the registry and runs them on a worker pool.
type Scheduler struct {
	reg       *registry.Registry
	pipelines map[registry.JobKind]Pipeline
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Collector

	mu      sync.Mutex
	pending []string
	running map[string]*jobHandle
	closed  bool

	wake     chan struct{}
	closedCh chan struct{}
	jobs     chan string

	baseCtx    context.Context
	baseCancel context.CancelFunc

	dispatcherDone chan struct{}
	workers        sync.WaitGroup
}

// New creates a scheduler over the given registry and pipelines and starts
// its worker pool immediately.
func New(reg *registry.Registry, pipelines []Pipeline, cfg Config, collector *metrics.Collector, logger *zap.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	byKind := make(map[registry.JobKind]Pipeline, len(pipelines))
	for _, p := range pipelines {
		byKind[p.Kind()] = p
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		reg:            reg,
		pipelines:      byKind,
		cfg:            cfg,
		logger:         logger,
		metrics:        collector,
		running:        make(map[string]*jobHandle),
		wake:           make(chan struct{}, 1),
		closedCh:       make(chan struct{}),
		jobs:           make(chan string),
		baseCtx:        ctx,
		baseCancel:     cancel,
		dispatcherDone: make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		s.workers.Add(1)
		go s.worker()
	}
	go s.dispatch()
	return s
}

// Submit admits a new job and returns its registry record. It never blocks
// on execution; the job starts when a worker is free.
func (s *Scheduler) Submit(kind registry.JobKind, name string, input registry.Input) (*registry.Job, error) {
	if _, ok := s.pipelines[kind]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	job, err := s.reg.Create(kind, name, input)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.pending = append(s.pending, job.ID)
	s.mu.Unlock()

	s.metrics.RecordSubmitted(string(kind))
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("kind", string(kind)))
	return job, nil
}

// Cancel stops a job. A queued job moves to Cancelled without running; a
// running job has its context cancelled and reaches Cancelled once the
// pipeline acknowledges. Cancelling a terminal job returns ErrConflict.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	if h, ok := s.running[jobID]; ok {
		h.cancelled = true
		h.cancel()
		s.mu.Unlock()
		s.logger.Info("cancellation requested", zap.String("job_id", jobID))
		return nil
	}
	s.mu.Unlock()

	job, err := s.reg.Update(jobID, func(j *registry.Job) error {
		j.State = registry.StateCancelled
		j.Failure = &registry.Failure{
			Kind:    registry.FailureCancelled,
			Message: "cancelled before execution",
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.RecordDequeued()
	s.metrics.RecordCancelled(string(job.Kind), false)
	s.logger.Info("queued job cancelled", zap.String("job_id", jobID))
	return nil
}

// Close stops admission, cancels still-queued jobs, and waits for in-flight
// work to finish. If ctx expires first, in-flight jobs are force-cancelled
// and Close returns the context error.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.closedCh)

	<-s.dispatcherDone

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.baseCancel()
		return nil
	case <-ctx.Done():
		s.baseCancel()
		<-done
		return ctx.Err()
	}
}

// dispatch feeds queued job IDs to workers in FIFO order. On shutdown it
// marks everything still queued as Cancelled and closes the hand-off
// channel so workers exit.
func (s *Scheduler) dispatch() {
	defer close(s.dispatcherDone)
	for {
		s.mu.Lock()
		if s.closed {
			rest := s.pending
			s.pending = nil
			s.mu.Unlock()
			for _, id := range rest {
				s.cancelQueued(id)
			}
			close(s.jobs)
			return
		}
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.closedCh:
			}
			continue
		}
		id := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.jobs <- id:
		case <-s.closedCh:
			s.cancelQueued(id)
		}
	}
}

func (s *Scheduler) cancelQueued(jobID string) {
	job, err := s.reg.Update(jobID, func(j *registry.Job) error {
		j.State = registry.StateCancelled
		j.Failure = &registry.Failure{
			Kind:    registry.FailureCancelled,
			Message: "cancelled by shutdown before execution",
		}
		return nil
	})
	if err != nil {
		// Already terminal, nothing to account for.
		return
	}
	s.metrics.RecordDequeued()
	s.metrics.RecordCancelled(string(job.Kind), false)
}

func (s *Scheduler) worker() {
	defer s.workers.Done()
	for jobID := range s.jobs {
		s.run(jobID)
	}
}

// run executes a single job to a terminal state.
func (s *Scheduler) run(jobID string) {
	runCtx, cancel := context.WithCancel(s.baseCtx)
	h := &jobHandle{cancel: cancel}
	s.mu.Lock()
	s.running[jobID] = h
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, jobID)
		s.mu.Unlock()
		cancel()
	}()

	job, err := s.reg.Update(jobID, func(j *registry.Job) error {
		j.State = registry.StateRunning
		now := time.Now().UTC()
		j.StartedAt = &now
		j.Message = "running"
		return nil
	})
	if err != nil {
		// Cancelled while queued; already accounted for.
		return
	}
	s.metrics.RecordStarted()

	timeout := s.cfg.DefaultTimeout
	if t, ok := s.cfg.Timeouts[job.Kind]; ok {
		timeout = t
	}
	ctx := runCtx
	if timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(runCtx, timeout)
		defer tcancel()
	}

	start := time.Now()
	result, runErr := s.execute(ctx, job)
	elapsed := time.Since(start).Seconds()

	if runErr == nil {
		_, err := s.reg.Update(jobID, func(j *registry.Job) error {
			j.State = registry.StateCompleted
			j.Result = result
			j.Progress = 100
			j.Message = "completed"
			return nil
		})
		if err != nil {
			s.logger.Error("failed to record completion",
				zap.String("job_id", jobID), zap.Error(err))
		}
		s.metrics.RecordCompleted(string(job.Kind), elapsed)
		s.logger.Info("job completed",
			zap.String("job_id", jobID),
			zap.String("kind", string(job.Kind)),
			zap.Float64("seconds", elapsed))
		return
	}

	s.finishFailed(jobID, job.Kind, h, ctx, runErr, elapsed)
}

// execute runs the pipeline with retry. Retryable failures are reattempted
// with exponential backoff up to MaxRetries; everything else surfaces
// immediately.
func (s *Scheduler) execute(ctx context.Context, job *registry.Job) (json.RawMessage, error) {
	pipeline := s.pipelines[job.Kind]
	for attempt := 0; ; attempt++ {
		result, err := s.runPipeline(ctx, pipeline, job)
		if err == nil {
			return result, nil
		}
		if _, retryable := classify(err); !retryable || attempt >= s.cfg.MaxRetries || ctx.Err() != nil {
			return nil, err
		}

		delay := s.cfg.RetryBackoff << attempt
		s.logger.Warn("job attempt failed, retrying",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if _, uerr := s.reg.Update(job.ID, func(j *registry.Job) error {
			j.Retries++
			j.Message = fmt.Sprintf("retrying after failure: %v", err)
			return nil
		}); uerr != nil {
			return nil, err
		}
		s.metrics.RecordRetry(string(job.Kind))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// runPipeline isolates one attempt, converting a pipeline panic into an
// internal error instead of taking the worker down.
func (s *Scheduler) runPipeline(ctx context.Context, p Pipeline, job *registry.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
			s.logger.Error("pipeline panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	progress := func(percent int, message string) {
		_, _ = s.reg.Update(job.ID, func(j *registry.Job) error {
			if percent > j.Progress {
				j.Progress = percent
			}
			j.Message = message
			return nil
		})
	}
	return p.Run(ctx, job, progress)
}

// finishFailed commits the terminal state for a failed attempt sequence:
// user cancellation, timeout, or a classified failure.
func (s *Scheduler) finishFailed(jobID string, kind registry.JobKind, h *jobHandle, ctx context.Context, runErr error, elapsed float64) {
	s.mu.Lock()
	userCancelled := h.cancelled
	s.mu.Unlock()

	failure := buildFailure(runErr)
	state := registry.StateFailed

	switch {
	case userCancelled:
		state = registry.StateCancelled
		failure = &registry.Failure{
			Kind:    registry.FailureCancelled,
			Message: "cancelled while running",
		}
	case errors.Is(runErr, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		failure = &registry.Failure{
			Kind:    registry.FailureTimeout,
			Message: "execution exceeded the configured time limit",
		}
	case s.baseCtx.Err() != nil:
		state = registry.StateCancelled
		failure = &registry.Failure{
			Kind:    registry.FailureCancelled,
			Message: "interrupted by shutdown",
		}
	}

	_, err := s.reg.Update(jobID, func(j *registry.Job) error {
		j.State = state
		j.Failure = failure
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record terminal state",
			zap.String("job_id", jobID), zap.Error(err))
	}

	if state == registry.StateCancelled {
		s.metrics.RecordCancelled(string(kind), true)
		s.logger.Info("job cancelled",
			zap.String("job_id", jobID),
			zap.String("reason", failure.Message))
		return
	}
	s.metrics.RecordFailed(string(kind), elapsed)
	s.logger.Warn("job failed",
		zap.String("job_id", jobID),
		zap.String("kind", string(kind)),
		zap.String("failure", string(failure.Kind)),
		zap.Error(runErr))
}
