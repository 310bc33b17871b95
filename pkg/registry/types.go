package registry

import (
	"encoding/json"
	"time"
)

// JobKind identifies the pipeline a job runs through.
type JobKind string

const (
	KindAlignment   JobKind = "alignment"
	KindVariantCall JobKind = "variant-call"
	KindAnnotation  JobKind = "annotation"
)

// JobState is the lifecycle state of a job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// stateRank orders states for monotonicity checks. Terminal states share
// the highest rank; a job never moves between terminal states.
var stateRank = map[JobState]int{
	StatePending:   0,
	StateRunning:   1,
	StateCompleted: 2,
	StateFailed:    2,
	StateCancelled: 2,
}

// FailureKind classifies why a job (or a step within it) failed.
type FailureKind string

const (
	FailureToolUnavailable     FailureKind = "tool_unavailable"
	FailureToolExecution       FailureKind = "tool_execution_error"
	FailureParse               FailureKind = "parse_error"
	FailureAnnotationTransient FailureKind = "annotation_transient_error"
	FailureAnnotationRejected  FailureKind = "annotation_rejected"
	FailureCancelled           FailureKind = "cancelled"
	FailureTimeout             FailureKind = "timeout"
	FailureInternal            FailureKind = "internal_error"
)

// Failure carries the most specific classified failure detail for a job.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`

	// Stderr holds captured tool output when the failure originated from an
	// external process.
	Stderr string `json:"stderr,omitempty"`
}

// Input describes the unit of work for a job. Fields are kind-specific:
// alignment and variant-call jobs use Reference and Reads; annotation jobs
// use Variants. Transcript and Assembly steer nomenclature mapping when set.
type Input struct {
	Reference  string   `json:"reference,omitempty"`
	Reads      []string `json:"reads,omitempty"`
	Variants   []string `json:"variants,omitempty"`
	Transcript string   `json:"transcript,omitempty"`
	Assembly   string   `json:"assembly,omitempty"`
}

// Job is the canonical record for a tracked unit of work.
//
// The registry exclusively owns the canonical record; callers always receive
// copies. Result is a kind-specific payload marshaled by the pipeline that
// produced it.
type Job struct {
	ID    string   `json:"id"`
	Name  string   `json:"name,omitempty"`
	Kind  JobKind  `json:"kind"`
	State JobState `json:"state"`
	Input Input    `json:"input"`

	Result  json.RawMessage `json:"result,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`

	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
	Retries  int    `json:"retries"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the job safe to hand outside the registry.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Input.Reads = append([]string(nil), j.Input.Reads...)
	out.Input.Variants = append([]string(nil), j.Input.Variants...)
	if j.Result != nil {
		out.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Failure != nil {
		f := *j.Failure
		out.Failure = &f
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
