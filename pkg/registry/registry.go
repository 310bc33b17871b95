// Package registry tracks the lifecycle of analysis jobs.
//
// The Registry is the single source of truth for job state. All mutation is
// funneled through Create/Update/Delete, which serialize concurrent writers
// per job; readers always observe a fully-written record, never a partial
// update. Optional snapshots persist each mutation to disk so job state
// survives inspection across processes.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshotter persists job records outside the in-memory table. Write is
// called after every successful mutation, Remove after deletion. Errors are
// reported to the caller of the mutating operation but do not roll back the
// in-memory change.
type Snapshotter interface {
	Write(job *Job) error
	Remove(jobID string) error
}

// Filter selects jobs for List. Zero-value fields match everything.
type Filter struct {
	States []JobState
	Kinds  []JobKind

	// Offset and Limit page through results ordered by creation time
	// ascending. Limit <= 0 means no limit.
	Offset int
	Limit  int
}

func (f Filter) matches(j *Job) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if j.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if j.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Registry is an in-memory job table safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	// seq disambiguates creation order for jobs created within the same
	// clock tick.
	seq   uint64
	order map[string]uint64

	snapshots Snapshotter
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		jobs:  make(map[string]*Job),
		order: make(map[string]uint64),
	}
}

// WithSnapshots enables on-disk persistence of job records.
// Returns the registry for chaining.
func (r *Registry) WithSnapshots(s Snapshotter) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = s
	return r
}

// Create registers a new job in Pending state and returns a copy of the
// record. It never blocks on execution.
func (r *Registry) Create(kind JobKind, name string, input Input) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(name),
		Kind:      kind,
		State:     StatePending,
		Input:     input,
		CreatedAt: now,
	}

	r.mu.Lock()
	r.seq++
	r.jobs[job.ID] = job
	r.order[job.ID] = r.seq
	snap := r.snapshots
	clone := job.Clone()
	r.mu.Unlock()

	if snap != nil {
		if err := snap.Write(clone); err != nil {
			return clone, err
		}
	}
	return clone, nil
}

// Get returns a copy of the job or ErrNotFound.
func (r *Registry) Get(jobID string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// Update applies fn to a copy of the job and commits the result atomically.
// Readers never observe the intermediate state.
//
// Updates to terminal jobs are rejected with ErrConflict; state changes that
// move a job backwards are rejected with ErrInvalidTransition. An error from
// fn aborts the update without committing.
func (r *Registry) Update(jobID string, fn func(*Job) error) (*Job, error) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if job.State.Terminal() {
		r.mu.Unlock()
		return nil, ErrConflict
	}

	next := job.Clone()
	if err := fn(next); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if stateRank[next.State] < stateRank[job.State] {
		r.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	if next.State.Terminal() && next.CompletedAt == nil {
		now := time.Now().UTC()
		next.CompletedAt = &now
	}
	// Identity and creation metadata are immutable.
	next.ID = job.ID
	next.Kind = job.Kind
	next.CreatedAt = job.CreatedAt

	r.jobs[jobID] = next
	snap := r.snapshots
	clone := next.Clone()
	r.mu.Unlock()

	if snap != nil {
		if err := snap.Write(clone); err != nil {
			return clone, err
		}
	}
	return clone, nil
}

// List returns copies of jobs matching the filter, ordered by creation time
// ascending.
func (r *Registry) List(f Filter) []*Job {
	r.mu.RLock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if f.matches(j) {
			out = append(out, j.Clone())
		}
	}
	order := make(map[string]uint64, len(out))
	for _, j := range out {
		order[j.ID] = r.order[j.ID]
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return order[out[i].ID] < order[out[k].ID]
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

// Delete evicts a job record. Deleting an unknown job returns ErrNotFound.
func (r *Registry) Delete(jobID string) error {
	r.mu.Lock()
	_, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.jobs, jobID)
	delete(r.order, jobID)
	snap := r.snapshots
	r.mu.Unlock()

	if snap != nil {
		return snap.Remove(jobID)
	}
	return nil
}

// Restore inserts a previously persisted job record, preserving its creation
// order relative to other restored jobs. Non-terminal restored jobs are
// marked Cancelled: any execution context they had is gone with the process
// that owned them.
func (r *Registry) Restore(job *Job) {
	if job == nil || job.ID == "" {
		return
	}
	restored := job.Clone()
	if !restored.State.Terminal() {
		restored.State = StateCancelled
		restored.Message = "interrupted by shutdown"
		if restored.CompletedAt == nil {
			now := time.Now().UTC()
			restored.CompletedAt = &now
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.jobs[restored.ID] = restored
	r.order[restored.ID] = r.seq
}
