// Package jobs persists async tool executions: the loop's "fire and report
// later" path for tools whose own contract says they run too long to hold
// the assistant loop open (spec.md §1 calls out "long-running tools" as a
// concrete scenario the orchestration engine must survive).
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/lanehub/conductor/pkg/models"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is one async tool execution, tracked independently of the run that
// requested it so its result can be reported after the run has already
// moved on.
type Job struct {
	ID         string
	ToolName   string
	ToolCallID string
	Scope      models.SessionScope
	Status     Status
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Result     *models.ToolResult
	Error      string
}

// Store persists job records. Implementations must treat Update as a full
// replace, matching Create's semantics, so callers never have to read before
// writing a status transition.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, limit, offset int) ([]*Job, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MemoryStore keeps jobs in memory, insertion order preserved for List.
// Grounded on the teacher's jobs.MemoryStore, cut down to this module's
// narrower Job shape.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	keys []string
}

// NewMemoryStore returns an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.keys = append(s.keys, job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.keys = append(s.keys, job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.keys) {
		return nil, nil
	}
	end := len(s.keys)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*Job, 0, end-offset)
	for _, id := range s.keys[offset:end] {
		if job, ok := s.jobs[id]; ok {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned int64
	remaining := s.keys[:0]
	for _, id := range s.keys {
		job := s.jobs[id]
		if job != nil && !job.FinishedAt.IsZero() && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			pruned++
			continue
		}
		remaining = append(remaining, id)
	}
	s.keys = remaining
	return pruned, nil
}

func cloneJob(job *Job) *Job {
	clone := *job
	if job.Result != nil {
		result := *job.Result
		clone.Result = &result
	}
	return &clone
}
