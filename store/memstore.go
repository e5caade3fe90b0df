package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360studio/exportd/job"
)

// MemStore is an in-memory JobStore with the same semantics as the KV-backed
// store. It backs unit tests and the single-binary embedded mode.
type MemStore struct {
	mu   sync.RWMutex
	jobs map[string]job.Job
}

var _ JobStore = (*MemStore)(nil)

// NewMemStore returns an empty in-memory job store.
func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]job.Job)}
}

// Save persists a new job.
func (s *MemStore) Save(_ context.Context, j job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.JobID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.JobID)
	}
	s.jobs[j.JobID] = j
	return nil
}

// FindByID returns the job or ErrNotFound.
func (s *MemStore) FindByID(_ context.Context, jobID string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	out := j
	return &out, nil
}

func (s *MemStore) mutate(jobID string, fn mutator) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	out, err := fn(j)
	if err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	s.jobs[jobID] = out
	result := out
	return &result, nil
}

// UpdateStatus transitions the job and returns the post-update view.
func (s *MemStore) UpdateStatus(_ context.Context, jobID string, status job.Status, patches ...Patch) (*job.Job, error) {
	return s.mutate(jobID, applyStatus(status, buildPatch(patches)))
}

// IncrementCompletedTasks atomically records one successful task.
func (s *MemStore) IncrementCompletedTasks(_ context.Context, jobID string) (*job.Job, error) {
	return s.mutate(jobID, job.Job.IncrementCompleted)
}

// IncrementFailedTasks atomically records one failed task.
func (s *MemStore) IncrementFailedTasks(_ context.Context, jobID string, errMessage string) (*job.Job, error) {
	return s.mutate(jobID, func(j job.Job) (job.Job, error) {
		return j.IncrementFailed(errMessage)
	})
}

// SetTotalTasks fixes the task denominator.
func (s *MemStore) SetTotalTasks(_ context.Context, jobID string, n int) (*job.Job, error) {
	return s.mutate(jobID, func(j job.Job) (job.Job, error) {
		return j.SetTotalTasks(n)
	})
}

// AttachTasks records the job's task set.
func (s *MemStore) AttachTasks(_ context.Context, jobID string, tasks []job.Task) (*job.Job, error) {
	return s.mutate(jobID, func(j job.Job) (job.Job, error) {
		return j.AttachTasks(tasks)
	})
}

// FindByStatus lists jobs in the given status.
func (s *MemStore) FindByStatus(_ context.Context, status job.Status, limit int) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*job.Job
	for _, j := range s.jobs {
		if j.Status != status {
			continue
		}
		copied := j
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Delete removes a job record.
func (s *MemStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	delete(s.jobs, jobID)
	return nil
}
