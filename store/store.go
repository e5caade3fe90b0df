// Package store persists export jobs. The repository is the single writer of
// job records: every mutation loads the current record, applies a job entity
// transition, and writes the result back atomically, returning the
// post-update view so callers never operate on stale snapshots.
package store

import (
	"context"
	"errors"

	"github.com/c360studio/exportd/job"
)

// Common repository errors.
var (
	// ErrNotFound is returned when no job exists for the given ID.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned by Save when the job ID already exists.
	ErrDuplicateJob = errors.New("job already exists")
)

// Patch carries optional fields applied together with a status update.
type Patch func(*patch)

type patch struct {
	errorMessage string
	tasks        []job.Task
}

// WithError sets the failure message recorded on a FAILED transition.
func WithError(message string) Patch {
	return func(p *patch) { p.errorMessage = message }
}

// WithTasks attaches the job's task set together with the status update.
func WithTasks(tasks []job.Task) Patch {
	return func(p *patch) { p.tasks = tasks }
}

// JobStore is the persistent job repository. Mutators are atomic and
// linearisable per job: concurrent increments never lose updates.
type JobStore interface {
	// Save persists a new job. Fails with ErrDuplicateJob if the ID exists.
	Save(ctx context.Context, j job.Job) error

	// FindByID returns the job or ErrNotFound.
	FindByID(ctx context.Context, jobID string) (*job.Job, error)

	// UpdateStatus transitions the job and returns the post-update view.
	UpdateStatus(ctx context.Context, jobID string, status job.Status, patches ...Patch) (*job.Job, error)

	// IncrementCompletedTasks atomically records one successful task.
	IncrementCompletedTasks(ctx context.Context, jobID string) (*job.Job, error)

	// IncrementFailedTasks atomically records one failed task.
	IncrementFailedTasks(ctx context.Context, jobID string, errMessage string) (*job.Job, error)

	// SetTotalTasks fixes the task denominator before dispatch.
	SetTotalTasks(ctx context.Context, jobID string, n int) (*job.Job, error)

	// AttachTasks records the job's immutable task set.
	AttachTasks(ctx context.Context, jobID string, tasks []job.Task) (*job.Job, error)

	// FindByStatus lists jobs in the given status. limit <= 0 means no limit.
	FindByStatus(ctx context.Context, status job.Status, limit int) ([]*job.Job, error)

	// Delete removes a job record. Administrative cleanup only.
	Delete(ctx context.Context, jobID string) error
}

// mutator applies one entity transition to the current record.
type mutator func(job.Job) (job.Job, error)

// applyStatus builds the entity transition for UpdateStatus. Terminal moves
// go through Complete/CompleteEmpty/Fail so their stricter invariants hold.
func applyStatus(status job.Status, p patch) mutator {
	return func(j job.Job) (job.Job, error) {
		if len(p.tasks) > 0 {
			var err error
			j, err = j.AttachTasks(p.tasks)
			if err != nil {
				return job.Job{}, err
			}
		}
		switch status {
		case job.StatusCompleted:
			if j.TotalTasks == 0 {
				return j.CompleteEmpty()
			}
			return j.Complete()
		case job.StatusFailed:
			return j.Fail(p.errorMessage)
		default:
			return j.TransitionTo(status)
		}
	}
}

func buildPatch(patches []Patch) patch {
	var p patch
	for _, apply := range patches {
		apply(&p)
	}
	return p
}
