package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/exportd/job"
)

// Bucket holding the job records.
const BucketJobs = "EXPORT_JOBS_KV"

// casMaxAttempts bounds the optimistic-concurrency retry loop. Contention on
// a single job is limited to its own task completions, so conflicts resolve
// within a few rounds.
const casMaxAttempts = 16

// KVStore is the JetStream KV backed JobStore. Counter increments use
// revision-checked updates, so concurrent completions from many workers
// never lose an update.
type KVStore struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
}

var _ JobStore = (*KVStore)(nil)

// NewKVStore creates the store, creating the bucket if it does not exist.
func NewKVStore(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) (*KVStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kv, err := js.KeyValue(ctx, BucketJobs)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketJobs,
			Description: "exportd job records",
			History:     5,
		})
		if err != nil {
			return nil, fmt.Errorf("create jobs bucket: %w", err)
		}
	}
	return &KVStore{kv: kv, logger: logger}, nil
}

// Save persists a new job.
func (s *KVStore) Save(ctx context.Context, j job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := s.kv.Create(ctx, j.JobID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, j.JobID)
		}
		return fmt.Errorf("store job %s: %w", j.JobID, err)
	}
	return nil
}

// FindByID returns the job or ErrNotFound.
func (s *KVStore) FindByID(ctx context.Context, jobID string) (*job.Job, error) {
	entry, err := s.kv.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	var j job.Job
	if err := json.Unmarshal(entry.Value(), &j); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &j, nil
}

// mutate runs the read-apply-update cycle with a revision check, retrying on
// write conflicts.
func (s *KVStore) mutate(ctx context.Context, jobID string, fn mutator) (*job.Job, error) {
	for attempt := 1; attempt <= casMaxAttempts; attempt++ {
		entry, err := s.kv.Get(ctx, jobID)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
			}
			return nil, fmt.Errorf("get job %s: %w", jobID, err)
		}

		var current job.Job
		if err := json.Unmarshal(entry.Value(), &current); err != nil {
			return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
		}

		out, err := fn(current)
		if err != nil {
			return nil, err
		}
		if err := out.Validate(); err != nil {
			return nil, err
		}

		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("marshal job %s: %w", jobID, err)
		}

		if _, err := s.kv.Update(ctx, jobID, data, entry.Revision()); err == nil {
			return &out, nil
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		} else {
			// Revision moved under us; re-read and re-apply.
			s.logger.Debug("Job update conflict, retrying",
				"job_id", jobID,
				"attempt", attempt,
				"error", err)
			time.Sleep(time.Duration(attempt) * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("update job %s: gave up after %d conflicting writes", jobID, casMaxAttempts)
}

// UpdateStatus transitions the job and returns the post-update view.
func (s *KVStore) UpdateStatus(ctx context.Context, jobID string, status job.Status, patches ...Patch) (*job.Job, error) {
	return s.mutate(ctx, jobID, applyStatus(status, buildPatch(patches)))
}

// IncrementCompletedTasks atomically records one successful task.
func (s *KVStore) IncrementCompletedTasks(ctx context.Context, jobID string) (*job.Job, error) {
	return s.mutate(ctx, jobID, job.Job.IncrementCompleted)
}

// IncrementFailedTasks atomically records one failed task.
func (s *KVStore) IncrementFailedTasks(ctx context.Context, jobID string, errMessage string) (*job.Job, error) {
	return s.mutate(ctx, jobID, func(j job.Job) (job.Job, error) {
		return j.IncrementFailed(errMessage)
	})
}

// SetTotalTasks fixes the task denominator.
func (s *KVStore) SetTotalTasks(ctx context.Context, jobID string, n int) (*job.Job, error) {
	return s.mutate(ctx, jobID, func(j job.Job) (job.Job, error) {
		return j.SetTotalTasks(n)
	})
}

// AttachTasks records the job's task set.
func (s *KVStore) AttachTasks(ctx context.Context, jobID string, tasks []job.Task) (*job.Job, error) {
	return s.mutate(ctx, jobID, func(j job.Job) (job.Job, error) {
		return j.AttachTasks(tasks)
	})
}

// FindByStatus lists jobs in the given status by scanning the bucket.
// The heartbeat loop is the only periodic caller and buckets hold active
// jobs only, so a scan is acceptable; a production deployment at larger
// scale would maintain a status index bucket alongside.
func (s *KVStore) FindByStatus(ctx context.Context, status job.Status, limit int) ([]*job.Job, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list job keys: %w", err)
	}

	var out []*job.Job
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue // deleted between Keys and Get
		}
		var j job.Job
		if err := json.Unmarshal(entry.Value(), &j); err != nil {
			s.logger.Warn("Skipping undecodable job record", "job_id", key, "error", err)
			continue
		}
		if j.Status != status {
			continue
		}
		out = append(out, &j)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Delete removes a job record and its history.
func (s *KVStore) Delete(ctx context.Context, jobID string) error {
	if _, err := s.kv.Get(ctx, jobID); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return fmt.Errorf("get job %s: %w", jobID, err)
	}
	if err := s.kv.Purge(ctx, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}
