// Package dispatch fans per-artifact download tasks out across the worker
// pool and the overflow queue, and aggregates per-task outcomes back into
// the job record and the workflow callback.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/exportd/engine"
	"github.com/c360studio/exportd/events"
	"github.com/c360studio/exportd/job"
	"github.com/c360studio/exportd/store"
)

// Completer aggregates task outcomes. Counter updates go through the
// repository's atomic increments; the terminal transition and the workflow
// callback happen at most once per job.
type Completer struct {
	store  store.JobStore
	engine engine.Engine
	events events.Publisher
	logger *slog.Logger

	// notified guards the at-most-once terminal callback per job.
	notified sync.Map
}

// NewCompleter creates a completion aggregator.
func NewCompleter(jobStore store.JobStore, eng engine.Engine, sink events.Publisher, logger *slog.Logger) *Completer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Completer{
		store:  jobStore,
		engine: eng,
		events: sink,
		logger: logger,
	}
}

// RecordOutcome records one task result. Late results for terminal jobs are
// dropped without touching counters.
func (c *Completer) RecordOutcome(ctx context.Context, jobID, taskID string, success bool, errMsg string) error {
	var (
		updated *job.Job
		err     error
	)
	if success {
		updated, err = c.store.IncrementCompletedTasks(ctx, jobID)
	} else {
		updated, err = c.store.IncrementFailedTasks(ctx, jobID, errMsg)
	}
	if err != nil {
		if errors.Is(err, job.ErrTerminalState) {
			c.logger.Debug("Dropping outcome for terminal job", "job_id", jobID, "task_id", taskID)
			return nil
		}
		return fmt.Errorf("record outcome for job %s: %w", jobID, err)
	}

	if success {
		c.events.TaskCompleted(ctx, jobID, taskID)
	} else {
		c.events.TaskFailed(ctx, jobID, taskID, errMsg)
	}

	c.maybeComplete(ctx, updated)
	return nil
}

// CheckJobCompletion re-evaluates the completion rule for a job. Idempotent;
// a no-op once the job is terminal and reported.
func (c *Completer) CheckJobCompletion(ctx context.Context, jobID string) error {
	j, err := c.store.FindByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("check completion for job %s: %w", jobID, err)
	}
	c.maybeComplete(ctx, j)
	return nil
}

// CompleteEmpty finishes a job with zero tasks as an empty success.
func (c *Completer) CompleteEmpty(ctx context.Context, jobID string) error {
	if _, already := c.notified.LoadOrStore(jobID, struct{}{}); already {
		return nil
	}
	updated, err := c.store.UpdateStatus(ctx, jobID, job.StatusCompleted)
	if err != nil {
		c.notified.Delete(jobID)
		return fmt.Errorf("complete empty job %s: %w", jobID, err)
	}
	c.events.JobCompleted(ctx, jobID)
	c.sendSuccess(ctx, updated)
	return nil
}

// maybeComplete transitions the job to COMPLETED and reports it once all
// task outcomes are accounted for. A job with failed tasks still completes;
// the failed count travels in the callback payload.
func (c *Completer) maybeComplete(ctx context.Context, j *job.Job) {
	if j.TotalTasks == 0 || j.CompletedTasks+j.FailedTasks < j.TotalTasks {
		return
	}
	if j.IsTerminal() && j.Status != job.StatusCompleted {
		return
	}
	if _, already := c.notified.LoadOrStore(j.JobID, struct{}{}); already {
		return
	}

	updated, err := c.store.UpdateStatus(ctx, j.JobID, job.StatusCompleted)
	if err != nil {
		c.notified.Delete(j.JobID)
		c.logger.Error("Failed to complete job", "job_id", j.JobID, "error", err)
		return
	}

	c.logger.Info("Job completed",
		"job_id", updated.JobID,
		"total_tasks", updated.TotalTasks,
		"completed_tasks", updated.CompletedTasks,
		"failed_tasks", updated.FailedTasks)

	c.events.JobCompleted(ctx, updated.JobID)
	c.sendSuccess(ctx, updated)
}

// FailJob moves a job to FAILED and sends the failure callback at most once.
func (c *Completer) FailJob(ctx context.Context, jobID, errName, cause string) error {
	updated, err := c.store.UpdateStatus(ctx, jobID, job.StatusFailed, store.WithError(cause))
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	c.events.JobFailed(ctx, jobID, cause)

	if _, already := c.notified.LoadOrStore(jobID, struct{}{}); already {
		return nil
	}
	if updated.CallbackToken == "" {
		return nil
	}
	payload := engine.FailurePayload{
		Error:    errName,
		Cause:    cause,
		JobID:    updated.JobID,
		ExportID: updated.ExportID,
		Counters: &engine.Counters{
			TotalTasks:     updated.TotalTasks,
			CompletedTasks: updated.CompletedTasks,
			FailedTasks:    updated.FailedTasks,
		},
	}
	if err := c.engine.SendTaskFailure(ctx, updated.CallbackToken, payload); err != nil {
		// The job is persisted as FAILED; the workflow reconciles via
		// heartbeat timeout.
		c.logger.Error("Workflow failure callback failed", "job_id", jobID, "error", err)
	}
	return nil
}

func (c *Completer) sendSuccess(ctx context.Context, j *job.Job) {
	if j.CallbackToken == "" {
		return
	}

	outputs := make([]string, 0, len(j.Tasks))
	for _, t := range j.Tasks {
		outputs = append(outputs, t.OutputKey)
	}

	payload := engine.SuccessPayload{
		JobID:          j.JobID,
		ExportID:       j.ExportID,
		UserID:         j.UserID,
		Status:         string(j.Status),
		TotalTasks:     j.TotalTasks,
		CompletedTasks: j.CompletedTasks,
		FailedTasks:    j.FailedTasks,
		Outputs:        outputs,
		DurationMs:     j.Duration().Milliseconds(),
	}
	if j.CompletedAt != nil {
		payload.CompletedAt = *j.CompletedAt
	}

	if err := c.engine.SendTaskSuccess(ctx, j.CallbackToken, payload); err != nil {
		c.logger.Error("Workflow success callback failed", "job_id", j.JobID, "error", err)
	}
}
