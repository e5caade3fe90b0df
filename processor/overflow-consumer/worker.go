package overflowconsumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/c360studio/exportd/job"
	"github.com/c360studio/exportd/pipeline"
	"github.com/c360studio/exportd/pool"
	"github.com/c360studio/exportd/queue"
	"github.com/c360studio/exportd/store"
)

// AckAction tells the consumer what to do with a processed message.
type AckAction int

const (
	// AckDone acknowledges the message; the queue deletes it.
	AckDone AckAction = iota

	// AckRetry negatively acknowledges so the queue redelivers.
	AckRetry
)

// Transferer runs one streaming transfer. Satisfied by pipeline.Transferer.
type Transferer interface {
	Transfer(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Completer records task outcomes. Satisfied by dispatch.Completer.
type Completer interface {
	RecordOutcome(ctx context.Context, jobID, taskID string, success bool, errMsg string) error
}

// Worker executes one overflowed task through the pool and decides the
// acknowledgement.
type Worker struct {
	store      store.JobStore
	pool       *pool.Pool
	transferer Transferer
	completer  Completer
	bucket     string
	logger     *slog.Logger
}

// NewWorker creates an overflow worker uploading into bucket.
func NewWorker(jobStore store.JobStore, p *pool.Pool, t Transferer, c Completer, bucket string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:      jobStore,
		pool:       p,
		transferer: t,
		completer:  c,
		bucket:     bucket,
		logger:     logger,
	}
}

// Ready reports whether the pool can take another task. The consumer checks
// this before fetching so overflow work waits in the queue, not in memory.
func (w *Worker) Ready() bool {
	return w.pool.TryAccept()
}

// Process runs one task. deliveries is the broker's delivery count for the
// message, starting at 1.
//
// Ack policy: ack on success; ack on permanent failure; ack once the
// redelivery budget is spent, recording the failure. Otherwise Nak so the
// queue redelivers; the outcome stays unrecorded until a delivery resolves
// it, keeping counters exact.
func (w *Worker) Process(ctx context.Context, msg *queue.DownloadTaskMessage, deliveries uint64) AckAction {
	j, err := w.store.FindByID(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("Dropping task for unknown job", "job_id", msg.JobID, "task_id", msg.TaskID)
			return AckDone
		}
		w.logger.Error("Failed to load job for task", "job_id", msg.JobID, "error", err)
		return AckRetry
	}
	if j.IsTerminal() {
		// Late redelivery for a finished job: counters stay untouched.
		w.logger.Info("Dropping task for terminal job",
			"job_id", msg.JobID,
			"task_id", msg.TaskID,
			"status", j.Status)
		return AckDone
	}

	deadline, _ := ctx.Deadline()
	future, err := w.pool.Submit(w.poolTask(msg, deadline))
	if err != nil {
		// Saturated or shutting down: let the queue hold the task.
		w.logger.Debug("Pool rejected overflow task", "task_id", msg.TaskID, "error", err)
		return AckRetry
	}

	taskErr := future.Wait(ctx)
	if taskErr == nil {
		w.record(ctx, msg, true, "")
		return AckDone
	}

	// Timeouts and cancellations are transient like any other network
	// hazard: the redelivery gets a fresh deadline.
	retryable := pipeline.IsRetryable(taskErr) ||
		errors.Is(taskErr, pool.ErrExecutorCrashed) ||
		errors.Is(taskErr, context.DeadlineExceeded) ||
		errors.Is(taskErr, context.Canceled)
	if retryable && deliveries < queue.MaxTaskDeliveries {
		w.logger.Warn("Task failed, requesting redelivery",
			"task_id", msg.TaskID,
			"job_id", msg.JobID,
			"delivery", deliveries,
			"error", taskErr)
		return AckRetry
	}

	w.record(ctx, msg, false, taskErr.Error())
	return AckDone
}

// poolTask builds the pool work item. The caller's deadline carries over so
// an abandoned wait does not leave the transfer running unbounded.
func (w *Worker) poolTask(msg *queue.DownloadTaskMessage, deadline time.Time) pool.Task {
	return func(ctx context.Context) error {
		if !deadline.IsZero() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadline)
			defer cancel()
		}
		_, err := w.transferer.Transfer(ctx, pipeline.Request{
			DownloadURL:       msg.DownloadURL,
			Bucket:            w.bucket,
			Key:               msg.OutputKey,
			ExpectedSize:      msg.ExpectedFileSize,
			ExpectedChecksum:  msg.ExpectedChecksum,
			ChecksumAlgorithm: job.ChecksumAlgorithm(msg.ChecksumAlgorithm),
		})
		return err
	}
}

func (w *Worker) record(ctx context.Context, msg *queue.DownloadTaskMessage, success bool, errMsg string) {
	if err := w.completer.RecordOutcome(ctx, msg.JobID, msg.TaskID, success, errMsg); err != nil {
		w.logger.Error("Failed to record overflow task outcome",
			"job_id", msg.JobID,
			"task_id", msg.TaskID,
			"error", err)
	}
}
