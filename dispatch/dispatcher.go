package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/c360studio/semstreams/message"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/exportd/job"
	"github.com/c360studio/exportd/pipeline"
	"github.com/c360studio/exportd/pool"
	"github.com/c360studio/exportd/provider"
	"github.com/c360studio/exportd/queue"
	"github.com/c360studio/exportd/store"
)

// DefaultBatchSize bounds fan-out concurrency during dispatch.
const DefaultBatchSize = 25

// StreamPublisher publishes serialized messages to a JetStream subject.
// Satisfied by natsclient.Client.
type StreamPublisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// DispatchResult summarises one fan-out.
type DispatchResult struct {
	Total      int
	Internal   int
	Overflowed int
	Failed     int
}

// Dispatcher fans download tasks out to the worker pool, overflowing to the
// external queue when the pool is saturated.
type Dispatcher struct {
	store      store.JobStore
	pool       *pool.Pool
	transferer *pipeline.Transferer
	completer  *Completer
	publisher  StreamPublisher
	bucket     string
	batchSize  int
	source     string
	logger     *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBatchSize overrides the dispatch batch size.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates a dispatcher uploading into bucket.
func NewDispatcher(
	jobStore store.JobStore,
	workerPool *pool.Pool,
	transferer *pipeline.Transferer,
	completer *Completer,
	publisher StreamPublisher,
	bucket string,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		store:      jobStore,
		pool:       workerPool,
		transferer: transferer,
		completer:  completer,
		publisher:  publisher,
		bucket:     bucket,
		batchSize:  DefaultBatchSize,
		source:     "task-dispatcher",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch fans out one download task per URL. The total is recorded first
// so the completion rule has a correct denominator before any task can
// finish.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID, exportID string, urls []provider.DownloadInfo) (DispatchResult, error) {
	result := DispatchResult{Total: len(urls)}

	if _, err := d.store.SetTotalTasks(ctx, jobID, len(urls)); err != nil {
		return result, fmt.Errorf("set total tasks for job %s: %w", jobID, err)
	}

	if len(urls) == 0 {
		d.logger.Info("Export produced no artifacts, completing job", "job_id", jobID)
		if err := d.completer.CompleteEmpty(ctx, jobID); err != nil {
			return result, err
		}
		return result, nil
	}

	tasks := make([]job.Task, 0, len(urls))
	for i, info := range urls {
		task := job.NewTask(jobID, i, info.URL, info.FileName)
		task.ExpectedFileSize = info.FileSize
		task.ExpectedChecksum = info.Checksum
		task.ChecksumAlgorithm = info.ChecksumAlgorithm
		tasks = append(tasks, task)
	}
	if _, err := d.store.AttachTasks(ctx, jobID, tasks); err != nil {
		return result, fmt.Errorf("attach tasks for job %s: %w", jobID, err)
	}

	var internal, overflowed, failed atomic.Int64
	for start := 0; start < len(tasks); start += d.batchSize {
		end := start + d.batchSize
		if end > len(tasks) {
			end = len(tasks)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, task := range tasks[start:end] {
			task := task
			g.Go(func() error {
				switch err := d.dispatchOne(gctx, exportID, task); {
				case err == nil:
					internal.Add(1)
				case errors.Is(err, errOverflowed):
					overflowed.Add(1)
				default:
					failed.Add(1)
					d.logger.Error("Failed to dispatch task",
						"job_id", task.JobID,
						"task_id", task.TaskID,
						"error", err)
					if recErr := d.completer.RecordOutcome(gctx, task.JobID, task.TaskID, false, err.Error()); recErr != nil {
						d.logger.Error("Failed to record dispatch failure", "task_id", task.TaskID, "error", recErr)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
	}

	result.Internal = int(internal.Load())
	result.Overflowed = int(overflowed.Load())
	result.Failed = int(failed.Load())

	d.logger.Info("Dispatch complete",
		"job_id", jobID,
		"total", result.Total,
		"internal", result.Internal,
		"overflowed", result.Overflowed,
		"failed", result.Failed)
	return result, nil
}

// errOverflowed marks a task routed to the overflow queue.
var errOverflowed = errors.New("task overflowed")

func (d *Dispatcher) dispatchOne(ctx context.Context, exportID string, task job.Task) error {
	if d.pool.TryAccept() {
		_, err := d.pool.Submit(d.poolTask(task))
		if err == nil {
			return nil
		}
		if !errors.Is(err, pool.ErrPoolSaturated) {
			return fmt.Errorf("submit task %s: %w", task.TaskID, err)
		}
		// Lost the race for the last slot; fall through to overflow.
	}

	if err := d.publishOverflow(ctx, exportID, task); err != nil {
		return fmt.Errorf("overflow task %s: %w", task.TaskID, err)
	}
	return errOverflowed
}

// poolTask wraps one transfer for pool execution. The outcome is recorded
// from the executor itself.
func (d *Dispatcher) poolTask(task job.Task) pool.Task {
	return func(ctx context.Context) error {
		_, err := d.transferer.Transfer(ctx, pipeline.Request{
			DownloadURL:       task.DownloadURL,
			Bucket:            d.bucket,
			Key:               task.OutputKey,
			ExpectedSize:      task.ExpectedFileSize,
			ExpectedChecksum:  task.ExpectedChecksum,
			ChecksumAlgorithm: task.ChecksumAlgorithm,
		})
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		if recErr := d.completer.RecordOutcome(ctx, task.JobID, task.TaskID, err == nil, errMsg); recErr != nil {
			d.logger.Error("Failed to record task outcome",
				"job_id", task.JobID,
				"task_id", task.TaskID,
				"error", recErr)
		}
		return err
	}
}

func (d *Dispatcher) publishOverflow(ctx context.Context, exportID string, task job.Task) error {
	payload := queue.DownloadTaskMessage{
		TaskID:            task.TaskID,
		JobID:             task.JobID,
		ExportID:          exportID,
		DownloadURL:       task.DownloadURL,
		FileName:          task.FileName,
		OutputKey:         task.OutputKey,
		ExpectedFileSize:  task.ExpectedFileSize,
		ExpectedChecksum:  task.ExpectedChecksum,
		ChecksumAlgorithm: string(task.ChecksumAlgorithm),
	}
	baseMsg := message.NewBaseMessage(queue.DownloadTaskType, &payload, d.source)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal overflow task: %w", err)
	}
	if err := d.publisher.PublishToStream(ctx, queue.OverflowSubject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", queue.OverflowSubject, err)
	}
	d.logger.Debug("Task overflowed to queue", "task_id", task.TaskID, "job_id", task.JobID)
	return nil
}
