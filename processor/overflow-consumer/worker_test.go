package overflowconsumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/exportd/dispatch"
	"github.com/c360studio/exportd/engine"
	"github.com/c360studio/exportd/events"
	"github.com/c360studio/exportd/job"
	"github.com/c360studio/exportd/pipeline"
	"github.com/c360studio/exportd/pool"
	"github.com/c360studio/exportd/queue"
	"github.com/c360studio/exportd/store"
)

// The app drives components through the lifecycle interface.
var _ component.LifecycleComponent = (*Component)(nil)

type fakeTransferer struct {
	mu          sync.Mutex
	calls       int
	err         error
	block       bool
	sawDeadline bool
}

func (f *fakeTransferer) Transfer(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	f.mu.Lock()
	f.calls++
	if _, ok := ctx.Deadline(); ok {
		f.sawDeadline = true
	}
	block, err := f.block, f.err
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{UploadedKey: req.Key, Bytes: 42}, nil
}

func (f *fakeTransferer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransferer) deadlineSeen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sawDeadline
}

type workerFixture struct {
	store      *store.MemStore
	events     *events.Capture
	transferer *fakeTransferer
	pool       *pool.Pool
	completer  *dispatch.Completer
	worker     *Worker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	p, err := pool.New(2, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(time.Second) })

	f := &workerFixture{
		store:      store.NewMemStore(),
		events:     events.NewCapture(),
		transferer: &fakeTransferer{},
		pool:       p,
	}
	f.completer = dispatch.NewCompleter(f.store, engine.NewCapture(), f.events, nil)
	f.worker = NewWorker(f.store, f.pool, f.transferer, f.completer, "exports", nil)
	return f
}

func (f *workerFixture) seedJob(t *testing.T, total int) *job.Job {
	t.Helper()
	ctx := context.Background()
	j, err := job.New(uuid.NewString(), "exp-1", "user-1")
	require.NoError(t, err)
	require.NoError(t, f.store.Save(ctx, j))
	_, err = f.store.UpdateStatus(ctx, j.JobID, job.StatusDownloading)
	require.NoError(t, err)
	updated, err := f.store.SetTotalTasks(ctx, j.JobID, total)
	require.NoError(t, err)
	return updated
}

func newTaskMessage(jobID string) *queue.DownloadTaskMessage {
	return &queue.DownloadTaskMessage{
		TaskID:      uuid.NewString(),
		JobID:       jobID,
		ExportID:    "exp-1",
		DownloadURL: "https://provider.example/file.csv",
		FileName:    "file.csv",
		OutputKey:   jobID + "/0_file.csv",
	}
}

func TestProcessSuccessRecordsAndAcks(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	j := f.seedJob(t, 2)

	action := f.worker.Process(ctx, newTaskMessage(j.JobID), 1)
	assert.Equal(t, AckDone, action)
	assert.Equal(t, 1, f.transferer.callCount())

	current, err := f.store.FindByID(ctx, j.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.CompletedTasks)
	assert.Len(t, f.events.OfKind(events.KindTaskCompleted), 1)
}

func TestProcessRetryableFailureNaksWithoutRecording(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	j := f.seedJob(t, 2)
	f.transferer.err = &pipeline.TransferError{
		Kind:      pipeline.KindDownloadFailed,
		Retryable: true,
		Err:       assert.AnError,
	}

	action := f.worker.Process(ctx, newTaskMessage(j.JobID), 1)
	assert.Equal(t, AckRetry, action)

	// The outcome stays open until a delivery resolves it.
	current, err := f.store.FindByID(ctx, j.JobID)
	require.NoError(t, err)
	assert.Zero(t, current.FailedTasks)
	assert.Empty(t, f.events.OfKind(events.KindTaskFailed))
}

func TestProcessRetryableFailureOnLastDeliveryRecords(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	j := f.seedJob(t, 2)
	f.transferer.err = &pipeline.TransferError{
		Kind:      pipeline.KindChecksumMismatch,
		Retryable: true,
		Err:       assert.AnError,
	}

	action := f.worker.Process(ctx, newTaskMessage(j.JobID), queue.MaxTaskDeliveries)
	assert.Equal(t, AckDone, action)

	current, err := f.store.FindByID(ctx, j.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.FailedTasks)
	assert.Len(t, f.events.OfKind(events.KindTaskFailed), 1)
}

func TestProcessTimeoutNaksWithoutRecording(t *testing.T) {
	f := newWorkerFixture(t)
	j := f.seedJob(t, 2)
	f.transferer.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	action := f.worker.Process(ctx, newTaskMessage(j.JobID), 1)
	assert.Equal(t, AckRetry, action)

	// The deadline travels into the submitted transfer, so the task cannot
	// keep running after the wait gives up.
	assert.True(t, f.transferer.deadlineSeen())

	current, err := f.store.FindByID(context.Background(), j.JobID)
	require.NoError(t, err)
	assert.Zero(t, current.CompletedTasks)
	assert.Zero(t, current.FailedTasks)
}

func TestProcessPermanentFailureRecordsImmediately(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	j := f.seedJob(t, 2)
	f.transferer.err = &pipeline.TransferError{
		Kind:      pipeline.KindSizeMismatch,
		Retryable: false,
		Err:       assert.AnError,
	}

	action := f.worker.Process(ctx, newTaskMessage(j.JobID), 1)
	assert.Equal(t, AckDone, action)

	current, err := f.store.FindByID(ctx, j.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.FailedTasks)
}

func TestProcessDropsTaskForTerminalJob(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	j := f.seedJob(t, 1)
	_, err := f.store.UpdateStatus(ctx, j.JobID, job.StatusFailed, store.WithError("polling timeout"))
	require.NoError(t, err)

	action := f.worker.Process(ctx, newTaskMessage(j.JobID), 1)
	assert.Equal(t, AckDone, action)
	assert.Zero(t, f.transferer.callCount())

	current, err := f.store.FindByID(ctx, j.JobID)
	require.NoError(t, err)
	assert.Zero(t, current.CompletedTasks)
	assert.Zero(t, current.FailedTasks)
}

func TestProcessDropsTaskForUnknownJob(t *testing.T) {
	f := newWorkerFixture(t)
	action := f.worker.Process(context.Background(), newTaskMessage(uuid.NewString()), 1)
	assert.Equal(t, AckDone, action)
	assert.Zero(t, f.transferer.callCount())
}

func TestProcessLastSuccessCompletesJob(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	j := f.seedJob(t, 1)

	action := f.worker.Process(ctx, newTaskMessage(j.JobID), 1)
	assert.Equal(t, AckDone, action)

	current, err := f.store.FindByID(ctx, j.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, current.Status)
	assert.Len(t, f.events.OfKind(events.KindJobCompleted), 1)
}

func TestWorkerReadyTracksPoolCapacity(t *testing.T) {
	f := newWorkerFixture(t)
	assert.True(t, f.worker.Ready())
	require.NoError(t, f.pool.Shutdown(time.Second))
	assert.False(t, f.worker.Ready())
}

func TestParseTaskMessage(t *testing.T) {
	valid := newTaskMessage(uuid.NewString())

	t.Run("raw payload", func(t *testing.T) {
		data, err := json.Marshal(valid)
		require.NoError(t, err)
		parsed, err := ParseTaskMessage(data)
		require.NoError(t, err)
		assert.Equal(t, valid.TaskID, parsed.TaskID)
	})

	t.Run("enveloped payload", func(t *testing.T) {
		data, err := json.Marshal(map[string]any{"payload": valid})
		require.NoError(t, err)
		parsed, err := ParseTaskMessage(data)
		require.NoError(t, err)
		assert.Equal(t, valid.OutputKey, parsed.OutputKey)
	})

	t.Run("invalid payload", func(t *testing.T) {
		data, err := json.Marshal(&queue.DownloadTaskMessage{TaskID: "t"})
		require.NoError(t, err)
		_, err = ParseTaskMessage(data)
		assert.Error(t, err)
	})
}

func TestOverflowConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing stream", func(c *Config) { c.StreamName = "" }},
		{"missing consumer", func(c *Config) { c.ConsumerName = "" }},
		{"zero backoff", func(c *Config) { c.Backoff = 0 }},
		{"zero transfer timeout", func(c *Config) { c.TransferTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := DefaultConfig()
			tt.mutate(&bad)
			assert.Error(t, bad.Validate())
		})
	}
}
