package jobintake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/exportd/dispatch"
	"github.com/c360studio/exportd/events"
	"github.com/c360studio/exportd/job"
	"github.com/c360studio/exportd/provider"
	"github.com/c360studio/exportd/queue"
	"github.com/c360studio/exportd/store"
)

// Dispatcher fans out download tasks for a READY export. Satisfied by
// dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID, exportID string, urls []provider.DownloadInfo) (dispatch.DispatchResult, error)
}

// Enroller registers jobs with the polling service.
type Enroller interface {
	Enroll(ctx context.Context, jobID, exportID, userID string)
}

// Failer moves a job to FAILED and reports it to the workflow engine.
type Failer interface {
	FailJob(ctx context.Context, jobID, errName, cause string) error
}

// Decision summarises how intake routed a job.
type Decision struct {
	NeedsPolling        bool
	CanStartDownloading bool
}

// Handler runs the intake decision tree for one validated job message.
type Handler struct {
	store      store.JobStore
	provider   provider.Provider
	events     events.Publisher
	dispatcher Dispatcher
	enroller   Enroller
	failer     Failer
	logger     *slog.Logger
}

// NewHandler creates an intake handler.
func NewHandler(
	jobStore store.JobStore,
	p provider.Provider,
	sink events.Publisher,
	d Dispatcher,
	e Enroller,
	f Failer,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:      jobStore,
		provider:   p,
		events:     sink,
		dispatcher: d,
		enroller:   e,
		failer:     f,
		logger:     logger,
	}
}

// ErrDuplicateJob marks a redelivered submission for a job that already
// exists. The consumer acks it without reprocessing.
var ErrDuplicateJob = errors.New("duplicate job submission")

// Handle persists the job and routes it by the provider's current status.
// An error return means the provider could not be reached and the message
// should be redelivered.
func (h *Handler) Handle(ctx context.Context, msg *queue.ExportJobMessage) (Decision, error) {
	opts := []job.Option{}
	if msg.CallbackToken != "" {
		opts = append(opts, job.WithCallbackToken(msg.CallbackToken))
	}
	if msg.Metadata != nil {
		opts = append(opts, job.WithMetadata(msg.Metadata))
	}
	if msg.MaxPollingAttempts > 0 || msg.PollingIntervalMs > 0 {
		attempts := msg.MaxPollingAttempts
		if attempts <= 0 {
			attempts = job.DefaultMaxPollingAttempts
		}
		interval := msg.PollingIntervalMs
		if interval <= 0 {
			interval = job.DefaultPollingIntervalMs
		}
		opts = append(opts, job.WithPollingLimits(attempts, interval))
	}

	j, err := job.New(msg.JobID, msg.ExportID, msg.UserID, opts...)
	if err != nil {
		return Decision{}, fmt.Errorf("build job %s: %w", msg.JobID, err)
	}

	if err := h.store.Save(ctx, j); err != nil {
		if errors.Is(err, store.ErrDuplicateJob) {
			h.logger.Info("Duplicate job submission dropped", "job_id", msg.JobID)
			return Decision{}, ErrDuplicateJob
		}
		return Decision{}, fmt.Errorf("persist job %s: %w", msg.JobID, err)
	}

	h.events.JobCreated(ctx, j.JobID, j.ExportID)
	h.logger.Info("Job created",
		"job_id", j.JobID,
		"export_id", j.ExportID,
		"user_id", j.UserID)

	status, err := h.provider.GetExportStatus(ctx, j.ExportID)
	if err != nil {
		// Best-effort FAILED, then surface the error so the queue retries
		// delivery up to its own policy.
		if failErr := h.failer.FailJob(ctx, j.JobID, "ProviderError", err.Error()); failErr != nil {
			h.logger.Error("Failed to mark job after provider error", "job_id", j.JobID, "error", failErr)
		}
		return Decision{}, fmt.Errorf("query provider for export %s: %w", j.ExportID, err)
	}

	switch status.Status {
	case job.ProviderStatusReady:
		// An already-ready export still records the PROCESSING hop before
		// download fan-out.
		if _, err := h.store.UpdateStatus(ctx, j.JobID, job.StatusProcessing); err != nil {
			return Decision{}, fmt.Errorf("move job %s to processing: %w", j.JobID, err)
		}
		if _, err := h.store.UpdateStatus(ctx, j.JobID, job.StatusDownloading); err != nil {
			return Decision{}, fmt.Errorf("move job %s to downloading: %w", j.JobID, err)
		}
		if _, err := h.dispatcher.Dispatch(ctx, j.JobID, j.ExportID, status.DownloadURLs); err != nil {
			if failErr := h.failer.FailJob(ctx, j.JobID, "DispatchFailed", err.Error()); failErr != nil {
				h.logger.Error("Failed to mark job after dispatch failure", "job_id", j.JobID, "error", failErr)
			}
			return Decision{}, fmt.Errorf("dispatch job %s: %w", j.JobID, err)
		}
		return Decision{CanStartDownloading: true}, nil

	case job.ProviderStatusFailed, job.ProviderStatusExpired:
		cause := status.ErrorMessage
		if cause == "" {
			cause = fmt.Sprintf("export %s reported %s", j.ExportID, status.Status)
		}
		if err := h.failer.FailJob(ctx, j.JobID, "ExportFailed", cause); err != nil {
			return Decision{}, fmt.Errorf("fail job %s: %w", j.JobID, err)
		}
		return Decision{}, nil

	default:
		// PENDING, PROCESSING, or anything unknown: poll until resolved.
		if _, err := h.store.UpdateStatus(ctx, j.JobID, job.StatusPolling); err != nil {
			return Decision{}, fmt.Errorf("move job %s to polling: %w", j.JobID, err)
		}
		h.enroller.Enroll(ctx, j.JobID, j.ExportID, j.UserID)
		return Decision{NeedsPolling: true}, nil
	}
}
