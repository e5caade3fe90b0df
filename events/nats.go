package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
)

// SubjectPrefix is the root of the event subject space. Events publish to
// export.event.<kind>.<jobId>.
const SubjectPrefix = "export.event"

// NATSPublisher publishes lifecycle events to JetStream.
type NATSPublisher struct {
	nc     *natsclient.Client
	source string
	logger *slog.Logger
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher creates an event publisher. source names the emitting
// component in the message envelope.
func NewNATSPublisher(nc *natsclient.Client, source string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{nc: nc, source: source, logger: logger}
}

func (p *NATSPublisher) publish(ctx context.Context, event JobEvent) {
	event.Timestamp = time.Now().UTC()
	if err := event.Validate(); err != nil {
		p.logger.Warn("Dropping invalid event", "kind", event.Kind, "error", err)
		return
	}

	baseMsg := message.NewBaseMessage(JobEventType, &event, p.source)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		p.logger.Warn("Failed to marshal event", "kind", event.Kind, "job_id", event.JobID, "error", err)
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", SubjectPrefix, event.Kind, event.JobID)
	if err := p.nc.PublishToStream(ctx, subject, data); err != nil {
		p.logger.Warn("Failed to publish event",
			"subject", subject,
			"job_id", event.JobID,
			"error", err)
	}
}

// JobCreated reports a new job entering the system.
func (p *NATSPublisher) JobCreated(ctx context.Context, jobID, exportID string) {
	p.publish(ctx, JobEvent{Kind: KindJobCreated, JobID: jobID, ExportID: exportID})
}

// JobCompleted reports a job reaching COMPLETED.
func (p *NATSPublisher) JobCompleted(ctx context.Context, jobID string) {
	p.publish(ctx, JobEvent{Kind: KindJobCompleted, JobID: jobID})
}

// JobFailed reports a job reaching FAILED.
func (p *NATSPublisher) JobFailed(ctx context.Context, jobID, errMsg string) {
	p.publish(ctx, JobEvent{Kind: KindJobFailed, JobID: jobID, Error: errMsg})
}

// TaskCompleted reports one download task finishing successfully.
func (p *NATSPublisher) TaskCompleted(ctx context.Context, jobID, taskID string) {
	p.publish(ctx, JobEvent{Kind: KindTaskCompleted, JobID: jobID, TaskID: taskID})
}

// TaskFailed reports one download task failing permanently.
func (p *NATSPublisher) TaskFailed(ctx context.Context, jobID, taskID, errMsg string) {
	p.publish(ctx, JobEvent{Kind: KindTaskFailed, JobID: jobID, TaskID: taskID, Error: errMsg})
}
