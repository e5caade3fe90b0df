package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Stream and subject names for the two work queues and the event stream.
const (
	JobStream  = "EXPORT_JOBS"
	JobSubject = "export.job.submit"

	OverflowStream  = "DOWNLOAD_OVERFLOW"
	OverflowSubject = "export.task.overflow"

	EventStream         = "EXPORT_EVENTS"
	EventSubjectPattern = "export.event.>"
)

// MaxTaskDeliveries bounds redeliveries of an overflow task. A task that
// fails delivery this many times is acknowledged and recorded as failed.
const MaxTaskDeliveries = 3

// EnsureStreams creates the work and event streams if they do not exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	streams := []jetstream.StreamConfig{
		{
			Name:        JobStream,
			Description: "Export job submissions",
			Subjects:    []string{JobSubject},
			Retention:   jetstream.WorkQueuePolicy,
			Storage:     jetstream.FileStorage,
			MaxAge:      7 * 24 * time.Hour,
		},
		{
			Name:        OverflowStream,
			Description: "Download tasks awaiting a pool slot",
			Subjects:    []string{OverflowSubject},
			Retention:   jetstream.WorkQueuePolicy,
			Storage:     jetstream.FileStorage,
			MaxAge:      7 * 24 * time.Hour,
		},
		{
			Name:        EventStream,
			Description: "Job lifecycle events",
			Subjects:    []string{EventSubjectPattern},
			Retention:   jetstream.LimitsPolicy,
			Storage:     jetstream.FileStorage,
			MaxAge:      24 * time.Hour,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
		logger.Debug("JetStream stream ready", "stream", cfg.Name, "subjects", cfg.Subjects)
	}
	return nil
}

// JobConsumerConfig returns the durable consumer config for the intake queue.
// AckWait covers one provider round-trip plus persistence.
func JobConsumerConfig(durable string) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: JobSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       2 * time.Minute,
		MaxDeliver:    MaxTaskDeliveries,
	}
}

// OverflowConsumerConfig returns the durable consumer config for the overflow
// queue. AckWait must outlast one full transfer; MaxDeliver is one above the
// consumer's own redelivery cutoff so the final failure is recorded by the
// consumer, not silently dropped by the broker.
func OverflowConsumerConfig(durable string, transferTimeout time.Duration) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: OverflowSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       transferTimeout + time.Minute,
		MaxDeliver:    MaxTaskDeliveries + 1,
	}
}
