// Package jobintake consumes export-job submissions from the EXPORT_JOBS
// queue, persists each job, and routes it to dispatch or polling based on
// the provider's current export status.
package jobintake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/exportd/queue"
)

// Component implements the job-intake processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	handler    *Handler
	logger     *slog.Logger

	consumer jetstream.Consumer

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	jobsAccepted   atomic.Int64
	jobsDuplicate  atomic.Int64
	jobsPoisoned   atomic.Int64
	jobsFailed     atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent creates a job-intake processor. The intake handler carries
// the domain collaborators, so it is injected rather than built from config.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies, handler *Handler) (*Component, error) {
	var config Config
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.Subject == "" {
		config.Subject = defaults.Subject
	}
	if config.FetchTimeout == 0 {
		config.FetchTimeout = defaults.FetchTimeout
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if handler == nil {
		return nil, fmt.Errorf("intake handler required")
	}

	return &Component{
		name:       "job-intake",
		config:     config,
		natsClient: deps.NATSClient,
		handler:    handler,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized job-intake",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subject", c.config.Subject)
	return nil
}

// Start begins consuming job submissions.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, queue.JobConsumerConfig(c.config.ConsumerName))
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	go c.consumeLoop(subCtx)

	c.logger.Info("job-intake started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subject", c.config.Subject)
	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeLoop continuously consumes messages from the JetStream consumer.
func (c *Component) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(c.config.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleSubmission(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// handleSubmission processes one job submission message.
func (c *Component) handleSubmission(ctx context.Context, msg jetstream.Msg) {
	c.updateLastActivity()

	payload, err := ParseJobMessage(msg.Data())
	if err != nil {
		// Poison message: redelivery cannot fix a bad payload.
		c.jobsPoisoned.Add(1)
		c.logger.Error("Dropping invalid job submission", "error", err)
		c.ack(msg)
		return
	}

	decision, err := c.handler.Handle(ctx, payload)
	switch {
	case err == nil:
		c.jobsAccepted.Add(1)
		c.logger.Info("Job submission processed",
			"job_id", payload.JobID,
			"needs_polling", decision.NeedsPolling,
			"downloading", decision.CanStartDownloading)
		c.ack(msg)
	case errors.Is(err, ErrDuplicateJob):
		c.jobsDuplicate.Add(1)
		c.ack(msg)
	default:
		c.jobsFailed.Add(1)
		c.logger.Error("Job submission failed, requesting redelivery",
			"job_id", payload.JobID,
			"error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			c.logger.Warn("Failed to NAK message", "error", nakErr)
		}
	}
}

func (c *Component) ack(msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}
}

// ParseJobMessage decodes a submission, accepting both BaseMessage-wrapped
// and raw JSON payloads.
func ParseJobMessage(data []byte) (*queue.ExportJobMessage, error) {
	var envelope struct {
		Payload queue.ExportJobMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Payload.JobID != "" {
		if err := envelope.Payload.Validate(); err != nil {
			return nil, fmt.Errorf("invalid job message: %w", err)
		}
		return &envelope.Payload, nil
	}

	var raw queue.ExportJobMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse job message: %w", err)
	}
	if err := raw.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job message: %w", err)
	}
	return &raw, nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.running = false
	c.logger.Info("job-intake stopped",
		"jobs_accepted", c.jobsAccepted.Load(),
		"jobs_duplicate", c.jobsDuplicate.Load(),
		"jobs_poisoned", c.jobsPoisoned.Load(),
		"jobs_failed", c.jobsFailed.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "job-intake",
		Type:        "processor",
		Description: "Consumes export job submissions and routes them to dispatch or polling",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return intakeSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.jobsFailed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
