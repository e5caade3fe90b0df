// Package overflowconsumer drains the DOWNLOAD_OVERFLOW queue. Tasks that
// the dispatcher could not place in the worker pool land here; the consumer
// feeds them back into the pool as capacity frees up, pacing fetches so the
// queue itself provides the backpressure.
package overflowconsumer

import (
	"context"
	"encoding/json"
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

// Component implements the overflow-consumer processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	worker     *Worker
	logger     *slog.Logger

	consumer jetstream.Consumer

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	tasksCompleted atomic.Int64
	tasksRetried   atomic.Int64
	tasksPoisoned  atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent creates an overflow-consumer processor. The worker carries the
// pool and transfer collaborators, so it is injected rather than built from
// config.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies, worker *Worker) (*Component, error) {
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
	if config.Backoff == 0 {
		config.Backoff = defaults.Backoff
	}
	if config.TransferTimeout == 0 {
		config.TransferTimeout = defaults.TransferTimeout
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if worker == nil {
		return nil, fmt.Errorf("overflow worker required")
	}

	return &Component{
		name:       "overflow-consumer",
		config:     config,
		natsClient: deps.NATSClient,
		worker:     worker,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized overflow-consumer",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"backoff", c.config.Backoff)
	return nil
}

// Start begins draining the overflow queue.
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

	consumer, err := stream.CreateOrUpdateConsumer(subCtx,
		queue.OverflowConsumerConfig(c.config.ConsumerName, c.config.TransferTimeout))
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	go c.consumeLoop(subCtx)

	c.logger.Info("overflow-consumer started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName)
	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeLoop fetches overflowed tasks one at a time, only when the pool can
// take another task.
func (c *Component) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !c.worker.Ready() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.config.Backoff):
			}
			continue
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
			c.handleTask(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// handleTask processes one overflowed download task message.
func (c *Component) handleTask(ctx context.Context, msg jetstream.Msg) {
	c.updateLastActivity()

	payload, err := ParseTaskMessage(msg.Data())
	if err != nil {
		// Poison message: redelivery cannot fix a bad payload.
		c.tasksPoisoned.Add(1)
		c.logger.Error("Dropping invalid overflow task", "error", err)
		c.ack(msg)
		return
	}

	deliveries := uint64(1)
	if meta, metaErr := msg.Metadata(); metaErr == nil {
		deliveries = meta.NumDelivered
	}

	taskCtx, cancel := context.WithTimeout(ctx, c.config.TransferTimeout)
	action := c.worker.Process(taskCtx, payload, deliveries)
	cancel()

	switch action {
	case AckDone:
		c.tasksCompleted.Add(1)
		c.ack(msg)
	case AckRetry:
		c.tasksRetried.Add(1)
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

// ParseTaskMessage decodes an overflowed task, accepting both
// BaseMessage-wrapped and raw JSON payloads.
func ParseTaskMessage(data []byte) (*queue.DownloadTaskMessage, error) {
	var envelope struct {
		Payload queue.DownloadTaskMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Payload.TaskID != "" {
		if err := envelope.Payload.Validate(); err != nil {
			return nil, fmt.Errorf("invalid task message: %w", err)
		}
		return &envelope.Payload, nil
	}

	var raw queue.DownloadTaskMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse task message: %w", err)
	}
	if err := raw.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task message: %w", err)
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
	c.logger.Info("overflow-consumer stopped",
		"tasks_completed", c.tasksCompleted.Load(),
		"tasks_retried", c.tasksRetried.Load(),
		"tasks_poisoned", c.tasksPoisoned.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "overflow-consumer",
		Type:        "processor",
		Description: "Feeds overflowed download tasks back into the worker pool",
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
	return overflowSchema
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
		ErrorCount: int(c.tasksPoisoned.Load()),
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
