package overflowconsumer

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/exportd/queue"
)

// overflowSchema defines the configuration schema.
var overflowSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the overflow-consumer component.
type Config struct {
	// StreamName is the JetStream stream holding overflowed tasks.
	StreamName string `json:"stream_name"`

	// ConsumerName is the durable consumer name.
	ConsumerName string `json:"consumer_name"`

	// Subject filters messages within the stream.
	Subject string `json:"subject"`

	// FetchTimeout bounds one consumer fetch.
	FetchTimeout time.Duration `json:"fetch_timeout"`

	// Backoff is how long to wait before re-checking a saturated pool.
	Backoff time.Duration `json:"backoff"`

	// TransferTimeout bounds one streaming transfer and sizes the
	// consumer's ack wait.
	TransferTimeout time.Duration `json:"transfer_timeout"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:      queue.OverflowStream,
		ConsumerName:    "overflow-consumer",
		Subject:         queue.OverflowSubject,
		FetchTimeout:    5 * time.Second,
		Backoff:         time.Second,
		TransferTimeout: 5 * time.Minute,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "overflow-tasks",
					Type:        "jetstream",
					Subject:     queue.OverflowSubject,
					StreamName:  queue.OverflowStream,
					Description: "Download tasks that exceeded the worker pool capacity",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "job-events",
					Type:        "jetstream",
					Subject:     "export.event.>",
					StreamName:  queue.EventStream,
					Description: "Task outcome events",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch_timeout must be positive")
	}
	if c.Backoff <= 0 {
		return fmt.Errorf("backoff must be positive")
	}
	if c.TransferTimeout <= 0 {
		return fmt.Errorf("transfer_timeout must be positive")
	}
	return nil
}
