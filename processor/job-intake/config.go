package jobintake

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/exportd/queue"
)

// intakeSchema defines the configuration schema.
var intakeSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the job-intake component.
type Config struct {
	// StreamName is the JetStream stream to consume job submissions from.
	StreamName string `json:"stream_name"`

	// ConsumerName is the durable consumer name.
	ConsumerName string `json:"consumer_name"`

	// Subject filters messages within the stream.
	Subject string `json:"subject"`

	// FetchTimeout bounds one consumer fetch.
	FetchTimeout time.Duration `json:"fetch_timeout"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:   queue.JobStream,
		ConsumerName: "export-job-intake",
		Subject:      queue.JobSubject,
		FetchTimeout: 5 * time.Second,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "job-submissions",
					Type:        "jetstream",
					Subject:     queue.JobSubject,
					StreamName:  queue.JobStream,
					Description: "Export job submissions from the workflow engine",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "job-events",
					Type:        "jetstream",
					Subject:     "export.event.>",
					StreamName:  queue.EventStream,
					Description: "Job lifecycle events",
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
	return nil
}
