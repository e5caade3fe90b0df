// Package queue defines the boundary message schemas and JetStream plumbing
// for the two work queues: job submissions and overflow download tasks.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/message"
	"github.com/google/uuid"
)

// Message types for queue payloads.
var (
	ExportJobType = message.Type{
		Domain:   "export",
		Category: "job",
		Version:  "v1",
	}
	DownloadTaskType = message.Type{
		Domain:   "export",
		Category: "task",
		Version:  "v1",
	}
)

// ExportJobMessage is the intake payload submitted by the workflow engine.
type ExportJobMessage struct {
	JobID         string         `json:"job_id"`
	ExportID      string         `json:"export_id"`
	UserID        string         `json:"user_id"`
	CallbackToken string         `json:"callback_token,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	// Optional per-job polling overrides. Zero means use the defaults.
	MaxPollingAttempts int `json:"max_polling_attempts,omitempty"`
	PollingIntervalMs  int `json:"polling_interval_ms,omitempty"`
}

// Schema returns the message type for this payload.
func (m *ExportJobMessage) Schema() message.Type {
	return ExportJobType
}

// Validate validates the payload.
func (m *ExportJobMessage) Validate() error {
	if m.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if _, err := uuid.Parse(m.JobID); err != nil {
		return fmt.Errorf("job_id must be a UUID: %w", err)
	}
	if m.ExportID == "" {
		return fmt.Errorf("export_id is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if m.MaxPollingAttempts < 0 {
		return fmt.Errorf("max_polling_attempts cannot be negative")
	}
	if m.PollingIntervalMs < 0 {
		return fmt.Errorf("polling_interval_ms cannot be negative")
	}
	return nil
}

// MarshalJSON marshals the payload to JSON.
func (m *ExportJobMessage) MarshalJSON() ([]byte, error) {
	type Alias ExportJobMessage
	return json.Marshal((*Alias)(m))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (m *ExportJobMessage) UnmarshalJSON(data []byte) error {
	type Alias ExportJobMessage
	return json.Unmarshal(data, (*Alias)(m))
}

// DownloadTaskMessage is one overflowed download task. It carries everything
// a consumer needs to run the transfer without loading the job first.
type DownloadTaskMessage struct {
	TaskID            string         `json:"task_id"`
	JobID             string         `json:"job_id"`
	ExportID          string         `json:"export_id,omitempty"`
	DownloadURL       string         `json:"download_url"`
	FileName          string         `json:"file_name"`
	OutputKey         string         `json:"output_key"`
	ExpectedFileSize  int64          `json:"expected_file_size,omitempty"`
	ExpectedChecksum  string         `json:"expected_checksum,omitempty"`
	ChecksumAlgorithm string         `json:"checksum_algorithm,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Schema returns the message type for this payload.
func (m *DownloadTaskMessage) Schema() message.Type {
	return DownloadTaskType
}

// Validate validates the payload.
func (m *DownloadTaskMessage) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if m.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if m.DownloadURL == "" {
		return fmt.Errorf("download_url is required")
	}
	if m.FileName == "" {
		return fmt.Errorf("file_name is required")
	}
	if m.OutputKey == "" {
		return fmt.Errorf("output_key is required")
	}
	if m.ExpectedChecksum != "" && m.ChecksumAlgorithm == "" {
		return fmt.Errorf("checksum_algorithm is required when expected_checksum is set")
	}
	return nil
}

// MarshalJSON marshals the payload to JSON.
func (m *DownloadTaskMessage) MarshalJSON() ([]byte, error) {
	type Alias DownloadTaskMessage
	return json.Marshal((*Alias)(m))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (m *DownloadTaskMessage) UnmarshalJSON(data []byte) error {
	type Alias DownloadTaskMessage
	return json.Unmarshal(data, (*Alias)(m))
}
