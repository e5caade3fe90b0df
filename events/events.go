// Package events publishes job lifecycle events for downstream observers.
// Publishing is best-effort: a failed publish is logged and never fails the
// operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
)

// Event kinds.
const (
	KindJobCreated    = "job_created"
	KindJobCompleted  = "job_completed"
	KindJobFailed     = "job_failed"
	KindTaskCompleted = "task_completed"
	KindTaskFailed    = "task_failed"
)

// JobEventType is the message type for job lifecycle events.
var JobEventType = message.Type{
	Domain:   "export",
	Category: "event",
	Version:  "v1",
}

// JobEvent is the payload carried by every lifecycle event.
type JobEvent struct {
	Kind      string    `json:"kind"`
	JobID     string    `json:"job_id"`
	ExportID  string    `json:"export_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Schema returns the message type for this payload.
func (e *JobEvent) Schema() message.Type {
	return JobEventType
}

// Validate validates the event.
func (e *JobEvent) Validate() error {
	if e.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if e.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	return nil
}

// MarshalJSON marshals the event to JSON.
func (e *JobEvent) MarshalJSON() ([]byte, error) {
	type Alias JobEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON unmarshals the event from JSON.
func (e *JobEvent) UnmarshalJSON(data []byte) error {
	type Alias JobEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// Publisher emits job lifecycle events.
type Publisher interface {
	// JobCreated reports a new job entering the system.
	JobCreated(ctx context.Context, jobID, exportID string)

	// JobCompleted reports a job reaching COMPLETED.
	JobCompleted(ctx context.Context, jobID string)

	// JobFailed reports a job reaching FAILED.
	JobFailed(ctx context.Context, jobID, errMsg string)

	// TaskCompleted reports one download task finishing successfully.
	TaskCompleted(ctx context.Context, jobID, taskID string)

	// TaskFailed reports one download task failing permanently.
	TaskFailed(ctx context.Context, jobID, taskID, errMsg string)
}
