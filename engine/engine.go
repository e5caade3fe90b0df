// Package engine is the workflow-engine callback surface. The parent
// workflow hands each job an opaque callback token; the service reports
// liveness through heartbeats and finishes the workflow task with exactly
// one success or failure callback.
package engine

import (
	"context"
	"errors"
	"time"
)

// ErrTokenNotFound indicates the workflow engine no longer knows the token,
// typically because the workflow task timed out or was reconciled away.
var ErrTokenNotFound = errors.New("workflow task token not found")

// SuccessPayload is the terminal output reported for a finished job. A job
// with failed tasks still reports success; the failed count travels in the
// payload.
type SuccessPayload struct {
	JobID          string    `json:"job_id"`
	ExportID       string    `json:"export_id"`
	UserID         string    `json:"user_id"`
	Status         string    `json:"status"`
	TotalTasks     int       `json:"total_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	FailedTasks    int       `json:"failed_tasks"`
	Outputs        []string  `json:"outputs,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
	DurationMs     int64     `json:"duration_ms"`
}

// Counters mirrors the job's task counters in a failure callback.
type Counters struct {
	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
}

// FailurePayload describes a job that could not run to completion.
type FailurePayload struct {
	Error    string    `json:"error"`
	Cause    string    `json:"cause"`
	JobID    string    `json:"job_id,omitempty"`
	ExportID string    `json:"export_id,omitempty"`
	Counters *Counters `json:"counters,omitempty"`
}

// Engine is the workflow-engine client surface the core consumes.
type Engine interface {
	// SendTaskSuccess finishes the workflow task successfully.
	SendTaskSuccess(ctx context.Context, token string, payload SuccessPayload) error

	// SendTaskFailure finishes the workflow task with an error.
	SendTaskFailure(ctx context.Context, token string, payload FailurePayload) error

	// SendTaskHeartbeat signals the workflow task is still alive.
	SendTaskHeartbeat(ctx context.Context, token string) error
}
