// Package job models an export job as an immutable value. Every mutator
// returns a fresh copy; persistence and atomicity are the repository's
// concern. The transition rules here are the single source of truth for the
// job lifecycle, so every store implementation funnels its updates through
// these methods.
package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Polling defaults applied when a job message does not override them.
const (
	DefaultMaxPollingAttempts = 120
	DefaultPollingIntervalMs  = 5000
)

// Job is one user export request tracked end-to-end by the service.
type Job struct {
	JobID    string `json:"job_id"`
	ExportID string `json:"export_id"`
	UserID   string `json:"user_id"`

	Status Status `json:"status"`

	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ErrorMessage is set whenever Status is FAILED.
	ErrorMessage string `json:"error_message,omitempty"`

	// CallbackToken is the opaque workflow-engine token. Jobs without a
	// token still run to completion; they just never produce callbacks or
	// heartbeats.
	CallbackToken string `json:"callback_token,omitempty"`

	// Metadata is passed through unchanged from the intake message.
	Metadata map[string]any `json:"metadata,omitempty"`

	MaxPollingAttempts int `json:"max_polling_attempts"`
	PollingIntervalMs  int `json:"polling_interval_ms"`

	Tasks []Task `json:"tasks,omitempty"`
}

// Option configures optional fields at construction time.
type Option func(*Job)

// WithCallbackToken sets the workflow-engine callback token.
func WithCallbackToken(token string) Option {
	return func(j *Job) { j.CallbackToken = token }
}

// WithMetadata attaches opaque pass-through metadata.
func WithMetadata(md map[string]any) Option {
	return func(j *Job) { j.Metadata = md }
}

// WithPollingLimits overrides the polling contract for this job.
func WithPollingLimits(maxAttempts, intervalMs int) Option {
	return func(j *Job) {
		j.MaxPollingAttempts = maxAttempts
		j.PollingIntervalMs = intervalMs
	}
}

// New constructs a PENDING job and validates its identifiers.
func New(jobID, exportID, userID string, opts ...Option) (Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return Job{}, &ValidationError{Field: "job_id", Reason: "must be a UUID"}
	}
	if exportID == "" {
		return Job{}, &ValidationError{Field: "export_id", Reason: "must not be empty"}
	}
	if userID == "" {
		return Job{}, &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}

	now := time.Now().UTC()
	j := Job{
		JobID:              jobID,
		ExportID:           exportID,
		UserID:             userID,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
		MaxPollingAttempts: DefaultMaxPollingAttempts,
		PollingIntervalMs:  DefaultPollingIntervalMs,
	}
	for _, opt := range opts {
		opt(&j)
	}

	if j.MaxPollingAttempts <= 0 {
		return Job{}, &ValidationError{Field: "max_polling_attempts", Reason: "must be positive"}
	}
	if j.PollingIntervalMs <= 0 {
		return Job{}, &ValidationError{Field: "polling_interval_ms", Reason: "must be positive"}
	}
	return j, nil
}

// PendingTasks returns the number of tasks with no recorded outcome yet.
func (j Job) PendingTasks() int {
	return j.TotalTasks - j.CompletedTasks - j.FailedTasks
}

// ProgressPercentage returns the share of accounted tasks, 0–100.
func (j Job) ProgressPercentage() float64 {
	total := j.TotalTasks
	if total < 1 {
		total = 1
	}
	return 100 * float64(j.CompletedTasks+j.FailedTasks) / float64(total)
}

// IsTerminal reports whether the job permits no further mutation.
func (j Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Duration returns the wall time from creation to completion, or to now if
// the job is still active.
func (j Job) Duration() time.Duration {
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(j.CreatedAt)
	}
	return time.Since(j.CreatedAt)
}

// TransitionTo moves the job to a non-terminal working status
// (PROCESSING, POLLING or DOWNLOADING). Use Complete or Fail for terminal
// moves so their extra invariants are enforced.
func (j Job) TransitionTo(next Status) (Job, error) {
	if j.IsTerminal() {
		return Job{}, fmt.Errorf("%w: %s cannot move to %s", ErrTerminalState, j.Status, next)
	}
	if next.IsTerminal() {
		return Job{}, fmt.Errorf("%w: use Complete or Fail for terminal transitions", ErrInvalidTransition)
	}
	if !j.Status.CanTransitionTo(next) {
		return Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	out := j
	out.Status = next
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

// Complete moves the job to COMPLETED. All tasks must be accounted for and
// the job must have at least one task; an export that produced zero
// artifacts is completed explicitly by the dispatcher instead.
func (j Job) Complete() (Job, error) {
	if j.Status == StatusCompleted {
		return j, nil
	}
	if j.IsTerminal() {
		return Job{}, fmt.Errorf("%w: %s cannot complete", ErrTerminalState, j.Status)
	}
	if !j.Status.CanTransitionTo(StatusCompleted) {
		return Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusCompleted)
	}
	if j.TotalTasks <= 0 {
		return Job{}, fmt.Errorf("%w: cannot complete with no tasks", ErrInvalidTransition)
	}
	if j.CompletedTasks+j.FailedTasks < j.TotalTasks {
		return Job{}, fmt.Errorf("%w: %d of %d tasks accounted for",
			ErrInvalidTransition, j.CompletedTasks+j.FailedTasks, j.TotalTasks)
	}
	now := time.Now().UTC()
	out := j
	out.Status = StatusCompleted
	out.UpdatedAt = now
	out.CompletedAt = &now
	return out, nil
}

// CompleteEmpty moves a job with zero tasks straight to COMPLETED. This is
// the explicit empty-success path taken when the provider returns READY with
// no artifacts.
func (j Job) CompleteEmpty() (Job, error) {
	if j.Status == StatusCompleted {
		return j, nil
	}
	if j.IsTerminal() {
		return Job{}, fmt.Errorf("%w: %s cannot complete", ErrTerminalState, j.Status)
	}
	if j.TotalTasks != 0 {
		return Job{}, fmt.Errorf("%w: job has %d tasks", ErrInvalidTransition, j.TotalTasks)
	}
	now := time.Now().UTC()
	out := j
	out.Status = StatusCompleted
	out.UpdatedAt = now
	out.CompletedAt = &now
	return out, nil
}

// Fail moves the job to FAILED with a mandatory error message. Failing an
// already-failed job is a no-op so repeated failure paths stay idempotent.
func (j Job) Fail(message string) (Job, error) {
	if j.Status == StatusFailed {
		return j, nil
	}
	if j.IsTerminal() {
		return Job{}, fmt.Errorf("%w: %s cannot fail", ErrTerminalState, j.Status)
	}
	if message == "" {
		return Job{}, &ValidationError{Field: "error_message", Reason: "must not be empty on failure"}
	}
	now := time.Now().UTC()
	out := j
	out.Status = StatusFailed
	out.ErrorMessage = message
	out.UpdatedAt = now
	out.CompletedAt = &now
	return out, nil
}

// SetTotalTasks fixes the task denominator. It must be called before any
// counter increment and may not shrink below already-recorded outcomes.
func (j Job) SetTotalTasks(n int) (Job, error) {
	if j.IsTerminal() {
		return Job{}, fmt.Errorf("%w: cannot set total tasks", ErrTerminalState)
	}
	if n < 0 {
		return Job{}, &ValidationError{Field: "total_tasks", Reason: "must not be negative"}
	}
	if n < j.CompletedTasks+j.FailedTasks {
		return Job{}, fmt.Errorf("%w: total %d below %d recorded outcomes",
			ErrInvalidTransition, n, j.CompletedTasks+j.FailedTasks)
	}
	out := j
	out.TotalTasks = n
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

// IncrementCompleted records one successful task outcome.
func (j Job) IncrementCompleted() (Job, error) {
	if err := j.checkCounterRoom(); err != nil {
		return Job{}, err
	}
	out := j
	out.CompletedTasks++
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

// IncrementFailed records one failed task outcome. A non-empty errMessage
// is kept on the job for diagnostics without changing the status.
func (j Job) IncrementFailed(errMessage string) (Job, error) {
	if err := j.checkCounterRoom(); err != nil {
		return Job{}, err
	}
	out := j
	out.FailedTasks++
	if errMessage != "" {
		out.ErrorMessage = errMessage
	}
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

func (j Job) checkCounterRoom() error {
	if j.IsTerminal() {
		return fmt.Errorf("%w: cannot record task outcome", ErrTerminalState)
	}
	if j.CompletedTasks+j.FailedTasks >= j.TotalTasks {
		return fmt.Errorf("%w: all %d tasks already accounted for", ErrInvalidTransition, j.TotalTasks)
	}
	return nil
}

// AttachTasks records the job's task set. Every task must carry this job's
// ID; tasks belonging to other jobs are rejected.
func (j Job) AttachTasks(tasks []Task) (Job, error) {
	if j.IsTerminal() {
		return Job{}, fmt.Errorf("%w: cannot attach tasks", ErrTerminalState)
	}
	for i := range tasks {
		if tasks[i].JobID != j.JobID {
			return Job{}, fmt.Errorf("%w: task %s belongs to job %s",
				ErrInvalidTransition, tasks[i].TaskID, tasks[i].JobID)
		}
	}
	out := j
	out.Tasks = append([]Task(nil), tasks...)
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

// Validate re-checks the cross-field invariants. Store implementations call
// this after every mutation as a guard against corruption.
func (j Job) Validate() error {
	if j.TotalTasks < 0 || j.CompletedTasks < 0 || j.FailedTasks < 0 {
		return fmt.Errorf("%w: negative task counter", ErrInvalidTransition)
	}
	if j.CompletedTasks+j.FailedTasks > j.TotalTasks {
		return fmt.Errorf("%w: %d outcomes exceed %d total",
			ErrInvalidTransition, j.CompletedTasks+j.FailedTasks, j.TotalTasks)
	}
	if j.Status == StatusFailed && j.ErrorMessage == "" {
		return fmt.Errorf("%w: FAILED without error message", ErrInvalidTransition)
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, j.Status)
	}
	return nil
}
