package events

import (
	"context"
	"sync"
	"time"
)

// Capture is an in-memory Publisher recording every event, for tests.
type Capture struct {
	mu     sync.Mutex
	events []JobEvent
}

var _ Publisher = (*Capture)(nil)

// NewCapture returns an empty capturing publisher.
func NewCapture() *Capture {
	return &Capture{}
}

func (c *Capture) record(event JobEvent) {
	event.Timestamp = time.Now().UTC()
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

// JobCreated records the event.
func (c *Capture) JobCreated(_ context.Context, jobID, exportID string) {
	c.record(JobEvent{Kind: KindJobCreated, JobID: jobID, ExportID: exportID})
}

// JobCompleted records the event.
func (c *Capture) JobCompleted(_ context.Context, jobID string) {
	c.record(JobEvent{Kind: KindJobCompleted, JobID: jobID})
}

// JobFailed records the event.
func (c *Capture) JobFailed(_ context.Context, jobID, errMsg string) {
	c.record(JobEvent{Kind: KindJobFailed, JobID: jobID, Error: errMsg})
}

// TaskCompleted records the event.
func (c *Capture) TaskCompleted(_ context.Context, jobID, taskID string) {
	c.record(JobEvent{Kind: KindTaskCompleted, JobID: jobID, TaskID: taskID})
}

// TaskFailed records the event.
func (c *Capture) TaskFailed(_ context.Context, jobID, taskID, errMsg string) {
	c.record(JobEvent{Kind: KindTaskFailed, JobID: jobID, TaskID: taskID, Error: errMsg})
}

// Events returns all recorded events.
func (c *Capture) Events() []JobEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]JobEvent(nil), c.events...)
}

// OfKind returns recorded events of one kind.
func (c *Capture) OfKind(kind string) []JobEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []JobEvent
	for _, e := range c.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
