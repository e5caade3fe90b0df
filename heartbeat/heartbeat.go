// Package heartbeat keeps the workflow engine's tasks alive while their jobs
// download. Failures are logged and never interrupt the loop.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/exportd/engine"
	"github.com/c360studio/exportd/job"
	"github.com/c360studio/exportd/store"
)

// DefaultInterval between heartbeat sweeps. The workflow engine's heartbeat
// timeout must be at least twice this so one missed tick does not end the
// task.
const DefaultInterval = 30 * time.Second

// Loop periodically heartbeats every DOWNLOADING job that carries a callback
// token.
type Loop struct {
	store    store.JobStore
	engine   engine.Engine
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures the Loop.
type Option func(*Loop)

// WithInterval overrides the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// New creates a heartbeat loop.
func New(jobStore store.JobStore, eng engine.Engine, opts ...Option) *Loop {
	l := &Loop{
		store:    jobStore,
		engine:   eng,
		interval: DefaultInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins the sweep loop.
func (l *Loop) Start(ctx context.Context) error {
	if l.done != nil {
		return fmt.Errorf("heartbeat loop already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(loopCtx)
	l.logger.Info("Heartbeat loop started", "interval", l.interval)
	return nil
}

// Stop halts the loop and waits for the current sweep to finish.
func (l *Loop) Stop() {
	if l.done == nil {
		return
	}
	l.cancel()
	<-l.done
	l.done = nil
	l.logger.Info("Heartbeat loop stopped")
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(ctx)
		}
	}
}

// Sweep sends one heartbeat per downloading job with a callback token.
func (l *Loop) Sweep(ctx context.Context) {
	jobs, err := l.store.FindByStatus(ctx, job.StatusDownloading, 0)
	if err != nil {
		l.logger.Error("Heartbeat sweep failed to list jobs", "error", err)
		return
	}

	sent := 0
	for _, j := range jobs {
		if j.CallbackToken == "" {
			continue
		}
		if err := l.engine.SendTaskHeartbeat(ctx, j.CallbackToken); err != nil {
			if errors.Is(err, engine.ErrTokenNotFound) {
				// The workflow no longer tracks the task. The completion
				// path detects its own terminal state; nothing to change.
				l.logger.Warn("Heartbeat token stale", "job_id", j.JobID)
			} else {
				l.logger.Error("Heartbeat failed", "job_id", j.JobID, "error", err)
			}
			continue
		}
		sent++
	}

	l.logger.Debug("Heartbeat sweep complete", "downloading_jobs", len(jobs), "heartbeats_sent", sent)
}
