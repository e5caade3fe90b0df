package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/natsclient"
)

// Subjects the workflow engine listens on. The token is the subject suffix,
// so the engine's consumer can correlate results without parsing payloads.
const (
	callbackSubjectPrefix  = "workflow.callback."
	heartbeatSubjectPrefix = "workflow.heartbeat."
)

// Callback result statuses.
const (
	statusSuccess = "success"
	statusFailed  = "failed"
)

// DefaultCallbackTimeout bounds one callback publish.
const DefaultCallbackTimeout = 10 * time.Second

// asyncResult is the envelope the workflow engine expects on the callback
// subject.
type asyncResult struct {
	Token  string          `json:"token"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NATSEngine reports workflow results over JetStream. Terminal callbacks go
// through JetStream publish so they are acknowledged by the broker before we
// consider the job reported; heartbeats are fire-and-forget core publishes.
type NATSEngine struct {
	nc      *natsclient.Client
	timeout time.Duration
	logger  *slog.Logger
}

var _ Engine = (*NATSEngine)(nil)

// NATSOption configures the engine client.
type NATSOption func(*NATSEngine)

// WithCallbackTimeout overrides the per-callback timeout.
func WithCallbackTimeout(d time.Duration) NATSOption {
	return func(e *NATSEngine) { e.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) NATSOption {
	return func(e *NATSEngine) { e.logger = logger }
}

// NewNATSEngine creates a workflow-engine client over the given NATS client.
func NewNATSEngine(nc *natsclient.Client, opts ...NATSOption) *NATSEngine {
	e := &NATSEngine{
		nc:      nc,
		timeout: DefaultCallbackTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SendTaskSuccess finishes the workflow task successfully.
func (e *NATSEngine) SendTaskSuccess(ctx context.Context, token string, payload SuccessPayload) error {
	output, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal success payload: %w", err)
	}
	return e.publishResult(ctx, token, asyncResult{
		Token:  token,
		Status: statusSuccess,
		Output: output,
	})
}

// SendTaskFailure finishes the workflow task with an error.
func (e *NATSEngine) SendTaskFailure(ctx context.Context, token string, payload FailurePayload) error {
	output, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal failure payload: %w", err)
	}
	return e.publishResult(ctx, token, asyncResult{
		Token:  token,
		Status: statusFailed,
		Output: output,
		Error:  payload.Error,
	})
}

func (e *NATSEngine) publishResult(ctx context.Context, token string, result asyncResult) error {
	if token == "" {
		return fmt.Errorf("callback token is empty")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal callback result: %w", err)
	}

	js, err := e.nc.JetStream()
	if err != nil {
		return fmt.Errorf("get jetstream for callback: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	subject := callbackSubjectPrefix + token
	if _, err := js.Publish(pubCtx, subject, data); err != nil {
		return fmt.Errorf("publish callback to %s: %w", subject, err)
	}
	e.logger.Debug("Workflow callback published", "subject", subject, "status", result.Status)
	return nil
}

// SendTaskHeartbeat signals the workflow task is still alive.
func (e *NATSEngine) SendTaskHeartbeat(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("callback token is empty")
	}
	payload, err := json.Marshal(map[string]any{
		"token": token,
		"at":    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := e.nc.Publish(ctx, heartbeatSubjectPrefix+token, payload); err != nil {
		return fmt.Errorf("publish heartbeat for token %s: %w", token, err)
	}
	return nil
}
