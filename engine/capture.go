package engine

import (
	"context"
	"sync"
)

// Capture is an in-memory Engine recording every call, for tests.
type Capture struct {
	mu         sync.Mutex
	successes  []CapturedSuccess
	failures   []CapturedFailure
	heartbeats []string

	// HeartbeatErr, when set, is returned by SendTaskHeartbeat.
	HeartbeatErr error
	// CallbackErr, when set, is returned by both terminal callbacks.
	CallbackErr error
}

// CapturedSuccess is one recorded success callback.
type CapturedSuccess struct {
	Token   string
	Payload SuccessPayload
}

// CapturedFailure is one recorded failure callback.
type CapturedFailure struct {
	Token   string
	Payload FailurePayload
}

var _ Engine = (*Capture)(nil)

// NewCapture returns an empty capturing engine.
func NewCapture() *Capture {
	return &Capture{}
}

// SendTaskSuccess records the call.
func (c *Capture) SendTaskSuccess(_ context.Context, token string, payload SuccessPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CallbackErr != nil {
		return c.CallbackErr
	}
	c.successes = append(c.successes, CapturedSuccess{Token: token, Payload: payload})
	return nil
}

// SendTaskFailure records the call.
func (c *Capture) SendTaskFailure(_ context.Context, token string, payload FailurePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CallbackErr != nil {
		return c.CallbackErr
	}
	c.failures = append(c.failures, CapturedFailure{Token: token, Payload: payload})
	return nil
}

// SendTaskHeartbeat records the call.
func (c *Capture) SendTaskHeartbeat(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HeartbeatErr != nil {
		return c.HeartbeatErr
	}
	c.heartbeats = append(c.heartbeats, token)
	return nil
}

// Successes returns the recorded success callbacks.
func (c *Capture) Successes() []CapturedSuccess {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CapturedSuccess(nil), c.successes...)
}

// Failures returns the recorded failure callbacks.
func (c *Capture) Failures() []CapturedFailure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CapturedFailure(nil), c.failures...)
}

// Heartbeats returns the recorded heartbeat tokens.
func (c *Capture) Heartbeats() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.heartbeats...)
}
