package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
)

// DefaultTimeout bounds each status request to the provider.
const DefaultTimeout = 30 * time.Second

// HTTPClient is the HTTP implementation of Provider. Transient failures
// (5xx, network errors) are retried; 4xx responses are surfaced immediately.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

var _ Provider = (*HTTPClient)(nil)

// HTTPOption configures the client.
type HTTPOption func(*HTTPClient)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.client.Timeout = d }
}

// WithAPIKey sets the bearer token sent on every request.
func WithAPIKey(key string) HTTPOption {
	return func(c *HTTPClient) { c.apiKey = key }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(c *HTTPClient) { c.logger = logger }
}

// NewHTTPClient creates a provider client for the given base URL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartExport begins preparing an export and returns its ID.
func (c *HTTPClient) StartExport(ctx context.Context, req StartExportRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal start request: %w", err)
	}

	var out struct {
		ExportID string `json:"export_id"`
	}
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		return c.do(ctx, http.MethodPost, "/exports", bytes.NewReader(body), &out)
	})
	if err != nil {
		return "", fmt.Errorf("start export: %w", err)
	}
	if out.ExportID == "" {
		return "", fmt.Errorf("start export: provider returned no export id")
	}
	return out.ExportID, nil
}

// GetExportStatus fetches the current status of an export.
func (c *HTTPClient) GetExportStatus(ctx context.Context, exportID string) (*ExportStatus, error) {
	var status ExportStatus
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return c.do(ctx, http.MethodGet, "/exports/"+exportID+"/status", nil, &status)
	})
	if err != nil {
		return nil, fmt.Errorf("get export status %s: %w", exportID, err)
	}
	return &status, nil
}

// CancelExport asks the provider to abandon an export.
func (c *HTTPClient) CancelExport(ctx context.Context, exportID string) error {
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return c.do(ctx, http.MethodDelete, "/exports/"+exportID, nil, nil)
	})
	if err != nil {
		return fmt.Errorf("cancel export %s: %w", exportID, err)
	}
	return nil
}

// do performs one request and decodes the JSON response into out.
// Classification: 2xx ok, 404 not found (non-retryable), other 4xx
// non-retryable, 5xx and transport errors retryable.
func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusNotFound:
		return retry.NonRetryable(fmt.Errorf("%w: %s %s", ErrExportNotFound, method, path))
	case resp.StatusCode >= 500:
		return fmt.Errorf("provider returned %d for %s %s", resp.StatusCode, method, path)
	default:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return retry.NonRetryable(fmt.Errorf("provider returned %d for %s %s: %s",
			resp.StatusCode, method, path, strings.TrimSpace(string(payload))))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.NonRetryable(fmt.Errorf("decode provider response: %w", err))
	}
	return nil
}
