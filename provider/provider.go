// Package provider talks to the external export provider that prepares
// downloadable artifacts asynchronously.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/c360studio/exportd/job"
)

// ErrExportNotFound is returned when the provider does not know the export.
var ErrExportNotFound = errors.New("export not found")

// DownloadInfo describes one artifact the provider has prepared.
type DownloadInfo struct {
	URL               string                `json:"url"`
	FileName          string                `json:"file_name"`
	FileSize          int64                 `json:"file_size,omitempty"`
	Checksum          string                `json:"checksum,omitempty"`
	ChecksumAlgorithm job.ChecksumAlgorithm `json:"checksum_algorithm,omitempty"`
}

// ExportStatus is the provider's view of an export.
type ExportStatus struct {
	Status                  job.ProviderStatus `json:"status"`
	DownloadURLs            []DownloadInfo     `json:"download_urls,omitempty"`
	ErrorMessage            string             `json:"error_message,omitempty"`
	EstimatedCompletionTime *time.Time         `json:"estimated_completion_time,omitempty"`
}

// StartExportRequest asks the provider to begin preparing an export. The
// intake path normally receives exports already started, but the surface is
// part of the provider contract.
type StartExportRequest struct {
	UserID   string         `json:"user_id"`
	Scope    string         `json:"scope,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Provider is the export-provider API consumed by the core.
type Provider interface {
	StartExport(ctx context.Context, req StartExportRequest) (exportID string, err error)
	GetExportStatus(ctx context.Context, exportID string) (*ExportStatus, error)
	CancelExport(ctx context.Context, exportID string) error
}
