// Package objectstore abstracts the artifact destination. The streaming
// pipeline writes through UploadStream in a single pass; implementations
// must not buffer whole objects and must abandon partial writes on error so
// partial objects are never committed.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// DefaultPartSize bounds per-upload memory; multipart uploads buffer at most
// one part at a time.
const DefaultPartSize = 16 * 1024 * 1024

// UploadOptions tune a single upload.
type UploadOptions struct {
	ContentType string
	Metadata    map[string]string
	// PartSize overrides DefaultPartSize when > 0.
	PartSize uint64
}

// UploadResult reports a committed upload.
type UploadResult struct {
	ETag     string
	Location string
	Bytes    int64
}

// FileMetadata describes a stored object.
type FileMetadata struct {
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Store is the object-store client surface the core consumes.
type Store interface {
	// UploadStream streams r into bucket/key. size < 0 means unknown length
	// (multipart upload sized by parts).
	UploadStream(ctx context.Context, bucket, key string, r io.Reader, size int64, opts *UploadOptions) (*UploadResult, error)

	// UploadBuffer uploads an in-memory payload.
	UploadBuffer(ctx context.Context, bucket, key string, data []byte, opts *UploadOptions) (*UploadResult, error)

	// UploadFile uploads a local file.
	UploadFile(ctx context.Context, bucket, key, path string, opts *UploadOptions) (*UploadResult, error)

	// DownloadStream opens the object for reading.
	DownloadStream(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// FileExists reports whether the object exists.
	FileExists(ctx context.Context, bucket, key string) (bool, error)

	// DeleteFile removes one object.
	DeleteFile(ctx context.Context, bucket, key string) error

	// DeleteFiles removes many objects, continuing past individual failures
	// and returning the first error encountered.
	DeleteFiles(ctx context.Context, bucket string, keys []string) error

	// GetFileMetadata stats the object.
	GetFileMetadata(ctx context.Context, bucket, key string) (*FileMetadata, error)

	// GetPresignedURL returns a time-limited download URL.
	GetPresignedURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}
