package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Memory is an in-memory Store for tests and the single-binary embedded
// mode. Uploads that fail mid-stream leave no object behind, matching the
// abort-on-error contract of the real store.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	meta    map[string]FileMetadata

	// failKeys makes uploads to specific keys fail after consuming the
	// stream, for abort-path tests.
	failKeys map[string]error
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory object store.
func NewMemory() *Memory {
	return &Memory{
		objects:  make(map[string][]byte),
		meta:     make(map[string]FileMetadata),
		failKeys: make(map[string]error),
	}
}

// FailUploads makes every upload to bucket/key fail with err.
func (m *Memory) FailUploads(bucket, key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failKeys[objectKey(bucket, key)] = err
}

// Object returns a stored object's bytes, or nil when absent.
func (m *Memory) Object(bucket, key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[objectKey(bucket, key)]
	if !ok {
		return nil
	}
	return append([]byte(nil), data...)
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// UploadStream consumes r and stores the payload.
func (m *Memory) UploadStream(ctx context.Context, bucket, key string, r io.Reader, size int64, opts *UploadOptions) (*UploadResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		// Reader failed: the upload is aborted, nothing is committed.
		return nil, fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size >= 0 && int64(len(data)) != size {
		return nil, fmt.Errorf("upload %s/%s: got %d bytes, declared %d", bucket, key, len(data), size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failKeys[objectKey(bucket, key)]; ok {
		return nil, fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}

	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	contentType := ""
	if opts != nil {
		contentType = opts.ContentType
	}
	m.objects[objectKey(bucket, key)] = data
	m.meta[objectKey(bucket, key)] = FileMetadata{
		Size:         int64(len(data)),
		ETag:         etag,
		ContentType:  contentType,
		LastModified: time.Now(),
	}
	return &UploadResult{ETag: etag, Location: objectKey(bucket, key), Bytes: int64(len(data))}, nil
}

// UploadBuffer uploads an in-memory payload.
func (m *Memory) UploadBuffer(ctx context.Context, bucket, key string, data []byte, opts *UploadOptions) (*UploadResult, error) {
	return m.UploadStream(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), opts)
}

// UploadFile uploads a local file.
func (m *Memory) UploadFile(ctx context.Context, bucket, key, path string, opts *UploadOptions) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return m.UploadStream(ctx, bucket, key, f, -1, opts)
}

// DownloadStream opens the object for reading.
func (m *Memory) DownloadStream(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[objectKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

// FileExists reports whether the object exists.
func (m *Memory) FileExists(_ context.Context, bucket, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[objectKey(bucket, key)]
	return ok, nil
}

// DeleteFile removes one object.
func (m *Memory) DeleteFile(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[objectKey(bucket, key)]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	delete(m.objects, objectKey(bucket, key))
	delete(m.meta, objectKey(bucket, key))
	return nil
}

// DeleteFiles removes many objects.
func (m *Memory) DeleteFiles(ctx context.Context, bucket string, keys []string) error {
	var firstErr error
	for _, key := range keys {
		if err := m.DeleteFile(ctx, bucket, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetFileMetadata stats the object.
func (m *Memory) GetFileMetadata(_ context.Context, bucket, key string) (*FileMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.meta[objectKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	out := meta
	return &out, nil
}

// GetPresignedURL returns a stable fake URL.
func (m *Memory) GetPresignedURL(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[objectKey(bucket, key)]; !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	return "memory://" + objectKey(bucket, key), nil
}
