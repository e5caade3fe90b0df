package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds connection settings for an S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Region    string `json:"region" yaml:"region"`
	Secure    bool   `json:"secure" yaml:"secure"`
}

// MinioStore implements Store against any S3-compatible endpoint. PutObject
// with an unknown size runs a multipart upload buffering one part at a time,
// and aborts the multipart upload when the source reader fails, which gives
// the pipeline its abort-on-error guarantee.
type MinioStore struct {
	client *minio.Client
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore connects to the configured endpoint.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

func putOptions(opts *UploadOptions) minio.PutObjectOptions {
	out := minio.PutObjectOptions{PartSize: DefaultPartSize}
	if opts == nil {
		return out
	}
	if opts.PartSize > 0 {
		out.PartSize = opts.PartSize
	}
	out.ContentType = opts.ContentType
	out.UserMetadata = opts.Metadata
	return out
}

// UploadStream streams r into bucket/key.
func (s *MinioStore) UploadStream(ctx context.Context, bucket, key string, r io.Reader, size int64, opts *UploadOptions) (*UploadResult, error) {
	info, err := s.client.PutObject(ctx, bucket, key, r, size, putOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}
	return &UploadResult{
		ETag:     info.ETag,
		Location: fmt.Sprintf("%s/%s", bucket, info.Key),
		Bytes:    info.Size,
	}, nil
}

// UploadBuffer uploads an in-memory payload.
func (s *MinioStore) UploadBuffer(ctx context.Context, bucket, key string, data []byte, opts *UploadOptions) (*UploadResult, error) {
	return s.UploadStream(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), opts)
}

// UploadFile uploads a local file.
func (s *MinioStore) UploadFile(ctx context.Context, bucket, key, path string, opts *UploadOptions) (*UploadResult, error) {
	info, err := s.client.FPutObject(ctx, bucket, key, path, putOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("upload file %s to %s/%s: %w", path, bucket, key, err)
	}
	return &UploadResult{
		ETag:     info.ETag,
		Location: fmt.Sprintf("%s/%s", bucket, info.Key),
		Bytes:    info.Size,
	}, nil
}

// DownloadStream opens the object for reading.
func (s *MinioStore) DownloadStream(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	return obj, nil
}

// FileExists reports whether the object exists.
func (s *MinioStore) FileExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// DeleteFile removes one object.
func (s *MinioStore) DeleteFile(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// DeleteFiles removes many objects.
func (s *MinioStore) DeleteFiles(ctx context.Context, bucket string, keys []string) error {
	var firstErr error
	for _, key := range keys {
		if err := s.DeleteFile(ctx, bucket, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetFileMetadata stats the object.
func (s *MinioStore) GetFileMetadata(ctx context.Context, bucket, key string) (*FileMetadata, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
		}
		return nil, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}
	return &FileMetadata{
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// GetPresignedURL returns a time-limited download URL.
func (s *MinioStore) GetPresignedURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}
