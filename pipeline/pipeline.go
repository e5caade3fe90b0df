// Package pipeline streams one artifact from its download URL into the
// object store in a single pass: download, hash, count, upload. Nothing is
// buffered beyond the upload part size, and a failed transfer never commits
// a partial object.
package pipeline

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/c360studio/exportd/job"
	"github.com/c360studio/exportd/objectstore"
)

// MaxArtifactSize is the hard ceiling on a single artifact.
const MaxArtifactSize = 5 << 30 // 5 GiB

// DefaultRequestTimeout bounds one download request end to end.
const DefaultRequestTimeout = 5 * time.Minute

// Request describes one transfer.
type Request struct {
	DownloadURL       string
	Bucket            string
	Key               string
	ExpectedSize      int64 // 0 means unknown
	ExpectedChecksum  string
	ChecksumAlgorithm job.ChecksumAlgorithm
	ContentType       string
	Metadata          map[string]string
}

// Result describes a finished transfer.
type Result struct {
	UploadedKey string
	Bytes       int64
	Checksum    string
	DurationMs  int64
}

// Transferer runs streaming transfers. All workers share its pooled HTTP
// client.
type Transferer struct {
	client  *http.Client
	store   objectstore.Store
	logger  *slog.Logger
	metrics *metrics
}

// Option configures a Transferer.
type Option func(*Transferer)

// WithHTTPClient overrides the download client.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transferer) { t.client = client }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transferer) { t.logger = logger }
}

// WithMetrics registers transfer metrics with reg.
func WithMetrics(reg metricsRegisterer) Option {
	return func(t *Transferer) { t.metrics = newMetrics(reg) }
}

// NewTransferer creates a transferer over the given object store.
func NewTransferer(store objectstore.Store, opts ...Option) *Transferer {
	t := &Transferer{
		client: newDownloadClient(),
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// newDownloadClient builds the shared keep-alive client with HTTP/2 enabled.
func newDownloadClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		// Fall back to HTTP/1.1 keep-alives.
		slog.Default().Warn("HTTP/2 transport configuration failed", "error", err)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   DefaultRequestTimeout,
	}
}

// Transfer runs one download-hash-count-upload pass. It returns a typed
// *TransferError on failure.
func (t *Transferer) Transfer(ctx context.Context, req Request) (*Result, error) {
	result, err := t.transfer(ctx, req)
	if t.metrics != nil {
		if err != nil {
			t.metrics.observeFailure(err)
		} else {
			t.metrics.observeSuccess(result.Bytes, float64(result.DurationMs)/1000)
		}
	}
	return result, err
}

func (t *Transferer) transfer(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.DownloadURL, nil)
	if err != nil {
		return nil, newTransferError(KindDownloadFailed, false, "build request for %s: %w", req.DownloadURL, err)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		// Transport errors are transient network hazards.
		return nil, newTransferError(KindDownloadFailed, true, "download %s: %w", req.DownloadURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryable := resp.StatusCode >= 500
		return nil, newTransferError(KindDownloadFailed, retryable,
			"download %s: unexpected status %d", req.DownloadURL, resp.StatusCode)
	}

	advertised := resp.ContentLength
	if advertised > MaxArtifactSize {
		return nil, newTransferError(KindSizeExceeded, false,
			"artifact is %d bytes, ceiling is %d", advertised, int64(MaxArtifactSize))
	}
	if advertised >= 0 && req.ExpectedSize > 0 && advertised != req.ExpectedSize {
		return nil, newTransferError(KindSizeMismatch, false,
			"provider advertises %d bytes, job expects %d", advertised, req.ExpectedSize)
	}

	hasher, err := newHasher(req.ChecksumAlgorithm)
	if err != nil {
		return nil, newTransferError(KindChecksumMismatch, false, "select hash: %w", err)
	}

	// Reader chain: body -> ceiling guard -> hash tee -> byte counter.
	// The counter is what the upload consumes, so every uploaded byte is
	// hashed and counted exactly once, with no extra goroutines.
	// One sentinel byte past the ceiling distinguishes an exactly-5GiB
	// artifact from an oversized one.
	guard := &limitGuard{r: resp.Body, remaining: MaxArtifactSize + 1}
	var body io.Reader = guard
	if hasher != nil {
		body = io.TeeReader(body, hasher)
	}
	counter := &countingReader{r: body}

	uploadSize := advertised
	if uploadSize < 0 {
		uploadSize = -1
	}
	result, err := t.store.UploadStream(ctx, req.Bucket, req.Key, counter, uploadSize, &objectstore.UploadOptions{
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
	})
	if err != nil {
		if guard.exceeded {
			return nil, newTransferError(KindSizeExceeded, false,
				"artifact exceeds %d byte ceiling", int64(MaxArtifactSize))
		}
		if ctx.Err() != nil {
			return nil, newTransferError(KindUploadFailed, false, "transfer cancelled: %w", ctx.Err())
		}
		return nil, newTransferError(KindUploadFailed, true, "upload %s/%s: %w", req.Bucket, req.Key, err)
	}

	total := counter.n
	if total > MaxArtifactSize {
		t.abort(ctx, req.Bucket, req.Key)
		return nil, newTransferError(KindSizeExceeded, false,
			"artifact is %d bytes, ceiling is %d", total, int64(MaxArtifactSize))
	}
	if advertised >= 0 && total != advertised {
		// Short or long read after a clean EOF: the connection was cut
		// somewhere. Retryable, but the committed object must not survive.
		t.abort(ctx, req.Bucket, req.Key)
		return nil, newTransferError(KindSizeMismatch, true,
			"read %d bytes, provider advertised %d", total, advertised)
	}

	var checksum string
	if hasher != nil {
		checksum = hex.EncodeToString(hasher.Sum(nil))
		if req.ExpectedChecksum != "" && checksum != req.ExpectedChecksum {
			t.abort(ctx, req.Bucket, req.Key)
			return nil, newTransferError(KindChecksumMismatch, true,
				"%s checksum %s does not match expected %s", req.ChecksumAlgorithm, checksum, req.ExpectedChecksum)
		}
	}

	duration := time.Since(start)
	t.logger.Debug("Transfer complete",
		"key", req.Key,
		"bytes", total,
		"duration_ms", duration.Milliseconds())

	return &Result{
		UploadedKey: result.Location,
		Bytes:       total,
		Checksum:    checksum,
		DurationMs:  duration.Milliseconds(),
	}, nil
}

// abort removes an object committed before post-upload validation failed.
func (t *Transferer) abort(ctx context.Context, bucket, key string) {
	if err := t.store.DeleteFile(ctx, bucket, key); err != nil {
		t.logger.Warn("Failed to remove invalid object", "bucket", bucket, "key", key, "error", err)
	}
}

func newHasher(algorithm job.ChecksumAlgorithm) (hash.Hash, error) {
	switch algorithm {
	case "":
		return nil, nil
	case job.ChecksumSHA256:
		return sha256.New(), nil
	case job.ChecksumMD5:
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}

// limitGuard errors a read once the ceiling is crossed, failing the upload
// mid-stream so the sink aborts instead of committing an oversized object.
type limitGuard struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (g *limitGuard) Read(p []byte) (int, error) {
	if g.remaining <= 0 {
		g.exceeded = true
		return 0, fmt.Errorf("artifact exceeds %d byte ceiling", int64(MaxArtifactSize))
	}
	if int64(len(p)) > g.remaining {
		p = p[:g.remaining]
	}
	n, err := g.r.Read(p)
	g.remaining -= int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
