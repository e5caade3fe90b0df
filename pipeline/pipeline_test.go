package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/exportd/job"
	"github.com/c360studio/exportd/objectstore"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestTransferSuccess(t *testing.T) {
	payload := []byte("export artifact payload")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	store := objectstore.NewMemory()
	tr := NewTransferer(store)

	result, err := tr.Transfer(context.Background(), Request{
		DownloadURL:       server.URL,
		Bucket:            "exports",
		Key:               "job-1/0_data.csv",
		ExpectedSize:      int64(len(payload)),
		ExpectedChecksum:  sha256Hex(payload),
		ChecksumAlgorithm: job.ChecksumSHA256,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), result.Bytes)
	assert.Equal(t, sha256Hex(payload), result.Checksum)
	assert.Equal(t, payload, store.Object("exports", "job-1/0_data.csv"))
}

func TestTransferNoChecksum(t *testing.T) {
	payload := []byte("unverified artifact")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	tr := NewTransferer(objectstore.NewMemory())
	result, err := tr.Transfer(context.Background(), Request{
		DownloadURL: server.URL,
		Bucket:      "exports",
		Key:         "job-1/0_raw.bin",
	})
	require.NoError(t, err)
	assert.Empty(t, result.Checksum)
	assert.Equal(t, int64(len(payload)), result.Bytes)
}

func TestTransferDownloadStatusCodes(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{"server error retryable", http.StatusBadGateway, true},
		{"client error permanent", http.StatusForbidden, false},
		{"not found permanent", http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			store := objectstore.NewMemory()
			tr := NewTransferer(store)
			_, err := tr.Transfer(context.Background(), Request{
				DownloadURL: server.URL,
				Bucket:      "exports",
				Key:         "k",
			})
			require.Error(t, err)
			assert.Equal(t, KindDownloadFailed, KindOf(err))
			assert.Equal(t, tt.wantRetryable, IsRetryable(err))
			assert.Zero(t, store.Len())
		})
	}
}

func TestTransferAdvertisedSizeMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.Write(make([]byte, 10))
	}))
	defer server.Close()

	tr := NewTransferer(objectstore.NewMemory())
	_, err := tr.Transfer(context.Background(), Request{
		DownloadURL:  server.URL,
		Bucket:       "exports",
		Key:          "k",
		ExpectedSize: 99,
	})
	require.Error(t, err)
	assert.Equal(t, KindSizeMismatch, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestTransferChecksumMismatchAborts(t *testing.T) {
	payload := []byte("artifact body")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	store := objectstore.NewMemory()
	tr := NewTransferer(store)
	_, err := tr.Transfer(context.Background(), Request{
		DownloadURL:       server.URL,
		Bucket:            "exports",
		Key:               "job-1/0_data.csv",
		ExpectedChecksum:  "deadbeef",
		ChecksumAlgorithm: job.ChecksumSHA256,
	})
	require.Error(t, err)
	assert.Equal(t, KindChecksumMismatch, KindOf(err))
	assert.True(t, IsRetryable(err))
	// The invalid object must not survive the failed transfer.
	assert.Nil(t, store.Object("exports", "job-1/0_data.csv"))
}

func TestTransferUnsupportedAlgorithm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("x"))
	}))
	defer server.Close()

	tr := NewTransferer(objectstore.NewMemory())
	_, err := tr.Transfer(context.Background(), Request{
		DownloadURL:       server.URL,
		Bucket:            "exports",
		Key:               "k",
		ExpectedChecksum:  "abc",
		ChecksumAlgorithm: "crc32",
	})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestTransferUploadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	store := objectstore.NewMemory()
	store.FailUploads("exports", "k", fmt.Errorf("bucket unavailable"))

	tr := NewTransferer(store)
	_, err := tr.Transfer(context.Background(), Request{
		DownloadURL: server.URL,
		Bucket:      "exports",
		Key:         "k",
	})
	require.Error(t, err)
	assert.Equal(t, KindUploadFailed, KindOf(err))
	assert.True(t, IsRetryable(err))
	assert.Zero(t, store.Len())
}

func TestTransferTruncatedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Advertise more than is sent, then cut the connection.
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("short"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		conn, _, _ := w.(http.Hijacker).Hijack()
		conn.Close()
	}))
	defer server.Close()

	store := objectstore.NewMemory()
	tr := NewTransferer(store)
	_, err := tr.Transfer(context.Background(), Request{
		DownloadURL: server.URL,
		Bucket:      "exports",
		Key:         "k",
	})
	require.Error(t, err)
	// A cut connection surfaces as a failed upload read; either way it is
	// retryable and nothing is committed.
	assert.True(t, IsRetryable(err))
	assert.Zero(t, store.Len())
}

func TestLimitGuardAllowsExactCeiling(t *testing.T) {
	guard := &limitGuard{r: &zeroReader{n: 64}, remaining: 64 + 1}
	buf := make([]byte, 32)
	var total int
	for {
		n, err := guard.Read(buf)
		total += n
		if err != nil {
			break
		}
	}
	assert.Equal(t, 64, total)
	assert.False(t, guard.exceeded)
}

func TestLimitGuardTripsPastCeiling(t *testing.T) {
	guard := &limitGuard{r: &zeroReader{n: 100}, remaining: 64 + 1}
	buf := make([]byte, 32)
	var lastErr error
	for {
		_, err := guard.Read(buf)
		if err != nil {
			lastErr = err
			break
		}
	}
	require.Error(t, lastErr)
	assert.True(t, guard.exceeded)
}

// zeroReader serves n zero bytes then EOF.
type zeroReader struct{ n int }

func (z *zeroReader) Read(p []byte) (int, error) {
	if z.n <= 0 {
		return 0, io.EOF
	}
	if len(p) > z.n {
		p = p[:z.n]
	}
	for i := range p {
		p[i] = 0
	}
	z.n -= len(p)
	return len(p), nil
}

func TestMetricsObserved(t *testing.T) {
	payload := []byte("metered artifact")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	reg := prometheus.NewRegistry()
	tr := NewTransferer(objectstore.NewMemory(), WithMetrics(reg))

	_, err := tr.Transfer(context.Background(), Request{
		DownloadURL: server.URL,
		Bucket:      "exports",
		Key:         "job-1/0_metered.bin",
	})
	require.NoError(t, err)

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()

	_, err = tr.Transfer(context.Background(), Request{
		DownloadURL: missing.URL,
		Bucket:      "exports",
		Key:         "job-1/1_missing.bin",
	})
	require.Error(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			if m.GetCounter() != nil {
				byName[fam.GetName()] += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(len(payload)), byName["exportd_pipeline_bytes_transferred_total"])
	assert.Equal(t, float64(1), byName["exportd_pipeline_transfers_completed_total"])
	assert.Equal(t, float64(1), byName["exportd_pipeline_transfers_failed_total"])
}
