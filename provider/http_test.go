package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/exportd/job"
)

func TestHTTPClient_GetExportStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exports/e1/status", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(ExportStatus{
			Status: job.ProviderStatusReady,
			DownloadURLs: []DownloadInfo{
				{URL: "https://dl.example.com/a.bin", FileName: "a.bin", FileSize: 11},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, WithAPIKey("secret"))
	status, err := c.GetExportStatus(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, job.ProviderStatusReady, status.Status)
	require.Len(t, status.DownloadURLs, 1)
	assert.Equal(t, "a.bin", status.DownloadURLs[0].FileName)
}

func TestHTTPClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(ExportStatus{Status: job.ProviderStatusProcessing})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	status, err := c.GetExportStatus(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, job.ProviderStatusProcessing, status.Status)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestHTTPClient_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.GetExportStatus(context.Background(), "gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExportNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_StartAndCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/exports":
			_ = json.NewEncoder(w).Encode(map[string]string{"export_id": "e42"})
		case r.Method == http.MethodDelete && r.URL.Path == "/exports/e42":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	id, err := c.StartExport(context.Background(), StartExportRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "e42", id)
	require.NoError(t, c.CancelExport(context.Background(), "e42"))
}

func TestFakeProvider(t *testing.T) {
	f := NewFake().
		Script("e1", &ExportStatus{Status: job.ProviderStatusProcessing}).
		Script("e1", &ExportStatus{Status: job.ProviderStatusReady})

	s, err := f.GetExportStatus(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, job.ProviderStatusProcessing, s.Status)

	s, _ = f.GetExportStatus(context.Background(), "e1")
	assert.Equal(t, job.ProviderStatusReady, s.Status)

	// Script exhausted: last step repeats.
	s, _ = f.GetExportStatus(context.Background(), "e1")
	assert.Equal(t, job.ProviderStatusReady, s.Status)
	assert.Equal(t, 3, f.StatusCalls("e1"))

	_, err = f.GetExportStatus(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrExportNotFound)
}
