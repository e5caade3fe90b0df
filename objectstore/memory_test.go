package objectstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryUploadDownloadRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	result, err := m.UploadStream(ctx, "exports", "j1/0_a.csv", strings.NewReader("hello"), 5, &UploadOptions{ContentType: "text/csv"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Bytes)
	assert.NotEmpty(t, result.ETag)

	rc, err := m.DownloadStream(ctx, "exports", "j1/0_a.csv")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	meta, err := m.GetFileMetadata(ctx, "exports", "j1/0_a.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(5), meta.Size)
	assert.Equal(t, "text/csv", meta.ContentType)
}

func TestMemoryFailedUploadCommitsNothing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.FailUploads("exports", "j1/0_a.csv", assert.AnError)
	_, err := m.UploadStream(ctx, "exports", "j1/0_a.csv", strings.NewReader("hello"), 5, nil)
	require.Error(t, err)
	assert.Zero(t, m.Len())

	// A failing reader aborts the upload too.
	_, err = m.UploadStream(ctx, "exports", "j1/1_b.csv", io.MultiReader(
		strings.NewReader("partial"),
		&failingReader{},
	), -1, nil)
	require.Error(t, err)
	assert.Zero(t, m.Len())
}

func TestMemoryDeclaredSizeMismatch(t *testing.T) {
	m := NewMemory()
	_, err := m.UploadStream(context.Background(), "exports", "k", strings.NewReader("abc"), 10, nil)
	require.Error(t, err)
	assert.Zero(t, m.Len())
}

func TestMemoryDeleteAndExists(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.UploadBuffer(ctx, "exports", "k", []byte("x"), nil)
	require.NoError(t, err)

	exists, err := m.FileExists(ctx, "exports", "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, m.DeleteFile(ctx, "exports", "k"))
	assert.ErrorIs(t, m.DeleteFile(ctx, "exports", "k"), ErrObjectNotFound)

	exists, err = m.FileExists(ctx, "exports", "k")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = m.GetPresignedURL(ctx, "exports", "k", 0)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

type failingReader struct{}

func (*failingReader) Read([]byte) (int, error) {
	return 0, assert.AnError
}
