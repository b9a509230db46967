package artifact

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalUploadDownload(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(t.TempDir())

	location, err := l.Upload(ctx, "jobs/j1/text/overview.md", []byte("# Overview"), "text/markdown")
	require.NoError(t, err)
	assert.Contains(t, location, "overview.md")

	data, err := l.Download(ctx, "jobs/j1/text/overview.md")
	require.NoError(t, err)
	assert.Equal(t, "# Overview", string(data))

	_, err = l.Download(ctx, "jobs/j1/text/missing.md")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalUploadOverwrites(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(t.TempDir())

	_, err := l.Upload(ctx, "jobs/j1/doc.pdf", []byte("v1"), "application/pdf")
	require.NoError(t, err)
	_, err = l.Upload(ctx, "jobs/j1/doc.pdf", []byte("v2"), "application/pdf")
	require.NoError(t, err)

	data, err := l.Download(ctx, "jobs/j1/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data), "retried upload wins")
}

func TestLocalSignedURL(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(t.TempDir())
	_, err := l.Upload(ctx, "jobs/j1/doc.pdf", []byte("pdf"), "application/pdf")
	require.NoError(t, err)

	url, err := l.SignedURL(ctx, "jobs/j1/doc.pdf", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))
}

func TestSanitizeStripsTraversal(t *testing.T) {
	assert.Equal(t, "etc/passwd", sanitize("../../etc/passwd"))
	assert.Equal(t, "jobs/j1/a.md", sanitize("./jobs/j1/a.md"))
	assert.Equal(t, "jobs/j1/a.md", sanitize("/jobs/j1/a.md"))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Download(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.SignedURL(ctx, "missing", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Upload(ctx, "p", []byte("x"), "text/plain")
	require.NoError(t, err)
	data, err := m.Download(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	url, err := m.SignedURL(ctx, "p", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "memory://p", url)
}
