// Package artifact stores task output blobs. Writes are keyed by storage
// path and are idempotent upserts, so a retried task overwrites its own
// prior upload instead of duplicating it.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by Download when no blob exists at the path.
// Handlers waiting on an upstream artifact poll on this.
var ErrNotFound = errors.New("artifact not found")

// Store is the blob storage contract consumed by workers and the API.
type Store interface {
	// Upload writes bytes at path, overwriting any existing blob. Returns
	// the canonical location of the stored object.
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)

	// Download reads the blob at path, or ErrNotFound.
	Download(ctx context.Context, path string) ([]byte, error)

	// SignedURL returns a time-limited read URL for path.
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// Local stores blobs on the filesystem, for development and single-host runs.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "./artifacts"
	}
	return &Local{baseDir: baseDir}
}

func (l *Local) Upload(_ context.Context, path string, data []byte, _ string) (string, error) {
	full := filepath.Join(l.baseDir, sanitize(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return full, nil
}

func (l *Local) Download(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.baseDir, sanitize(path)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// SignedURL for local storage is a file URL; there is nothing to sign.
func (l *Local) SignedURL(_ context.Context, path string, _ time.Duration) (string, error) {
	full, err := filepath.Abs(filepath.Join(l.baseDir, sanitize(path)))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: full}).String(), nil
}

func sanitize(path string) string {
	path = filepath.Clean(path)
	path = strings.TrimPrefix(path, string(filepath.Separator))
	for strings.HasPrefix(path, "../") {
		path = strings.TrimPrefix(path, "../")
	}
	return strings.TrimPrefix(path, "./")
}

// Memory holds blobs in a map. Test double.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Upload(_ context.Context, path string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[path] = append([]byte(nil), data...)
	return path, nil
}

func (m *Memory) Download(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) SignedURL(_ context.Context, path string, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[path]; !ok {
		return "", ErrNotFound
	}
	return "memory://" + path, nil
}
