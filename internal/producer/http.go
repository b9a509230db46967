package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"readings-pipeline/internal/models"
)

// HTTPClient proxies producer calls to an external generation service that
// fronts the actual model APIs. Each endpoint accepts a JSON input and
// returns raw bytes (markdown, PDF, or audio).
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxBytes   int64
}

var _ Text = (*HTTPClient)(nil)
var _ PDF = (*HTTPClient)(nil)
var _ Audio = (*HTTPClient)(nil)
var _ Song = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   50 * 1024 * 1024,
	}
}

func (c *HTTPClient) GenerateText(ctx context.Context, in models.TextInput) ([]byte, error) {
	return c.post(ctx, "/generate/text", in)
}

func (c *HTTPClient) RenderPDF(ctx context.Context, title string, markdown []byte) ([]byte, error) {
	return c.post(ctx, "/generate/pdf", map[string]any{
		"title":    title,
		"markdown": string(markdown),
	})
}

func (c *HTTPClient) SynthesizeAudio(ctx context.Context, in models.AudioInput) ([]byte, error) {
	return c.post(ctx, "/generate/audio", in)
}

func (c *HTTPClient) ComposeSong(ctx context.Context, in models.SongInput) ([]byte, error) {
	return c.post(ctx, "/generate/song", in)
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal producer request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build producer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call producer %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("producer %s: status %d", path, resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, c.maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read producer response: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("producer response too large (>%d bytes)", c.maxBytes)
	}
	return data, nil
}
