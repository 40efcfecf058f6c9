// Package remote fetches a cell payload from an HTTP data service.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/atlasmap-sc/cellview/internal/data/jsonfile"
	"github.com/atlasmap-sc/cellview/internal/store"
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Source requests the cells document from a URL. The response body uses the
// same JSON shape as jsonfile and may be zstd-encoded.
type Source struct {
	url    string
	client *http.Client
}

// NewSource returns a source for url. A zero timeout leaves requests bounded
// only by the caller's context.
func NewSource(url string, timeout time.Duration) *Source {
	return &Source{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the URL.
func (s *Source) Name() string { return s.url }

// Fetch performs one GET.
func (s *Source) Fetch(ctx context.Context) (*store.Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "zstd, gzip")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{URL: s.url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var body io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()
		body = zr
	case "gzip":
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gr.Close()
		body = gr
	default:
		return nil, fmt.Errorf("unsupported Content-Encoding %q", resp.Header.Get("Content-Encoding"))
	}
	return jsonfile.Decode(body)
}
