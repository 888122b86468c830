package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPContentReader provides read access to content over HTTP: plain
// http(s) locators, and content IDs via the simple-content HTTP API
type HTTPContentReader struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPContentReader creates a new HTTP-based content reader. baseURL may be
// empty when only absolute http(s) locators are fetched.
func NewHTTPContentReader(baseURL string) *HTTPContentReader {
	return &HTTPContentReader{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// Fetch implements Fetcher. Absolute URLs are fetched directly; content://
// locators go through the content API download endpoint.
func (cr *HTTPContentReader) Fetch(ctx context.Context, locator string) (io.ReadCloser, error) {
	if strings.HasPrefix(locator, SchemeContent) {
		return cr.download(ctx, strings.TrimPrefix(locator, SchemeContent))
	}
	return cr.get(ctx, locator)
}

// download streams a content ID through the content API
func (cr *HTTPContentReader) download(ctx context.Context, contentID string) (io.ReadCloser, error) {
	if cr.baseURL == "" {
		return nil, fmt.Errorf("content API URL not configured")
	}
	url := fmt.Sprintf("%s/api/v1/contents/%s/download", cr.baseURL, contentID)
	return cr.get(ctx, url)
}

func (cr *HTTPContentReader) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := cr.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download content: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	return resp.Body, nil
}
