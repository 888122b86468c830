package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Router resolves locators to the Fetcher registered for their scheme.
// Locators without a scheme go to the filesystem fetcher.
type Router struct {
	files   Fetcher
	http    Fetcher
	content Fetcher
}

// NewRouter creates a router; any fetcher may be nil to disable that scheme
func NewRouter(files, http, content Fetcher) *Router {
	return &Router{files: files, http: http, content: content}
}

// Fetch implements Fetcher
func (r *Router) Fetch(ctx context.Context, locator string) (io.ReadCloser, error) {
	if locator == "" {
		return nil, fmt.Errorf("empty locator")
	}

	var f Fetcher
	switch {
	case strings.HasPrefix(locator, SchemeHTTP), strings.HasPrefix(locator, SchemeHTTPS):
		f = r.http
	case strings.HasPrefix(locator, SchemeContent):
		f = r.content
	case strings.HasPrefix(locator, SchemeFile), !strings.Contains(locator, "://"):
		f = r.files
	}
	if f == nil {
		return nil, fmt.Errorf("no fetcher for locator %q", locator)
	}

	return f.Fetch(ctx, locator)
}
