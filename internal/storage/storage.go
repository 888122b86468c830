package storage

import (
	"context"
	"io"
	"strings"
)

// Fetcher reads bytes given a record locator, honoring ctx cancellation
type Fetcher interface {
	Fetch(ctx context.Context, locator string) (io.ReadCloser, error)
}

// DerivedWriter stores bytes produced by a transformation stage
type DerivedWriter interface {
	// PutDerived stores the output and returns a locator a Fetcher can resolve
	PutDerived(ctx context.Context, contentID string, derivedType string, derivedVersion int, r io.Reader, meta map[string]string) (string, error)
}

// Locator schemes understood by Router
const (
	SchemeFile    = "file://"
	SchemeHTTP    = "http://"
	SchemeHTTPS   = "https://"
	SchemeContent = "content://"
)

// ParentKey picks the key derived outputs are filed under: the
// simple-content ID when the source came from there, else the record ID.
func ParentKey(locator, recordID string) string {
	if strings.HasPrefix(locator, SchemeContent) {
		return strings.TrimPrefix(locator, SchemeContent)
	}
	return recordID
}
