package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/tendant/simple-content/pkg/simplecontent"
)

// ContentReader provides read access to content via simple-content service
type ContentReader struct {
	service simplecontent.Service
}

// NewContentReader creates a new content reader using simple-content service
func NewContentReader(service simplecontent.Service) *ContentReader {
	return &ContentReader{
		service: service,
	}
}

// Fetch implements Fetcher for content://<uuid> locators
func (cr *ContentReader) Fetch(ctx context.Context, locator string) (io.ReadCloser, error) {
	id, err := uuid.Parse(strings.TrimPrefix(locator, SchemeContent))
	if err != nil {
		return nil, fmt.Errorf("invalid content ID: %w", err)
	}

	reader, err := cr.service.DownloadContent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", id, err)
	}
	return reader, nil
}
