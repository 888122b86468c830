package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/tendant/simple-content/pkg/simplecontent"
)

// ContentDerivedWriter stores derived outputs as simple-content derived content
type ContentDerivedWriter struct {
	service simplecontent.Service
}

// NewContentDerivedWriter creates a new derived content writer
func NewContentDerivedWriter(service simplecontent.Service) *ContentDerivedWriter {
	return &ContentDerivedWriter{
		service: service,
	}
}

// PutDerived uploads a derived output and returns its content:// locator
func (dw *ContentDerivedWriter) PutDerived(ctx context.Context, contentID string, derivedType string, derivedVersion int, r io.Reader, meta map[string]string) (string, error) {
	parentID, err := uuid.Parse(contentID)
	if err != nil {
		return "", fmt.Errorf("invalid content ID: %w", err)
	}

	variant := fmt.Sprintf("%s_v%d", derivedType, derivedVersion)

	fileName := meta["file_name"]
	if fileName == "" {
		fileName = fmt.Sprintf("derived_%s.dat", derivedType)
	}

	derivedContent, err := dw.service.UploadDerivedContent(ctx, simplecontent.UploadDerivedContentRequest{
		ParentID:       parentID,
		DerivationType: derivedType,
		Variant:        variant,
		Reader:         r,
		FileName:       fileName,
		Tags:           []string{derivedType, variant},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload derived content: %w", err)
	}

	return SchemeContent + derivedContent.ID.String(), nil
}
