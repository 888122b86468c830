package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/tendant/simple-media-pipeline/internal/storage"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// derivedVersion is the version stamped on every derived output
const derivedVersion = 1

// Derived output types
const (
	DerivedEnhanced          = "enhanced"
	DerivedBackgroundRemoved = "background_removed"
	DerivedResized           = "resized"
	DerivedSilenceRemoved    = "silence_removed"
	DerivedNoiseReduced      = "noise_reduced"
	DerivedProcessedAudio    = "processed_audio"
)

// loadBytes returns the inline payload or fetches the locator
func loadBytes(ctx context.Context, fetcher storage.Fetcher, locator string, data []byte) ([]byte, error) {
	if len(data) > 0 {
		return data, nil
	}
	if locator == "" {
		return nil, pipeline.InputError(pipeline.ErrNoSource)
	}
	if fetcher == nil {
		return nil, pipeline.InputError(fmt.Errorf("no fetcher configured for %s", locator))
	}

	rc, err := fetcher.Fetch(ctx, locator)
	if err != nil {
		return nil, pipeline.InputError(fmt.Errorf("fetch %s: %w", locator, err))
	}
	defer rc.Close()

	out, err := io.ReadAll(rc)
	if err != nil {
		return nil, pipeline.InputError(fmt.Errorf("read %s: %w", locator, err))
	}
	if len(out) == 0 {
		return nil, pipeline.InputError(fmt.Errorf("%s is empty", locator))
	}
	return out, nil
}

// storeOutput writes produced bytes through the derived writer when one is
// configured and otherwise keeps them inline
func storeOutput(ctx context.Context, w storage.DerivedWriter, parent, derivedType, format string, data []byte, out *pipeline.MediaOutput) (*pipeline.MediaOutput, error) {
	out.Format = format
	out.SizeBytes = len(data)

	if w == nil {
		out.Data = data
		return out, nil
	}

	meta := map[string]string{
		"file_name":    derivedType + "." + format,
		"content_type": contentType(format),
		"size":         strconv.Itoa(len(data)),
	}
	locator, err := w.PutDerived(ctx, parent, derivedType, derivedVersion, bytes.NewReader(data), meta)
	if err != nil {
		return nil, fmt.Errorf("store %s output: %w", derivedType, err)
	}
	out.Locator = locator
	return out, nil
}

func contentType(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "jpeg", "jpg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
