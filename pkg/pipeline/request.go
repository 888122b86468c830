package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProcessRequest represents a request to process one media record
type ProcessRequest struct {
	Kind       Kind              `json:"kind"`
	Locator    string            `json:"locator,omitempty"`
	Data       []byte            `json:"data,omitempty"` // base64 in JSON
	Format     string            `json:"format,omitempty"`
	Width      int               `json:"width,omitempty"`
	Height     int               `json:"height,omitempty"`
	Duration   float64           `json:"duration_seconds,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
	Text       string            `json:"text,omitempty"`
	PageCount  int               `json:"page_count,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Options    Options           `json:"options"`
}

// ProcessResponse represents the response from triggering processing
type ProcessResponse struct {
	RunID    string `json:"run_id"`
	RecordID string `json:"record_id"`
	// SeenCount is how many finished runs already processed the same locator
	SeenCount int `json:"dedupe_seen_count"`
}

// Record builds the typed record described by the request, assigning a
// fresh record ID and creation time
func (r ProcessRequest) Record() (Record, error) {
	h := Header{
		ID:        uuid.New().String(),
		Kind:      r.Kind,
		CreatedAt: time.Now().UTC(),
		Metadata:  r.Metadata,
	}

	switch r.Kind {
	case KindImage:
		return &ImageRecord{Header: h, Locator: r.Locator, Data: r.Data, Width: r.Width, Height: r.Height, Format: r.Format}, nil
	case KindAudio:
		return &AudioRecord{Header: h, Locator: r.Locator, Data: r.Data, Duration: r.Duration, Format: r.Format, Transcript: r.Transcript}, nil
	case KindDocument:
		return &DocumentRecord{Header: h, Locator: r.Locator, Data: r.Data, Text: r.Text, Format: r.Format, PageCount: r.PageCount}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, r.Kind)
	}
}

// NewImageRecord creates an image record with a fresh ID
func NewImageRecord(locator string, data []byte) *ImageRecord {
	return &ImageRecord{Header: newHeader(KindImage), Locator: locator, Data: data}
}

// NewAudioRecord creates an audio record with a fresh ID
func NewAudioRecord(locator string, data []byte) *AudioRecord {
	return &AudioRecord{Header: newHeader(KindAudio), Locator: locator, Data: data}
}

// NewDocumentRecord creates a document record with a fresh ID
func NewDocumentRecord(locator string, data []byte) *DocumentRecord {
	return &DocumentRecord{Header: newHeader(KindDocument), Locator: locator, Data: data}
}

func newHeader(kind Kind) Header {
	return Header{ID: uuid.New().String(), Kind: kind, CreatedAt: time.Now().UTC()}
}
