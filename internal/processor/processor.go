// Package processor runs one media record through its decode barrier and the
// stages selected by the options, reporting lifecycle events as it goes.
package processor

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/tendant/simple-media-pipeline/internal/capability"
	"github.com/tendant/simple-media-pipeline/internal/storage"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// DefaultSummaryMinChars is the text length a document must exceed before
// the summary stage runs
const DefaultSummaryMinChars = 100

// DefaultMaxImagePixels caps width*height of an image before it is decoded
const DefaultMaxImagePixels = 64 << 20

// Processor is the contract shared by the image, audio and document processors.
// One instance handles exactly one run.
type Processor interface {
	ID() string
	Kind() pipeline.Kind

	// Process is the only entry point. It returns once the run is terminal
	// and every event has been delivered.
	Process(ctx context.Context, rec pipeline.Record, opts pipeline.Options) (*pipeline.Result, error)

	// Cancel raises the abort signal. It reports false when the run was
	// already terminal.
	Cancel() bool

	On(kind pipeline.EventKind, fn Listener) ListenerID
	Off(kind pipeline.EventKind, id ListenerID)
	Subscribe(buffer int) (<-chan pipeline.Event, func())

	Status() pipeline.StatusSnapshot
}

// Deps are the collaborators shared by processors. Nil capabilities disable
// the stages that need them; those stages then fail when enabled.
type Deps struct {
	Fetcher storage.Fetcher
	Derived storage.DerivedWriter

	Objects     capability.ObjectDetector
	Faces       capability.FaceDetector
	Texts       capability.TextDetector
	Transcriber capability.Transcriber
	Summarizer  capability.Summarizer

	// CPU bounds concurrently running stage bodies across all runs
	CPU *semaphore.Weighted
	// AudioDecode bounds concurrently held audio decode contexts
	AudioDecode *semaphore.Weighted

	SummaryMinChars int
	MaxImagePixels  int64
}

// WithDefaults fills unset tunables
func (d Deps) WithDefaults() Deps {
	if d.SummaryMinChars <= 0 {
		d.SummaryMinChars = DefaultSummaryMinChars
	}
	if d.MaxImagePixels <= 0 {
		d.MaxImagePixels = DefaultMaxImagePixels
	}
	return d
}

// ForRecord returns a new processor for the record's variant
func ForRecord(runID string, rec pipeline.Record, deps Deps) (Processor, error) {
	switch rec.(type) {
	case *pipeline.ImageRecord:
		return NewImageProcessor(runID, deps), nil
	case *pipeline.AudioRecord:
		return NewAudioProcessor(runID, deps), nil
	case *pipeline.DocumentRecord:
		return NewDocumentProcessor(runID, deps), nil
	case nil:
		return nil, pipeline.InputError(fmt.Errorf("nil record"))
	default:
		return nil, fmt.Errorf("%w: %q", pipeline.ErrUnsupportedKind, rec.RecordHeader().Kind)
	}
}
