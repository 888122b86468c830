// Package capability defines the analysis contracts the processors depend on,
// together with default implementations that can be swapped per deployment.
package capability

import (
	"context"
	"image"

	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// ObjectDetector finds objects in a decoded image
type ObjectDetector interface {
	DetectObjects(ctx context.Context, img image.Image) ([]pipeline.DetectedObject, error)
}

// FaceDetector finds faces in a decoded image
type FaceDetector interface {
	DetectFaces(ctx context.Context, img image.Image) ([]pipeline.DetectedFace, error)
}

// TextDetector finds text regions, and optionally their text, in a decoded image
type TextDetector interface {
	DetectText(ctx context.Context, img image.Image) ([]pipeline.DetectedText, error)
}

// Transcriber turns encoded audio into a transcript. wav is a RIFF/WAVE
// stream; language is a hint and may be empty.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte, language string) (*pipeline.Transcript, error)
}

// TextGenerator is the external text-generation capability
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Summarizer condenses document text
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}
