package pipeline

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind identifies the media variant carried by a record
type Kind string

// Kind constants
const (
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindText     Kind = "text"
	KindVideo    Kind = "video"
)

// Status is the lifecycle state of a run
type Status string

// Status constants
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Header carries the fields shared by every record variant
type Header struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Record is the tagged union of media records accepted by the pipeline.
// The concrete types are *ImageRecord, *AudioRecord and *DocumentRecord.
type Record interface {
	RecordHeader() Header
	isRecord()
}

// ImageRecord is an image referenced by locator or carried inline
type ImageRecord struct {
	Header
	Locator string `json:"locator,omitempty"`
	Data    []byte `json:"data,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Format  string `json:"format,omitempty"`
}

// AudioRecord is an audio clip referenced by locator or carried inline
type AudioRecord struct {
	Header
	Locator    string  `json:"locator,omitempty"`
	Data       []byte  `json:"data,omitempty"`
	Duration   float64 `json:"duration_seconds,omitempty"`
	Format     string  `json:"format,omitempty"`
	Transcript string  `json:"transcript,omitempty"`
}

// DocumentRecord is a document referenced by locator, carried inline, or
// already reduced to text
type DocumentRecord struct {
	Header
	Locator   string `json:"locator,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Text      string `json:"text,omitempty"`
	Format    string `json:"format,omitempty"`
	PageCount int    `json:"page_count,omitempty"`
}

func (r *ImageRecord) RecordHeader() Header    { return r.Header }
func (r *AudioRecord) RecordHeader() Header    { return r.Header }
func (r *DocumentRecord) RecordHeader() Header { return r.Header }

func (*ImageRecord) isRecord()    {}
func (*AudioRecord) isRecord()    {}
func (*DocumentRecord) isRecord() {}

// ImageOptions toggles image stages
type ImageOptions struct {
	DetectObjects    bool `json:"detect_objects,omitempty"`
	DetectFaces      bool `json:"detect_faces,omitempty"`
	DetectText       bool `json:"detect_text,omitempty"`
	EnhanceQuality   bool `json:"enhance_quality,omitempty"`
	RemoveBackground bool `json:"remove_background,omitempty"`
	ResizeWidth      int  `json:"resize_width,omitempty"`
	ResizeHeight     int  `json:"resize_height,omitempty"`
}

// AudioOptions toggles audio stages. A zero SpeedFactor or VolumeFactor
// leaves that adjustment off.
type AudioOptions struct {
	Transcribe            bool    `json:"transcribe,omitempty"`
	TranscriptionLanguage string  `json:"transcription_language,omitempty"`
	RemoveSilence         bool    `json:"remove_silence,omitempty"`
	SilenceThreshold      float64 `json:"silence_threshold,omitempty"`
	ReduceNoise           bool    `json:"reduce_noise,omitempty"`
	SpeedFactor           float64 `json:"speed_factor,omitempty"`
	VolumeFactor          float64 `json:"volume_factor,omitempty"`
}

// PageRange selects an inclusive, 1-based page span
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// DocumentOptions toggles document stages
type DocumentOptions struct {
	ExtractText     bool       `json:"extract_text,omitempty"`
	ExtractImages   bool       `json:"extract_images,omitempty"`
	ExtractTables   bool       `json:"extract_tables,omitempty"`
	IncludeMetadata bool       `json:"include_metadata,omitempty"`
	PageRange       *PageRange `json:"page_range,omitempty"`
}

// Options groups per-kind toggles; only the section matching the record kind is read
type Options struct {
	Image    ImageOptions    `json:"image"`
	Audio    AudioOptions    `json:"audio"`
	Document DocumentOptions `json:"document"`
}

// Option limits
const (
	MinSpeedFactor     = 0.25
	MaxSpeedFactor     = 4.0
	MaxVolumeFactor    = 16.0
	MaxResizeDimension = 16384
)

// Validate rejects option values no stage can honour. Zero values mean
// "off" and always pass.
func (o Options) Validate() error {
	var errs []error
	a := o.Audio
	if a.SpeedFactor != 0 && !(a.SpeedFactor >= MinSpeedFactor && a.SpeedFactor <= MaxSpeedFactor) {
		errs = append(errs, fmt.Errorf("speed_factor %v outside [%v, %v]", a.SpeedFactor, MinSpeedFactor, MaxSpeedFactor))
	}
	if a.VolumeFactor != 0 && !(a.VolumeFactor > 0 && a.VolumeFactor <= MaxVolumeFactor) {
		errs = append(errs, fmt.Errorf("volume_factor %v outside (0, %v]", a.VolumeFactor, MaxVolumeFactor))
	}
	if a.SilenceThreshold < 0 || a.SilenceThreshold > 1 || math.IsNaN(a.SilenceThreshold) {
		errs = append(errs, fmt.Errorf("silence_threshold %v outside [0, 1]", a.SilenceThreshold))
	}
	img := o.Image
	if img.ResizeWidth < 0 || img.ResizeWidth > MaxResizeDimension || img.ResizeHeight < 0 || img.ResizeHeight > MaxResizeDimension {
		errs = append(errs, fmt.Errorf("resize %dx%d outside [0, %d]", img.ResizeWidth, img.ResizeHeight, MaxResizeDimension))
	}
	if pr := o.Document.PageRange; pr != nil && (pr.Start < 0 || pr.End < 0 || (pr.End != 0 && pr.End < pr.Start)) {
		errs = append(errs, fmt.Errorf("page_range %d-%d is invalid", pr.Start, pr.End))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, errors.Join(errs...))
	}
	return nil
}

// Box is a pixel-space bounding box
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DetectedObject is one object reported by an ObjectDetector
type DetectedObject struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// DetectedFace is one face reported by a FaceDetector
type DetectedFace struct {
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// DetectedText is one text region reported by a TextDetector
type DetectedText struct {
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// MediaOutput references bytes produced by a transformation stage.
// Locator is set when the bytes were written through a derived writer,
// otherwise Data carries them inline.
type MediaOutput struct {
	Locator   string  `json:"locator,omitempty"`
	Data      []byte  `json:"data,omitempty"`
	Format    string  `json:"format"`
	SizeBytes int     `json:"size_bytes"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	Duration  float64 `json:"duration_seconds,omitempty"`
}

// ImageResult holds image stage outputs
type ImageResult struct {
	Width             int              `json:"width"`
	Height            int              `json:"height"`
	Format            string           `json:"format"`
	Objects           []DetectedObject `json:"objects,omitempty"`
	Faces             []DetectedFace   `json:"faces,omitempty"`
	Text              []DetectedText   `json:"text,omitempty"`
	Enhanced          *MediaOutput     `json:"enhanced,omitempty"`
	BackgroundRemoved *MediaOutput     `json:"background_removed,omitempty"`
	Resized           *MediaOutput     `json:"resized,omitempty"`
}

// TranscriptSegment is a timed slice of a transcript
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the output of a Transcriber
type Transcript struct {
	Text     string              `json:"text"`
	Language string              `json:"language,omitempty"`
	Segments []TranscriptSegment `json:"segments,omitempty"`
}

// AudioResult holds audio stage outputs
type AudioResult struct {
	Duration       float64      `json:"duration_seconds"`
	SampleRate     int          `json:"sample_rate"`
	Channels       int          `json:"channels"`
	Transcript     *Transcript  `json:"transcript,omitempty"`
	SilenceRemoved *MediaOutput `json:"silence_removed,omitempty"`
	NoiseReduced   *MediaOutput `json:"noise_reduced,omitempty"`
	Processed      *MediaOutput `json:"processed,omitempty"`
}

// ExtractedImage describes an image embedded in a document
type ExtractedImage struct {
	Page   int    `json:"page,omitempty"`
	Source string `json:"source,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Table is a rectangular grid of cell text
type Table struct {
	Page int        `json:"page,omitempty"`
	Rows [][]string `json:"rows"`
}

// DocumentResult holds document stage outputs
type DocumentResult struct {
	Format    string            `json:"format"`
	PageCount int               `json:"page_count,omitempty"`
	Text      string            `json:"text,omitempty"`
	Summary   string            `json:"summary,omitempty"`
	Images    []ExtractedImage  `json:"images,omitempty"`
	Tables    []Table           `json:"tables,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Result is the outcome of one run
type Result struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Status      Status          `json:"status"`
	Progress    float64         `json:"progress"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   ErrorCode       `json:"error_code,omitempty"`
	Input       Record          `json:"input"`
	Image       *ImageResult    `json:"image,omitempty"`
	Audio       *AudioResult    `json:"audio,omitempty"`
	Document    *DocumentResult `json:"document,omitempty"`
}

// StatusSnapshot is a copy of a run's lifecycle state
type StatusSnapshot struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"kind"`
	Status    Status     `json:"status"`
	Progress  float64    `json:"progress"`
	Error     string     `json:"error,omitempty"`
	ErrorCode ErrorCode  `json:"error_code,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}
