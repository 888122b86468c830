package processor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media-pipeline/internal/audio"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

func pngSquare(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(w/4, h/4, w*3/4, h*3/4), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func sineWAV(t *testing.T, rate int, seconds float64) []byte {
	t.Helper()
	frames := int(float64(rate) * seconds)
	clip := audio.NewClip(rate, 1, frames)
	for i := range clip.Channels[0] {
		clip.Channels[0][i] = 0.5 * math.Sin(2*math.Pi*440*float64(i)/float64(rate))
	}
	data, err := audio.EncodeWAV(clip)
	require.NoError(t, err)
	return data
}

// recorder collects every event a processor emits
type recorder struct {
	mu     sync.Mutex
	events []pipeline.Event
}

func record(p Processor) *recorder {
	r := &recorder{}
	for _, k := range []pipeline.EventKind{pipeline.EventProgress, pipeline.EventCompleted, pipeline.EventFailed, pipeline.EventCancelled} {
		p.On(k, r.add)
	}
	return r
}

func (r *recorder) add(ev pipeline.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []pipeline.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pipeline.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) all() []pipeline.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Event(nil), r.events...)
}

type fakeFetcher map[string][]byte

func (f fakeFetcher) Fetch(ctx context.Context, locator string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := f[locator]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type memDerived struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func (m *memDerived) PutDerived(_ context.Context, contentID, derivedType string, _ int, r io.Reader, _ map[string]string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.puts == nil {
		m.puts = make(map[string][]byte)
	}
	key := "mem://" + contentID + "/" + derivedType
	m.puts[key] = data
	return key, nil
}

// blockingDetector blocks every detection until ctx is done
type blockingDetector struct {
	once    sync.Once
	started chan struct{}
}

func newBlockingDetector() *blockingDetector {
	return &blockingDetector{started: make(chan struct{})}
}

func (d *blockingDetector) DetectObjects(ctx context.Context, _ image.Image) ([]pipeline.DetectedObject, error) {
	d.once.Do(func() { close(d.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

type failingFaces struct{ err error }

func (f failingFaces) DetectFaces(context.Context, image.Image) ([]pipeline.DetectedFace, error) {
	return nil, f.err
}

type countingSummarizer struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSummarizer) Summarize(_ context.Context, text string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return "summary of " + text[:10], nil
}

func (s *countingSummarizer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubTranscriber struct{ calls int }

func (s *stubTranscriber) Transcribe(_ context.Context, wav []byte, language string) (*pipeline.Transcript, error) {
	s.calls++
	return &pipeline.Transcript{Text: "hello", Language: language}, nil
}

type panickingDetector struct{}

func (panickingDetector) DetectObjects(context.Context, image.Image) ([]pipeline.DetectedObject, error) {
	panic("detector exploded")
}

// gatedTranscriber blocks until release is closed or ctx is done
type gatedTranscriber struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGatedTranscriber() *gatedTranscriber {
	return &gatedTranscriber{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedTranscriber) Transcribe(ctx context.Context, _ []byte, language string) (*pipeline.Transcript, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return &pipeline.Transcript{Text: "done", Language: language}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
