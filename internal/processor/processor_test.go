package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/semaphore"

	"github.com/tendant/simple-media-pipeline/internal/capability"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func statusRank(s pipeline.Status) int {
	switch s {
	case pipeline.StatusPending:
		return 0
	case pipeline.StatusProcessing:
		return 1
	default:
		return 2
	}
}

func TestImage_DetectObjectsOnly(t *testing.T) {
	p := NewImageProcessor("run-1", Deps{Objects: capability.NewForegroundDetector()})
	rec := pipeline.NewImageRecord("", pngSquare(t, 80, 60))

	result, err := p.Process(context.Background(), rec, pipeline.Options{Image: pipeline.ImageOptions{DetectObjects: true}})
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusCompleted, result.Status)
	assert.Equal(t, 1.0, result.Progress)
	require.NotNil(t, result.Image)
	require.Len(t, result.Image.Objects, 1)
	assert.Equal(t, pipeline.Box{X: 20, Y: 15, Width: 40, Height: 30}, result.Image.Objects[0].Box)

	assert.Nil(t, result.Image.Faces)
	assert.Nil(t, result.Image.Text)
	assert.Nil(t, result.Image.Enhanced)
	assert.Nil(t, result.Image.BackgroundRemoved)
	assert.Nil(t, result.Image.Resized)
	assert.Nil(t, result.Audio)
	assert.Nil(t, result.Document)
	assert.Equal(t, 80, result.Image.Width)
	assert.Equal(t, "png", result.Image.Format)
}

func TestImage_StatusAndProgressInvariants(t *testing.T) {
	p := NewImageProcessor("run-2", Deps{
		Objects: capability.NewForegroundDetector(),
		Faces:   capability.NewSkinToneDetector(),
		Texts:   capability.NewEdgeTextDetector(),
	})
	assert.Equal(t, pipeline.StatusPending, p.Status().Status)

	var statuses []pipeline.Status
	p.On(pipeline.EventProgress, func(pipeline.Event) {
		statuses = append(statuses, p.Status().Status)
	})
	rec := record(p)

	opts := pipeline.Options{Image: pipeline.ImageOptions{
		DetectObjects: true, DetectFaces: true, DetectText: true,
		EnhanceQuality: true, RemoveBackground: true, ResizeWidth: 20,
	}}
	_, err := p.Process(context.Background(), pipeline.NewImageRecord("", pngSquare(t, 64, 64)), opts)
	require.NoError(t, err)

	for i := 1; i < len(statuses); i++ {
		assert.GreaterOrEqual(t, statusRank(statuses[i]), statusRank(statuses[i-1]))
	}

	events := rec.all()
	require.NotEmpty(t, events)
	last := -1.0
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Progress, 0.0)
		assert.LessOrEqual(t, ev.Progress, 1.0)
		assert.GreaterOrEqual(t, ev.Progress, last)
		assert.Equal(t, "run-2", ev.RunID)
		last = ev.Progress
	}
	final := events[len(events)-1]
	assert.Equal(t, pipeline.EventCompleted, final.Kind)
	assert.Equal(t, 1.0, final.Progress)

	snap := p.Status()
	assert.Equal(t, pipeline.StatusCompleted, snap.Status)
	assert.Equal(t, 1.0, snap.Progress)
	require.NotNil(t, snap.StartTime)
	require.NotNil(t, snap.EndTime)
	assert.False(t, snap.EndTime.Before(*snap.StartTime))
}

func TestImage_TransformsInlineAndDerived(t *testing.T) {
	opts := pipeline.Options{Image: pipeline.ImageOptions{EnhanceQuality: true, RemoveBackground: true, ResizeWidth: 16, ResizeHeight: 8}}

	p := NewImageProcessor("inline", Deps{})
	result, err := p.Process(context.Background(), pipeline.NewImageRecord("", pngSquare(t, 32, 32)), opts)
	require.NoError(t, err)
	require.NotNil(t, result.Image.Resized)
	assert.Equal(t, 16, result.Image.Resized.Width)
	assert.Equal(t, 8, result.Image.Resized.Height)
	assert.NotEmpty(t, result.Image.Resized.Data)
	assert.Equal(t, "png", result.Image.BackgroundRemoved.Format)
	assert.Equal(t, len(result.Image.Enhanced.Data), result.Image.Enhanced.SizeBytes)

	derived := &memDerived{}
	rec := pipeline.NewImageRecord("content://6f1c5a8e-0000-4000-8000-000000000001", nil)
	fetch := fakeFetcher{rec.Locator: pngSquare(t, 32, 32)}
	p = NewImageProcessor("derived", Deps{Fetcher: fetch, Derived: derived})
	result, err = p.Process(context.Background(), rec, opts)
	require.NoError(t, err)
	assert.Equal(t, "mem://6f1c5a8e-0000-4000-8000-000000000001/resized", result.Image.Resized.Locator)
	assert.Empty(t, result.Image.Resized.Data)
	assert.Len(t, derived.puts, 3)
}

func TestImage_InputAndDecodeErrors(t *testing.T) {
	p := NewImageProcessor("no-source", Deps{})
	rec := record(p)
	result, err := p.Process(context.Background(), &pipeline.ImageRecord{Header: pipeline.Header{ID: "r"}}, pipeline.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrNoSource)
	assert.Equal(t, pipeline.CodeInput, result.ErrorCode)
	assert.Equal(t, pipeline.StatusFailed, result.Status)
	assert.Equal(t, pipeline.EventFailed, rec.kinds()[len(rec.kinds())-1])

	p = NewImageProcessor("garbage", Deps{})
	result, err = p.Process(context.Background(), pipeline.NewImageRecord("", []byte("not an image")), pipeline.Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, &pipeline.Error{Code: pipeline.CodeDecode}))
	assert.Nil(t, result.Image)
}

func TestImage_PixelLimitRejectsBeforeDecode(t *testing.T) {
	p := NewImageProcessor("bomb", Deps{Objects: capability.NewForegroundDetector(), MaxImagePixels: 100})
	result, err := p.Process(context.Background(), pipeline.NewImageRecord("", pngSquare(t, 20, 20)), pipeline.Options{
		Image: pipeline.ImageOptions{DetectObjects: true},
	})
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeDecode, pipeline.CodeOf(err))
	assert.Contains(t, err.Error(), "pixel limit")
	assert.Nil(t, result.Image)
}

func TestImage_StageFailureKeepsDecodedFields(t *testing.T) {
	p := NewImageProcessor("stage-fail", Deps{Faces: failingFaces{err: errors.New("model missing")}})
	result, err := p.Process(context.Background(), pipeline.NewImageRecord("", pngSquare(t, 20, 20)), pipeline.Options{
		Image: pipeline.ImageOptions{DetectFaces: true},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, &pipeline.Error{Code: pipeline.CodeStage, Stage: StageDetectFaces}))
	assert.Equal(t, pipeline.StatusFailed, result.Status)
	assert.Contains(t, result.Error, "model missing")
	require.NotNil(t, result.Image)
	assert.Equal(t, 20, result.Image.Width)
	assert.Less(t, result.Progress, 1.0)
}

func TestImage_MissingCapabilityFails(t *testing.T) {
	p := NewImageProcessor("no-detector", Deps{})
	_, err := p.Process(context.Background(), pipeline.NewImageRecord("", pngSquare(t, 20, 20)), pipeline.Options{
		Image: pipeline.ImageOptions{DetectText: true},
	})
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeStage, pipeline.CodeOf(err))
}

func TestCancel_NeverCompletes(t *testing.T) {
	det := newBlockingDetector()
	p := NewImageProcessor("cancel-me", Deps{Objects: det})
	rec := record(p)

	type outcome struct {
		result *pipeline.Result
		err    error
	}
	data := pngSquare(t, 20, 20)
	done := make(chan outcome, 1)
	go func() {
		res, err := p.Process(context.Background(), pipeline.NewImageRecord("", data), pipeline.Options{
			Image: pipeline.ImageOptions{DetectObjects: true},
		})
		done <- outcome{res, err}
	}()

	select {
	case <-det.started:
	case <-time.After(5 * time.Second):
		t.Fatal("detector never started")
	}

	assert.True(t, p.Cancel())
	assert.False(t, p.Cancel(), "second cancel is a no-op")

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not return after cancel")
	}

	assert.ErrorIs(t, out.err, pipeline.ErrCancelled)
	assert.Equal(t, pipeline.StatusFailed, out.result.Status)
	assert.Equal(t, pipeline.CodeCancelled, out.result.ErrorCode)

	kinds := rec.kinds()
	assert.NotContains(t, kinds, pipeline.EventCompleted)
	assert.NotContains(t, kinds, pipeline.EventFailed)
	assert.Equal(t, pipeline.EventCancelled, kinds[len(kinds)-1])
	assert.Equal(t, pipeline.StatusFailed, p.Status().Status)
}

func TestCancel_BeforeProcess(t *testing.T) {
	p := NewImageProcessor("early", Deps{})
	require.True(t, p.Cancel())

	result, err := p.Process(context.Background(), pipeline.NewImageRecord("", pngSquare(t, 8, 8)), pipeline.Options{})
	assert.ErrorIs(t, err, pipeline.ErrCancelled)
	assert.Equal(t, pipeline.StatusFailed, result.Status)
	assert.Equal(t, pipeline.CodeCancelled, result.ErrorCode)

	// a run cancelled before it started goes straight from pending to failed
	snap := p.Status()
	assert.Equal(t, pipeline.StatusFailed, snap.Status)
	assert.Nil(t, snap.StartTime)
	assert.NotNil(t, snap.EndTime)
}

func TestCancel_AfterCompletionReturnsFalse(t *testing.T) {
	p := NewImageProcessor("done", Deps{})
	_, err := p.Process(context.Background(), pipeline.NewImageRecord("", pngSquare(t, 8, 8)), pipeline.Options{})
	require.NoError(t, err)
	assert.False(t, p.Cancel())
	assert.Equal(t, pipeline.StatusCompleted, p.Status().Status)
}

func TestOff_StopsDelivery(t *testing.T) {
	p := NewImageProcessor("off", Deps{Objects: capability.NewForegroundDetector()})

	var kept, removed int
	id := p.On(pipeline.EventProgress, func(pipeline.Event) { removed++ })
	p.On(pipeline.EventProgress, func(pipeline.Event) { kept++ })
	p.Off(pipeline.EventProgress, id)

	_, err := p.Process(context.Background(), pipeline.NewImageRecord("", pngSquare(t, 16, 16)), pipeline.Options{
		Image: pipeline.ImageOptions{DetectObjects: true},
	})
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Positive(t, kept)
}

func TestSubscribe_ReceivesAndCloses(t *testing.T) {
	p := NewImageProcessor("sub", Deps{})
	ch, unsubscribe := p.Subscribe(64)
	defer unsubscribe()

	_, err := p.Process(context.Background(), pipeline.NewImageRecord("", pngSquare(t, 8, 8)), pipeline.Options{})
	require.NoError(t, err)

	var kinds []pipeline.EventKind
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, pipeline.EventCompleted, kinds[len(kinds)-1])
}

func TestProcess_TwiceAndWrongRecord(t *testing.T) {
	p := NewImageProcessor("twice", Deps{})
	_, err := p.Process(context.Background(), pipeline.NewImageRecord("", pngSquare(t, 8, 8)), pipeline.Options{})
	require.NoError(t, err)

	_, err = p.Process(context.Background(), pipeline.NewImageRecord("", pngSquare(t, 8, 8)), pipeline.Options{})
	assert.ErrorIs(t, err, pipeline.ErrAlreadyStarted)

	_, err = NewAudioProcessor("wrong", Deps{}).Process(context.Background(), pipeline.NewImageRecord("", nil), pipeline.Options{})
	assert.ErrorIs(t, err, pipeline.ErrWrongRecord)
}

func TestListenerPanicDoesNotBreakRun(t *testing.T) {
	p := NewImageProcessor("panic", Deps{})
	p.On(pipeline.EventProgress, func(pipeline.Event) { panic("boom") })
	rec := record(p)

	_, err := p.Process(context.Background(), pipeline.NewImageRecord("", pngSquare(t, 8, 8)), pipeline.Options{})
	require.NoError(t, err)
	assert.Contains(t, rec.kinds(), pipeline.EventCompleted)
}

func TestCPUPoolBoundsStages(t *testing.T) {
	p := NewImageProcessor("pool", Deps{
		Objects: capability.NewForegroundDetector(),
		Faces:   capability.NewSkinToneDetector(),
		CPU:     semaphore.NewWeighted(1),
	})
	result, err := p.Process(context.Background(), pipeline.NewImageRecord("", pngSquare(t, 16, 16)), pipeline.Options{
		Image: pipeline.ImageOptions{DetectObjects: true, DetectFaces: true},
	})
	require.NoError(t, err)
	assert.Len(t, result.Image.Objects, 1)
}

func TestStagePanicFailsRun(t *testing.T) {
	p := NewImageProcessor("panics", Deps{Objects: panickingDetector{}, Faces: capability.NewSkinToneDetector()})
	rec := record(p)

	result, err := p.Process(context.Background(), pipeline.NewImageRecord("", pngSquare(t, 16, 16)), pipeline.Options{
		Image: pipeline.ImageOptions{DetectObjects: true},
	})
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeStage, pipeline.CodeOf(err))
	assert.Contains(t, err.Error(), StageDetectObjects)
	assert.Equal(t, pipeline.StatusFailed, result.Status)
	assert.Equal(t, pipeline.EventFailed, rec.kinds()[len(rec.kinds())-1])
}

func TestCPUPoolNotHeldWhileTranscribing(t *testing.T) {
	cpu := semaphore.NewWeighted(1)
	tr := newGatedTranscriber()
	speech := NewAudioProcessor("speech", Deps{Transcriber: tr, CPU: cpu})

	done := make(chan error, 1)
	go func() {
		_, err := speech.Process(context.Background(), pipeline.NewAudioRecord("", sineWAV(t, 8000, 0.1)), pipeline.Options{
			Audio: pipeline.AudioOptions{Transcribe: true},
		})
		done <- err
	}()

	select {
	case <-tr.started:
	case <-time.After(5 * time.Second):
		t.Fatal("transcriber never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	img := NewImageProcessor("image", Deps{Objects: capability.NewForegroundDetector(), CPU: cpu})
	result, err := img.Process(ctx, pipeline.NewImageRecord("", pngSquare(t, 16, 16)), pipeline.Options{
		Image: pipeline.ImageOptions{DetectObjects: true},
	})
	require.NoError(t, err, "image stages must not wait for the transcription")
	assert.Len(t, result.Image.Objects, 1)

	close(tr.release)
	require.NoError(t, <-done)
}

func TestCallerCancelEmitsCancelled(t *testing.T) {
	det := newBlockingDetector()
	p := NewImageProcessor("caller-cancel", Deps{Objects: det})
	rec := record(p)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		result *pipeline.Result
		err    error
	}
	data := pngSquare(t, 20, 20)
	done := make(chan outcome, 1)
	go func() {
		res, err := p.Process(ctx, pipeline.NewImageRecord("", data), pipeline.Options{
			Image: pipeline.ImageOptions{DetectObjects: true},
		})
		done <- outcome{res, err}
	}()

	select {
	case <-det.started:
	case <-time.After(5 * time.Second):
		t.Fatal("detector never started")
	}
	cancel()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not return after caller cancel")
	}

	assert.ErrorIs(t, out.err, pipeline.ErrCancelled)
	assert.Equal(t, pipeline.CodeCancelled, out.result.ErrorCode)
	assert.Equal(t, pipeline.StatusFailed, out.result.Status)

	kinds := rec.kinds()
	assert.NotContains(t, kinds, pipeline.EventFailed)
	assert.NotContains(t, kinds, pipeline.EventCompleted)
	assert.Equal(t, pipeline.EventCancelled, kinds[len(kinds)-1])
	assert.False(t, p.Cancel())
}

func TestForRecord(t *testing.T) {
	p, err := ForRecord("a", pipeline.NewAudioRecord("", nil), Deps{})
	require.NoError(t, err)
	assert.Equal(t, pipeline.KindAudio, p.Kind())
	assert.Equal(t, "a", p.ID())

	p, err = ForRecord("d", pipeline.NewDocumentRecord("", nil), Deps{})
	require.NoError(t, err)
	assert.IsType(t, &DocumentProcessor{}, p)

	_, err = ForRecord("n", nil, Deps{})
	assert.Error(t, err)
}

func TestTrackerWeights(t *testing.T) {
	var got []float64
	tr := newTracker(func(v float64) { got = append(got, v) })
	tr.setDecode(1)
	tr.setStages(2)
	tr.setStage(0, 1)
	tr.setStage(1, 0.5)
	tr.setStage(1, 0.2) // stage-local progress never moves back

	require.Len(t, got, 4)
	assert.InDelta(t, 0.1, got[0], 1e-9)
	assert.InDelta(t, 0.55, got[1], 1e-9)
	assert.InDelta(t, 0.775, got[2], 1e-9)
	assert.InDelta(t, 0.775, got[3], 1e-9)
}
