package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media-pipeline/internal/capability"
	"github.com/tendant/simple-media-pipeline/internal/ledger"
	"github.com/tendant/simple-media-pipeline/internal/orchestrator"
	"github.com/tendant/simple-media-pipeline/internal/processor"
	"github.com/tendant/simple-media-pipeline/internal/storage"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

func pngSquare(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(8, 8, 24, 24), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type blockingDetector struct {
	once    sync.Once
	started chan struct{}
}

func (d *blockingDetector) DetectObjects(ctx context.Context, _ image.Image) ([]pipeline.DetectedObject, error) {
	d.once.Do(func() { close(d.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

type env struct {
	svc    *orchestrator.Service
	store  *ledger.Store
	server http.Handler
	dir    string
}

func newEnv(t *testing.T, objects capability.ObjectDetector, opts Options) *env {
	t.Helper()
	dir := t.TempDir()
	files, err := storage.NewFilesystemStorage(dir)
	require.NoError(t, err)

	store, err := ledger.Open(context.Background(), ledger.DriverSQLite, ":memory:")
	require.NoError(t, err)

	svc := orchestrator.NewService(processor.Deps{
		Fetcher: storage.NewRouter(files, nil, nil),
		Objects: objects,
	}, orchestrator.Options{Recorder: store})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, svc.Close(ctx))
		store.Close()
	})

	return &env{svc: svc, store: store, server: New(svc, store, opts).Routes(), dir: dir}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (e *env) waitRecorded(t *testing.T, runID string) *ledger.Entry {
	t.Helper()
	var entry *ledger.Entry
	require.Eventually(t, func() bool {
		got, err := e.store.Get(context.Background(), runID)
		if err != nil {
			return false
		}
		entry = got
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return entry
}

func TestHealth(t *testing.T) {
	e := newEnv(t, capability.NewForegroundDetector(), Options{})

	rec := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["active_runs"])
}

func TestProcessInlineImage(t *testing.T) {
	e := newEnv(t, capability.NewForegroundDetector(), Options{})

	rec := e.do(t, http.MethodPost, "/v1/process", pipeline.ProcessRequest{
		Kind:    pipeline.KindImage,
		Data:    pngSquare(t),
		Options: pipeline.Options{Image: pipeline.ImageOptions{DetectObjects: true}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[pipeline.ProcessResponse](t, rec)
	require.NotEmpty(t, resp.RunID)
	require.NotEmpty(t, resp.RecordID)

	entry := e.waitRecorded(t, resp.RunID)
	assert.Equal(t, pipeline.StatusCompleted, entry.Status)

	status := e.do(t, http.MethodGet, "/v1/runs/"+resp.RunID, nil)
	require.Equal(t, http.StatusOK, status.Code)
	snap := decode[pipeline.StatusSnapshot](t, status)
	assert.Equal(t, pipeline.StatusCompleted, snap.Status)
	assert.Equal(t, 1.0, snap.Progress)

	history := e.do(t, http.MethodGet, "/v1/history/"+resp.RunID, nil)
	require.Equal(t, http.StatusOK, history.Code)
	got := decode[ledger.Entry](t, history)
	assert.Equal(t, resp.RecordID, got.RecordID)
	assert.Contains(t, string(got.Outputs), "foreground")
}

func TestProcessRejectsBadRequests(t *testing.T) {
	e := newEnv(t, capability.NewForegroundDetector(), Options{})

	cases := map[string]any{
		"malformed json":   "{not json",
		"no source":        pipeline.ProcessRequest{Kind: pipeline.KindImage},
		"unsupported kind": pipeline.ProcessRequest{Kind: pipeline.KindVideo, Locator: "clip.mp4"},
		"tiny speed factor": pipeline.ProcessRequest{
			Kind:    pipeline.KindAudio,
			Locator: "clip.wav",
			Options: pipeline.Options{Audio: pipeline.AudioOptions{SpeedFactor: 1e-12}},
		},
		"huge resize": pipeline.ProcessRequest{
			Kind:    pipeline.KindImage,
			Locator: "square.png",
			Options: pipeline.Options{Image: pipeline.ImageOptions{ResizeWidth: 1 << 20}},
		},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/v1/process", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[map[string]string](t, rec), "error")
		})
	}
}

func TestProcessDocumentFromText(t *testing.T) {
	e := newEnv(t, nil, Options{})

	rec := e.do(t, http.MethodPost, "/v1/process", pipeline.ProcessRequest{
		Kind:    pipeline.KindDocument,
		Text:    "plain text with no source bytes",
		Options: pipeline.Options{Document: pipeline.DocumentOptions{ExtractText: true}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	entry := e.waitRecorded(t, decode[pipeline.ProcessResponse](t, rec).RunID)
	assert.Equal(t, pipeline.StatusCompleted, entry.Status)
}

func TestProcessReportsSeenCount(t *testing.T) {
	e := newEnv(t, capability.NewForegroundDetector(), Options{})
	require.NoError(t, os.WriteFile(filepath.Join(e.dir, "square.png"), pngSquare(t), 0644))

	req := pipeline.ProcessRequest{
		Kind:    pipeline.KindImage,
		Locator: "file://square.png",
		Options: pipeline.Options{Image: pipeline.ImageOptions{DetectObjects: true}},
	}

	first := decode[pipeline.ProcessResponse](t, e.do(t, http.MethodPost, "/v1/process", req))
	assert.Equal(t, 0, first.SeenCount)
	e.waitRecorded(t, first.RunID)

	second := decode[pipeline.ProcessResponse](t, e.do(t, http.MethodPost, "/v1/process", req))
	assert.Equal(t, 1, second.SeenCount)
	e.waitRecorded(t, second.RunID)
}

func TestCancelRun(t *testing.T) {
	det := &blockingDetector{started: make(chan struct{})}
	e := newEnv(t, det, Options{})

	rec := e.do(t, http.MethodPost, "/v1/process", pipeline.ProcessRequest{
		Kind:    pipeline.KindImage,
		Data:    pngSquare(t),
		Options: pipeline.Options{Image: pipeline.ImageOptions{DetectObjects: true}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	runID := decode[pipeline.ProcessResponse](t, rec).RunID
	<-det.started

	list := decode[map[string][]pipeline.StatusSnapshot](t, e.do(t, http.MethodGet, "/v1/runs", nil))
	require.Len(t, list["runs"], 1)
	assert.Equal(t, pipeline.StatusProcessing, list["runs"][0].Status)

	cancel := e.do(t, http.MethodDelete, "/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, cancel.Code)

	again := e.do(t, http.MethodDelete, "/v1/runs/"+runID, nil)
	assert.Equal(t, http.StatusNotFound, again.Code)

	entry := e.waitRecorded(t, runID)
	assert.Equal(t, pipeline.StatusFailed, entry.Status)
	assert.Equal(t, pipeline.CodeCancelled, entry.ErrorCode)
}

func TestCancelAllRuns(t *testing.T) {
	det := &blockingDetector{started: make(chan struct{})}
	e := newEnv(t, det, Options{})

	for i := 0; i < 3; i++ {
		rec := e.do(t, http.MethodPost, "/v1/process", pipeline.ProcessRequest{
			Kind:    pipeline.KindImage,
			Data:    pngSquare(t),
			Options: pipeline.Options{Image: pipeline.ImageOptions{DetectObjects: true}},
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := e.do(t, http.MethodDelete, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode[map[string]any](t, rec)["cancelled"])
	assert.Equal(t, 0, e.svc.ActiveRuns())
}

func TestStatusUnknownRun(t *testing.T) {
	e := newEnv(t, nil, Options{})

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/runs/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/history/nope", nil).Code)
}

func TestEvents(t *testing.T) {
	e := newEnv(t, capability.NewForegroundDetector(), Options{})

	rec := e.do(t, http.MethodGet, "/v1/events?since=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decode[pipeline.ProcessResponse](t, e.do(t, http.MethodPost, "/v1/process", pipeline.ProcessRequest{
		Kind:    pipeline.KindImage,
		Data:    pngSquare(t),
		Options: pipeline.Options{Image: pipeline.ImageOptions{DetectObjects: true}},
	}))
	e.waitRecorded(t, resp.RunID)

	type page struct {
		Events  []pipeline.RunEvent `json:"events"`
		LastSeq int64               `json:"last_seq"`
	}
	all := decode[page](t, e.do(t, http.MethodGet, "/v1/events", nil))
	require.NotEmpty(t, all.Events)
	last := all.Events[len(all.Events)-1]
	assert.Equal(t, pipeline.EventCompleted, last.Type)
	assert.Equal(t, resp.RunID, last.RunID)
	assert.Equal(t, last.Seq, all.LastSeq)

	tail := decode[page](t, e.do(t, http.MethodGet, "/v1/events?since="+strconv.FormatInt(all.LastSeq, 10), nil))
	assert.Empty(t, tail.Events)
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, nil, Options{RateLimit: 2})

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/runs", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/runs", nil).Code)
	limited := e.do(t, http.MethodGet, "/v1/runs", nil)
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	// health sits outside the limited group
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, nil, Options{})
	rec := e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
