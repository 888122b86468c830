package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

func TestProcess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/process", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req pipeline.ProcessRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, pipeline.KindAudio, req.Kind)
		assert.True(t, req.Options.Audio.Transcribe)

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(pipeline.ProcessResponse{RunID: "run-1", RecordID: "rec-1", SeenCount: 2})
	}))
	defer srv.Close()

	resp, err := New(srv.URL+"/").Process(context.Background(), pipeline.ProcessRequest{
		Kind:    pipeline.KindAudio,
		Locator: "file://a.wav",
		Options: pipeline.Options{Audio: pipeline.AudioOptions{Transcribe: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, 2, resp.SeenCount)
}

func TestErrorResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"locator or data is required"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"run not found"}`))
	}))
	defer srv.Close()
	c := New(srv.URL)

	_, err := c.Process(context.Background(), pipeline.ProcessRequest{Kind: pipeline.KindImage})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, "locator or data is required", se.Message)
	assert.False(t, errors.Is(err, pipeline.ErrRunNotFound))

	_, err = c.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, pipeline.ErrRunNotFound)

	err = c.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, pipeline.ErrRunNotFound)
}

func TestWaitPollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/runs/run-1", r.URL.Path)
		snap := pipeline.StatusSnapshot{ID: "run-1", Status: pipeline.StatusProcessing, Progress: 0.5}
		if calls.Add(1) >= 3 {
			snap.Status = pipeline.StatusCompleted
			snap.Progress = 1
		}
		json.NewEncoder(w).Encode(snap)
	}))
	defer srv.Close()

	snap, err := New(srv.URL).Wait(context.Background(), "run-1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, snap.Status)
	assert.EqualValues(t, 3, calls.Load())
}

func TestWaitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pipeline.StatusSnapshot{ID: "run-1", Status: pipeline.StatusProcessing})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL).Wait(ctx, "run-1", 5*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestListEventsAndCancelAll(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/runs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"runs": []pipeline.StatusSnapshot{{ID: "a"}, {ID: "b"}}})
	})
	mux.HandleFunc("DELETE /v1/runs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{"cancelled": 2})
	})
	mux.HandleFunc("GET /v1/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("since"))
		json.NewEncoder(w).Encode(EventPage{
			Events:  []pipeline.RunEvent{{Seq: 8, RunID: "a", Type: pipeline.EventProgress}},
			LastSeq: 8,
		})
	})
	mux.HandleFunc("GET /v1/history/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HistoryEntry{RunID: r.PathValue("id"), Status: pipeline.StatusCompleted, SeenCount: 1})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(srv.URL)
	ctx := context.Background()

	runs, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	n, err := c.CancelAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := c.Events(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 8, page.LastSeq)
	require.Len(t, page.Events, 1)

	entry, err := c.History(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", entry.RunID)
	assert.Equal(t, pipeline.StatusCompleted, entry.Status)
}
