// Package handlers exposes the orchestrator over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tendant/simple-media-pipeline/internal/ledger"
	"github.com/tendant/simple-media-pipeline/internal/log"
	"github.com/tendant/simple-media-pipeline/internal/orchestrator"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// maxRequestBytes bounds POST bodies, which may carry inline media
const maxRequestBytes = 64 << 20

// Ledger looks up finished runs
type Ledger interface {
	Get(ctx context.Context, runID string) (*ledger.Entry, error)
	SeenCount(ctx context.Context, locator, recordID string) (int, error)
}

// Options configure the HTTP surface
type Options struct {
	// RateLimit is requests per minute per client IP; 0 or less disables it
	RateLimit int
}

// Handler serves the run API
type Handler struct {
	svc    *orchestrator.Service
	ledger Ledger
	opts   Options
	logger zerolog.Logger
}

// New creates a handler. ledger may be nil.
func New(svc *orchestrator.Service, ledger Ledger, opts Options) *Handler {
	return &Handler{
		svc:    svc,
		ledger: ledger,
		opts:   opts,
		logger: log.WithComponent("http"),
	}
}

// Routes builds the router
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))

	r.Get("/health", h.HandleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if h.opts.RateLimit > 0 {
			r.Use(rateLimit(h.opts.RateLimit, time.Minute))
		}
		r.Post("/process", h.HandleProcess)
		r.Get("/runs", h.HandleListRuns)
		r.Delete("/runs", h.HandleCancelAll)
		r.Get("/runs/{runID}", h.HandleStatus)
		r.Delete("/runs/{runID}", h.HandleCancel)
		r.Get("/events", h.HandleEvents)
		r.Get("/history/{runID}", h.HandleHistory)
	})
	return r
}

// HandleProcess handles POST /v1/process. It starts a run and returns
// immediately with 202 Accepted.
func (h *Handler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ProcessRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.Locator == "" && len(req.Data) == 0 && (req.Kind != pipeline.KindDocument || req.Text == "") {
		writeError(w, http.StatusBadRequest, "locator or data is required")
		return
	}

	rec, err := req.Record()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID, err := h.svc.ProcessData(rec, req.Options, orchestrator.Callbacks{})
	switch {
	case errors.Is(err, orchestrator.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := pipeline.ProcessResponse{
		RunID:    runID,
		RecordID: rec.RecordHeader().ID,
	}
	if h.ledger != nil && req.Locator != "" {
		n, err := h.ledger.SeenCount(r.Context(), req.Locator, resp.RecordID)
		if err != nil {
			h.logger.Warn().Err(err).Str(log.FieldLocator, req.Locator).Msg("failed to read seen count")
		}
		resp.SeenCount = n
	}

	h.logger.Info().
		Str(log.FieldRunID, runID).
		Str(log.FieldKind, string(req.Kind)).
		Str(log.FieldLocator, req.Locator).
		Msg("run accepted")

	writeJSON(w, http.StatusAccepted, resp)
}

// HandleListRuns handles GET /v1/runs
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": h.svc.AllProcessingStatus(),
	})
}

// HandleStatus handles GET /v1/runs/{runID}. Finished runs are answered from
// the ledger, then from the event history.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if snap, ok := h.svc.ProcessingStatus(runID); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	if h.ledger != nil {
		entry, err := h.ledger.Get(r.Context(), runID)
		if err == nil {
			writeJSON(w, http.StatusOK, snapshotFromEntry(entry))
			return
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			h.logger.Error().Err(err).Str(log.FieldRunID, runID).Msg("ledger lookup failed")
		}
	}

	if snap, ok := h.lastKnown(runID); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	writeError(w, http.StatusNotFound, pipeline.ErrRunNotFound.Error())
}

// HandleCancel handles DELETE /v1/runs/{runID}
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !h.svc.CancelProcessing(runID) {
		writeError(w, http.StatusNotFound, pipeline.ErrRunNotFound.Error())
		return
	}
	h.logger.Info().Str(log.FieldRunID, runID).Msg("run cancelled")
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "cancelled": true})
}

// HandleCancelAll handles DELETE /v1/runs
func (h *Handler) HandleCancelAll(w http.ResponseWriter, r *http.Request) {
	n := h.svc.CancelAllProcessing()
	h.logger.Info().Int("count", n).Msg("all runs cancelled")
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

// HandleEvents handles GET /v1/events?since=N
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}

	history := h.svc.History()
	events := history.Since(since)
	if events == nil {
		events = []pipeline.RunEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"last_seq": history.LastSeq(),
	})
}

// HandleHistory handles GET /v1/history/{runID}
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusNotFound, "run ledger is disabled")
		return
	}
	runID := chi.URLParam(r, "runID")
	entry, err := h.ledger.Get(r.Context(), runID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		h.logger.Error().Err(err).Str(log.FieldRunID, runID).Msg("ledger lookup failed")
		writeError(w, http.StatusInternalServerError, "ledger lookup failed")
	default:
		writeJSON(w, http.StatusOK, entry)
	}
}

// HandleHealth handles GET /health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": h.svc.ActiveRuns(),
	})
}

// lastKnown rebuilds a snapshot from the newest history event of a run
func (h *Handler) lastKnown(runID string) (pipeline.StatusSnapshot, bool) {
	events := h.svc.History().Since(0)
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.RunID != runID {
			continue
		}
		snap := pipeline.StatusSnapshot{
			ID:        ev.RunID,
			Kind:      ev.Kind,
			Status:    ev.Status,
			Progress:  ev.Progress,
			Error:     ev.Error,
			ErrorCode: ev.ErrorCode,
		}
		if ev.Type.Terminal() {
			t := ev.Timestamp
			snap.EndTime = &t
		}
		return snap, true
	}
	return pipeline.StatusSnapshot{}, false
}

func snapshotFromEntry(e *ledger.Entry) pipeline.StatusSnapshot {
	start := e.CreatedAt
	return pipeline.StatusSnapshot{
		ID:        e.RunID,
		Kind:      e.Kind,
		Status:    e.Status,
		Progress:  e.Progress,
		Error:     e.Error,
		ErrorCode: e.ErrorCode,
		StartTime: &start,
		EndTime:   e.CompletedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
