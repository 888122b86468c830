package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_pipeline_runs_started_total",
		Help: "Total number of runs dispatched by kind",
	}, []string{"kind"})

	RunsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_pipeline_runs_finished_total",
		Help: "Total number of runs that reached a terminal event by kind and outcome",
	}, []string{"kind", "outcome"})

	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "media_pipeline_runs_active",
		Help: "Number of runs currently held in the registry",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "media_pipeline_stage_duration_seconds",
		Help:    "Stage execution time by kind, stage and outcome",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"kind", "stage", "outcome"})

	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_pipeline_events_dropped_total",
		Help: "Events dropped because a buffered subscriber was full",
	}, []string{"kind"})

	AudioDecodeContexts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "media_pipeline_audio_decode_contexts",
		Help: "Audio decode contexts currently held",
	})
)

// ObserveStage records one stage execution.
func ObserveStage(kind, stage string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	StageDuration.WithLabelValues(kind, stage, outcome).Observe(d.Seconds())
}

// IncRunStarted records a dispatched run.
func IncRunStarted(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	RunsStartedTotal.WithLabelValues(kind).Inc()
}

// IncRunFinished records a terminal outcome (completed, failed, cancelled).
func IncRunFinished(kind, outcome string) {
	if kind == "" {
		kind = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	RunsFinishedTotal.WithLabelValues(kind, outcome).Inc()
}

// IncEventDropped records an event a subscriber could not accept.
func IncEventDropped(kind string) {
	EventsDroppedTotal.WithLabelValues(kind).Inc()
}
