package pipeline

import "time"

// EventKind classifies events emitted by a run
type EventKind string

// EventKind constants
const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// Terminal reports whether the event ends the run's event stream
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventFailed || k == EventCancelled
}

// Event is one notification from a run. Progress is set for progress events,
// Result for completed and failed events, Err for failed and cancelled events.
type Event struct {
	RunID     string    `json:"run_id"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Progress  float64   `json:"progress"`
	Result    *Result   `json:"result,omitempty"`
	Err       error     `json:"-"`
	Message   string    `json:"message,omitempty"`
}

// RunEvent is the sequenced, serialisable form of an Event kept in the
// orchestrator's history and relayed to external sinks
type RunEvent struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Kind      Kind      `json:"kind"`
	Type      EventKind `json:"type"`
	Status    Status    `json:"status"`
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
}
