package orchestrator

import (
	"sync"
	"time"

	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// DefaultHistorySize bounds the event history when none is configured
const DefaultHistorySize = 500

// History stores recent run events and provides incremental reads
type History struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []pipeline.RunEvent
}

// NewHistory creates a bounded in-memory event buffer
func NewHistory(maxEvents int) *History {
	if maxEvents <= 0 {
		maxEvents = DefaultHistorySize
	}

	return &History{
		maxEvents: maxEvents,
		events:    make([]pipeline.RunEvent, 0, maxEvents),
	}
}

// Publish appends one event and assigns its sequence number
func (h *History) Publish(event pipeline.RunEvent) pipeline.RunEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event.Seq = h.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.events = append(h.events, event)
	if len(h.events) > h.maxEvents {
		trim := len(h.events) - h.maxEvents
		h.events = append([]pipeline.RunEvent(nil), h.events[trim:]...)
	}

	return event
}

// Since returns events with sequence strictly greater than seq
func (h *History) Since(seq int64) []pipeline.RunEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.events) == 0 {
		return nil
	}

	out := make([]pipeline.RunEvent, 0, len(h.events))
	for _, event := range h.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// LastSeq returns the sequence number of the newest event
func (h *History) LastSeq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nextSeq
}
