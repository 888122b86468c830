package processor

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tendant/simple-media-pipeline/internal/metrics"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// Listener receives run events
type Listener func(pipeline.Event)

// ListenerID identifies a registered listener for Off
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// emitter delivers events in emission order from a single drainer goroutine.
// Listeners are looked up when an event is delivered, so Off takes effect
// for every event not yet delivered. Nothing is accepted after a terminal event.
type emitter struct {
	kind   pipeline.Kind
	logger zerolog.Logger

	mu        sync.Mutex
	nextID    ListenerID
	listeners map[pipeline.EventKind][]listenerEntry
	queue     []pipeline.Event
	draining  bool
	closed    bool
	done      chan struct{}

	subMu   sync.Mutex
	nextSub uint64
	subs    map[uint64]chan pipeline.Event
}

func newEmitter(kind pipeline.Kind, logger zerolog.Logger) *emitter {
	return &emitter{
		kind:      kind,
		logger:    logger,
		listeners: make(map[pipeline.EventKind][]listenerEntry),
		subs:      make(map[uint64]chan pipeline.Event),
		done:      make(chan struct{}),
	}
}

func (e *emitter) on(kind pipeline.EventKind, fn Listener) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners[kind] = append(e.listeners[kind], listenerEntry{id: e.nextID, fn: fn})
	return e.nextID
}

func (e *emitter) off(kind pipeline.EventKind, id ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.listeners[kind]
	for i, l := range entries {
		if l.id == id {
			// copy so a delivery holding the old slice is unaffected
			next := make([]listenerEntry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			e.listeners[kind] = next
			return
		}
	}
}

// subscribe returns a buffered channel receiving every event. Events that do
// not fit are dropped and counted. The channel is closed after the terminal
// event or when the returned func is called.
func (e *emitter) subscribe(buffer int) (<-chan pipeline.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan pipeline.Event, buffer)

	e.subMu.Lock()
	select {
	case <-e.done:
		e.subMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	e.nextSub++
	id := e.nextSub
	e.subs[id] = ch
	e.subMu.Unlock()

	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
}

// emit queues ev for delivery. It reports false once the stream is closed.
func (e *emitter) emit(ev pipeline.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}
	if ev.Kind.Terminal() {
		e.closed = true
	}
	e.queue = append(e.queue, ev)
	if !e.draining {
		e.draining = true
		go e.drain()
	}
	return true
}

func (e *emitter) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.draining = false
			closed := e.closed
			e.mu.Unlock()
			if closed {
				e.finish()
			}
			return
		}
		ev := e.queue[0]
		e.queue = e.queue[1:]
		entries := e.listeners[ev.Kind]
		e.mu.Unlock()

		for _, l := range entries {
			if !e.stillRegistered(ev.Kind, l.id) {
				continue
			}
			e.deliver(l.fn, ev)
		}
		e.publish(ev)
	}
}

func (e *emitter) stillRegistered(kind pipeline.EventKind, id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.listeners[kind] {
		if l.id == id {
			return true
		}
	}
	return false
}

func (e *emitter) deliver(fn Listener, ev pipeline.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("event", string(ev.Kind)).Msg("listener panicked")
		}
	}()
	fn(ev)
}

func (e *emitter) publish(ev pipeline.Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			metrics.IncEventDropped(string(e.kind))
		}
	}
}

func (e *emitter) finish() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	select {
	case <-e.done:
		return
	default:
	}
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	close(e.done)
}

// wait blocks until the terminal event has been delivered
func (e *emitter) wait() {
	<-e.done
}
