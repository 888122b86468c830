package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tendant/simple-media-pipeline/internal/log"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// base holds the lifecycle state machine shared by all processors:
// pending -> processing -> completed | failed. Cancel fails the run and
// guarantees it never completes; a run cancelled before Process starts it
// moves from pending to failed without a start time.
type base struct {
	id     string
	kind   pipeline.Kind
	logger zerolog.Logger
	events *emitter

	mu        sync.Mutex
	status    pipeline.Status
	progress  float64
	errMsg    string
	errCode   pipeline.ErrorCode
	startTime *time.Time
	endTime   *time.Time
	started   bool
	cancelled bool
	terminal  bool
	abort     context.CancelFunc
}

func newBase(id string, kind pipeline.Kind) *base {
	logger := log.WithRun("processor", id).With().Str(log.FieldKind, string(kind)).Logger()
	return &base{
		id:     id,
		kind:   kind,
		logger: logger,
		events: newEmitter(kind, logger),
		status: pipeline.StatusPending,
	}
}

func (b *base) ID() string          { return b.id }
func (b *base) Kind() pipeline.Kind { return b.kind }

func (b *base) On(kind pipeline.EventKind, fn Listener) ListenerID { return b.events.on(kind, fn) }
func (b *base) Off(kind pipeline.EventKind, id ListenerID)         { b.events.off(kind, id) }

// Subscribe returns a bounded event channel; see emitter.subscribe
func (b *base) Subscribe(buffer int) (<-chan pipeline.Event, func()) {
	return b.events.subscribe(buffer)
}

// Status returns a copy of the lifecycle state
func (b *base) Status() pipeline.StatusSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return pipeline.StatusSnapshot{
		ID:        b.id,
		Kind:      b.kind,
		Status:    b.status,
		Progress:  b.progress,
		Error:     b.errMsg,
		ErrorCode: b.errCode,
		StartTime: copyTime(b.startTime),
		EndTime:   copyTime(b.endTime),
	}
}

// begin moves the run to processing and derives the run context that
// Cancel aborts
func (b *base) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil, nil, pipeline.ErrAlreadyStarted
	}
	b.started = true
	if b.cancelled {
		return nil, nil, pipeline.CancellationError()
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.abort = cancel

	now := time.Now().UTC()
	b.startTime = &now
	b.status = pipeline.StatusProcessing
	b.emitLocked(pipeline.Event{Kind: pipeline.EventProgress, Progress: b.progress})

	b.logger.Debug().Msg("processing started")
	return runCtx, cancel, nil
}

// updateProgress clamps v to [0,1], keeps progress monotonic and emits a
// progress event when the value moved
func (b *base) updateProgress(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal || v <= b.progress {
		return
	}
	b.progress = v
	b.emitLocked(pipeline.Event{Kind: pipeline.EventProgress, Progress: v})
}

// complete finalises a successful run. It reports false when the run was
// already terminal, which is always the case after Cancel.
func (b *base) complete(result *pipeline.Result) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal {
		return false
	}

	b.terminal = true
	b.progress = 1
	b.status = pipeline.StatusCompleted
	b.stampEnd(result)

	result.Status = b.status
	result.Progress = 1
	b.emitLocked(pipeline.Event{Kind: pipeline.EventCompleted, Progress: 1, Result: result})
	b.logger.Info().Dur("duration", result.Duration).Msg("processing completed")
	return true
}

// fail finalises a failed run. The result keeps whatever stages already wrote.
func (b *base) fail(result *pipeline.Result, err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal {
		return false
	}

	b.terminal = true
	b.status = pipeline.StatusFailed
	b.errMsg = err.Error()
	b.errCode = pipeline.CodeOf(err)
	b.stampEnd(result)

	result.Status = b.status
	result.Progress = b.progress
	result.Error = b.errMsg
	result.ErrorCode = b.errCode
	b.emitLocked(pipeline.Event{Kind: pipeline.EventFailed, Progress: b.progress, Result: result, Err: err, Message: b.errMsg})
	b.logger.Warn().Err(err).Str(log.FieldCode, string(b.errCode)).Msg("processing failed")
	return true
}

// Cancel raises the abort signal. The run fails with a cancellation error
// and only the cancelled event is emitted for it.
func (b *base) Cancel() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal {
		return false
	}

	err := pipeline.CancellationError()
	b.cancelled = true
	b.terminal = true
	b.status = pipeline.StatusFailed
	b.errMsg = err.Error()
	b.errCode = pipeline.CodeCancelled
	now := time.Now().UTC()
	b.endTime = &now
	if b.abort != nil {
		b.abort()
	}

	b.emitLocked(pipeline.Event{Kind: pipeline.EventCancelled, Progress: b.progress, Err: err, Message: b.errMsg})
	b.logger.Info().Msg("processing cancelled")
	return true
}

// settle records the final state on result after Cancel won the race
func (b *base) settle(result *pipeline.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	result.Status = b.status
	result.Progress = b.progress
	result.Error = b.errMsg
	result.ErrorCode = b.errCode
	result.CompletedAt = copyTime(b.endTime)
	if b.startTime != nil && b.endTime != nil {
		result.Duration = b.endTime.Sub(*b.startTime)
	}
}

func (b *base) stampEnd(result *pipeline.Result) {
	now := time.Now().UTC()
	b.endTime = &now
	result.CompletedAt = copyTime(&now)
	if b.startTime != nil {
		result.Duration = now.Sub(*b.startTime)
	}
}

func (b *base) emitLocked(ev pipeline.Event) {
	ev.RunID = b.id
	ev.Timestamp = time.Now().UTC()
	b.events.emit(ev)
}

// run drives the shared skeleton: begin, the kind-specific body, then the
// terminal transition. It returns after the terminal event is delivered.
func (b *base) run(ctx context.Context, rec pipeline.Record, body func(ctx context.Context, result *pipeline.Result) error) (*pipeline.Result, error) {
	result := &pipeline.Result{
		ID:        b.id,
		Kind:      b.kind,
		Status:    pipeline.StatusPending,
		CreatedAt: time.Now().UTC(),
		Input:     rec,
	}

	runCtx, cancel, err := b.begin(ctx)
	if err != nil {
		if errors.Is(err, pipeline.ErrAlreadyStarted) {
			return nil, err
		}
		b.events.wait()
		b.settle(result)
		return result, err
	}
	defer cancel()

	err = body(runCtx, result)
	switch {
	case err == nil:
		if b.complete(result) {
			break
		}
		err = pipeline.CancellationError()
		b.settle(result)
	case b.wasCancelled():
		err = pipeline.CancellationError()
		b.settle(result)
	case errors.Is(ctx.Err(), context.Canceled) && errors.Is(err, context.Canceled):
		// the caller's context was cancelled; finish like an explicit Cancel
		b.Cancel()
		err = pipeline.CancellationError()
		b.settle(result)
	default:
		b.fail(result, err)
	}

	b.events.wait()
	return result, err
}

func (b *base) wasCancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
