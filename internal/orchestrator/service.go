// Package orchestrator dispatches records to processors, tracks active runs
// and relays their events to callers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tendant/simple-media-pipeline/internal/log"
	"github.com/tendant/simple-media-pipeline/internal/metrics"
	"github.com/tendant/simple-media-pipeline/internal/processor"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// ErrClosed is returned by ProcessData after Close
var ErrClosed = errors.New("service is closed")

// Callbacks receive the events of one run. Any of them may be nil. They run
// on the run's event goroutine, in emission order.
type Callbacks struct {
	OnProgress func(runID string, progress float64)
	OnComplete func(result *pipeline.Result)
	// OnError receives failed and cancelled runs
	OnError func(runID string, err error)
}

// Recorder persists terminal results
type Recorder interface {
	Record(ctx context.Context, result *pipeline.Result) error
}

// Sink relays events to an external system
type Sink interface {
	Publish(ctx context.Context, event pipeline.RunEvent, status pipeline.StatusSnapshot) error
}

// Options tune a Service
type Options struct {
	// MaxConcurrentRuns bounds processors running at once; 0 means unlimited
	MaxConcurrentRuns int
	HistorySize       int
	Recorder          Recorder
	Sink              Sink
	// RelayTimeout bounds each recorder or sink call
	RelayTimeout time.Duration
}

type activeRun struct {
	proc   processor.Processor
	kind   pipeline.Kind
	cancel context.CancelFunc
}

// Service owns the run registry. Build one per process and share it.
type Service struct {
	deps    processor.Deps
	opts    Options
	admit   *semaphore.Weighted
	history *History
	logger  zerolog.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*activeRun
	closed bool
}

// NewService creates a service using deps for every processor it builds
func NewService(deps processor.Deps, opts Options) *Service {
	if opts.RelayTimeout <= 0 {
		opts.RelayTimeout = 5 * time.Second
	}
	ctx, stop := context.WithCancel(context.Background())

	s := &Service{
		deps:    deps,
		opts:    opts,
		history: NewHistory(opts.HistorySize),
		logger:  log.WithComponent("orchestrator"),
		ctx:     ctx,
		stop:    stop,
		runs:    make(map[string]*activeRun),
	}
	if opts.MaxConcurrentRuns > 0 {
		s.admit = semaphore.NewWeighted(int64(opts.MaxConcurrentRuns))
	}
	return s
}

// History returns the sequenced event history
func (s *Service) History() *History {
	return s.history
}

// ProcessData dispatches rec to a new processor and returns its run ID
// immediately. The run executes on its own goroutine and reports through cb.
func (s *Service) ProcessData(rec pipeline.Record, opts pipeline.Options, cb Callbacks) (string, error) {
	if rec == nil {
		return "", pipeline.InputError(fmt.Errorf("nil record"))
	}
	if err := opts.Validate(); err != nil {
		return "", pipeline.InputError(err)
	}

	runID := uuid.New().String()
	proc, err := processor.ForRecord(runID, rec, s.deps)
	if err != nil {
		return "", err
	}
	kind := proc.Kind()

	runCtx, cancel := context.WithCancel(s.ctx)
	run := &activeRun{proc: proc, kind: kind, cancel: cancel}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	s.runs[runID] = run
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.IncRunStarted(string(kind))
	metrics.RunsActive.Inc()
	s.wire(runID, proc, cb)

	s.logger.Info().
		Str(log.FieldRunID, runID).
		Str(log.FieldRecordID, rec.RecordHeader().ID).
		Str(log.FieldKind, string(kind)).
		Msg("run dispatched")

	go s.execute(runCtx, runID, run, rec, opts)
	return runID, nil
}

func (s *Service) execute(ctx context.Context, runID string, run *activeRun, rec pipeline.Record, opts pipeline.Options) {
	defer s.wg.Done()
	defer run.cancel()

	if s.admit != nil {
		if err := s.admit.Acquire(ctx, 1); err != nil {
			// cancelled while queued: Process then returns the
			// cancellation once its event has been delivered
			run.proc.Cancel()
		} else {
			defer s.admit.Release(1)
		}
	}

	result, err := run.proc.Process(ctx, rec, opts)
	if result == nil {
		s.logger.Error().Err(err).Str(log.FieldRunID, runID).Msg("processor refused run")
		s.deregister(runID)
		return
	}

	outcome := "completed"
	switch {
	case pipeline.CodeOf(err) == pipeline.CodeCancelled:
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	}
	metrics.IncRunFinished(string(run.kind), outcome)

	// terminal events already deregistered the run; this covers listeners
	// that never saw one
	s.deregister(runID)

	if s.opts.Recorder != nil {
		rctx, cancel := context.WithTimeout(context.Background(), s.opts.RelayTimeout)
		defer cancel()
		if err := s.opts.Recorder.Record(rctx, result); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldRunID, runID).Msg("failed to record run")
		}
	}
}

// wire connects processor events to the caller's callbacks, the history
// and the sink
func (s *Service) wire(runID string, proc processor.Processor, cb Callbacks) {
	proc.On(pipeline.EventProgress, func(ev pipeline.Event) {
		s.relay(proc, ev)
		if cb.OnProgress != nil {
			cb.OnProgress(runID, ev.Progress)
		}
	})
	proc.On(pipeline.EventCompleted, func(ev pipeline.Event) {
		s.deregister(runID)
		s.relay(proc, ev)
		if cb.OnComplete != nil {
			cb.OnComplete(ev.Result)
		}
	})
	proc.On(pipeline.EventFailed, func(ev pipeline.Event) {
		s.deregister(runID)
		s.relay(proc, ev)
		if cb.OnError != nil {
			cb.OnError(runID, ev.Err)
		}
	})
	proc.On(pipeline.EventCancelled, func(ev pipeline.Event) {
		s.deregister(runID)
		s.relay(proc, ev)
		if cb.OnError != nil {
			cb.OnError(runID, ev.Err)
		}
	})
}

func (s *Service) relay(proc processor.Processor, ev pipeline.Event) {
	snap := proc.Status()
	re := pipeline.RunEvent{
		Timestamp: ev.Timestamp,
		RunID:     ev.RunID,
		Kind:      proc.Kind(),
		Type:      ev.Kind,
		Status:    snap.Status,
		Progress:  ev.Progress,
		ErrorCode: pipeline.CodeOf(ev.Err),
	}
	if ev.Err != nil {
		re.Error = ev.Err.Error()
	}
	re = s.history.Publish(re)

	if s.opts.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RelayTimeout)
	defer cancel()
	if err := s.opts.Sink.Publish(ctx, re, snap); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldRunID, ev.RunID).Str(log.FieldEvent, string(ev.Kind)).Msg("failed to relay event")
	}
}

// deregister removes a run from the registry; repeated calls are no-ops
func (s *Service) deregister(runID string) *activeRun {
	s.mu.Lock()
	run, ok := s.runs[runID]
	if ok {
		delete(s.runs, runID)
	}
	s.mu.Unlock()

	if ok {
		metrics.RunsActive.Dec()
		s.logger.Debug().Str(log.FieldRunID, runID).Msg("run deregistered")
	}
	return run
}

// CancelProcessing cancels an active run. It reports true only when the run
// was found and its cancellation took effect.
func (s *Service) CancelProcessing(runID string) bool {
	run := s.deregister(runID)
	if run == nil {
		return false
	}
	cancelled := run.proc.Cancel()
	run.cancel()
	return cancelled
}

// CancelAllProcessing cancels and deregisters every active run
func (s *Service) CancelAllProcessing() int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if s.CancelProcessing(id) {
			n++
		}
	}
	return n
}

// ProcessingStatus returns the status of an active run
func (s *Service) ProcessingStatus(runID string) (pipeline.StatusSnapshot, bool) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return pipeline.StatusSnapshot{}, false
	}
	return run.proc.Status(), true
}

// AllProcessingStatus returns the status of every active run, oldest first
func (s *Service) AllProcessingStatus() []pipeline.StatusSnapshot {
	s.mu.Lock()
	procs := make([]processor.Processor, 0, len(s.runs))
	for _, run := range s.runs {
		procs = append(procs, run.proc)
	}
	s.mu.Unlock()

	out := make([]pipeline.StatusSnapshot, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].StartTime, out[j].StartTime
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return out[i].ID < out[j].ID
		}
		return a.Before(*b)
	})
	return out
}

// ActiveRuns returns the number of registered runs
func (s *Service) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Close stops accepting runs, cancels active ones and waits for their
// goroutines until ctx is done
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.CancelAllProcessing()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
