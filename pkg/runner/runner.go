// Package runner wires storage, capabilities, the run ledger and the event
// relay into an orchestrator from a config.Config. It is the entry point for
// embedding the pipeline in another program.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/tendant/simple-content/pkg/simplecontent"
	"github.com/tendant/simple-content/pkg/simplecontent/presets"
	"golang.org/x/sync/semaphore"

	"github.com/tendant/simple-media-pipeline/internal/capability"
	"github.com/tendant/simple-media-pipeline/internal/config"
	"github.com/tendant/simple-media-pipeline/internal/docparse"
	"github.com/tendant/simple-media-pipeline/internal/eventsink"
	"github.com/tendant/simple-media-pipeline/internal/handlers"
	"github.com/tendant/simple-media-pipeline/internal/ledger"
	"github.com/tendant/simple-media-pipeline/internal/log"
	"github.com/tendant/simple-media-pipeline/internal/orchestrator"
	"github.com/tendant/simple-media-pipeline/internal/processor"
	"github.com/tendant/simple-media-pipeline/internal/storage"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// Runner owns a configured orchestrator and the resources behind it
type Runner struct {
	cfg     *config.Config
	service *orchestrator.Service
	ledger  *ledger.Store
	sink    *eventsink.RedisSink
	whisper *capability.WhisperTranscriber
	content simplecontent.Service
	cleanup func()
	logger  zerolog.Logger
}

// New builds a runner from cfg. Call Shutdown to release it.
func New(ctx context.Context, cfg *config.Config) (*Runner, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{cfg: cfg, logger: log.WithComponent("runner")}
	ok := false
	defer func() {
		if !ok {
			r.release()
		}
	}()

	if err := docparse.SetLicense(cfg.PDF.LicenseKey); err != nil {
		return nil, err
	}

	deps, err := r.buildDeps(cfg)
	if err != nil {
		return nil, err
	}

	opts := orchestrator.Options{
		MaxConcurrentRuns: cfg.Processing.MaxConcurrentRuns,
		HistorySize:       cfg.Processing.EventHistory,
	}

	if cfg.Ledger.Driver != config.LedgerNone {
		store, err := ledger.Open(ctx, cfg.Ledger.Driver, cfg.Ledger.DSN)
		if err != nil {
			return nil, err
		}
		r.ledger = store
		opts.Recorder = store
		r.logger.Info().Str("driver", cfg.Ledger.Driver).Msg("run ledger enabled")
	}

	if cfg.Redis.URL != "" {
		sink, err := eventsink.New(ctx, eventsink.Config{
			URL:    cfg.Redis.URL,
			Prefix: cfg.Redis.Prefix,
		}, log.WithComponent("eventsink"))
		if err != nil {
			return nil, err
		}
		r.sink = sink
		opts.Sink = sink
	}

	r.service = orchestrator.NewService(deps, opts)
	ok = true
	return r, nil
}

func (r *Runner) buildDeps(cfg *config.Config) (processor.Deps, error) {
	files, err := storage.NewFilesystemStorage(cfg.Storage.Dir)
	if err != nil {
		return processor.Deps{}, err
	}

	remote := storage.NewHTTPContentReader(cfg.Storage.ContentAPIURL)
	deps := processor.Deps{
		Derived:         files,
		Objects:         capability.NewForegroundDetector(),
		Faces:           capability.NewSkinToneDetector(),
		Texts:           capability.NewEdgeTextDetector(),
		CPU:             semaphore.NewWeighted(int64(cfg.Processing.CPUWorkers)),
		AudioDecode:     semaphore.NewWeighted(int64(cfg.Processing.AudioDecodeContexts)),
		SummaryMinChars: cfg.Processing.SummaryMinChars,
		MaxImagePixels:  cfg.Processing.MaxImagePixels,
	}

	switch {
	case cfg.Storage.EmbeddedContent:
		svc, cleanup, err := presets.NewDevelopment(
			presets.WithDevStorage(filepath.Join(cfg.Storage.Dir, "content")),
		)
		if err != nil {
			return processor.Deps{}, fmt.Errorf("failed to initialize simple-content service: %w", err)
		}
		r.content = svc
		r.cleanup = cleanup
		deps.Fetcher = storage.NewRouter(files, remote, storage.NewContentReader(svc))
		deps.Derived = storage.NewContentDerivedWriter(svc)
		r.logger.Info().Msg("using embedded simple-content service")
	case cfg.Storage.ContentAPIURL != "":
		deps.Fetcher = storage.NewRouter(files, remote, remote)
		r.logger.Info().Str("url", cfg.Storage.ContentAPIURL).Msg("using content API")
	default:
		deps.Fetcher = storage.NewRouter(files, remote, nil)
	}

	if cfg.TextGen.Enabled() {
		gen := capability.NewOpenAIGenerator(capability.OpenAIConfig{
			BaseURL:   cfg.TextGen.BaseURL,
			APIKey:    cfg.TextGen.APIKey,
			Model:     cfg.TextGen.Model,
			MaxTokens: cfg.TextGen.MaxTokens,
			Timeout:   cfg.TextGen.Timeout,
		})
		deps.Summarizer = capability.NewPromptSummarizer(gen, 0)
		r.logger.Info().Str("model", cfg.TextGen.Model).Msg("document summaries enabled")
	}

	if cfg.Whisper.Enabled {
		r.whisper = capability.NewWhisperTranscriber(capability.WhisperConfig{
			Image:     cfg.Whisper.Image,
			ModelPath: cfg.Whisper.ModelPath,
		})
		deps.Transcriber = r.whisper
		r.logger.Info().Str("image", cfg.Whisper.Image).Msg("transcription enabled")
	}

	return deps, nil
}

// Service returns the orchestrator
func (r *Runner) Service() *orchestrator.Service {
	return r.service
}

// Ledger returns the run ledger, or nil when disabled
func (r *Runner) Ledger() *ledger.Store {
	return r.ledger
}

// Content returns the embedded simple-content service, or nil
func (r *Runner) Content() simplecontent.Service {
	return r.content
}

// Handler returns the HTTP API for this runner
func (r *Runner) Handler() http.Handler {
	var l handlers.Ledger
	if r.ledger != nil {
		l = r.ledger
	}
	return handlers.New(r.service, l, handlers.Options{RateLimit: r.cfg.HTTP.RateLimit}).Routes()
}

// ListenAndServe serves the HTTP API on the configured address until ctx is
// done, then shuts the server down gracefully
func (r *Runner) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              r.cfg.HTTP.Addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info().Str("addr", server.Addr).Msg("pipeline worker ready")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	r.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Process starts a run and returns its ID without waiting
func (r *Runner) Process(rec pipeline.Record, opts pipeline.Options, cb orchestrator.Callbacks) (string, error) {
	return r.service.ProcessData(rec, opts, cb)
}

// ProcessAndWait runs rec to completion. If ctx ends first the run is
// cancelled and ctx's error is returned.
func (r *Runner) ProcessAndWait(ctx context.Context, rec pipeline.Record, opts pipeline.Options) (*pipeline.Result, error) {
	type outcome struct {
		result *pipeline.Result
		err    error
	}
	// exactly one terminal callback fires per run
	done := make(chan outcome, 1)

	runID, err := r.service.ProcessData(rec, opts, orchestrator.Callbacks{
		OnComplete: func(res *pipeline.Result) { done <- outcome{result: res} },
		OnError:    func(_ string, err error) { done <- outcome{err: err} },
	})
	if err != nil {
		return nil, err
	}

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		r.service.CancelProcessing(runID)
		<-done
		return nil, ctx.Err()
	}
}

// Shutdown cancels active runs, waits for them until ctx is done and
// releases every resource
func (r *Runner) Shutdown(ctx context.Context) error {
	var errs []error
	if r.service != nil {
		if err := r.service.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close service: %w", err))
		}
	}
	errs = append(errs, r.release())
	return errors.Join(errs...)
}

func (r *Runner) release() error {
	var errs []error
	if r.whisper != nil {
		errs = append(errs, r.whisper.Close())
	}
	if r.sink != nil {
		errs = append(errs, r.sink.Close())
	}
	if r.ledger != nil {
		errs = append(errs, r.ledger.Close())
	}
	if r.cleanup != nil {
		r.cleanup()
		r.cleanup = nil
	}
	return errors.Join(errs...)
}
