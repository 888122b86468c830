package processor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tendant/simple-media-pipeline/internal/log"
	"github.com/tendant/simple-media-pipeline/internal/metrics"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// stage is one independent unit of work over the decoded input. Stages of
// one run write disjoint result fields.
type stage struct {
	name string
	run  func(ctx context.Context, report func(float64)) error
}

// fanOut runs every stage concurrently and waits for all of them. The first
// failure cancels the shared context; fields written by other stages stay.
// A panicking stage fails the run instead of the process.
func (b *base) fanOut(ctx context.Context, t *tracker, stages []stage) error {
	t.setStages(len(stages))
	if len(stages) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, st := range stages {
		g.Go(func() (err error) {
			started := time.Now()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().Str(log.FieldStage, st.name).Interface("panic", r).Msg("stage panicked")
					err = fmt.Errorf("panic: %v", r)
				}
				metrics.ObserveStage(string(b.kind), st.name, time.Since(started), err)
				if err != nil {
					err = pipeline.StageError(st.name, err)
				}
			}()

			if err := st.run(gctx, func(v float64) { t.setStage(i, v) }); err != nil {
				b.logger.Debug().Err(err).Str(log.FieldStage, st.name).Msg("stage failed")
				return err
			}

			t.setStage(i, 1)
			b.logger.Debug().Str(log.FieldStage, st.name).Dur("elapsed", time.Since(started)).Msg("stage finished")
			return nil
		})
	}
	return g.Wait()
}

// compute runs fn while holding one slot of the shared CPU pool. Stages wrap
// only their CPU-bound work so that waiting on a container or a remote model
// does not starve other runs.
func compute(ctx context.Context, cpu *semaphore.Weighted, fn func() error) error {
	if cpu != nil {
		if err := cpu.Acquire(ctx, 1); err != nil {
			return err
		}
		defer cpu.Release(1)
	}
	return fn()
}
