package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-media-pipeline/internal/orchestrator"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
	"github.com/tendant/simple-media-pipeline/pkg/runner"
)

func processWithProgress(ctx context.Context, cmd *cobra.Command, r *runner.Runner, rec pipeline.Record, opts pipeline.Options) (*pipeline.Result, error) {
	type outcome struct {
		result *pipeline.Result
		err    error
	}
	done := make(chan outcome, 1)
	stderr := cmd.ErrOrStderr()

	runID, err := r.Process(rec, opts, orchestrator.Callbacks{
		OnProgress: func(runID string, p float64) {
			fmt.Fprintf(stderr, "%s %5.1f%%\n", runID[:8], p*100)
		},
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
		r.Service().CancelProcessing(runID)
		<-done
		return nil, ctx.Err()
	}
}
