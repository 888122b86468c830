package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-media-pipeline/pkg/runner"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the worker API with an embedded content store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			if cfg.Storage.ContentAPIURL == "" {
				cfg.Storage.EmbeddedContent = true
			}

			r, err := runner.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			serveErr := r.ListenAndServe(cmd.Context())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.Shutdown(shutdownCtx); err != nil && serveErr == nil {
				return err
			}
			return serveErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides PIPELINE_HTTP_ADDR)")
	return cmd
}
