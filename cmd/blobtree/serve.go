package main

import (
	"github.com/spf13/cobra"

	"github.com/meigma/blobtree/server"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured blobs over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			cs, err := openCaches(cfg)
			if err != nil {
				return err
			}
			engine, err := newEngine(cfg, cs.snapshots, logger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			blobs, closeBlobs, err := openBlobs(ctx, cfg.Blobs, cs.blocks)
			if err != nil {
				return err
			}
			defer closeBlobs() //nolint:errcheck // read-only sources

			srv, err := server.New(engine, blobs, server.WithLogger(logger))
			if err != nil {
				return err
			}
			return srv.ListenAndServe(ctx, cfg.Server.Listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides the configuration)")
	return cmd
}
