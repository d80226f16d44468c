package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/tabula/pkg/api"
	"github.com/malbeclabs/tabula/pkg/config"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the question API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			origins, err := cmd.Flags().GetStringSlice("cors-origin")
			if err != nil {
				return fmt.Errorf("failed to get cors-origin flag: %w", err)
			}

			log, err := setup(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			d, err := newDeps(ctx, log, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			orch, err := d.orchestrator()
			if err != nil {
				return err
			}

			server, err := api.New(api.Config{
				Logger:         log,
				Asker:          orch,
				Catalog:        d.catalog,
				AllowedOrigins: origins,
			})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			listener, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
			}

			api.BuildInfo.WithLabelValues(version, commit, date).Set(1)
			return server.Serve(ctx, listener)
		},
	}
	cmd.Flags().StringSlice("cors-origin", nil, "Allowed CORS origins")
	return cmd
}
