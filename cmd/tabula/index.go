package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/tabula/pkg/config"
	"github.com/malbeclabs/tabula/pkg/index"
)

func newIndexCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Embed every registered table into the Qdrant index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			concurrency, err := cmd.Flags().GetInt("concurrency")
			if err != nil {
				return fmt.Errorf("failed to get concurrency flag: %w", err)
			}
			if cfg.IndexBackend != config.IndexBackendQdrant {
				return fmt.Errorf("index requires --index qdrant; the memory index is built on every run")
			}

			log, err := setup(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			kb, cat, err := newCatalog(ctx, log, cfg)
			if err != nil {
				return err
			}
			defer kb.Close()
			defer cat.Close()

			q, err := newQdrant(ctx, log, cfg, cat)
			if err != nil {
				return err
			}
			defer q.Close()

			n, err := index.Sync(ctx, cat, newEmbedder(cfg), q, index.BuildConfig{Concurrency: concurrency})
			if err != nil {
				return fmt.Errorf("failed to index tables: %w", err)
			}
			log.Info("index: tables indexed", "count", n, "collection", cfg.QdrantCollection)
			return nil
		},
	}
	cmd.Flags().Int("concurrency", 4, "Parallel embedding batches")
	return cmd
}
