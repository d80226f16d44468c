package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/tabula/pkg/agent"
	"github.com/malbeclabs/tabula/pkg/catalog"
	"github.com/malbeclabs/tabula/pkg/config"
	"github.com/malbeclabs/tabula/pkg/duck"
)

func newRegisterCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <table>",
		Short: "Record metadata for a knowledge base table",
		Long: "Describe a table stored in the knowledge base file (columns, row count, sample values)\n" +
			"and record it in the metadata catalog. With --csv the table is first created from the file.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset, err := cmd.Flags().GetString("dataset")
			if err != nil {
				return fmt.Errorf("failed to get dataset flag: %w", err)
			}
			description, err := cmd.Flags().GetString("description")
			if err != nil {
				return fmt.Errorf("failed to get description flag: %w", err)
			}
			csvPath, err := cmd.Flags().GetString("csv")
			if err != nil {
				return fmt.Errorf("failed to get csv flag: %w", err)
			}
			generate, err := cmd.Flags().GetBool("generate-description")
			if err != nil {
				return fmt.Errorf("failed to get generate-description flag: %w", err)
			}

			log, err := setup(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			table := args[0]

			kb, err := duck.NewDB(ctx, cfg.KBPath, log)
			if err != nil {
				return fmt.Errorf("failed to open knowledge base %s: %w", cfg.KBPath, err)
			}
			defer kb.Close()
			conn, err := kb.Conn(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			if csvPath != "" {
				if err := catalog.ImportCSV(ctx, conn, table, csvPath); err != nil {
					return err
				}
			}

			meta, err := catalog.Describe(ctx, conn, table, dataset, description)
			if err != nil {
				return err
			}
			if csvPath != "" {
				meta.FileName = filepath.Base(csvPath)
			}
			if description == "" && generate {
				describer, err := agent.NewTableDescriber(agent.DescriberConfig{
					Logger:         log,
					LLM:            newLLM(log, cfg),
					CallTimeout:    cfg.CallTimeout,
					MaxCallRetries: cfg.MaxCallRetries,
				})
				if err != nil {
					return err
				}
				meta.Description = describer.Describe(ctx, meta)
			}
			if err := catalog.Register(ctx, conn, meta); err != nil {
				return err
			}

			log.Info("register: table registered", "table", meta.ID, "rows", meta.RowCount, "columns", len(meta.Columns))
			return nil
		},
	}
	cmd.Flags().String("dataset", "", "Dataset the table belongs to")
	cmd.Flags().String("description", "", "Human-readable description (default: written by the model from the columns and samples)")
	cmd.Flags().Bool("generate-description", true, "Ask the model for a description when --description is empty; otherwise list the columns")
	cmd.Flags().String("csv", "", "Create or replace the table from this CSV file first")
	return cmd
}
