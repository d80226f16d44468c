package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/tabula/pkg/agent"
	"github.com/malbeclabs/tabula/pkg/config"
)

func newTablesCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List the tables registered in the knowledge base",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := setup(cfg)
			if err != nil {
				return err
			}
			kb, cat, err := newCatalog(cmd.Context(), log, cfg)
			if err != nil {
				return err
			}
			defer kb.Close()
			defer cat.Close()

			tables, err := cat.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list tables: %w", err)
			}
			printTables(cmd.OutOrStdout(), tables)
			return nil
		},
	}
}

func printTables(w io.Writer, tables []agent.TableMetadata) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader([]string{"Table", "Dataset", "Rows", "Columns", "Description"})
	for _, t := range tables {
		table.Append([]string{
			t.ID,
			t.Dataset,
			strconv.FormatInt(t.RowCount, 10),
			strings.Join(t.ColumnNames(), ", "),
			t.Description,
		})
	}
	table.Render()
}
