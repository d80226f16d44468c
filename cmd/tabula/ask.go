package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/tabula/pkg/agent"
	"github.com/malbeclabs/tabula/pkg/config"
)

const maxPrintedRows = 20

func newAskCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question about the knowledge base",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			intentStr, err := cmd.Flags().GetString("intent")
			if err != nil {
				return fmt.Errorf("failed to get intent flag: %w", err)
			}
			table, err := cmd.Flags().GetString("table")
			if err != nil {
				return fmt.Errorf("failed to get table flag: %w", err)
			}
			asJSON, err := cmd.Flags().GetBool("json")
			if err != nil {
				return fmt.Errorf("failed to get json flag: %w", err)
			}

			req := agent.Request{Question: strings.TrimSpace(strings.Join(args, " ")), Table: table}
			if intentStr != "" {
				intent, ok := agent.ParseIntent(intentStr)
				if !ok {
					return fmt.Errorf("invalid intent: %s (want summarize or query)", intentStr)
				}
				req.Intent = intent
			}
			if req.Table != "" && req.Intent == "" {
				req.Intent = agent.IntentSummarize
			}
			if req.Question == "" && req.Table == "" {
				return errors.New("a question or --table is required")
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

			out, runErr := orch.Run(ctx, req)
			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
			} else {
				printOutcome(cmd.OutOrStdout(), out)
			}
			var f *agent.Failure
			if errors.As(runErr, &f) {
				return errors.New(f.Diagnostic)
			}
			return runErr
		},
	}

	cmd.Flags().String("intent", "", "Skip routing: summarize or query")
	cmd.Flags().String("table", "", "Table to summarize (implies --intent summarize)")
	cmd.Flags().Bool("json", false, "Print the full outcome as JSON")
	return cmd
}

func printJSON(w io.Writer, out *agent.Outcome) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}
	return nil
}

func printOutcome(w io.Writer, out *agent.Outcome) {
	if out == nil || out.State != agent.StateDone {
		return
	}
	if out.Intent == agent.IntentSummarize {
		fmt.Fprintf(w, "# %s\n\n%s\n", out.Table, out.Report)
		return
	}

	fmt.Fprintln(w, out.Answer)
	if out.Statement != nil {
		fmt.Fprintf(w, "\nSQL:\n%s\n", out.Statement.SQL)
	}
	if out.Result != nil && len(out.Result.Columns) > 0 {
		fmt.Fprintln(w)
		printResult(w, *out.Result, maxPrintedRows)
	}
}

func printResult(w io.Writer, result agent.ResultSet, maxRows int) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(result.Columns)

	for i, row := range result.Rows {
		if i >= maxRows {
			break
		}
		cells := make([]string, len(result.Columns))
		for j, col := range result.Columns {
			if v := row[col]; v == nil {
				cells[j] = "NULL"
			} else {
				cells[j] = fmt.Sprint(v)
			}
		}
		table.Append(cells)
	}
	total := fmt.Sprintf("%d", result.Count())
	if result.Truncated {
		total += "+"
	}
	if n := result.Count(); n > maxRows || result.Truncated {
		table.SetFooter(footer(len(result.Columns), fmt.Sprintf("%d of %s rows", min(maxRows, n), total)))
	}
	table.Render()
}

func footer(width int, text string) []string {
	f := make([]string, width)
	f[width-1] = text
	return f
}
