package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/tabula/pkg/config"
	"github.com/malbeclabs/tabula/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file if it exists
	_ = godotenv.Load()

	var cfg config.Config
	rootCmd := &cobra.Command{
		Use:           "tabula",
		Short:         "Ask questions about tabular retail data.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}
	if err := cfg.Register(rootCmd.PersistentFlags()); err != nil {
		return err
	}

	rootCmd.AddCommand(
		newAskCmd(&cfg),
		newTablesCmd(&cfg),
		newServeCmd(&cfg),
		newRegisterCmd(&cfg),
		newIndexCmd(&cfg),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

// setup validates the configuration and creates the logger. Logs go to
// stderr so command output stays clean on stdout.
func setup(cfg *config.Config) (*slog.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return logger.New(os.Stderr, cfg.Verbose), nil
}
