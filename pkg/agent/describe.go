package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// DescriberConfig configures a TableDescriber. Only the model is required.
type DescriberConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	LLM     LLMClient
	Prompts *Prompts

	CallTimeout          time.Duration
	MaxCallRetries       int
	RetryInitialInterval time.Duration
}

func (c *DescriberConfig) Validate() error {
	if c.LLM == nil {
		return errors.New("LLM client is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Prompts == nil {
		p, err := LoadPrompts()
		if err != nil {
			return fmt.Errorf("failed to load prompts: %w", err)
		}
		c.Prompts = p
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.MaxCallRetries < 0 {
		return fmt.Errorf("max call retries must be non-negative, got %d", c.MaxCallRetries)
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = DefaultRetryInitialInterval
	}
	return nil
}

// TableDescriber writes catalog descriptions for tables at registration.
type TableDescriber struct {
	cfg    DescriberConfig
	policy callPolicy
}

func NewTableDescriber(cfg DescriberConfig) (*TableDescriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate describer config: %w", err)
	}
	return &TableDescriber{
		cfg: cfg,
		policy: callPolicy{
			Timeout:         cfg.CallTimeout,
			MaxRetries:      cfg.MaxCallRetries,
			InitialInterval: cfg.RetryInitialInterval,
			obs:             newObserver(cfg.Logger, cfg.Clock),
		},
	}, nil
}

// Describe asks the model for a description of table from its file name,
// columns and sample values. If the call fails the column listing of
// DefaultDescription is returned instead.
func (d *TableDescriber) Describe(ctx context.Context, table TableMetadata) string {
	// The model describes the table from its shape, not from a previous description.
	table.Description = ""
	var sb strings.Builder
	if table.FileName != "" {
		sb.WriteString("File: " + table.FileName + "\n\n")
	}
	sb.WriteString(formatSchema([]TableMetadata{table}))

	desc, err := complete(ctx, d.cfg.LLM, d.policy, "describe", d.cfg.Prompts.Describe, sb.String(),
		parseDescription, WithCacheControl())
	if err != nil {
		d.cfg.Logger.Warn("describer: failed to generate description, using column listing", "table", table.ID, "error", err)
		return DefaultDescription(table)
	}
	return desc
}

func parseDescription(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimSpace(strings.Trim(text, `"`))
	if text == "" {
		return "", errors.New("empty description")
	}
	return text, nil
}

// DefaultDescription lists the table's first columns.
func DefaultDescription(t TableMetadata) string {
	names := t.ColumnNames()
	if len(names) > 5 {
		names = names[:5]
	}
	return fmt.Sprintf("Table with %d columns: %s", len(t.Columns), strings.Join(names, ", "))
}
