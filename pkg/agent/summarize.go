package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SummarizationAgent writes an insight report for a single table.
type SummarizationAgent struct {
	cfg    *Config
	policy callPolicy
}

// NewSummarizationAgent creates a summarization agent. cfg must have been validated.
func NewSummarizationAgent(cfg *Config) *SummarizationAgent {
	return &SummarizationAgent{cfg: cfg, policy: cfg.policy()}
}

// Summarize produces the report in a single pass.
func (s *SummarizationAgent) Summarize(ctx context.Context, table TableMetadata, sample ResultSet) (string, error) {
	userPrompt := fmt.Sprintf("Table:\n%s\nSample rows:\n%s",
		formatSchema([]TableMetadata{table}), FormatResult(sample, s.cfg.SampleRows))

	report, err := complete(ctx, s.cfg.LLM, s.policy, "summarize", s.cfg.Prompts.Summarize, userPrompt,
		func(text string) (string, error) {
			text = strings.TrimSpace(text)
			if text == "" {
				return "", errors.New("empty report")
			}
			return text, nil
		}, WithCacheControl())
	if err != nil {
		return "", fmt.Errorf("failed to summarize %s: %w", table.ID, err)
	}
	return report, nil
}

// sampleStatement selects the first n rows of a table.
func sampleStatement(table string, n int) string {
	return fmt.Sprintf(`SELECT * FROM "%s" LIMIT %d`, strings.ReplaceAll(table, `"`, `""`), n)
}
