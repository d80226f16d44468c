package agent

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/tabula/pkg/agent/prompts"
)

// Prompts contains the system prompts of every agent, loaded from embedded files.
type Prompts struct {
	Classify   string // Router intent classification
	Filter     string // Stage-2 retrieval filter
	Generate   string // SQL generation and regeneration
	Validate   string // Result validation
	Summarize  string // Single-table insight report
	Synthesize string // Natural-language answer from a result
	Describe   string // Catalog description of a newly registered table
}

// LoadPrompts loads all prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.Classify, err = loadPrompt("CLASSIFY.md"); err != nil {
		return nil, fmt.Errorf("failed to load CLASSIFY: %w", err)
	}
	if p.Filter, err = loadPrompt("FILTER.md"); err != nil {
		return nil, fmt.Errorf("failed to load FILTER: %w", err)
	}
	if p.Generate, err = loadPrompt("GENERATE.md"); err != nil {
		return nil, fmt.Errorf("failed to load GENERATE: %w", err)
	}
	if p.Validate, err = loadPrompt("VALIDATE.md"); err != nil {
		return nil, fmt.Errorf("failed to load VALIDATE: %w", err)
	}
	if p.Summarize, err = loadPrompt("SUMMARIZE.md"); err != nil {
		return nil, fmt.Errorf("failed to load SUMMARIZE: %w", err)
	}
	if p.Synthesize, err = loadPrompt("SYNTHESIZE.md"); err != nil {
		return nil, fmt.Errorf("failed to load SYNTHESIZE: %w", err)
	}
	if p.Describe, err = loadPrompt("DESCRIBE.md"); err != nil {
		return nil, fmt.Errorf("failed to load DESCRIBE: %w", err)
	}

	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
