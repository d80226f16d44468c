package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultTopK                  = 10
	DefaultMaxGenerationAttempts = 3
	DefaultMaxValidationAttempts = 3
	DefaultCallTimeout           = 60 * time.Second
	DefaultMaxCallRetries        = 2
	DefaultRetryInitialInterval  = 500 * time.Millisecond
	DefaultSampleRows            = 5
	DefaultPromptRows            = 10
)

// Config holds the collaborators and limits shared by the agents and the
// orchestrator.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	LLM      LLMClient
	Embedder Embedder
	Index    SimilarityIndex
	Engine   SQLEngine
	Catalog  Catalog
	Prompts  *Prompts

	TopK                  int           // Stage-1 retrieval size
	MaxGenerationAttempts int           // Statements executed per generation round
	MaxValidationAttempts int           // Validator calls per turn
	CallTimeout           time.Duration // Timeout of a single external call attempt
	MaxCallRetries        int           // Call-site retries after the first attempt
	RetryInitialInterval  time.Duration // First backoff interval between call attempts
	SampleRows            int           // Rows sampled for summarization
	PromptRows            int           // Result rows shown to validation and synthesis
	SkipSynthesis         bool          // Return results without a natural-language answer
}

// Validate checks required collaborators and fills unset limits with defaults.
func (c *Config) Validate() error {
	if c.LLM == nil {
		return errors.New("LLM client is required")
	}
	if c.Embedder == nil {
		return errors.New("embedder is required")
	}
	if c.Index == nil {
		return errors.New("similarity index is required")
	}
	if c.Engine == nil {
		return errors.New("SQL engine is required")
	}
	if c.Catalog == nil {
		return errors.New("catalog is required")
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
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.MaxGenerationAttempts <= 0 {
		c.MaxGenerationAttempts = DefaultMaxGenerationAttempts
	}
	if c.MaxValidationAttempts <= 0 {
		c.MaxValidationAttempts = DefaultMaxValidationAttempts
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
	if c.SampleRows <= 0 {
		c.SampleRows = DefaultSampleRows
	}
	if c.PromptRows <= 0 {
		c.PromptRows = DefaultPromptRows
	}
	return nil
}

func (c *Config) policy() callPolicy {
	return callPolicy{
		Timeout:         c.CallTimeout,
		MaxRetries:      c.MaxCallRetries,
		InitialInterval: c.RetryInitialInterval,
		obs:             newObserver(c.Logger, c.Clock),
	}
}
