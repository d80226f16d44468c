package agent

import (
	"context"

	"github.com/pgvector/pgvector-go"
)

// CompleteOptions holds options for LLM completion.
type CompleteOptions struct {
	CacheSystemPrompt bool // Enable prompt caching for the system prompt
	JSON              bool // The caller expects a JSON document back
}

// CompleteOption is a functional option for Complete.
type CompleteOption func(*CompleteOptions)

// WithCacheControl marks the system prompt as cacheable.
func WithCacheControl() CompleteOption {
	return func(o *CompleteOptions) {
		o.CacheSystemPrompt = true
	}
}

// WithJSONOutput asks the model to constrain its output to JSON.
func WithJSONOutput() CompleteOption {
	return func(o *CompleteOptions) {
		o.JSON = true
	}
}

// LLMClient is the interface for interacting with an LLM.
// Implementations must be safe for concurrent use.
type LLMClient interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error)
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// SimilarityIndex searches stored table metadata embeddings.
// Results must be ordered by descending score; an empty result is valid.
type SimilarityIndex interface {
	Search(ctx context.Context, embedding []float32, k int) ([]Candidate, error)
}

// SQLEngine executes statements against the knowledge base. Only the tables
// named in scope may be visible to the statement. Statement-level failures
// are reported as *ExecutionError.
type SQLEngine interface {
	Execute(ctx context.Context, sql string, scope []string) (ResultSet, error)
}

// Catalog is the read-only view of the knowledge base metadata store.
type Catalog interface {
	Get(ctx context.Context, id string) (TableMetadata, error)
	List(ctx context.Context) ([]TableMetadata, error)
}

// Classifier decides the intent of a user turn.
type Classifier interface {
	Classify(ctx context.Context, question string, tables []string) (Intent, error)
}

// Retriever narrows the knowledge base to candidate tables for a question.
type Retriever interface {
	// Search is stage 1: vector similarity, top K.
	Search(ctx context.Context, question string) ([]Candidate, error)
	// Filter is stage 2: model-judged relevance, a subset of cands.
	Filter(ctx context.Context, question string, cands []Candidate) ([]Candidate, error)
}

// QueryRunner generates, executes and explains SQL for a fixed candidate set.
type QueryRunner interface {
	Generate(ctx context.Context, question string, schemas []TableMetadata, feedback []Feedback) (Statement, error)
	Execute(ctx context.Context, stmt Statement, scope []string) (ResultSet, error)
	Synthesize(ctx context.Context, question string, stmt Statement, result ResultSet) (string, error)
}

// Validator judges whether a result answers the question.
type Validator interface {
	Validate(ctx context.Context, question string, stmt Statement, result ResultSet) (Verdict, error)
}

// Summarizer writes an insight report for a single table.
type Summarizer interface {
	Summarize(ctx context.Context, table TableMetadata, sample ResultSet) (string, error)
}
