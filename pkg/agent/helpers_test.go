package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/require"
)

// llmCall is one recorded call to the mock LLM client.
type llmCall struct {
	op     string
	system string
	user   string
}

// mockLLMClient answers by operation, detected from the system prompt. Each
// operation has a queue of replies; the last reply repeats once the queue
// is exhausted.
type mockLLMClient struct {
	mu        sync.Mutex
	prompts   *Prompts
	responses map[string][]string
	errs      map[string]error
	calls     []llmCall
}

func newMockLLM(t *testing.T, responses map[string][]string) *mockLLMClient {
	t.Helper()
	p, err := LoadPrompts()
	require.NoError(t, err)
	return &mockLLMClient{prompts: p, responses: responses, errs: map[string]error{}}
}

func (m *mockLLMClient) op(system string) string {
	switch {
	case system == m.prompts.Classify:
		return "classify"
	case system == m.prompts.Filter:
		return "filter"
	case strings.HasPrefix(system, m.prompts.Generate):
		return "generate"
	case system == m.prompts.Validate:
		return "validate"
	case system == m.prompts.Summarize:
		return "summarize"
	case system == m.prompts.Synthesize:
		return "synthesize"
	case system == m.prompts.Describe:
		return "describe"
	}
	return "unknown"
}

func (m *mockLLMClient) Complete(ctx context.Context, system, user string, opts ...CompleteOption) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op := m.op(system)
	m.calls = append(m.calls, llmCall{op: op, system: system, user: user})
	if err := m.errs[op]; err != nil {
		return "", err
	}
	queue := m.responses[op]
	if len(queue) == 0 {
		return "", fmt.Errorf("%w: no scripted response for %s", ErrNonRetryable, op)
	}
	resp := queue[0]
	if len(queue) > 1 {
		m.responses[op] = queue[1:]
	}
	return resp, nil
}

func (m *mockLLMClient) callsFor(op string) []llmCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []llmCall
	for _, c := range m.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type engineCall struct {
	sql   string
	scope []string
}

// mockEngine runs fn for every statement and records the calls.
type mockEngine struct {
	mu    sync.Mutex
	fn    func(sql string, scope []string) (ResultSet, error)
	calls []engineCall
}

func (m *mockEngine) Execute(ctx context.Context, sql string, scope []string) (ResultSet, error) {
	m.mu.Lock()
	m.calls = append(m.calls, engineCall{sql: sql, scope: slices.Clone(scope)})
	m.mu.Unlock()
	return m.fn(sql, scope)
}

func (m *mockEngine) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockEngine) executions() []engineCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// fixedResult returns the same result for every statement.
func fixedResult(rs ResultSet) func(string, []string) (ResultSet, error) {
	return func(string, []string) (ResultSet, error) { return rs, nil }
}

type mockEmbedder struct {
	err error
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	if m.err != nil {
		return pgvector.Vector{}, m.err
	}
	return pgvector.NewVector([]float32{1, 0, 0}), nil
}

// mockIndex returns its candidates regardless of the query vector.
type mockIndex struct {
	cands []Candidate
	err   error
}

func (m *mockIndex) Search(ctx context.Context, embedding []float32, k int) ([]Candidate, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := slices.Clone(m.cands)
	SortCandidates(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

type mockCatalog struct {
	tables []TableMetadata
}

func (m *mockCatalog) Get(ctx context.Context, id string) (TableMetadata, error) {
	for _, t := range m.tables {
		if t.ID == id {
			return t, nil
		}
	}
	return TableMetadata{}, fmt.Errorf("%w: %s", ErrUnknownTable, id)
}

func (m *mockCatalog) List(ctx context.Context) ([]TableMetadata, error) {
	return m.tables, nil
}

func salesTable() TableMetadata {
	return TableMetadata{
		ID:          "sales",
		Dataset:     "retail",
		Description: "Sales transactions per store",
		Columns: []Column{
			{Name: "store", Type: "VARCHAR"},
			{Name: "amount", Type: "DOUBLE"},
		},
		RowCount:     3,
		SampleValues: map[string][]string{"store": {"A", "B"}},
	}
}

func customersTable() TableMetadata {
	return TableMetadata{
		ID:          "customers",
		Dataset:     "retail",
		Description: "Customer master data",
		Columns: []Column{
			{Name: "customer_id", Type: "INTEGER"},
			{Name: "tier", Type: "VARCHAR"},
		},
		RowCount: 2,
	}
}

// newTestConfig returns a config with fast, deterministic call policies.
// Collaborators not given are filled with empty mocks.
func newTestConfig(t *testing.T, llm LLMClient, engine SQLEngine, tables ...TableMetadata) Config {
	t.Helper()
	cands := make([]Candidate, len(tables))
	for i, tbl := range tables {
		cands[i] = Candidate{Table: tbl, Score: float32(len(tables)-i) / float32(len(tables))}
	}
	if engine == nil {
		engine = &mockEngine{fn: fixedResult(ResultSet{})}
	}
	return Config{
		Logger:               slog.New(slog.DiscardHandler),
		Clock:                clockwork.NewFakeClock(),
		LLM:                  llm,
		Embedder:             &mockEmbedder{},
		Index:                &mockIndex{cands: cands},
		Engine:               engine,
		Catalog:              &mockCatalog{tables: tables},
		CallTimeout:          5 * time.Second,
		MaxCallRetries:       0,
		RetryInitialInterval: time.Millisecond,
	}
}

func validatedConfig(t *testing.T, cfg Config) *Config {
	t.Helper()
	require.NoError(t, cfg.Validate())
	return &cfg
}
