package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	totalSalesSQL = "SELECT SUM(amount) AS total_sales FROM sales"
	badColumnSQL  = "SELECT SUM(amt) AS total_sales FROM sales"
)

func totalSalesResult() ResultSet {
	return ResultSet{Columns: []string{"total_sales"}, Rows: []map[string]any{{"total_sales": 150.0}}}
}

func queryScript() map[string][]string {
	return map[string][]string{
		"classify":   {`{"intent": "query", "reasoning": "asks for a number"}`},
		"filter":     {`{"tables": ["sales"], "reasoning": "sales has amounts"}`},
		"generate":   {"```sql\n" + totalSalesSQL + "\n```\nSums every sale."},
		"validate":   {"VALID"},
		"synthesize": {"Total sales were 150."},
	}
}

func newOrchestrator(t *testing.T, cfg Config, agents Agents) *Orchestrator {
	t.Helper()
	o, err := New(cfg, agents)
	require.NoError(t, err)
	return o
}

func transitionStates(out *Outcome) []State {
	states := make([]State, len(out.Transitions))
	for i, tr := range out.Transitions {
		states[i] = tr.To
	}
	return states
}

func TestTabula_Orchestrator_TotalSales(t *testing.T) {
	t.Parallel()

	llm := newMockLLM(t, queryScript())
	engine := &mockEngine{fn: fixedResult(totalSalesResult())}
	o := newOrchestrator(t, newTestConfig(t, llm, engine, salesTable(), customersTable()), Agents{})

	out, err := o.Run(t.Context(), Request{Question: "What were total sales?"})
	require.NoError(t, err)

	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, IntentQuery, out.Intent)
	assert.Equal(t, []string{"sales"}, out.Candidates)
	require.NotNil(t, out.Statement)
	assert.Equal(t, totalSalesSQL, out.Statement.SQL)
	assert.Equal(t, []string{"sales"}, out.Statement.Tables)
	require.NotNil(t, out.Result)
	assert.Equal(t, 150.0, out.Result.Rows[0]["total_sales"])
	require.NotNil(t, out.Verdict)
	assert.True(t, out.Verdict.Accepted())
	assert.False(t, out.Unverified)
	assert.Equal(t, "Total sales were 150.", out.Answer)
	assert.Equal(t, Counters{Generations: 1, Validations: 1}, out.Attempts)
	assert.NotEmpty(t, out.TurnID)

	assert.Equal(t, []State{
		StateRouting, StateRetrieving, StateGenerating, StateExecuting, StateValidating, StateDone,
	}, transitionStates(out))

	calls := engine.executions()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"sales"}, calls[0].scope)
}

func TestTabula_Orchestrator_UnknownTableNoRelevantData(t *testing.T) {
	t.Parallel()

	script := queryScript()
	script["filter"] = []string{`{"tables": [], "reasoning": "nothing about weather"}`}
	llm := newMockLLM(t, script)
	engine := &mockEngine{fn: fixedResult(totalSalesResult())}
	o := newOrchestrator(t, newTestConfig(t, llm, engine, salesTable(), customersTable()), Agents{})

	out, err := o.Run(t.Context(), Request{Question: "What is the weather in Paris?"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoRelevantData))

	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, KindNoRelevantData, f.Kind)
	assert.NotContains(t, f.Diagnostic, "filter")

	assert.Equal(t, StateFailed, out.State)
	assert.Same(t, f, out.Failure)
	assert.Empty(t, llm.callsFor("generate"))
	assert.Zero(t, engine.count())
}

func TestTabula_Orchestrator_EmptyKnowledgeBase(t *testing.T) {
	t.Parallel()

	llm := newMockLLM(t, queryScript())
	o := newOrchestrator(t, newTestConfig(t, llm, nil), Agents{})

	out, err := o.Run(t.Context(), Request{Question: "What were total sales?"})
	require.ErrorIs(t, err, ErrNoRelevantData)
	assert.Equal(t, StateFailed, out.State)
	assert.Empty(t, llm.callsFor("filter"))
}

func TestTabula_Orchestrator_BadColumnCorrected(t *testing.T) {
	t.Parallel()

	script := queryScript()
	script["generate"] = []string{"```sql\n" + badColumnSQL + "\n```", "```sql\n" + totalSalesSQL + "\n```"}
	llm := newMockLLM(t, script)
	engine := &mockEngine{fn: func(sql string, scope []string) (ResultSet, error) {
		if strings.Contains(sql, "amt") {
			return ResultSet{}, &ExecutionError{SQL: sql, Message: `Binder Error: Referenced column "amt" not found`}
		}
		return totalSalesResult(), nil
	}}
	o := newOrchestrator(t, newTestConfig(t, llm, engine, salesTable()), Agents{})

	out, err := o.Run(t.Context(), Request{Question: "What were total sales?"})
	require.NoError(t, err)

	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, totalSalesSQL, out.Statement.SQL)
	assert.Equal(t, 2, out.Attempts.Generations)
	assert.Equal(t, 2, engine.count())

	gens := llm.callsFor("generate")
	require.Len(t, gens, 2)
	assert.NotContains(t, gens[0].user, "failed")
	assert.Contains(t, gens[1].user, badColumnSQL)
	assert.Contains(t, gens[1].user, `Referenced column "amt" not found`)
}

func TestTabula_Orchestrator_AlwaysFailingEngine(t *testing.T) {
	t.Parallel()

	for _, maxGen := range []int{1, 3, 5} {
		llm := newMockLLM(t, queryScript())
		engine := &mockEngine{fn: func(sql string, _ []string) (ResultSet, error) {
			return ResultSet{}, &ExecutionError{SQL: sql, Message: "Catalog Error: boom"}
		}}
		cfg := newTestConfig(t, llm, engine, salesTable())
		cfg.MaxGenerationAttempts = maxGen
		o := newOrchestrator(t, cfg, Agents{})

		out, err := o.Run(t.Context(), Request{Question: "What were total sales?"})
		require.ErrorIs(t, err, ErrQueryGenerationExhausted)
		assert.Equal(t, StateFailed, out.State)
		assert.Equal(t, maxGen, engine.count(), "max generation attempts %d", maxGen)
		assert.Empty(t, llm.callsFor("validate"))

		var f *Failure
		require.True(t, errors.As(err, &f))
		assert.Equal(t, KindQueryGenerationExhausted, f.Kind)
		assert.Contains(t, f.Err.Error(), "Catalog Error: boom")
	}
}

// rejectingValidator rejects every result.
type rejectingValidator struct {
	calls int
}

func (v *rejectingValidator) Validate(ctx context.Context, question string, stmt Statement, result ResultSet) (Verdict, error) {
	v.calls++
	return reject("totals look wrong"), nil
}

func TestTabula_Orchestrator_AlwaysRejectingValidator(t *testing.T) {
	t.Parallel()

	for _, maxVal := range []int{1, 3, 4} {
		llm := newMockLLM(t, queryScript())
		engine := &mockEngine{fn: fixedResult(totalSalesResult())}
		cfg := newTestConfig(t, llm, engine, salesTable())
		cfg.MaxValidationAttempts = maxVal
		validator := &rejectingValidator{}
		o := newOrchestrator(t, cfg, Agents{Validator: validator})

		out, err := o.Run(t.Context(), Request{Question: "What were total sales?"})
		require.NoError(t, err)
		assert.Equal(t, StateDone, out.State)
		assert.True(t, out.Unverified)
		assert.Equal(t, maxVal, validator.calls)
		assert.Equal(t, maxVal, out.Attempts.Validations)
		assert.Equal(t, maxVal, len(llm.callsFor("generate")))
		assert.Contains(t, out.Answer, "(unverified: totals look wrong)")
		require.NotNil(t, out.Verdict)
		assert.False(t, out.Verdict.Accepted())

		if maxVal > 1 {
			gens := llm.callsFor("generate")
			assert.Contains(t, gens[1].user, "totals look wrong")
		}
	}
}

func TestTabula_Orchestrator_RejectionThenExhaustedRoundFinishesUnverified(t *testing.T) {
	t.Parallel()

	llm := newMockLLM(t, queryScript())
	executions := 0
	engine := &mockEngine{fn: func(sql string, _ []string) (ResultSet, error) {
		executions++
		if executions == 1 {
			return totalSalesResult(), nil
		}
		return ResultSet{}, &ExecutionError{SQL: sql, Message: "Binder Error"}
	}}
	o := newOrchestrator(t, newTestConfig(t, llm, engine, salesTable()), Agents{Validator: &rejectingValidator{}})

	out, err := o.Run(t.Context(), Request{Question: "What were total sales?"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.True(t, out.Unverified)
	assert.Equal(t, 150.0, out.Result.Rows[0]["total_sales"])
	assert.Equal(t, 1+DefaultMaxGenerationAttempts, engine.count())
}

func TestTabula_Orchestrator_OutOfScopeStatementRejectedBeforeEngine(t *testing.T) {
	t.Parallel()

	script := queryScript()
	script["generate"] = []string{
		"```sql\nSELECT * FROM customers\n```",
		"```sql\nDROP TABLE sales\n```",
		"```sql\n" + totalSalesSQL + "\n```",
	}
	llm := newMockLLM(t, script)
	engine := &mockEngine{fn: fixedResult(totalSalesResult())}
	o := newOrchestrator(t, newTestConfig(t, llm, engine, salesTable(), customersTable()), Agents{})

	out, err := o.Run(t.Context(), Request{Question: "What were total sales?"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, 3, out.Attempts.Generations)

	// Only the in-scope statement reached the engine.
	calls := engine.executions()
	require.Len(t, calls, 1)
	assert.Equal(t, totalSalesSQL, calls[0].sql)

	gens := llm.callsFor("generate")
	require.Len(t, gens, 3)
	assert.Contains(t, gens[1].user, "outside the candidate set")
	assert.Contains(t, gens[2].user, "read-only")
}

func TestTabula_Orchestrator_EngineOnlySeesCandidates(t *testing.T) {
	t.Parallel()

	script := queryScript()
	script["filter"] = []string{`["sales", "ghost_table"]`}
	script["generate"] = []string{
		"```sql\nSELECT * FROM sales s JOIN customers c ON s.store = c.tier\n```",
		"```sql\n" + totalSalesSQL + "\n```",
	}
	llm := newMockLLM(t, script)
	engine := &mockEngine{fn: fixedResult(totalSalesResult())}
	o := newOrchestrator(t, newTestConfig(t, llm, engine, salesTable(), customersTable()), Agents{})

	out, err := o.Run(t.Context(), Request{Question: "Total sales by tier?"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sales"}, out.Candidates)
	for _, call := range engine.executions() {
		assert.Equal(t, []string{"sales"}, call.scope)
		refs, err := ReferencedTables(call.sql)
		require.NoError(t, err)
		assert.Subset(t, out.Candidates, refs)
	}
}

func TestTabula_Orchestrator_MalformedGenerationConsumesAttempts(t *testing.T) {
	t.Parallel()

	script := queryScript()
	script["generate"] = []string{"I am not able to answer that."}
	llm := newMockLLM(t, script)
	engine := &mockEngine{fn: fixedResult(totalSalesResult())}
	o := newOrchestrator(t, newTestConfig(t, llm, engine, salesTable()), Agents{})

	out, err := o.Run(t.Context(), Request{Question: "What were total sales?"})
	require.ErrorIs(t, err, ErrQueryGenerationExhausted)
	assert.Equal(t, StateFailed, out.State)
	assert.Len(t, llm.callsFor("generate"), DefaultMaxGenerationAttempts)
	assert.Zero(t, engine.count())
}

func TestTabula_Orchestrator_ReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	run := func() *Outcome {
		script := queryScript()
		script["generate"] = []string{"```sql\n" + badColumnSQL + "\n```", "```sql\n" + totalSalesSQL + "\n```"}
		script["validate"] = []string{"INVALID - expected a per-store breakdown", "VALID"}
		llm := newMockLLM(t, script)
		engine := &mockEngine{fn: func(sql string, _ []string) (ResultSet, error) {
			if strings.Contains(sql, "amt") {
				return ResultSet{}, &ExecutionError{SQL: sql, Message: "Binder Error"}
			}
			return totalSalesResult(), nil
		}}
		o := newOrchestrator(t, newTestConfig(t, llm, engine, salesTable()), Agents{})
		out, err := o.Run(t.Context(), Request{Question: "What were total sales?", TurnID: "replay"})
		require.NoError(t, err)
		return out
	}

	first, second := run(), run()
	if diff := cmp.Diff(first.Transitions, second.Transitions); diff != "" {
		t.Fatalf("transitions differ between replays (-first +second):\n%s", diff)
	}
	assert.Equal(t, first.Attempts, second.Attempts)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.Answer, second.Answer)
}

func TestTabula_Orchestrator_ClassificationFailureFallsBackToQuery(t *testing.T) {
	t.Parallel()

	script := queryScript()
	script["classify"] = []string{"Hmm, hard to say."}
	llm := newMockLLM(t, script)
	engine := &mockEngine{fn: fixedResult(totalSalesResult())}
	o := newOrchestrator(t, newTestConfig(t, llm, engine, salesTable()), Agents{})

	out, err := o.Run(t.Context(), Request{Question: "What were total sales?"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, IntentQuery, out.Intent)
	assert.Equal(t, EventClassifyFailed, out.Transitions[1].Event)
}

func TestTabula_Orchestrator_ClassifierSeesTables(t *testing.T) {
	t.Parallel()

	llm := newMockLLM(t, queryScript())
	engine := &mockEngine{fn: fixedResult(totalSalesResult())}
	o := newOrchestrator(t, newTestConfig(t, llm, engine, salesTable(), customersTable()), Agents{})

	_, err := o.Run(t.Context(), Request{Question: "What were total sales?"})
	require.NoError(t, err)
	calls := llm.callsFor("classify")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].user, "sales, customers")
}

func TestTabula_Orchestrator_SummarizePinnedTable(t *testing.T) {
	t.Parallel()

	script := map[string][]string{"summarize": {"## Overview\nTwo stores, 150 in sales."}}
	llm := newMockLLM(t, script)
	engine := &mockEngine{fn: fixedResult(ResultSet{
		Columns: []string{"store", "amount"},
		Rows:    []map[string]any{{"store": "A", "amount": 100.0}, {"store": "B", "amount": 50.0}},
	})}
	o := newOrchestrator(t, newTestConfig(t, llm, engine, salesTable(), customersTable()), Agents{})

	out, err := o.Run(t.Context(), Request{Intent: IntentSummarize, Table: "sales"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, "sales", out.Table)
	assert.Equal(t, "## Overview\nTwo stores, 150 in sales.", out.Report)
	assert.Nil(t, out.Statement)
	assert.Empty(t, llm.callsFor("classify"))

	calls := engine.executions()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"sales"}, calls[0].scope)
	assert.Equal(t, `SELECT * FROM "sales" LIMIT 5`, calls[0].sql)

	sum := llm.callsFor("summarize")
	require.Len(t, sum, 1)
	assert.Contains(t, sum[0].user, "A | 100")
}

func TestTabula_Orchestrator_SummarizeFromClassification(t *testing.T) {
	t.Parallel()

	script := map[string][]string{
		"classify":  {`{"intent": "summarize"}`},
		"summarize": {"Report."},
	}
	llm := newMockLLM(t, script)
	engine := &mockEngine{fn: func(sql string, _ []string) (ResultSet, error) {
		return ResultSet{}, &ExecutionError{SQL: sql, Message: "IO Error"}
	}}
	o := newOrchestrator(t, newTestConfig(t, llm, engine, salesTable(), customersTable()), Agents{})

	out, err := o.Run(t.Context(), Request{Question: "Give me an overview of the sales data"})
	require.NoError(t, err)
	assert.Equal(t, IntentSummarize, out.Intent)
	assert.Equal(t, "sales", out.Table)
	assert.Equal(t, "Report.", out.Report)

	// The failed sample falls back to metadata only.
	sum := llm.callsFor("summarize")
	require.Len(t, sum, 1)
	assert.Contains(t, sum[0].user, "Query returned no results.")
}

func TestTabula_Orchestrator_SummarizeUnknownTable(t *testing.T) {
	t.Parallel()

	llm := newMockLLM(t, map[string][]string{"summarize": {"Report."}})
	o := newOrchestrator(t, newTestConfig(t, llm, nil, salesTable()), Agents{})

	out, err := o.Run(t.Context(), Request{Intent: IntentSummarize, Table: "weather"})
	require.ErrorIs(t, err, ErrNoRelevantData)
	assert.Equal(t, StateFailed, out.State)
	assert.Empty(t, llm.callsFor("summarize"))
}

func TestTabula_Orchestrator_LLMOutageIsExternalServiceError(t *testing.T) {
	t.Parallel()

	llm := newMockLLM(t, queryScript())
	llm.errs["classify"] = errors.New("connection reset by peer")
	cfg := newTestConfig(t, llm, nil, salesTable())
	cfg.MaxCallRetries = 2
	o := newOrchestrator(t, cfg, Agents{})

	out, err := o.Run(t.Context(), Request{Question: "What were total sales?"})
	require.ErrorIs(t, err, ErrExternalService)
	assert.Equal(t, StateFailed, out.State)
	assert.Len(t, llm.callsFor("classify"), 3)

	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, KindExternalService, f.Kind)
	assert.NotContains(t, f.Diagnostic, "connection reset")
}

func TestTabula_Orchestrator_CanceledContext(t *testing.T) {
	t.Parallel()

	llm := newMockLLM(t, queryScript())
	o := newOrchestrator(t, newTestConfig(t, llm, nil, salesTable()), Agents{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	out, err := o.Run(ctx, Request{Question: "What were total sales?"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindCanceled, out.Failure.Kind)
	assert.Empty(t, llm.calls)
}

func TestTabula_Orchestrator_SynthesisFailureFallsBack(t *testing.T) {
	t.Parallel()

	script := queryScript()
	delete(script, "synthesize")
	llm := newMockLLM(t, script)
	engine := &mockEngine{fn: fixedResult(totalSalesResult())}
	o := newOrchestrator(t, newTestConfig(t, llm, engine, salesTable()), Agents{})

	out, err := o.Run(t.Context(), Request{Question: "What were total sales?"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, "total_sales: 150", out.Answer)
}

func TestTabula_Orchestrator_SkipSynthesis(t *testing.T) {
	t.Parallel()

	llm := newMockLLM(t, queryScript())
	engine := &mockEngine{fn: fixedResult(totalSalesResult())}
	cfg := newTestConfig(t, llm, engine, salesTable())
	cfg.SkipSynthesis = true
	o := newOrchestrator(t, cfg, Agents{})

	out, err := o.Run(t.Context(), Request{Question: "What were total sales?"})
	require.NoError(t, err)
	assert.Equal(t, "total_sales: 150", out.Answer)
	assert.Empty(t, llm.callsFor("synthesize"))
}

func TestTabula_Orchestrator_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Agents{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM client is required")

	cfg := newTestConfig(t, newMockLLM(t, nil), nil)
	cfg.MaxCallRetries = -1
	_, err = New(cfg, Agents{})
	require.Error(t, err)

	cfg = newTestConfig(t, newMockLLM(t, nil), nil)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultTopK, cfg.TopK)
	assert.Equal(t, DefaultMaxGenerationAttempts, cfg.MaxGenerationAttempts)
	assert.Equal(t, DefaultMaxValidationAttempts, cfg.MaxValidationAttempts)
	assert.NotNil(t, cfg.Prompts)
}
