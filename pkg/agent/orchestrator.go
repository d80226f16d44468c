package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/tabula/pkg/agent/metrics"
)

// Agents are the capability implementations the orchestrator drives. Nil
// fields are filled with the default agents built from Config.
type Agents struct {
	Classifier Classifier
	Retriever  Retriever
	Query      QueryRunner
	Validator  Validator
	Summarizer Summarizer
}

// Orchestrator runs one user turn at a time through the state machine.
// It holds no per-turn state and is safe for concurrent use.
type Orchestrator struct {
	cfg    *Config
	agents Agents
	policy callPolicy
	limits Limits
}

// New validates cfg and creates an orchestrator.
func New(cfg Config, agents Agents) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &cfg
	if agents.Classifier == nil {
		agents.Classifier = NewRouter(c)
	}
	if agents.Retriever == nil {
		agents.Retriever = NewRetrieval(c)
	}
	if agents.Query == nil {
		agents.Query = NewQueryAgent(c)
	}
	if agents.Validator == nil {
		agents.Validator = NewValidationAgent(c)
	}
	if agents.Summarizer == nil {
		agents.Summarizer = NewSummarizationAgent(c)
	}
	return &Orchestrator{
		cfg:    c,
		agents: agents,
		policy: c.policy(),
		limits: Limits{
			MaxGenerationAttempts: c.MaxGenerationAttempts,
			MaxValidationAttempts: c.MaxValidationAttempts,
		},
	}, nil
}

// Request is one user turn.
type Request struct {
	Question string
	Intent   Intent // optional; skips classification when set
	Table    string // optional; the table to summarize
	TurnID   string // optional; generated when empty
}

// TransitionRecord is one step of the state machine.
type TransitionRecord struct {
	From   State      `json:"from"`
	Event  EventKind  `json:"event"`
	To     State      `json:"to"`
	Action ActionKind `json:"action"`
}

// Outcome is the terminal result of a turn.
type Outcome struct {
	TurnID      string             `json:"turn_id"`
	State       State              `json:"state"`
	Intent      Intent             `json:"intent,omitempty"`
	Table       string             `json:"table,omitempty"`
	Report      string             `json:"report,omitempty"`
	Candidates  []string           `json:"candidates,omitempty"`
	Statement   *Statement         `json:"statement,omitempty"`
	Result      *ResultSet         `json:"result,omitempty"`
	Verdict     *Verdict           `json:"verdict,omitempty"`
	Unverified  bool               `json:"unverified,omitempty"`
	Answer      string             `json:"answer,omitempty"`
	Attempts    Counters           `json:"attempts"`
	Transitions []TransitionRecord `json:"transitions"`
	Duration    time.Duration      `json:"duration"`
	Failure     *Failure           `json:"-"`
}

// runContext is the mutable state of one turn. Only the driver loop touches it.
type runContext struct {
	turnID      string
	req         Request
	intent      Intent
	table       TableMetadata
	report      string
	candidates  []Candidate
	stmt        *Statement // in flight
	executed    *Statement // produced result
	result      *ResultSet
	verdict     *Verdict
	counters    Counters
	feedback    []Feedback
	transitions []TransitionRecord
}

func (rc *runContext) scope() []string {
	return CandidateIDs(rc.candidates)
}

func (rc *runContext) schemas() []TableMetadata {
	out := make([]TableMetadata, len(rc.candidates))
	for i, c := range rc.candidates {
		out[i] = c.Table
	}
	return out
}

// Run drives req to DONE or FAILED. The returned error is the *Failure of a
// FAILED turn; the outcome is returned in both cases.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	rc := &runContext{turnID: req.TurnID, req: req}
	if rc.turnID == "" {
		rc.turnID = uuid.NewString()
	}
	ctx = WithTurnID(ctx, rc.turnID)
	log := o.cfg.Logger.With("turn_id", rc.turnID)

	start := o.cfg.Clock.Now()
	stepStart := start
	state := StateStart
	ev := Event{Kind: EventBegin}

	for {
		next, action, counters := Transition(state, ev, rc.counters, o.limits)
		rc.counters = counters
		rc.transitions = append(rc.transitions, TransitionRecord{From: state, Event: ev.Kind, To: next, Action: action.Kind})

		now := o.cfg.Clock.Now()
		o.recordTransition(log, state, next, ev, now.Sub(stepStart))
		stepStart = now
		state = next
		stateCtx := WithState(ctx, state)

		switch action.Kind {
		case ActionFinish:
			return o.finish(stateCtx, rc, action, start), nil
		case ActionFail:
			out := o.fail(rc, action, start)
			log.Info("orchestrator: turn failed", "kind", out.Failure.Kind, "error", out.Failure.Err)
			return out, out.Failure
		}

		if err := ctx.Err(); err != nil {
			ev = Event{Kind: EventCollaboratorFailed, Err: err}
			continue
		}
		ev = o.perform(stateCtx, rc, action)
	}
}

func (o *Orchestrator) recordTransition(log *slog.Logger, from, to State, ev Event, d time.Duration) {
	outcome := outcomeSuccess
	switch {
	case to == StateFailed:
		outcome = outcomeFailure
	case to == StateGenerating && (from == StateGenerating || from == StateExecuting || from == StateValidating):
		outcome = outcomeRetry
	}
	metrics.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	log.Info("orchestrator: transition", "state", string(to), "from", string(from), "event", string(ev.Kind),
		"duration", d, "outcome", outcome)
}

// perform executes one action and reports its outcome as the next event.
func (o *Orchestrator) perform(ctx context.Context, rc *runContext, action Action) Event {
	switch action.Kind {
	case ActionClassify:
		return o.classify(ctx, rc)
	case ActionSummarize:
		return o.summarize(ctx, rc)
	case ActionRetrieve:
		return o.retrieve(ctx, rc)
	case ActionGenerate:
		return o.generate(ctx, rc)
	case ActionExecute:
		return o.execute(ctx, rc)
	case ActionValidate:
		return o.validate(ctx, rc)
	}
	return Event{Kind: EventCollaboratorFailed, Err: fmt.Errorf("unknown action %s", action.Kind)}
}

func (o *Orchestrator) classify(ctx context.Context, rc *runContext) Event {
	if rc.req.Intent != "" {
		rc.intent = rc.req.Intent
		return Event{Kind: EventClassified, Intent: rc.intent}
	}

	var tables []string
	metas, err := callWithRetry(ctx, o.policy, "catalog", "list", o.cfg.Catalog.List)
	if err != nil {
		o.cfg.Logger.Warn("orchestrator: failed to list tables for routing", "turn_id", rc.turnID, "error", err)
	}
	for _, m := range metas {
		tables = append(tables, m.ID)
	}

	intent, err := o.agents.Classifier.Classify(ctx, rc.req.Question, tables)
	if err != nil {
		if errors.Is(err, ErrClassification) {
			o.cfg.Logger.Warn("orchestrator: classification failed, defaulting to query", "turn_id", rc.turnID, "error", err)
			rc.intent = IntentQuery
			return Event{Kind: EventClassifyFailed}
		}
		return Event{Kind: EventCollaboratorFailed, Err: err}
	}
	rc.intent = intent
	return Event{Kind: EventClassified, Intent: intent}
}

func (o *Orchestrator) summarize(ctx context.Context, rc *runContext) Event {
	table, err := o.summaryTarget(ctx, rc)
	if err != nil {
		return Event{Kind: EventCollaboratorFailed, Err: err}
	}
	rc.table = table

	sample, err := callWithRetry(ctx, o.policy, "sql_engine", "sample", func(ctx context.Context) (ResultSet, error) {
		return o.cfg.Engine.Execute(ctx, sampleStatement(table.ID, o.cfg.SampleRows), []string{table.ID})
	})
	if err != nil {
		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			return Event{Kind: EventCollaboratorFailed, Err: err}
		}
		o.cfg.Logger.Warn("orchestrator: failed to sample table, summarizing from metadata", "turn_id", rc.turnID, "table", table.ID, "error", err)
		sample = ResultSet{Columns: table.ColumnNames()}
	}

	report, err := o.agents.Summarizer.Summarize(ctx, table, sample)
	if err != nil {
		return Event{Kind: EventCollaboratorFailed, Err: err}
	}
	rc.report = report
	return Event{Kind: EventSummarized}
}

// summaryTarget is the pinned table, or else the best stage-1 candidate.
func (o *Orchestrator) summaryTarget(ctx context.Context, rc *runContext) (TableMetadata, error) {
	if rc.req.Table != "" {
		table, err := callWithRetry(ctx, o.policy, "catalog", "get", func(ctx context.Context) (TableMetadata, error) {
			return o.cfg.Catalog.Get(ctx, rc.req.Table)
		})
		if errors.Is(err, ErrUnknownTable) {
			return TableMetadata{}, fmt.Errorf("%w: table %q is not in the knowledge base", ErrNoRelevantData, rc.req.Table)
		}
		return table, err
	}

	cands, err := o.agents.Retriever.Search(ctx, rc.req.Question)
	if err != nil {
		return TableMetadata{}, err
	}
	if len(cands) == 0 {
		return TableMetadata{}, fmt.Errorf("%w: knowledge base has no tables to summarize", ErrNoRelevantData)
	}
	rc.candidates = cands[:1]
	return cands[0].Table, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, rc *runContext) Event {
	cands, err := o.agents.Retriever.Search(ctx, rc.req.Question)
	if err != nil {
		return Event{Kind: EventCollaboratorFailed, Err: err}
	}
	if len(cands) > 0 {
		cands, err = o.agents.Retriever.Filter(ctx, rc.req.Question, cands)
		if err != nil {
			return Event{Kind: EventCollaboratorFailed, Err: err}
		}
	}
	rc.candidates = cands
	return Event{Kind: EventRetrieved, Candidates: len(cands)}
}

func (o *Orchestrator) generate(ctx context.Context, rc *runContext) Event {
	if rc.counters.Generations > 0 {
		loop := "execution"
		if rc.counters.RoundAttempts() == 0 {
			loop = "validation"
		}
		metrics.LoopRetriesTotal.WithLabelValues(loop).Inc()
	}

	rc.stmt = nil
	stmt, err := o.agents.Query.Generate(ctx, rc.req.Question, rc.schemas(), rc.feedback)
	if err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			rc.feedback = append(rc.feedback, Feedback{
				Kind:    FeedbackExecution,
				Message: "the previous response did not contain a SQL statement; answer with the SQL in a ```sql code block",
			})
			return Event{Kind: EventGenerationFailed}
		}
		return Event{Kind: EventCollaboratorFailed, Err: err}
	}
	rc.stmt = &stmt
	return Event{Kind: EventStatementReady}
}

func (o *Orchestrator) execute(ctx context.Context, rc *runContext) Event {
	stmt := *rc.stmt
	result, err := o.agents.Query.Execute(ctx, stmt, rc.scope())
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			o.cfg.Logger.Info("orchestrator: statement failed", "turn_id", rc.turnID, "attempt", rc.counters.RoundAttempts(), "error", execErr.Message)
			rc.feedback = append(rc.feedback, Feedback{Kind: FeedbackExecution, SQL: stmt.SQL, Message: execErr.Message})
			return Event{Kind: EventExecutionFailed}
		}
		return Event{Kind: EventCollaboratorFailed, Err: err}
	}

	if refs, err := ReferencedTables(stmt.SQL); err == nil {
		stmt.Tables = refs
	}
	rc.stmt = nil
	rc.executed = &stmt
	rc.result = &result
	return Event{Kind: EventExecuted}
}

func (o *Orchestrator) validate(ctx context.Context, rc *runContext) Event {
	verdict, err := o.agents.Validator.Validate(ctx, rc.req.Question, *rc.executed, *rc.result)
	if err != nil {
		return Event{Kind: EventCollaboratorFailed, Err: err}
	}
	rc.verdict = &verdict
	if verdict.Accepted() {
		return Event{Kind: EventAccepted}
	}
	rc.feedback = append(rc.feedback, Feedback{Kind: FeedbackValidation, SQL: rc.executed.SQL, Message: verdict.Reason})
	return Event{Kind: EventRejected}
}

func (o *Orchestrator) outcome(rc *runContext, state State, start time.Time) *Outcome {
	d := o.cfg.Clock.Since(start)
	metrics.TurnDuration.WithLabelValues(string(rc.intent)).Observe(d.Seconds())
	metrics.TurnsTotal.WithLabelValues(string(rc.intent), string(state)).Inc()
	return &Outcome{
		TurnID:      rc.turnID,
		State:       state,
		Intent:      rc.intent,
		Candidates:  CandidateIDs(rc.candidates),
		Attempts:    rc.counters,
		Transitions: rc.transitions,
		Duration:    d,
	}
}

func (o *Orchestrator) finish(ctx context.Context, rc *runContext, action Action, start time.Time) *Outcome {
	out := o.outcome(rc, StateDone, start)
	if rc.intent == IntentSummarize {
		out.Table = rc.table.ID
		out.Report = rc.report
		return out
	}

	out.Statement = rc.executed
	out.Result = rc.result
	out.Verdict = rc.verdict
	out.Unverified = action.Unverified
	if out.Unverified {
		metrics.UnverifiedResultsTotal.Inc()
	}

	if !o.cfg.SkipSynthesis && ctx.Err() == nil {
		answer, err := o.agents.Query.Synthesize(ctx, rc.req.Question, *rc.executed, *rc.result)
		if err != nil {
			o.cfg.Logger.Warn("orchestrator: synthesis failed, falling back to raw result", "turn_id", rc.turnID, "error", err)
		}
		out.Answer = answer
	}
	if out.Answer == "" {
		out.Answer = FallbackAnswer(*rc.result)
	}
	if out.Unverified && rc.verdict != nil {
		out.Answer += "\n\n(unverified: " + rc.verdict.Reason + ")"
	}
	return out
}

func (o *Orchestrator) fail(rc *runContext, action Action, start time.Time) *Outcome {
	err := action.Err
	if errors.Is(err, ErrQueryGenerationExhausted) {
		if fb, ok := latestFeedback(rc.feedback, FeedbackExecution); ok {
			err = fmt.Errorf("%w after %d attempt(s), last error: %s", ErrQueryGenerationExhausted, rc.counters.RoundAttempts(), fb.Message)
		}
	}
	out := o.outcome(rc, StateFailed, start)
	out.Failure = newFailure(err)
	return out
}
