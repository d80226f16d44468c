package agent

import "fmt"

// State is a state of the turn state machine.
type State string

const (
	StateStart       State = "START"
	StateRouting     State = "ROUTING"
	StateSummarizing State = "SUMMARIZING"
	StateRetrieving  State = "RETRIEVING"
	StateGenerating  State = "GENERATING"
	StateExecuting   State = "EXECUTING"
	StateValidating  State = "VALIDATING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// EventKind identifies what happened at the end of an action.
type EventKind string

const (
	EventBegin              EventKind = "begin"
	EventClassified         EventKind = "classified"
	EventClassifyFailed     EventKind = "classify_failed"
	EventSummarized         EventKind = "summarized"
	EventRetrieved          EventKind = "retrieved"
	EventStatementReady     EventKind = "statement_ready"
	EventGenerationFailed   EventKind = "generation_failed"
	EventExecuted           EventKind = "executed"
	EventExecutionFailed    EventKind = "execution_failed"
	EventAccepted           EventKind = "accepted"
	EventRejected           EventKind = "rejected"
	EventCollaboratorFailed EventKind = "collaborator_failed"
)

// Event is the input of a transition.
type Event struct {
	Kind       EventKind
	Intent     Intent // EventClassified
	Candidates int    // EventRetrieved
	Err        error  // EventCollaboratorFailed
}

// ActionKind is the side effect the driver performs after a transition.
type ActionKind string

const (
	ActionClassify  ActionKind = "classify"
	ActionSummarize ActionKind = "summarize"
	ActionRetrieve  ActionKind = "retrieve"
	ActionGenerate  ActionKind = "generate"
	ActionExecute   ActionKind = "execute"
	ActionValidate  ActionKind = "validate"
	ActionFinish    ActionKind = "finish"
	ActionFail      ActionKind = "fail"
)

// Action is returned by Transition. Err is set for ActionFail; Unverified is
// set when a query result is finished without an accepted verdict.
type Action struct {
	Kind       ActionKind
	Err        error
	Unverified bool
}

// Counters are the attempt counters of a turn. They only ever increase.
type Counters struct {
	Generations int // statements produced or attempted
	Validations int // validator calls
	RoundStart  int // Generations at the start of the current generation round
}

// RoundAttempts is the number of generations in the current round.
func (c Counters) RoundAttempts() int {
	return c.Generations - c.RoundStart
}

// Limits bound the two retry loops.
type Limits struct {
	MaxGenerationAttempts int // per round, reset by a validation rejection
	MaxValidationAttempts int // per turn
}

// Transition is the pure transition function of the turn state machine. It
// performs no I/O; the driver executes the returned action and feeds the
// outcome back as the next event.
func Transition(state State, ev Event, c Counters, l Limits) (State, Action, Counters) {
	if ev.Kind == EventCollaboratorFailed && !state.Terminal() {
		return StateFailed, Action{Kind: ActionFail, Err: ev.Err}, c
	}

	switch state {
	case StateStart:
		if ev.Kind == EventBegin {
			return StateRouting, Action{Kind: ActionClassify}, c
		}

	case StateRouting:
		switch ev.Kind {
		case EventClassified:
			if ev.Intent == IntentSummarize {
				return StateSummarizing, Action{Kind: ActionSummarize}, c
			}
			return StateRetrieving, Action{Kind: ActionRetrieve}, c
		case EventClassifyFailed:
			return StateRetrieving, Action{Kind: ActionRetrieve}, c
		}

	case StateSummarizing:
		if ev.Kind == EventSummarized {
			return StateDone, Action{Kind: ActionFinish}, c
		}

	case StateRetrieving:
		if ev.Kind == EventRetrieved {
			if ev.Candidates == 0 {
				return StateFailed, Action{Kind: ActionFail, Err: ErrNoRelevantData}, c
			}
			return StateGenerating, Action{Kind: ActionGenerate}, c
		}

	case StateGenerating:
		switch ev.Kind {
		case EventStatementReady:
			c.Generations++
			return StateExecuting, Action{Kind: ActionExecute}, c
		case EventGenerationFailed:
			c.Generations++
			return regenerateOrFail(c, l)
		}

	case StateExecuting:
		switch ev.Kind {
		case EventExecuted:
			c.Validations++
			return StateValidating, Action{Kind: ActionValidate}, c
		case EventExecutionFailed:
			return regenerateOrFail(c, l)
		}

	case StateValidating:
		switch ev.Kind {
		case EventAccepted:
			return StateDone, Action{Kind: ActionFinish}, c
		case EventRejected:
			if c.Validations < l.MaxValidationAttempts {
				c.RoundStart = c.Generations
				return StateGenerating, Action{Kind: ActionGenerate}, c
			}
			return StateDone, Action{Kind: ActionFinish, Unverified: true}, c
		}
	}

	return StateFailed, Action{Kind: ActionFail, Err: fmt.Errorf("unexpected event %s in state %s", ev.Kind, state)}, c
}

// regenerateOrFail starts another generation while the round has budget.
// An exhausted round after an earlier rejected result finishes with that
// result, unverified.
func regenerateOrFail(c Counters, l Limits) (State, Action, Counters) {
	if c.RoundAttempts() < l.MaxGenerationAttempts {
		return StateGenerating, Action{Kind: ActionGenerate}, c
	}
	if c.Validations > 0 {
		return StateDone, Action{Kind: ActionFinish, Unverified: true}, c
	}
	return StateFailed, Action{Kind: ActionFail, Err: ErrQueryGenerationExhausted}, c
}
