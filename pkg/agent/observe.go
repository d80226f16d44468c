package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/tabula/pkg/agent/metrics"
)

// Outcome labels used in structured records and metrics.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeRetry   = "retry"
)

type turnIDKey struct{}

// WithTurnID attaches a turn identifier to ctx so every record emitted on
// behalf of the turn can be correlated.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnIDKey{}, id)
}

// TurnID returns the turn identifier carried by ctx, if any.
func TurnID(ctx context.Context) string {
	id, _ := ctx.Value(turnIDKey{}).(string)
	return id
}

type stateKey struct{}

// WithState records the orchestrator state an external call is made from.
func WithState(ctx context.Context, s State) context.Context {
	return context.WithValue(ctx, stateKey{}, s)
}

// StateFrom returns the state carried by ctx, if any.
func StateFrom(ctx context.Context) State {
	s, _ := ctx.Value(stateKey{}).(State)
	return s
}

// observer emits the structured record and metrics for each external call.
type observer struct {
	log   *slog.Logger
	clock clockwork.Clock
}

func newObserver(log *slog.Logger, clock clockwork.Clock) observer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return observer{log: log, clock: clock}
}

func (o observer) externalCall(ctx context.Context, collaborator, op, outcome string, d time.Duration, err error) {
	metrics.ExternalCallsTotal.WithLabelValues(collaborator, op, outcome).Inc()
	metrics.ExternalCallDuration.WithLabelValues(collaborator, op).Observe(d.Seconds())

	attrs := []any{
		"turn_id", TurnID(ctx),
		"state", string(StateFrom(ctx)),
		"collaborator", collaborator,
		"operation", op,
		"duration", d,
		"outcome", outcome,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	if outcome == outcomeSuccess {
		o.log.Debug("agent: external call", attrs...)
		return
	}
	o.log.Info("agent: external call", attrs...)
}
