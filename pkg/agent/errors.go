package agent

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClassification means the router output could not be parsed into an intent.
	ErrClassification = errors.New("classification failed")
	// ErrNoRelevantData means retrieval produced no usable tables.
	ErrNoRelevantData = errors.New("no relevant data")
	// ErrQueryGenerationExhausted means the self-correction loop ran out of attempts.
	ErrQueryGenerationExhausted = errors.New("query generation exhausted")
	// ErrExternalService means a collaborator stayed unreachable after call-site retries.
	ErrExternalService = errors.New("external service error")
	// ErrMalformedResponse means the model returned text that does not parse.
	ErrMalformedResponse = errors.New("malformed model response")
	// ErrNonRetryable marks collaborator errors that retrying cannot fix.
	ErrNonRetryable = errors.New("non-retryable")
	// ErrUnknownTable is returned by knowledge base stores for missing tables.
	ErrUnknownTable = errors.New("unknown table")
)

// ExecutionError is returned by the SQL engine, or by the scope check ahead of
// it, when a statement cannot be executed. Message is the diagnostic fed back
// into the next generation attempt.
type ExecutionError struct {
	SQL     string
	Message string
}

func (e *ExecutionError) Error() string {
	return "execution error: " + e.Message
}

// ErrorKind names the class of a FAILED turn.
type ErrorKind string

const (
	KindNoRelevantData           ErrorKind = "no_relevant_data"
	KindQueryGenerationExhausted ErrorKind = "query_generation_exhausted"
	KindExternalService          ErrorKind = "external_service"
	KindCanceled                 ErrorKind = "canceled"
	KindInternal                 ErrorKind = "internal"
)

// Failure is the typed error of a turn that ended FAILED. Diagnostic is safe
// to show to end users; the wrapped error is for logs only.
type Failure struct {
	Kind       ErrorKind
	Diagnostic string
	Err        error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Diagnostic, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Diagnostic)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// newFailure classifies err into a Failure with a user-facing diagnostic.
func newFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &Failure{Kind: KindCanceled, Diagnostic: "The request was cancelled.", Err: err}
	case errors.Is(err, ErrNoRelevantData):
		return &Failure{Kind: KindNoRelevantData, Diagnostic: "No tables in the knowledge base look relevant to this question.", Err: err}
	case errors.Is(err, ErrQueryGenerationExhausted):
		return &Failure{Kind: KindQueryGenerationExhausted, Diagnostic: "Could not produce a working SQL query for this question.", Err: err}
	case errors.Is(err, ErrExternalService), errors.Is(err, context.DeadlineExceeded):
		return &Failure{Kind: KindExternalService, Diagnostic: "A backing service is unavailable, please try again later.", Err: err}
	default:
		return &Failure{Kind: KindInternal, Diagnostic: "An internal error occurred.", Err: err}
	}
}
