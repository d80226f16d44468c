package agent

import (
	"sort"
	"strings"
	"time"
)

// Intent is the router's classification of a user turn.
type Intent string

const (
	IntentSummarize Intent = "summarize"
	IntentQuery     Intent = "query"
)

// ParseIntent maps a loosely formatted model or user token onto an Intent.
func ParseIntent(s string) (Intent, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "summarize", "summarise", "summary":
		return IntentSummarize, true
	case "query", "question":
		return IntentQuery, true
	}
	return "", false
}

// Column is a single column of a stored table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableMetadata describes one table in the knowledge base. Records are
// immutable; re-ingesting a table supersedes the previous record by ID.
type TableMetadata struct {
	ID           string              `json:"id"`
	Dataset      string              `json:"dataset"`
	FileName     string              `json:"file_name,omitempty"`
	Description  string              `json:"description"`
	Columns      []Column            `json:"columns"`
	RowCount     int64               `json:"row_count"`
	SampleValues map[string][]string `json:"sample_values,omitempty"`
	IngestedAt   time.Time           `json:"ingested_at"`
}

// ColumnNames returns the column names in table order.
func (t TableMetadata) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Candidate is a table surfaced by retrieval along with its similarity score.
type Candidate struct {
	Table TableMetadata
	Score float32
}

// SortCandidates orders candidates by descending score, breaking ties by
// table ID so that identical index state always yields the same order.
func SortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Table.ID < cands[j].Table.ID
	})
}

// CandidateIDs returns the table IDs of the candidates in order.
func CandidateIDs(cands []Candidate) []string {
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.Table.ID
	}
	return ids
}

// ResultSet holds the rows returned by the SQL engine.
type ResultSet struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	// Truncated is set when the engine stopped at its row cap and more rows
	// were available.
	Truncated bool `json:"truncated,omitempty"`
}

// Count returns the number of rows.
func (r ResultSet) Count() int {
	return len(r.Rows)
}

// Statement is a generated SQL statement.
type Statement struct {
	SQL         string   `json:"sql"`
	Explanation string   `json:"explanation,omitempty"`
	Tables      []string `json:"tables,omitempty"` // tables referenced by SQL, filled in before execution
}

// VerdictStatus is the outcome of validation.
type VerdictStatus string

const (
	VerdictAccepted VerdictStatus = "accepted"
	VerdictRejected VerdictStatus = "rejected"
)

// Verdict is the Validation Agent's judgement of a result.
type Verdict struct {
	Status VerdictStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// Accepted reports whether the verdict accepts the result.
func (v Verdict) Accepted() bool {
	return v.Status == VerdictAccepted
}

func accept() Verdict { return Verdict{Status: VerdictAccepted} }

func reject(reason string) Verdict { return Verdict{Status: VerdictRejected, Reason: reason} }

// FeedbackKind identifies which loop produced a piece of corrective feedback.
type FeedbackKind string

const (
	FeedbackExecution  FeedbackKind = "execution"
	FeedbackValidation FeedbackKind = "validation"
)

// Feedback is corrective context carried into the next generation attempt.
type Feedback struct {
	Kind    FeedbackKind
	SQL     string
	Message string
}

// latestFeedback returns the most recent feedback entry of the given kind.
func latestFeedback(fb []Feedback, kind FeedbackKind) (Feedback, bool) {
	for i := len(fb) - 1; i >= 0; i-- {
		if fb[i].Kind == kind {
			return fb[i], true
		}
	}
	return Feedback{}, false
}
