package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ValidationAgent judges whether a result answers the question. Cheap
// heuristics run first; the model is consulted only when they pass.
type ValidationAgent struct {
	cfg    *Config
	policy callPolicy
}

// NewValidationAgent creates a validation agent. cfg must have been validated.
func NewValidationAgent(cfg *Config) *ValidationAgent {
	return &ValidationAgent{cfg: cfg, policy: cfg.policy()}
}

// Validate returns ACCEPTED or REJECTED with a reason the next generation
// attempt can act on. A model reply that cannot be read is a rejection.
func (v *ValidationAgent) Validate(ctx context.Context, question string, stmt Statement, result ResultSet) (Verdict, error) {
	if verdict, ok := CheckResult(question, result); !ok {
		v.cfg.Logger.Info("validation: heuristic rejection", "turn_id", TurnID(ctx), "reason", verdict.Reason)
		return verdict, nil
	}

	userPrompt := fmt.Sprintf("Question: %s\n\nSQL:\n%s\n\nResult:\n%s",
		question, stmt.SQL, FormatResult(result, v.cfg.PromptRows))
	verdict, err := complete(ctx, v.cfg.LLM, v.policy, "validate", v.cfg.Prompts.Validate, userPrompt,
		parseValidateResponse, WithCacheControl())
	if err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			v.cfg.Logger.Warn("validation: unparseable model verdict", "turn_id", TurnID(ctx), "error", err)
			return reject("validation response unparseable"), nil
		}
		return Verdict{}, fmt.Errorf("failed to validate result: %w", err)
	}
	return verdict, nil
}

// Measures that cannot be negative in retail data.
var nonNegativeMeasures = map[string]struct{}{
	"amount": {}, "amounts": {}, "sales": {}, "revenue": {}, "revenues": {}, "quantity": {},
	"qty": {}, "price": {}, "prices": {}, "count": {}, "cnt": {}, "total": {}, "units": {},
}

// Words that make a measure legitimately signed.
var signedMeasures = map[string]struct{}{
	"change": {}, "diff": {}, "difference": {}, "delta": {}, "growth": {}, "profit": {},
	"margin": {}, "net": {}, "return": {}, "returns": {}, "refund": {}, "refunds": {},
	"adjustment": {}, "variance": {}, "pct": {}, "percent": {},
}

var (
	wordSplit       = regexp.MustCompile(`[^a-z0-9]+`)
	emptyOKPhrasing = regexp.MustCompile(`\b(any|is there|are there|if any|none|whether|exist|exists)\b`)
)

// CheckResult applies the heuristic checks that need no model call: an empty
// result for a question that expects rows, a single all-NULL row, and
// negative values in non-negative measures. ok is false on rejection.
func CheckResult(question string, result ResultSet) (Verdict, bool) {
	if result.Count() == 0 {
		if emptyOKPhrasing.MatchString(strings.ToLower(question)) {
			return accept(), true
		}
		return reject("the query returned no rows, but the question expects a result; check filter values against the sample values and the join conditions"), false
	}

	if result.Count() == 1 && len(result.Columns) > 0 {
		allNull := true
		for _, col := range result.Columns {
			if result.Rows[0][col] != nil {
				allNull = false
				break
			}
		}
		if allNull {
			return reject("the query returned a single row with only NULL values, so the aggregate matched no data; check filters and join conditions"), false
		}
	}

	for _, col := range result.Columns {
		if !nonNegativeColumn(col) {
			continue
		}
		for _, row := range result.Rows {
			if n, ok := toFloat(row[col]); ok && n < 0 {
				return reject(fmt.Sprintf("column %q has a negative value (%s) but this measure cannot be negative; check signs, joins that duplicate rows, and subtraction", col, formatValue(row[col]))), false
			}
		}
	}

	return accept(), true
}

func nonNegativeColumn(name string) bool {
	words := wordSplit.Split(strings.ToLower(name), -1)
	measure := false
	for _, w := range words {
		if _, ok := signedMeasures[w]; ok {
			return false
		}
		if _, ok := nonNegativeMeasures[w]; ok {
			measure = true
		}
	}
	return measure
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

type validateResponse struct {
	Valid  *bool  `json:"valid"`
	Reason string `json:"reason"`
}

// parseValidateResponse reads "VALID", "INVALID - reason" or a JSON object
// with a valid flag.
func parseValidateResponse(response string) (Verdict, error) {
	text := strings.TrimSpace(response)

	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "```") {
		if jsonStr := extractJSON(text); jsonStr != "" {
			var parsed validateResponse
			if err := json.Unmarshal([]byte(jsonStr), &parsed); err == nil && parsed.Valid != nil {
				if *parsed.Valid {
					return accept(), nil
				}
				return reject(nonEmptyReason(parsed.Reason)), nil
			}
		}
	}

	line := strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	line = strings.Trim(line, "*`")
	upper := strings.ToUpper(line)
	switch {
	case strings.HasPrefix(upper, "INVALID"):
		reason := strings.TrimSpace(line[len("INVALID"):])
		reason = strings.TrimSpace(strings.TrimLeft(reason, "-:–* "))
		return reject(nonEmptyReason(reason)), nil
	case strings.HasPrefix(upper, "VALID"):
		return accept(), nil
	}
	return Verdict{}, fmt.Errorf("no verdict in response: %s", truncate(text, 200))
}

func nonEmptyReason(reason string) string {
	if reason == "" {
		return "the result does not answer the question"
	}
	return reason
}
