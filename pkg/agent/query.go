package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// QueryAgent generates SQL for a fixed set of candidate tables, executes it
// against the scoped SQL engine and explains the result.
type QueryAgent struct {
	cfg    *Config
	policy callPolicy
}

// NewQueryAgent creates a query agent. cfg must have been validated.
func NewQueryAgent(cfg *Config) *QueryAgent {
	return &QueryAgent{cfg: cfg, policy: cfg.policy()}
}

// GenerateResponse is the JSON shape the model may answer the generate step with.
type GenerateResponse struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
}

// Generate writes a statement answering question using only schemas. The
// latest execution error and the latest validation rejection, if any, are
// included as corrective context. A reply without SQL is ErrMalformedResponse.
func (a *QueryAgent) Generate(ctx context.Context, question string, schemas []TableMetadata, feedback []Feedback) (Statement, error) {
	systemPrompt := buildGeneratePrompt(a.cfg.Prompts.Generate, formatSchema(schemas))
	userPrompt := buildGenerateUserPrompt(question, feedback)

	stmt, err := complete(ctx, a.cfg.LLM, a.policy, "generate", systemPrompt, userPrompt,
		parseGenerateResponse, WithCacheControl())
	if err != nil {
		return Statement{}, fmt.Errorf("failed to generate SQL: %w", err)
	}
	return stmt, nil
}

func buildGeneratePrompt(staticPrompt, schema string) string {
	return staticPrompt + "\n\n## Database Schema\n\n```\n" + schema + "```"
}

func buildGenerateUserPrompt(question string, feedback []Feedback) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s", question)

	if fb, ok := latestFeedback(feedback, FeedbackValidation); ok {
		fmt.Fprintf(&sb, "\n\nA previous query ran but its result was rejected.\n\nRejected SQL:\n%s\n\nReason:\n%s\n\nWrite a query that addresses the reason.", fb.SQL, fb.Message)
	}
	if fb, ok := latestFeedback(feedback, FeedbackExecution); ok {
		fmt.Fprintf(&sb, "\n\nThe previous SQL query failed with an error. Please fix it.\n\nFailed SQL:\n%s\n\nError message:\n%s\n\nGenerate a corrected SQL query that avoids this error.", fb.SQL, fb.Message)
	}
	return sb.String()
}

// parseGenerateResponse extracts the statement from JSON, a markdown code
// block, or a bare reply that looks like SQL.
func parseGenerateResponse(response string) (Statement, error) {
	response = strings.TrimSpace(response)

	if jsonStr := extractJSON(response); jsonStr != "" {
		var parsed GenerateResponse
		if err := json.Unmarshal([]byte(jsonStr), &parsed); err == nil && parsed.SQL != "" {
			return Statement{SQL: cleanSQL(parsed.SQL), Explanation: parsed.Explanation}, nil
		}
	}

	if sql := extractSQLFromCodeBlocks(response); sql != "" {
		return Statement{SQL: sql, Explanation: extractExplanation(response)}, nil
	}

	if looksLikeSQL(response) {
		return Statement{SQL: cleanSQL(response)}, nil
	}

	return Statement{}, fmt.Errorf("could not extract SQL from response: %s", truncate(response, 200))
}

// extractSQLFromCodeBlocks finds SQL in markdown code blocks.
func extractSQLFromCodeBlocks(response string) string {
	if start := strings.Index(response, "```sql"); start != -1 {
		start += len("```sql")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return cleanSQL(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if looksLikeSQL(content) {
				return cleanSQL(content)
			}
		}
	}

	return ""
}

func looksLikeSQL(text string) bool {
	upper := strings.ToUpper(strings.TrimSpace(text))
	for _, kw := range []string{"SELECT", "WITH", "FROM"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

// cleanSQL trims whitespace and trailing semicolons.
func cleanSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	return strings.TrimSpace(strings.TrimRight(sql, ";"))
}

// extractExplanation returns the text outside code blocks.
func extractExplanation(response string) string {
	result := response
	for {
		start := strings.Index(result, "```")
		if start == -1 {
			break
		}
		end := strings.Index(result[start+3:], "```")
		if end == -1 {
			break
		}
		result = result[:start] + result[start+3+end+3:]
	}
	return truncate(strings.TrimSpace(result), 500)
}

// Execute checks that stmt is a single read-only query over scope and runs
// it. Scope violations, engine statement errors and statement timeouts are
// returned as *ExecutionError so the caller can regenerate.
func (a *QueryAgent) Execute(ctx context.Context, stmt Statement, scope []string) (ResultSet, error) {
	if _, err := CheckScope(stmt.SQL, scope); err != nil {
		return ResultSet{}, &ExecutionError{SQL: stmt.SQL, Message: err.Error()}
	}

	return callWithRetry(ctx, a.policy, "sql_engine", "execute", func(callCtx context.Context) (ResultSet, error) {
		rs, err := a.cfg.Engine.Execute(callCtx, stmt.SQL, scope)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return ResultSet{}, &ExecutionError{
				SQL:     stmt.SQL,
				Message: fmt.Sprintf("statement timed out after %s; simplify the query or aggregate more", a.policy.Timeout),
			}
		}
		return rs, err
	})
}

// Synthesize writes a short natural-language answer from the result.
func (a *QueryAgent) Synthesize(ctx context.Context, question string, stmt Statement, result ResultSet) (string, error) {
	userPrompt := fmt.Sprintf("Question: %s\n\nSQL:\n%s\n\nResult:\n%s",
		question, stmt.SQL, FormatResult(result, a.cfg.PromptRows))

	answer, err := complete(ctx, a.cfg.LLM, a.policy, "synthesize", a.cfg.Prompts.Synthesize, userPrompt,
		func(s string) (string, error) {
			s = strings.TrimSpace(s)
			if s == "" {
				return "", errors.New("empty answer")
			}
			return s, nil
		}, WithCacheControl())
	if err != nil {
		return "", fmt.Errorf("failed to synthesize answer: %w", err)
	}
	return answer, nil
}

// FallbackAnswer renders the first rows of a result when no synthesized
// answer is available.
func FallbackAnswer(result ResultSet) string {
	if result.Count() == 1 && len(result.Columns) == 1 && !result.Truncated {
		return fmt.Sprintf("%s: %s", result.Columns[0], formatValue(result.Rows[0][result.Columns[0]]))
	}
	return FormatResult(result, 5)
}
