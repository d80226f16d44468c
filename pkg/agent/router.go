package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Router classifies a user turn as a summarize or a query intent.
type Router struct {
	cfg    *Config
	policy callPolicy
}

// NewRouter creates a router. cfg must have been validated.
func NewRouter(cfg *Config) *Router {
	return &Router{cfg: cfg, policy: cfg.policy()}
}

type classifyResponse struct {
	Intent    string `json:"intent"`
	Reasoning string `json:"reasoning"`
}

// Classify asks the model for the intent of question. tables lists the IDs
// of the tables in the knowledge base, used as context only. Output that does
// not name an intent is reported as ErrClassification.
func (r *Router) Classify(ctx context.Context, question string, tables []string) (Intent, error) {
	var sb strings.Builder
	if len(tables) > 0 {
		sb.WriteString("Tables in the knowledge base: ")
		sb.WriteString(strings.Join(tables, ", "))
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Question to classify: %s", question)

	intent, err := complete(ctx, r.cfg.LLM, r.policy, "classify", r.cfg.Prompts.Classify, sb.String(),
		parseClassifyResponse, WithCacheControl(), WithJSONOutput())
	if err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			return "", fmt.Errorf("%w: %w", ErrClassification, err)
		}
		return "", err
	}
	return intent, nil
}

// parseClassifyResponse accepts a JSON object with an intent field, or a
// reply consisting of the bare intent keyword.
func parseClassifyResponse(response string) (Intent, error) {
	if jsonStr := extractJSON(response); jsonStr != "" {
		var parsed classifyResponse
		if err := json.Unmarshal([]byte(jsonStr), &parsed); err == nil {
			if intent, ok := ParseIntent(parsed.Intent); ok {
				return intent, nil
			}
			return "", fmt.Errorf("unknown intent %q", parsed.Intent)
		}
	}

	word := strings.Trim(strings.TrimSpace(response), "`*\"'.")
	if intent, ok := ParseIntent(word); ok {
		return intent, nil
	}
	return "", fmt.Errorf("no intent in response: %s", truncate(response, 200))
}
