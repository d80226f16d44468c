package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Retrieval narrows the knowledge base to the tables relevant to a question
// in two stages: vector similarity, then a model-judged filter.
type Retrieval struct {
	cfg    *Config
	policy callPolicy
}

// NewRetrieval creates a retrieval service. cfg must have been validated.
func NewRetrieval(cfg *Config) *Retrieval {
	return &Retrieval{cfg: cfg, policy: cfg.policy()}
}

// Search embeds the question and returns the top K candidates ordered by
// descending score, ties broken by table ID. An empty knowledge base yields
// an empty slice.
func (r *Retrieval) Search(ctx context.Context, question string) ([]Candidate, error) {
	vec, err := callWithRetry(ctx, r.policy, "embedder", "embed", func(ctx context.Context) ([]float32, error) {
		v, err := r.cfg.Embedder.Embed(ctx, question)
		if err != nil {
			return nil, err
		}
		return v.Slice(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}

	cands, err := callWithRetry(ctx, r.policy, "index", "search", func(ctx context.Context) ([]Candidate, error) {
		return r.cfg.Index.Search(ctx, vec, r.cfg.TopK)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}

	SortCandidates(cands)
	if len(cands) > r.cfg.TopK {
		cands = cands[:r.cfg.TopK]
	}
	return cands, nil
}

type filterResponse struct {
	Tables    []string `json:"tables"`
	Reasoning string   `json:"reasoning"`
}

// Filter asks the model which candidates are relevant. The result is always a
// subset of cands in their original order; names the model invents are
// dropped. An empty cands returns immediately without a model call.
func (r *Retrieval) Filter(ctx context.Context, question string, cands []Candidate) ([]Candidate, error) {
	if len(cands) == 0 {
		return nil, nil
	}

	tables := make([]TableMetadata, len(cands))
	for i, c := range cands {
		tables[i] = c.Table
	}
	userPrompt := fmt.Sprintf("Candidate tables:\n\n%s\nQuestion: %s", formatSchema(tables), question)

	names, err := complete(ctx, r.cfg.LLM, r.policy, "filter", r.cfg.Prompts.Filter, userPrompt,
		filterParser(CandidateIDs(cands)), WithCacheControl(), WithJSONOutput())
	if err != nil {
		return nil, fmt.Errorf("failed to filter candidates: %w", err)
	}

	kept := intersectCandidates(cands, names)
	r.cfg.Logger.Info("retrieval: filtered candidates",
		"turn_id", TurnID(ctx),
		"stage1", len(cands),
		"stage2", len(kept),
		"tables", strings.Join(CandidateIDs(kept), ","))
	return kept, nil
}

// filterParser reads the table list from a JSON object or a JSON array.
// Failing both, it keeps every id that appears in the reply as a whole word,
// so a prose answer naming a candidate still counts. It never fails.
func filterParser(ids []string) func(string) ([]string, error) {
	return func(response string) ([]string, error) {
		if jsonStr := extractJSON(response); jsonStr != "" {
			var obj filterResponse
			if err := json.Unmarshal([]byte(jsonStr), &obj); err == nil && obj.Tables != nil {
				return obj.Tables, nil
			}
			var arr []string
			if err := json.Unmarshal([]byte(jsonStr), &arr); err == nil {
				return arr, nil
			}
		}

		text := strings.ToLower(response)
		var names []string
		for _, id := range ids {
			if containsWord(text, strings.ToLower(id)) {
				names = append(names, id)
			}
		}
		return names, nil
	}
}

// containsWord reports whether word occurs in text delimited by characters
// that cannot be part of an identifier.
func containsWord(text, word string) bool {
	if word == "" {
		return false
	}
	for from := 0; from < len(text); {
		i := strings.Index(text[from:], word)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(word)
		if (start == 0 || !isIdentByte(text[start-1])) && (end == len(text) || !isIdentByte(text[end])) {
			return true
		}
		from = start + 1
	}
	return false
}

func isIdentByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b >= 0x80
}

// intersectCandidates keeps the candidates named in names, matched without
// regard to case or surrounding quotes, preserving the order of cands.
func intersectCandidates(cands []Candidate, names []string) []Candidate {
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[normalizeIdent(n)] = struct{}{}
	}
	kept := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if _, ok := wanted[normalizeIdent(c.Table.ID)]; ok {
			kept = append(kept, c)
		}
	}
	return kept
}

func normalizeIdent(s string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(s), "`\"'[]"))
}
