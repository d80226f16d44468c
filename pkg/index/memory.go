package index

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/malbeclabs/tabula/pkg/agent"
)

// MemoryIndex is an in-process similarity index using cosine similarity.
// Identical contents always produce identical result order.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]Entry
	dims    int
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]Entry)}
}

// Upsert adds entries, replacing any existing entry with the same table ID.
// All vectors must share one dimensionality.
func (m *MemoryIndex) Upsert(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		if e.Table.ID == "" {
			return fmt.Errorf("memory index: entry without table ID")
		}
		if m.dims == 0 {
			m.dims = len(e.Vector)
		}
		if len(e.Vector) != m.dims {
			return fmt.Errorf("memory index: table %q has %d dimensions, want %d", e.Table.ID, len(e.Vector), m.dims)
		}
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		m.entries[e.Table.ID] = Entry{Table: e.Table, Vector: vec}
	}
	return nil
}

// Delete removes a table from the index.
func (m *MemoryIndex) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Search returns up to k candidates by descending cosine similarity, ties
// broken by table ID. An empty index returns an empty result.
func (m *MemoryIndex) Search(_ context.Context, embedding []float32, k int) ([]agent.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if k <= 0 || len(m.entries) == 0 {
		return []agent.Candidate{}, nil
	}
	if len(embedding) != m.dims {
		return nil, fmt.Errorf("memory index: query has %d dimensions, want %d", len(embedding), m.dims)
	}

	cands := make([]agent.Candidate, 0, len(m.entries))
	for _, e := range m.entries {
		cands = append(cands, agent.Candidate{Table: e.Table, Score: cosine(embedding, e.Vector)})
	}
	agent.SortCandidates(cands)
	if len(cands) > k {
		cands = cands[:k]
	}
	return cands, nil
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
