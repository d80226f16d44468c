// Package index stores table metadata embeddings and answers similarity
// searches over them. MemoryIndex keeps everything in process; QdrantIndex
// is backed by a Qdrant collection.
package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/alitto/pond/v2"
	"github.com/pgvector/pgvector-go"

	"github.com/malbeclabs/tabula/pkg/agent"
	"github.com/malbeclabs/tabula/pkg/embedding"
)

const (
	defaultBatchSize   = 16
	defaultConcurrency = 4
)

// Entry is one table and the embedding of its document text.
type Entry struct {
	Table  agent.TableMetadata
	Vector []float32
}

// Upserter accepts embedded tables.
type Upserter interface {
	Upsert(ctx context.Context, entries []Entry) error
}

// DocumentText renders the text embedded for a table: its identifier,
// description, columns and a few sample values.
func DocumentText(t agent.TableMetadata) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "table %s", t.ID)
	if t.Dataset != "" {
		fmt.Fprintf(&sb, " (dataset %s)", t.Dataset)
	}
	sb.WriteString("\n")
	if t.Description != "" {
		sb.WriteString(t.Description)
		sb.WriteString("\n")
	}
	sb.WriteString("columns:")
	for _, c := range t.Columns {
		sb.WriteString(" ")
		sb.WriteString(c.Name)
		if vals := t.SampleValues[c.Name]; len(vals) > 0 {
			fmt.Fprintf(&sb, " [%s]", strings.Join(vals, ", "))
		}
	}
	return sb.String()
}

// BuildConfig controls how tables are embedded.
type BuildConfig struct {
	BatchSize   int
	Concurrency int
}

// Embed computes document embeddings for tables in batches on a bounded
// pool. Entries are returned in table order.
func Embed(ctx context.Context, provider embedding.Provider, tables []agent.TableMetadata, cfg BuildConfig) ([]Entry, error) {
	if len(tables) == 0 {
		return nil, nil
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	pool := pond.NewResultPool[[]pgvector.Vector](cfg.Concurrency)
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	for start := 0; start < len(tables); start += cfg.BatchSize {
		end := min(start+cfg.BatchSize, len(tables))
		texts := make([]string, 0, end-start)
		for _, t := range tables[start:end] {
			texts = append(texts, DocumentText(t))
		}
		group.SubmitErr(func() ([]pgvector.Vector, error) {
			vecs, err := provider.EmbedBatch(ctx, texts)
			if err != nil {
				return nil, fmt.Errorf("embed tables %d-%d: %w", start, end-1, err)
			}
			if len(vecs) != len(texts) {
				return nil, fmt.Errorf("embed tables %d-%d: got %d vectors for %d texts", start, end-1, len(vecs), len(texts))
			}
			return vecs, nil
		})
	}

	batches, err := group.Wait()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(tables))
	for _, batch := range batches {
		for _, v := range batch {
			t := tables[len(entries)]
			entries = append(entries, Entry{Table: t, Vector: v.Slice()})
		}
	}
	return entries, nil
}

// Sync embeds every table in the catalog and upserts it into dst.
// It returns the number of tables written.
func Sync(ctx context.Context, catalog agent.Catalog, provider embedding.Provider, dst Upserter, cfg BuildConfig) (int, error) {
	tables, err := catalog.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tables: %w", err)
	}
	entries, err := Embed(ctx, provider, tables, cfg)
	if err != nil {
		return 0, err
	}
	if err := dst.Upsert(ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}
