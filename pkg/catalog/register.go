package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/malbeclabs/tabula/pkg/agent"
	"github.com/malbeclabs/tabula/pkg/duck"
)

// samplesPerColumn is the number of distinct non-null values kept per column.
const samplesPerColumn = 3

// Describe builds metadata for a table that already exists in the knowledge
// base: its columns and types, row count and a few distinct sample values
// per column. Description falls back to agent.DefaultDescription.
func Describe(ctx context.Context, conn duck.Connection, table, dataset, description string) (agent.TableMetadata, error) {
	meta := agent.TableMetadata{
		ID:           table,
		Dataset:      dataset,
		Description:  description,
		SampleValues: map[string][]string{},
	}

	rows, err := conn.QueryContext(ctx, `SELECT column_name, data_type FROM information_schema.columns
		WHERE table_schema = 'main' AND table_name = ? ORDER BY ordinal_position`, table)
	if err != nil {
		return agent.TableMetadata{}, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	for rows.Next() {
		var col agent.Column
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			rows.Close()
			return agent.TableMetadata{}, fmt.Errorf("failed to scan column: %w", err)
		}
		meta.Columns = append(meta.Columns, col)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return agent.TableMetadata{}, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(meta.Columns) == 0 {
		return agent.TableMetadata{}, fmt.Errorf("%w: %s", agent.ErrUnknownTable, table)
	}

	if err := conn.QueryRowContext(ctx, "SELECT count(*) FROM "+duck.QuoteIdent(table)).Scan(&meta.RowCount); err != nil {
		return agent.TableMetadata{}, fmt.Errorf("failed to count rows of %s: %w", table, err)
	}

	for _, col := range meta.Columns {
		samples, err := sampleValues(ctx, conn, table, col.Name)
		if err != nil {
			return agent.TableMetadata{}, err
		}
		if len(samples) > 0 {
			meta.SampleValues[col.Name] = samples
		}
	}

	if meta.Description == "" {
		meta.Description = agent.DefaultDescription(meta)
	}
	return meta, nil
}

func sampleValues(ctx context.Context, conn duck.Connection, table, column string) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT CAST(%[1]s AS VARCHAR) AS v FROM %[2]s WHERE %[1]s IS NOT NULL ORDER BY v LIMIT %[3]d`,
		duck.QuoteIdent(column), duck.QuoteIdent(table), samplesPerColumn)
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to sample %s.%s: %w", table, column, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Register appends a metadata record, superseding any earlier record with
// the same id. IngestedAt defaults to now.
func Register(ctx context.Context, conn duck.Connection, meta agent.TableMetadata) error {
	if meta.ID == "" {
		return fmt.Errorf("table id is required")
	}
	if meta.IngestedAt.IsZero() {
		meta.IngestedAt = time.Now().UTC()
	}
	if meta.SampleValues == nil {
		meta.SampleValues = map[string][]string{}
	}
	columnsJSON, err := json.Marshal(meta.Columns)
	if err != nil {
		return fmt.Errorf("failed to encode columns: %w", err)
	}
	samplesJSON, err := json.Marshal(meta.SampleValues)
	if err != nil {
		return fmt.Errorf("failed to encode sample values: %w", err)
	}

	if err := EnsureSchema(ctx, conn); err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `INSERT INTO `+TableName+`
		(id, dataset, file_name, description, columns, row_count, sample_values, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.Dataset, meta.FileName, meta.Description, string(columnsJSON), meta.RowCount, string(samplesJSON), meta.IngestedAt)
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", meta.ID, err)
	}
	return nil
}

// ImportCSV creates or replaces table from a CSV file using DuckDB's own
// reader, with column types sniffed from the file.
func ImportCSV(ctx context.Context, conn duck.Connection, table, path string) error {
	query := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM read_csv_auto(%s)", duck.QuoteIdent(table), duck.QuoteString(path))
	if _, err := conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to import %s into %s: %w", path, table, err)
	}
	return nil
}
