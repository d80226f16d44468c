package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/tabula/pkg/agent"
	"github.com/malbeclabs/tabula/pkg/duck"
)

type StoreConfig struct {
	Logger *slog.Logger
	DB     duck.DB
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("database is required")
	}
	return nil
}

// DuckDBStore reads table metadata from the knowledge base file.
type DuckDBStore struct {
	log *slog.Logger
	db  duck.DB
}

func NewDuckDBStore(cfg StoreConfig) (*DuckDBStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate store config: %w", err)
	}
	return &DuckDBStore{log: cfg.Logger, db: cfg.DB}, nil
}

const currentRecordsSQL = `SELECT id, dataset, file_name, description, columns, row_count, sample_values, ingested_at
FROM ` + TableName + `
QUALIFY row_number() OVER (PARTITION BY id ORDER BY ingested_at DESC) = 1`

// Get returns the current record for id, or agent.ErrUnknownTable.
func (s *DuckDBStore) Get(ctx context.Context, id string) (agent.TableMetadata, error) {
	tables, err := s.query(ctx, "SELECT * FROM ("+currentRecordsSQL+") WHERE id = ?", id)
	if err != nil {
		return agent.TableMetadata{}, err
	}
	if len(tables) == 0 {
		return agent.TableMetadata{}, fmt.Errorf("%w: %s", agent.ErrUnknownTable, id)
	}
	return tables[0], nil
}

// List returns the current record of every table ordered by id.
func (s *DuckDBStore) List(ctx context.Context) ([]agent.TableMetadata, error) {
	return s.query(ctx, "SELECT * FROM ("+currentRecordsSQL+") ORDER BY id")
}

func (s *DuckDBStore) query(ctx context.Context, query string, args ...any) ([]agent.TableMetadata, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	// A knowledge base with nothing registered has no metadata table yet.
	var n int
	if err := conn.QueryRowContext(ctx,
		"SELECT count(*) FROM duckdb_tables() WHERE schema_name = 'main' AND table_name = ?", TableName).Scan(&n); err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", TableName, err)
	}
	if n == 0 {
		return nil, nil
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", TableName, err)
	}
	defer rows.Close()

	var tables []agent.TableMetadata
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return tables, nil
}

func scanTable(rows *sql.Rows) (agent.TableMetadata, error) {
	var (
		t           agent.TableMetadata
		columnsJSON string
		samplesJSON string
	)
	if err := rows.Scan(&t.ID, &t.Dataset, &t.FileName, &t.Description, &columnsJSON, &t.RowCount, &samplesJSON, &t.IngestedAt); err != nil {
		return agent.TableMetadata{}, fmt.Errorf("failed to scan row: %w", err)
	}
	if err := json.Unmarshal([]byte(columnsJSON), &t.Columns); err != nil {
		return agent.TableMetadata{}, fmt.Errorf("failed to decode columns of %s: %w", t.ID, err)
	}
	if samplesJSON != "" {
		if err := json.Unmarshal([]byte(samplesJSON), &t.SampleValues); err != nil {
			return agent.TableMetadata{}, fmt.Errorf("failed to decode sample values of %s: %w", t.ID, err)
		}
	}
	t.IngestedAt = t.IngestedAt.UTC()
	return t, nil
}
