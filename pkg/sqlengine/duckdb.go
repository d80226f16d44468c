package sqlengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/duckdb/duckdb-go/v2"

	"github.com/malbeclabs/tabula/pkg/agent"
	"github.com/malbeclabs/tabula/pkg/duck"
)

const DefaultMaxRows = 1000

type Config struct {
	Logger  *slog.Logger
	KBPath  string // DuckDB file holding the knowledge base tables
	MaxRows int    // rows returned per statement
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.KBPath == "" {
		return errors.New("knowledge base path is required")
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	return nil
}

// DuckDBEngine executes statements in a private in-memory DuckDB database
// that holds copies of the scoped tables only. The knowledge base file is
// attached read-only for the copy and detached before the statement runs,
// and external access is disabled, so a statement cannot see any other table
// or touch the filesystem. It is safe for concurrent use.
type DuckDBEngine struct {
	log *slog.Logger
	cfg Config
}

func NewDuckDBEngine(cfg Config) (*DuckDBEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate engine config: %w", err)
	}
	return &DuckDBEngine{log: cfg.Logger, cfg: cfg}, nil
}

// Execute runs sql with only the tables in scope visible. Errors reported by
// DuckDB for the statement itself are returned as *agent.ExecutionError.
func (e *DuckDBEngine) Execute(ctx context.Context, sql string, scope []string) (agent.ResultSet, error) {
	sqlText := stripTrailingSemicolons(sql)
	if sqlText == "" {
		return agent.ResultSet{}, &agent.ExecutionError{SQL: sql, Message: "sql is required"}
	}

	start := time.Now()
	db, err := duck.NewDB(ctx, "", e.log)
	if err != nil {
		return agent.ResultSet{}, err
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return agent.ResultSet{}, err
	}
	defer conn.Close()

	if err := e.prepareScope(ctx, conn, scope); err != nil {
		return agent.ResultSet{}, err
	}

	rows, err := conn.QueryContext(ctx, sqlText)
	if err != nil {
		return agent.ResultSet{}, statementError(ctx, sql, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return agent.ResultSet{}, fmt.Errorf("failed to get columns: %w", err)
	}

	result := agent.ResultSet{Columns: columns, Rows: []map[string]any{}}
	for rows.Next() {
		if len(result.Rows) >= e.cfg.MaxRows {
			e.log.Warn("sqlengine: result truncated", "max_rows", e.cfg.MaxRows)
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return agent.ResultSet{}, statementError(ctx, sql, err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return agent.ResultSet{}, statementError(ctx, sql, err)
	}

	e.log.Debug("sqlengine: statement executed", "rows", len(result.Rows), "scope", strings.Join(scope, ","), "duration", time.Since(start))
	return result, nil
}

// prepareScope copies the scoped tables out of the knowledge base and locks
// the database down.
func (e *DuckDBEngine) prepareScope(ctx context.Context, conn duck.Connection, scope []string) error {
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("ATTACH %s AS kb (READ_ONLY)", duck.QuoteString(e.cfg.KBPath))); err != nil {
		return fmt.Errorf("failed to attach knowledge base: %w", err)
	}

	for _, table := range scope {
		var n int
		err := conn.QueryRowContext(ctx,
			"SELECT count(*) FROM duckdb_tables() WHERE database_name = 'kb' AND schema_name = 'main' AND table_name = ?", table).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to look up table %q: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %w: %s", agent.ErrNonRetryable, agent.ErrUnknownTable, table)
		}

		copySQL := fmt.Sprintf("CREATE TABLE main.%s AS SELECT * FROM kb.main.%s", duck.QuoteIdent(table), duck.QuoteIdent(table))
		if _, err := conn.ExecContext(ctx, copySQL); err != nil {
			return fmt.Errorf("failed to load table %q: %w", table, err)
		}
	}

	for _, stmt := range []string{
		"DETACH kb",
		"SET enable_external_access = false",
		"SET lock_configuration = true",
	} {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to prepare scope (%s): %w", stmt, err)
		}
	}
	return nil
}

// statementError reports DuckDB errors as execution errors. Cancellation
// and deadlines are returned as context errors instead.
func statementError(ctx context.Context, sql string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var duckErr *duckdb.Error
	if errors.As(err, &duckErr) || strings.Contains(err.Error(), "Error:") {
		return &agent.ExecutionError{SQL: sql, Message: err.Error()}
	}
	return fmt.Errorf("failed to execute statement: %w", err)
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case *big.Int:
		if val == nil {
			return nil
		}
		if val.IsInt64() {
			return val.Int64()
		}
		return val.String()
	case duckdb.Decimal:
		return val.Float64()
	default:
		return v
	}
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
