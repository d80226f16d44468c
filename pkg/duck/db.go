package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DB is an open DuckDB database: the knowledge base file, or a private
// in-memory database used to run one scoped statement.
type DB interface {
	Catalog() string
	Schema() string
	Close() error
	Conn(ctx context.Context) (Connection, error)
}

// Connection is a single connection pinned to the database's catalog and
// schema. Writes on one connection are serialized.
type Connection interface {
	DB() DB
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Close() error
}

type Option func(*options)

type options struct {
	readOnly bool
}

// ReadOnly opens the database file in read-only access mode so that several
// processes can read it at once.
func ReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}

type duckDB struct {
	dbPath  string
	db      *sql.DB
	catalog string
	schema  string
}

type duckDBConn struct {
	conn    *sql.Conn
	db      *duckDB
	writeMu sync.Mutex // serializes all write operations
}

// NewDB opens the DuckDB database at dbPath. An empty path opens a private
// in-memory database.
func NewDB(ctx context.Context, dbPath string, log *slog.Logger, opts ...Option) (*duckDB, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	dsn := dbPath
	if o.readOnly && dbPath != "" {
		dsn = dbPath + "?access_mode=READ_ONLY"
	}

	var db *sql.DB
	err := retryOnLockConflict(ctx, log, "open "+dbPath, func() error {
		var err error
		db, err = sql.Open("duckdb", dsn)
		if err != nil {
			return err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	row := db.QueryRowContext(ctx, "SELECT current_database() AS catalog, current_schema() AS schema")
	var catalog, schema string
	if err := row.Scan(&catalog, &schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get current database and schema: %w", err)
	}

	return &duckDB{
		dbPath:  dbPath,
		db:      db,
		catalog: catalog,
		schema:  schema,
	}, nil
}

func (d *duckDB) Conn(ctx context.Context) (Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "USE "+QuoteIdent(d.catalog)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to use database: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "SET schema = "+QuoteString(d.schema)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set schema: %w", err)
	}

	return &duckDBConn{
		conn: conn,
		db:   d,
	}, nil
}

func (d *duckDB) Path() string {
	return d.dbPath
}

func (d *duckDB) Catalog() string {
	return d.catalog
}

func (d *duckDB) Schema() string {
	return d.schema
}

func (d *duckDB) Close() error {
	return d.db.Close()
}

func (c *duckDBConn) DB() DB {
	return c.db
}

func (c *duckDBConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.ExecContext(ctx, query, args...)
}

func (c *duckDBConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *duckDBConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *duckDBConn) Close() error {
	return c.conn.Close()
}
