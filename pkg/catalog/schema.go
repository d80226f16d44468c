package catalog

import (
	"context"
	"fmt"

	"github.com/malbeclabs/tabula/pkg/duck"
)

// TableName is the knowledge base table holding table metadata. Rows are
// append-only; the newest row per id is the current record.
const TableName = "kb_tables"

const createTableSQL = `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
	id            VARCHAR   NOT NULL,
	dataset       VARCHAR   NOT NULL DEFAULT '',
	file_name     VARCHAR   NOT NULL DEFAULT '',
	description   VARCHAR   NOT NULL DEFAULT '',
	columns       VARCHAR   NOT NULL,
	row_count     BIGINT    NOT NULL DEFAULT 0,
	sample_values VARCHAR   NOT NULL DEFAULT '{}',
	ingested_at   TIMESTAMP NOT NULL
)`

// EnsureSchema creates the metadata table if it does not exist.
func EnsureSchema(ctx context.Context, conn duck.Connection) error {
	if _, err := conn.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create %s: %w", TableName, err)
	}
	return nil
}
