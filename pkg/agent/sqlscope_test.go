package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTabula_SQLScope_ReferencedTables(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{"simple", "SELECT * FROM sales", []string{"sales"}},
		{"trailing semicolon", "SELECT * FROM sales;", []string{"sales"}},
		{"join with aliases", "SELECT s.store, c.tier FROM sales s JOIN customers AS c ON s.id = c.id", []string{"sales", "customers"}},
		{"left join", "SELECT * FROM sales LEFT OUTER JOIN stores USING (store)", []string{"sales", "stores"}},
		{"comma list", "SELECT * FROM sales, stores WHERE sales.store = stores.id", []string{"sales", "stores"}},
		{"qualified", "SELECT * FROM main.sales", []string{"sales"}},
		{"quoted", `SELECT * FROM "Sales Data"`, []string{"Sales Data"}},
		{"cte excluded", "WITH t AS (SELECT store FROM sales) SELECT * FROM t", []string{"sales"}},
		{"recursive cte", "WITH RECURSIVE r(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM r) SELECT * FROM r, stores", []string{"stores"}},
		{"subquery", "SELECT * FROM (SELECT * FROM sales) x", []string{"sales"}},
		{"where subquery", "SELECT * FROM stores WHERE id IN (SELECT store FROM sales)", []string{"stores", "sales"}},
		{"extract is not a table", "SELECT EXTRACT(year FROM sold_at) AS y FROM sales", []string{"sales"}},
		{"distinct from", "SELECT a IS DISTINCT FROM b FROM sales", []string{"sales"}},
		{"string literal", "SELECT 'FROM customers' AS x FROM sales", []string{"sales"}},
		{"comments", "-- FROM customers\nSELECT * /* JOIN customers */ FROM sales", []string{"sales"}},
		{"table function", "SELECT * FROM read_csv('x.csv')", []string{"read_csv"}},
		{"union", "SELECT store FROM sales UNION ALL SELECT store FROM returns", []string{"sales", "returns"}},
		{"deduplicated", "SELECT * FROM sales a JOIN SALES b ON a.id = b.id", []string{"sales"}},
		{"parenthesized", "(SELECT * FROM sales)", []string{"sales"}},
		{"range generator", "SELECT r.n, s.store FROM range(10) r, sales s", []string{"sales"}},
		{"generate_series join", "SELECT * FROM generate_series(1, 3) AS g(i) JOIN sales ON true", []string{"sales"}},
		{"unnest", "SELECT * FROM sales, UNNEST(sales.tags) u", []string{"sales"}},
		{"table named range", "SELECT * FROM range", []string{"range"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ReferencedTables(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTabula_SQLScope_NoTables(t *testing.T) {
	t.Parallel()

	got, err := ReferencedTables("SELECT 1 + 1")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = ReferencedTables("SELECT n FROM range(5)")
	require.NoError(t, err)
	assert.Empty(t, got)
	_, err = CheckScope("SELECT n FROM range(5)", []string{"sales"})
	require.NoError(t, err)
}

func TestTabula_SQLScope_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sql     string
		wantErr string
	}{
		{"empty", "  ", "empty statement"},
		{"drop", "DROP TABLE sales", "read-only"},
		{"insert", "INSERT INTO sales VALUES (1)", "read-only"},
		{"attach", "ATTACH 'other.duckdb'", "read-only"},
		{"stacked", "SELECT 1; DROP TABLE sales", "single statement"},
		{"write in cte", "WITH x AS (DELETE FROM sales RETURNING *) SELECT * FROM x", "read-only"},
		{"write after cte", "WITH x AS (SELECT 1) DELETE FROM sales", "read-only"},
		{"unterminated string", "SELECT 'oops FROM sales", "unterminated"},
		{"unterminated comment", "SELECT 1 /* FROM sales", "unterminated"},
		{"unbalanced", "SELECT (1 FROM sales", "unbalanced"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReferencedTables(tt.sql)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTabula_SQLScope_CheckScope(t *testing.T) {
	t.Parallel()

	refs, err := CheckScope("SELECT * FROM SALES", []string{"sales"})
	require.NoError(t, err)
	assert.Equal(t, []string{"SALES"}, refs)

	refs, err = CheckScope("SELECT * FROM sales JOIN customers ON true", []string{"sales"})
	require.Error(t, err)
	assert.Equal(t, []string{"sales", "customers"}, refs)
	assert.Contains(t, err.Error(), "outside the candidate set: customers (allowed: sales)")

	_, err = CheckScope("SELECT * FROM sales", nil)
	require.Error(t, err)
}
