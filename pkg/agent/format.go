package agent

import (
	"fmt"
	"strings"
)

// formatSchema renders table metadata the way the filter and generation
// prompts expect it.
func formatSchema(tables []TableMetadata) string {
	var sb strings.Builder
	for i, t := range tables {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(t.ID + ":\n")
		if t.Description != "" {
			sb.WriteString("  Description: " + t.Description + "\n")
		}
		if t.Dataset != "" {
			sb.WriteString("  Dataset: " + t.Dataset + "\n")
		}
		fmt.Fprintf(&sb, "  Rows: %d\n", t.RowCount)
		sb.WriteString("  Columns:\n")
		for _, col := range t.Columns {
			if samples := t.SampleValues[col.Name]; len(samples) > 0 {
				sb.WriteString("  - " + col.Name + " (" + col.Type + ") values: " + strings.Join(samples, ", ") + "\n")
			} else {
				sb.WriteString("  - " + col.Name + " (" + col.Type + ")\n")
			}
		}
	}
	return sb.String()
}

// formatValue formats a single value for display to the LLM.
// Floats are rounded to 2 decimal places.
func formatValue(v any) string {
	switch val := v.(type) {
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%.2f", val)
	case float32:
		if val == float32(int32(val)) {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%.2f", val)
	case nil:
		return "NULL"
	default:
		s := fmt.Sprintf("%v", v)
		if len(s) > 100 {
			s = s[:97] + "..."
		}
		return s
	}
}

// FormatResult renders up to maxRows rows of a result as pipe-separated text.
func FormatResult(result ResultSet, maxRows int) string {
	if result.Count() == 0 {
		return "Query returned no results."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Columns: %s\n", strings.Join(result.Columns, ", "))
	fmt.Fprintf(&sb, "Rows (%d total):\n", result.Count())

	displayRows := min(result.Count(), maxRows)
	for i := 0; i < displayRows; i++ {
		values := make([]string, len(result.Columns))
		for j, col := range result.Columns {
			values[j] = formatValue(result.Rows[i][col])
		}
		sb.WriteString(strings.Join(values, " | ") + "\n")
	}

	if result.Count() > maxRows {
		fmt.Fprintf(&sb, "... and %d more rows\n", result.Count()-maxRows)
	}
	if result.Truncated {
		fmt.Fprintf(&sb, "Result truncated at %d rows; the full result has more.\n", result.Count())
	}

	return sb.String()
}
