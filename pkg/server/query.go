package server

import (
	"fmt"
	"strings"

	"github.com/taskgraph/taskgraph/pkg/types"
)

// runQuery executes a statement-validated read-only query. Only a
// single SELECT (or WITH ... SELECT) statement is accepted; writes,
// pragmas, and multi-statement input are refused before execution.
func (d *Dispatcher) runQuery(sqlText string, params []any, limit int) (any, error) {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return nil, types.InvalidArgument("sql is required")
	}
	trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	if strings.Contains(trimmed, ";") {
		return nil, types.InvalidArgument("only a single statement is allowed")
	}

	head := strings.ToUpper(trimmed)
	if !strings.HasPrefix(head, "SELECT") && !strings.HasPrefix(head, "WITH") {
		return nil, types.InvalidArgument("only SELECT queries are allowed")
	}
	for _, forbidden := range []string{"INSERT ", "UPDATE ", "DELETE ", "DROP ", "ALTER ", "CREATE ", "PRAGMA ", "ATTACH ", "VACUUM"} {
		if strings.Contains(head, forbidden) {
			return nil, types.InvalidArgument("statement contains forbidden keyword %q", strings.TrimSpace(forbidden))
		}
	}

	if limit <= 0 {
		limit = 100
	}
	wrapped := fmt.Sprintf("SELECT * FROM (%s) LIMIT %d", trimmed, limit)

	rows, err := d.DB.SQL().Query(wrapped, params...)
	if err != nil {
		return nil, types.InvalidArgument("query failed: %v", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
