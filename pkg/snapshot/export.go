package snapshot

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskgraph/taskgraph/pkg/log"
	"github.com/taskgraph/taskgraph/pkg/storage"
)

// ExportVersion is the envelope format version.
const ExportVersion = "1.0.0"

// Envelope is the portable project snapshot. Rows are JSON objects;
// absent keys denote NULL.
type Envelope struct {
	SchemaVersion int                         `json:"schema_version"`
	ExportVersion string                      `json:"export_version"`
	ExportedAt    string                      `json:"exported_at"`
	ExportedBy    string                      `json:"exported_by"`
	Tables        map[string][]map[string]any `json:"tables"`
}

// exportTables lists project-data tables in FK-safe, diff-friendly
// order. Runtime tables (workers, file_locks, claim_sequence) never
// export.
var exportTables = []struct {
	name    string
	orderBy string
}{
	{"tasks", "id"},
	{"dependencies", "from_task_id, to_task_id, dep_type"},
	{"attachments", "task_id, attachment_type, sequence"},
	{"task_tags", "task_id, tag"},
	{"task_needed_tags", "task_id, tag"},
	{"task_wanted_tags", "task_id, tag"},
	{"task_sequence", "id"},
}

// Port exports and imports portable snapshots.
type Port struct {
	db     *storage.DB
	logger zerolog.Logger
}

// NewPort creates a snapshot port over the shared database.
func NewPort(db *storage.DB) *Port {
	return &Port{db: db, logger: log.WithComponent("snapshot")}
}

// ExportOptions narrow an export.
type ExportOptions struct {
	Tables         []string
	ExcludeDeleted bool
	NoHistory      bool
}

// Export serializes the project-data tables deterministically.
func (p *Port) Export(opts ExportOptions) (*Envelope, error) {
	want := func(name string) bool {
		if name == "task_sequence" && opts.NoHistory {
			return false
		}
		if len(opts.Tables) == 0 {
			return true
		}
		for _, t := range opts.Tables {
			if t == name {
				return true
			}
		}
		return false
	}

	env := &Envelope{
		SchemaVersion: storage.SchemaVersion,
		ExportVersion: ExportVersion,
		ExportedAt:    time.Now().UTC().Format(time.RFC3339),
		ExportedBy:    "taskgraph",
		Tables:        make(map[string][]map[string]any),
	}

	for _, t := range exportTables {
		if !want(t.name) {
			continue
		}
		query := fmt.Sprintf(`SELECT * FROM %s`, t.name)
		if opts.ExcludeDeleted {
			switch t.name {
			case "tasks":
				query += ` WHERE deleted_at IS NULL`
			case "dependencies":
				query += ` WHERE from_task_id IN (SELECT id FROM tasks WHERE deleted_at IS NULL)
					AND to_task_id IN (SELECT id FROM tasks WHERE deleted_at IS NULL)`
			case "attachments", "task_tags", "task_needed_tags", "task_wanted_tags", "task_sequence":
				query += ` WHERE task_id IN (SELECT id FROM tasks WHERE deleted_at IS NULL)`
			}
		}
		query += fmt.Sprintf(` ORDER BY %s`, t.orderBy)

		rows, err := p.db.SQL().Query(query)
		if err != nil {
			return nil, err
		}
		table, err := rowsToMaps(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		env.Tables[t.name] = table
	}
	return env, nil
}

// rowsToMaps converts result rows to JSON objects, dropping NULLs.
func rowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
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
			switch v := vals[i].(type) {
			case nil:
				// Absence denotes NULL.
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
