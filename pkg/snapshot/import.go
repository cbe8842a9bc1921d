package snapshot

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/taskgraph/taskgraph/pkg/storage"
	"github.com/taskgraph/taskgraph/pkg/types"
)

// Import modes.
const (
	ModeFresh   = "fresh"
	ModeReplace = "replace"
	ModeMerge   = "merge"
)

// ImportOptions control an import.
type ImportOptions struct {
	Mode   string
	DryRun bool
	Strict bool
	Force  bool // merge mode: overwrite rows that already exist
}

// Summary reports what an import did (or would do, under dry-run).
type Summary struct {
	Mode       string         `json:"mode"`
	DryRun     bool           `json:"dry_run"`
	Inserted   map[string]int `json:"inserted"`
	Skipped    map[string]int `json:"skipped"`
	Overwrote  map[string]int `json:"overwrote"`
	Migrations []string       `json:"migrations,omitempty"`
}

// importOrder is the FK-satisfying insert order.
var importOrder = []string{
	"tasks", "dependencies", "attachments",
	"task_tags", "task_needed_tags", "task_wanted_tags", "task_sequence",
}

// keyColumns identifies a row per table for merge-mode existence
// checks.
var keyColumns = map[string][]string{
	"tasks":            {"id"},
	"dependencies":     {"from_task_id", "to_task_id", "dep_type"},
	"attachments":      {"task_id", "attachment_type", "sequence"},
	"task_tags":        {"task_id", "tag"},
	"task_needed_tags": {"task_id", "tag"},
	"task_wanted_tags": {"task_id", "tag"},
	"task_sequence":    {"id"},
}

// Import applies an envelope in one transaction. Envelopes exported at
// an older schema version are migrated at the JSON level first; a
// version with no migration path is rejected.
func (p *Port) Import(env *Envelope, opts ImportOptions) (*Summary, error) {
	switch opts.Mode {
	case ModeFresh, ModeReplace, ModeMerge:
	default:
		return nil, types.InvalidArgument("unknown import mode %q", opts.Mode)
	}

	migrated, applied, err := migrateEnvelope(env)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Mode:       opts.Mode,
		DryRun:     opts.DryRun,
		Inserted:   map[string]int{},
		Skipped:    map[string]int{},
		Overwrote:  map[string]int{},
		Migrations: applied,
	}

	err = p.db.Write(func(tx *sql.Tx) error {
		if opts.Mode == ModeFresh || opts.Mode == ModeReplace {
			// Children first so deletes never trip foreign keys.
			for i := len(importOrder) - 1; i >= 0; i-- {
				if _, err := tx.Exec(`DELETE FROM ` + importOrder[i]); err != nil {
					return err
				}
			}
			if opts.Mode == ModeFresh {
				for _, t := range []string{"claim_sequence", "file_locks", "worker_tags", "workers"} {
					if _, err := tx.Exec(`DELETE FROM ` + t); err != nil {
						return err
					}
				}
			}
		}

		for _, table := range importOrder {
			rows, ok := migrated.Tables[table]
			if !ok {
				continue
			}
			for _, row := range rows {
				act, err := importRow(tx, table, row, opts)
				if err != nil {
					if opts.Strict {
						return fmt.Errorf("table %s: %w", table, err)
					}
					summary.Skipped[table]++
					continue
				}
				summary.bump(act, table)
			}
		}

		if opts.DryRun {
			return errDryRun
		}
		return nil
	})
	if err == errDryRun {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// errDryRun aborts the transaction after counting, rolling every write
// back.
var errDryRun = fmt.Errorf("dry run")

type action string

const (
	actInserted  action = "inserted"
	actSkipped   action = "skipped"
	actOverwrote action = "overwrote"
)

func (s *Summary) bump(a action, table string) {
	switch a {
	case actInserted:
		s.Inserted[table]++
	case actSkipped:
		s.Skipped[table]++
	case actOverwrote:
		s.Overwrote[table]++
	}
}

func importRow(tx *sql.Tx, table string, row map[string]any, opts ImportOptions) (action, error) {
	keys := keyColumns[table]

	// Ownership references runtime state: when the referenced worker
	// does not exist in the target database (fresh imports truncate
	// workers), the claim is dropped rather than tripping the foreign
	// key.
	if table == "tasks" {
		if workerID, ok := row["worker_id"]; ok {
			var n int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM workers WHERE id = ?`, workerID).Scan(&n); err != nil {
				return actSkipped, err
			}
			if n == 0 {
				row = cloneWithout(row, "worker_id", "claimed_at")
			}
		}
	}

	if opts.Mode == ModeMerge {
		var conds []string
		var args []any
		for _, k := range keys {
			conds = append(conds, k+" = ?")
			args = append(args, row[k])
		}
		var n int
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, table, strings.Join(conds, " AND "))
		if err := tx.QueryRow(query, args...).Scan(&n); err != nil {
			return actSkipped, err
		}
		if n > 0 {
			if !opts.Force {
				return actSkipped, nil
			}
			del := fmt.Sprintf(`DELETE FROM %s WHERE %s`, table, strings.Join(conds, " AND "))
			if _, err := tx.Exec(del, args...); err != nil {
				return actSkipped, err
			}
			if err := insertRow(tx, table, row); err != nil {
				return actSkipped, err
			}
			return actOverwrote, nil
		}
	}

	if err := insertRow(tx, table, row); err != nil {
		return actSkipped, err
	}
	return actInserted, nil
}

func cloneWithout(row map[string]any, drop ...string) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	for _, k := range drop {
		delete(out, k)
	}
	return out
}

func insertRow(tx *sql.Tx, table string, row map[string]any) error {
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = row[c]
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		table, strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?,", len(cols)), ","))
	_, err := tx.Exec(query, args...)
	return err
}

// migrateEnvelope lifts an envelope to the current schema version with
// JSON-level transforms.
func migrateEnvelope(env *Envelope) (*Envelope, []string, error) {
	if env.SchemaVersion == storage.SchemaVersion {
		return env, nil, nil
	}
	if env.SchemaVersion > storage.SchemaVersion {
		return nil, nil, types.Errf(types.ErrSchemaMigration,
			"snapshot schema version %d is newer than this build (%d)",
			env.SchemaVersion, storage.SchemaVersion)
	}

	var applied []string
	version := env.SchemaVersion
	for version < storage.SchemaVersion {
		m, ok := envelopeMigrations[version]
		if !ok {
			return nil, nil, types.Errf(types.ErrSchemaMigration,
				"no migration path from snapshot schema version %d", version)
		}
		if err := m.apply(env); err != nil {
			return nil, nil, err
		}
		applied = append(applied, m.name)
		version++
	}
	env.SchemaVersion = version
	return env, applied, nil
}

type envelopeMigration struct {
	name  string
	apply func(*Envelope) error
}

// envelopeMigrations lifts schema version N to N+1 at the JSON level.
// Only versions since exports began need entries.
var envelopeMigrations = map[int]envelopeMigration{
	7: {
		name: "phase_workflow_soft_delete",
		apply: func(env *Envelope) error {
			for _, row := range env.Tables["tasks"] {
				if _, ok := row["phase"]; !ok {
					row["phase"] = ""
				}
				if _, ok := row["deleted_by"]; !ok {
					row["deleted_by"] = ""
				}
				if _, ok := row["deleted_reason"]; !ok {
					row["deleted_reason"] = ""
				}
			}
			return nil
		},
	},
}
