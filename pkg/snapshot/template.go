package snapshot

import (
	"database/sql"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/ids"
	"github.com/taskgraph/taskgraph/pkg/storage"
	"github.com/taskgraph/taskgraph/pkg/types"
)

// InstantiateOptions control template instantiation.
type InstantiateOptions struct {
	// Parent, when set, attaches the instantiated roots beneath an
	// existing task via contains edges.
	Parent string
	// Tags are added to every instantiated task.
	Tags []string
}

// Instantiate duplicates a canonical subgraph from an envelope: every
// id is remapped to a fresh petname, statuses reset to the initial
// state, runtime fields clear, and internal references rewrite to the
// new ids. Returns the new task ids in the order of the template's task rows.
func (p *Port) Instantiate(snap *config.Snapshot, env *Envelope, opts InstantiateOptions) ([]string, error) {
	migrated, _, err := migrateEnvelope(env)
	if err != nil {
		return nil, err
	}
	taskRows := migrated.Tables["tasks"]
	if len(taskRows) == 0 {
		return nil, types.InvalidArgument("template contains no tasks")
	}

	gen := ids.New(snap.IDs.TaskIDWords, snap.IDs.IDCase)
	now := storage.NowMS()

	var newIDs []string
	err = p.db.Write(func(tx *sql.Tx) error {
		newIDs = nil
		mapping := make(map[string]string, len(taskRows))

		for _, row := range taskRows {
			oldID, _ := row["id"].(string)
			if oldID == "" {
				return types.InvalidArgument("template task row missing id")
			}
			var newID string
			for attempt := 0; ; attempt++ {
				newID = gen.Generate()
				var n int
				if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = ?`, newID).Scan(&n); err != nil {
					return err
				}
				if n == 0 || attempt >= 16 {
					break
				}
			}
			mapping[oldID] = newID
		}

		for _, row := range taskRows {
			oldID, _ := row["id"].(string)
			clean := make(map[string]any, len(row))
			for k, v := range row {
				switch k {
				case "worker_id", "claimed_at", "started_at", "completed_at",
					"deleted_at", "deleted_by", "deleted_reason", "current_thought",
					"metric_0", "metric_1", "metric_2", "metric_3",
					"metric_4", "metric_5", "metric_6", "metric_7", "cost_usd",
					"time_actual_ms":
					// Runtime fields reset.
				default:
					clean[k] = v
				}
			}
			clean["id"] = mapping[oldID]
			clean["status"] = snap.States.Initial
			clean["time_actual_ms"] = 0
			clean["created_at"] = now
			clean["updated_at"] = now
			if err := insertRow(tx, "tasks", clean); err != nil {
				return err
			}
			newIDs = append(newIDs, mapping[oldID])
		}

		incomingContains := map[string]bool{}
		for _, row := range migrated.Tables["dependencies"] {
			from, _ := row["from_task_id"].(string)
			to, _ := row["to_task_id"].(string)
			depType, _ := row["dep_type"].(string)
			newFrom, okF := mapping[from]
			newTo, okT := mapping[to]
			if !okF || !okT {
				// Edges out of the template subgraph are dropped.
				continue
			}
			if _, err := tx.Exec(`INSERT OR IGNORE INTO dependencies
				(from_task_id, to_task_id, dep_type, created_at) VALUES (?, ?, ?, ?)`,
				newFrom, newTo, depType, now); err != nil {
				return err
			}
			if depType == "contains" {
				incomingContains[newTo] = true
			}
		}

		for _, table := range []string{"task_tags", "task_needed_tags", "task_wanted_tags"} {
			for _, row := range migrated.Tables[table] {
				taskID, _ := row["task_id"].(string)
				newID, ok := mapping[taskID]
				if !ok {
					continue
				}
				if _, err := tx.Exec(`INSERT OR IGNORE INTO `+table+` (task_id, tag) VALUES (?, ?)`,
					newID, row["tag"]); err != nil {
					return err
				}
			}
		}

		for _, row := range migrated.Tables["attachments"] {
			taskID, _ := row["task_id"].(string)
			newID, ok := mapping[taskID]
			if !ok {
				continue
			}
			clean := make(map[string]any, len(row))
			for k, v := range row {
				if k == "id" {
					continue
				}
				clean[k] = v
			}
			clean["task_id"] = newID
			clean["created_at"] = now
			if err := insertRow(tx, "attachments", clean); err != nil {
				return err
			}
		}

		// Extra categorization tags and the optional parent hook apply
		// to every instantiated task / root respectively.
		for _, id := range newIDs {
			for _, tag := range opts.Tags {
				if _, err := tx.Exec(`INSERT OR IGNORE INTO task_tags (task_id, tag) VALUES (?, ?)`,
					id, tag); err != nil {
					return err
				}
			}
			if _, err := tx.Exec(`INSERT INTO task_sequence
				(task_id, status, reason, timestamp, end_timestamp)
				VALUES (?, ?, 'instantiated', ?, NULL)`,
				id, snap.States.Initial, now); err != nil {
				return err
			}
		}

		if opts.Parent != "" {
			var n int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = ? AND deleted_at IS NULL`, opts.Parent).Scan(&n); err != nil {
				return err
			}
			if n == 0 {
				return types.NotFound("parent task %s not found", opts.Parent)
			}
			for _, id := range newIDs {
				if incomingContains[id] {
					continue // not a root
				}
				if _, err := tx.Exec(`INSERT OR IGNORE INTO dependencies
					(from_task_id, to_task_id, dep_type, created_at) VALUES (?, ?, 'contains', ?)`,
					opts.Parent, id, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newIDs, nil
}
