package task

import (
	"database/sql"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/storage"
)

func depTypesByBlocks(snap *config.Snapshot, blocks string) []string {
	var out []string
	for name, def := range snap.Dependencies.Definitions {
		if def.Blocks == blocks {
			out = append(out, name)
		}
	}
	return out
}

func nowMS() int64 {
	return storage.NowMS()
}

// attachmentTypes returns the set of attachment types present on a
// task, the input to gate evaluation.
func attachmentTypes(q querier, taskID string) (map[string]bool, error) {
	rows, err := q.Query(`SELECT DISTINCT attachment_type FROM attachments WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out[t] = true
	}
	return out, rows.Err()
}

// workerTags loads a worker's capability tags inside a transaction.
func workerTags(q querier, workerID string) ([]string, bool, error) {
	var exists int
	err := q.QueryRow(`SELECT COUNT(*) FROM workers WHERE id = ?`, workerID).Scan(&exists)
	if err != nil {
		return nil, false, err
	}
	if exists == 0 {
		return nil, false, nil
	}
	rows, err := q.Query(`SELECT tag FROM worker_tags WHERE worker_id = ? ORDER BY tag`, workerID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, false, err
		}
		tags = append(tags, t)
	}
	return tags, true, rows.Err()
}

// satisfiesAffinity checks needed (all) and wanted (any, when
// non-empty) tag constraints.
func satisfiesAffinity(have, needed, wanted []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range needed {
		if !set[t] {
			return false
		}
	}
	if len(wanted) == 0 {
		return true
	}
	for _, t := range wanted {
		if set[t] {
			return true
		}
	}
	return false
}

// ownedCount counts tasks owned by a worker whose status is in the
// owning set of the given config.
func ownedCount(q querier, snap *config.Snapshot, workerID string) (int, error) {
	rows, err := q.Query(`SELECT status, COUNT(*) FROM tasks
		WHERE worker_id = ? AND deleted_at IS NULL GROUP BY status`, workerID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	total := 0
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, err
		}
		if def, ok := snap.States.Definitions[status]; ok && def.IsOwning() {
			total += n
		}
	}
	return total, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// replaceTagSet rewrites one tag junction table for a task.
func replaceTagSet(tx *sql.Tx, table, taskID string, tags []string) error {
	if _, err := tx.Exec(`DELETE FROM `+table+` WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	return insertTagSet(tx, table, taskID, tags)
}

func insertTagSet(tx *sql.Tx, table, taskID string, tags []string) error {
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO `+table+` (task_id, tag) VALUES (?, ?)`, taskID, tag); err != nil {
			return err
		}
	}
	return nil
}
