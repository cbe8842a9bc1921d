package task

import (
	"database/sql"

	"github.com/taskgraph/taskgraph/pkg/types"
)

// DeleteRequest controls soft delete, cascade, and obliteration.
type DeleteRequest struct {
	WorkerID   string
	TaskID     string
	Cascade    bool
	Reason     string
	Obliterate bool
	Force      bool
}

// Delete soft-deletes a task (the default), optionally cascading over
// the contains closure. Obliterate physically removes rows; foreign
// keys cascade attachments, edges, and tag junctions away with them.
func (s *Store) Delete(req DeleteRequest) error {
	return s.db.Write(func(tx *sql.Tx) error {
		t, err := getTask(tx, req.TaskID, req.Obliterate)
		if err != nil {
			return err
		}
		if t.WorkerID != "" && t.WorkerID != req.WorkerID && !req.Force {
			return types.Conflict("task %s is owned by %s", t.ID, t.WorkerID).
				WithField("owner", t.WorkerID)
		}

		targets := []string{t.ID}
		if req.Cascade {
			targets, err = containsClosure(tx, t.ID)
			if err != nil {
				return err
			}
		}

		if req.Obliterate {
			for _, id := range targets {
				if _, err := tx.Exec(`DELETE FROM task_sequence WHERE task_id = ?`, id); err != nil {
					return err
				}
				if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
					return err
				}
			}
			return nil
		}

		now := nowMS()
		for _, id := range targets {
			if _, err := tx.Exec(`UPDATE tasks
				SET deleted_at = ?, deleted_by = ?, deleted_reason = ?, updated_at = ?
				WHERE id = ? AND deleted_at IS NULL`,
				now, req.WorkerID, req.Reason, now, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// containsClosure returns the task plus every descendant over outgoing
// contains edges; the order of the returned ids is not defined.
func containsClosure(tx *sql.Tx, rootID string) ([]string, error) {
	rows, err := tx.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT ?
			UNION
			SELECT d.to_task_id FROM dependencies d JOIN subtree s ON d.from_task_id = s.id
				WHERE d.dep_type = 'contains'
		)
		SELECT id FROM subtree`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Rename atomically rewrites a task id across every referring table.
// Foreign key enforcement is deferred inside the transaction so the
// rewrites can proceed in any order, then verified before commit.
func (s *Store) Rename(fromID, toID string) error {
	if toID == "" {
		return types.InvalidArgument("new task id is required")
	}
	return s.db.Write(func(tx *sql.Tx) error {
		if _, err := getTask(tx, fromID, true); err != nil {
			return err
		}
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = ?`, toID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return types.Conflict("task %s already exists", toID).WithField("task_id", toID)
		}

		if _, err := tx.Exec(`PRAGMA defer_foreign_keys = ON`); err != nil {
			return err
		}

		if _, err := tx.Exec(`UPDATE tasks SET id = ?, updated_at = ? WHERE id = ?`, toID, nowMS(), fromID); err != nil {
			return err
		}
		// tasks_fts follows via its id-update trigger; everything else
		// is rewritten by hand.
		stmts := []string{
			`UPDATE dependencies SET from_task_id = ? WHERE from_task_id = ?`,
			`UPDATE dependencies SET to_task_id = ? WHERE to_task_id = ?`,
			`UPDATE attachments SET task_id = ? WHERE task_id = ?`,
			`UPDATE task_tags SET task_id = ? WHERE task_id = ?`,
			`UPDATE task_needed_tags SET task_id = ? WHERE task_id = ?`,
			`UPDATE task_wanted_tags SET task_id = ? WHERE task_id = ?`,
			`UPDATE task_sequence SET task_id = ? WHERE task_id = ?`,
			`UPDATE file_locks SET task_id = ? WHERE task_id = ?`,
			`UPDATE attachments_fts SET task_id = ? WHERE task_id = ?`,
		}
		for _, st := range stmts {
			if _, err := tx.Exec(st, toID, fromID); err != nil {
				return err
			}
		}

		rows, err := tx.Query(`PRAGMA foreign_key_check`)
		if err != nil {
			return err
		}
		defer rows.Close()
		if rows.Next() {
			return types.Conflict("rename of %s left dangling references", fromID)
		}
		return rows.Err()
	})
}
