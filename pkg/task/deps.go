package task

import (
	"database/sql"
	"fmt"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/storage"
	"github.com/taskgraph/taskgraph/pkg/types"
)

// Link adds typed edges between every pair in froms × tos. The whole
// call is one transaction.
func (s *Store) Link(snap *config.Snapshot, froms, tos []string, depType string) ([]types.Dependency, error) {
	if depType == "" {
		depType = "blocks"
	}
	var added []types.Dependency
	err := s.db.Write(func(tx *sql.Tx) error {
		added = nil
		for _, from := range froms {
			for _, to := range tos {
				if err := insertDependency(tx, snap, from, to, depType); err != nil {
					return err
				}
				added = append(added, types.Dependency{FromTaskID: from, ToTaskID: to, DepType: depType})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// Unlink removes edges. "*" on either side matches any task; an empty
// depType matches any type.
func (s *Store) Unlink(from, to, depType string) ([]types.Dependency, error) {
	var removed []types.Dependency
	err := s.db.Write(func(tx *sql.Tx) error {
		removed = nil
		query := `SELECT from_task_id, to_task_id, dep_type FROM dependencies WHERE 1=1`
		var args []any
		if from != "" && from != "*" {
			query += ` AND from_task_id = ?`
			args = append(args, from)
		}
		if to != "" && to != "*" {
			query += ` AND to_task_id = ?`
			args = append(args, to)
		}
		if depType != "" {
			query += ` AND dep_type = ?`
			args = append(args, depType)
		}
		rows, err := tx.Query(query, args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var d types.Dependency
			if err := rows.Scan(&d.FromTaskID, &d.ToTaskID, &d.DepType); err != nil {
				rows.Close()
				return err
			}
			removed = append(removed, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, d := range removed {
			if _, err := tx.Exec(
				`DELETE FROM dependencies WHERE from_task_id = ? AND to_task_id = ? AND dep_type = ?`,
				d.FromTaskID, d.ToTaskID, d.DepType); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Relink atomically swaps one edge set for another, used to reparent
// subtrees.
func (s *Store) Relink(snap *config.Snapshot, prevFroms, prevTos, froms, tos []string, depType string) (added, removed []types.Dependency, err error) {
	if depType == "" {
		depType = "contains"
	}
	err = s.db.Write(func(tx *sql.Tx) error {
		added, removed = nil, nil
		for _, from := range prevFroms {
			for _, to := range prevTos {
				res, err := tx.Exec(
					`DELETE FROM dependencies WHERE from_task_id = ? AND to_task_id = ? AND dep_type = ?`,
					from, to, depType)
				if err != nil {
					return err
				}
				if n, _ := res.RowsAffected(); n > 0 {
					removed = append(removed, types.Dependency{FromTaskID: from, ToTaskID: to, DepType: depType})
				}
			}
		}
		for _, from := range froms {
			for _, to := range tos {
				if err := insertDependency(tx, snap, from, to, depType); err != nil {
					return err
				}
				added = append(added, types.Dependency{FromTaskID: from, ToTaskID: to, DepType: depType})
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return added, removed, nil
}

// insertDependency validates endpoints and type, probes for blocking
// cycles, and inserts the edge. Inserting an existing edge is a no-op.
func insertDependency(tx *sql.Tx, snap *config.Snapshot, from, to, depType string) error {
	def, ok := snap.Dependencies.Definitions[depType]
	if !ok {
		return types.InvalidArgument("unknown dependency type %q", depType)
	}
	if from == to {
		return types.Errf(types.ErrCycle, "task %s cannot depend on itself", from)
	}
	for _, id := range []string{from, to} {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = ? AND deleted_at IS NULL`, id).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return types.NotFound("task %s not found", id).WithField("task_id", id)
		}
	}

	// Cycle invariant only constrains blocking-typed edges; an
	// informational edge may close a loop freely.
	if def.Blocks != config.BlocksNone {
		reachable, err := reaches(tx, snap, to, from)
		if err != nil {
			return err
		}
		if reachable {
			return types.Errf(types.ErrCycle, "edge %s -> %s (%s) would create a blocking cycle", from, to, depType).
				WithField("from", from).WithField("to", to)
		}
	}

	_, err := tx.Exec(`INSERT INTO dependencies (from_task_id, to_task_id, dep_type, created_at)
		VALUES (?, ?, ?, ?)`, from, to, depType, nowMS())
	if err != nil && storage.IsUniqueViolation(err) {
		return nil
	}
	return err
}

// reaches probes whether target is reachable from start over
// blocking-typed edges. The blocking edge set is small per task, so an
// on-demand breadth-first expansion beats maintaining a global
// topological structure.
func reaches(tx *sql.Tx, snap *config.Snapshot, start, target string) (bool, error) {
	var blockingTypes []string
	for name, def := range snap.Dependencies.Definitions {
		if def.Blocks != config.BlocksNone {
			blockingTypes = append(blockingTypes, name)
		}
	}
	if len(blockingTypes) == 0 {
		return false, nil
	}

	visited := map[string]bool{start: true}
	frontier := []string{start}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if cur == target {
			return true, nil
		}
		query := fmt.Sprintf(`SELECT to_task_id FROM dependencies
			WHERE from_task_id = ? AND dep_type IN (%s)`, placeholders(len(blockingTypes)))
		args := []any{cur}
		for _, t := range blockingTypes {
			args = append(args, t)
		}
		rows, err := tx.Query(query, args...)
		if err != nil {
			return false, err
		}
		for rows.Next() {
			var next string
			if err := rows.Scan(&next); err != nil {
				rows.Close()
				return false, err
			}
			if !visited[next] {
				visited[next] = true
				frontier = append(frontier, next)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Dependencies lists the edges touching a task in either direction.
func (s *Store) Dependencies(taskID string) ([]types.Dependency, error) {
	rows, err := s.db.SQL().Query(`SELECT from_task_id, to_task_id, dep_type, created_at
		FROM dependencies WHERE from_task_id = ? OR to_task_id = ? ORDER BY created_at`, taskID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Dependency
	for rows.Next() {
		var d types.Dependency
		if err := rows.Scan(&d.FromTaskID, &d.ToTaskID, &d.DepType, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
