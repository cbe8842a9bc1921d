package task

import (
	"database/sql"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/types"
)

// ReleaseAll force-transitions every task owned by a worker to the
// given status, bypassing exit validation and gates. It backs worker
// disconnect and stale eviction, where the session is gone and the
// machine must converge regardless of where each task stood. Timed
// states close on the way out through the normal commit sequence.
func (s *Store) ReleaseAll(snap *config.Snapshot, workerID, toStatus, reason string) ([]string, error) {
	if _, ok := snap.States.Definitions[toStatus]; !ok {
		return nil, types.InvalidArgument("unknown status %q", toStatus)
	}
	var released []string
	err := s.db.Write(func(tx *sql.Tx) error {
		released = nil
		rows, err := tx.Query(
			`SELECT id FROM tasks WHERE worker_id = ? AND deleted_at IS NULL`, workerID)
		if err != nil {
			return err
		}
		var affected []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			affected = append(affected, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range affected {
			t, err := getTask(tx, id, false)
			if err != nil {
				return err
			}
			wasBlocking := snap.States.IsBlocking(t.Status)
			status := toStatus
			if err := s.applyTransition(tx, snap, t, &status, nil, transOpts{actor: workerID, reason: reason}); err != nil {
				return err
			}
			// The release target is typically still a blocking state;
			// when it is not, dependents may come unblocked.
			if wasBlocking && !snap.States.IsBlocking(toStatus) {
				if _, _, err := s.propagateUnblock(tx, snap, t.ID, workerID); err != nil {
					return err
				}
			}
			released = append(released, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}
