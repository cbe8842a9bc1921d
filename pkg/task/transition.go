package task

import (
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/types"
)

type transOpts struct {
	actor     string
	reason    string
	setWorker *string // explicit ownership change (claim or assignment)
}

// applyTransition commits a status/phase change for t inside the caller's
// transaction: close the prior open sequence row, append the new one,
// accrue timed-state duration, stamp started_at/completed_at, reconcile
// ownership, and finally write the task row. t is mutated to the
// post-state.
func (s *Store) applyTransition(tx *sql.Tx, snap *config.Snapshot, t *types.Task, newStatus, newPhase *string, opts transOpts) error {
	now := nowMS()
	statusChanged := newStatus != nil
	phaseChanged := newPhase != nil

	oldDef := snap.States.Definitions[t.Status]

	if statusChanged || phaseChanged {
		// Close the prior open row; its timestamp anchors timed
		// accounting for the segment that just ended.
		var prevID, prevTS sql.NullInt64
		err := tx.QueryRow(`SELECT id, timestamp FROM task_sequence
			WHERE task_id = ? AND end_timestamp IS NULL
			ORDER BY id DESC LIMIT 1`, t.ID).Scan(&prevID, &prevTS)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if prevID.Valid {
			if _, err := tx.Exec(`UPDATE task_sequence SET end_timestamp = ? WHERE id = ?`, now, prevID.Int64); err != nil {
				return err
			}
			if oldDef.Timed {
				t.TimeActualMS += now - prevTS.Int64
			}
		}

		var statusVal, phaseVal any
		if statusChanged {
			statusVal = *newStatus
		}
		if phaseChanged {
			phaseVal = *newPhase
		}
		if _, err := tx.Exec(`INSERT INTO task_sequence
			(task_id, worker_id, status, phase, reason, timestamp, end_timestamp)
			VALUES (?, ?, ?, ?, ?, ?, NULL)`,
			t.ID, nullableString(opts.actor), statusVal, phaseVal, opts.reason, now); err != nil {
			return err
		}
	} else if opts.reason != "" {
		// Reason-only updates append a closed annotation row without
		// disturbing the open transition row.
		if _, err := tx.Exec(`INSERT INTO task_sequence
			(task_id, worker_id, status, phase, reason, timestamp, end_timestamp)
			VALUES (?, ?, NULL, NULL, ?, ?, ?)`,
			t.ID, nullableString(opts.actor), opts.reason, now, now); err != nil {
			return err
		}
	}

	if statusChanged {
		t.Status = *newStatus
		newDef := snap.States.Definitions[t.Status]

		if newDef.Timed && t.StartedAt == 0 {
			t.StartedAt = now
		}
		if newDef.Terminal() && t.CompletedAt == 0 {
			t.CompletedAt = now
		}

		switch {
		case t.Status == snap.States.DisconnectState:
			t.WorkerID = ""
			t.ClaimedAt = 0
		case !newDef.IsOwning():
			t.WorkerID = ""
			t.ClaimedAt = 0
		case opts.setWorker != nil:
			// Claim or takeover: explicit below.
		case t.WorkerID == "" && opts.actor != "":
			// Entering an owning state takes ownership for the actor.
			if err := s.checkClaimCapacity(tx, snap, opts.actor); err != nil {
				return err
			}
			t.WorkerID = opts.actor
			t.ClaimedAt = now
		}
	}
	if phaseChanged {
		t.Phase = *newPhase
	}

	if opts.setWorker != nil {
		target := *opts.setWorker
		if target == "" {
			t.WorkerID = ""
			t.ClaimedAt = 0
		} else {
			if _, exists, err := workerTags(tx, target); err != nil {
				return err
			} else if !exists {
				return types.NotFound("worker %s not found", target)
			}
			if t.WorkerID != target {
				def := snap.States.Definitions[t.Status]
				if def.IsOwning() {
					if err := s.checkClaimCapacity(tx, snap, target); err != nil {
						return err
					}
				}
				t.WorkerID = target
				t.ClaimedAt = now
			}
		}
	}

	t.UpdatedAt = now
	_, err := tx.Exec(`UPDATE tasks SET
		title = ?, description = ?, status = ?, phase = ?, priority = ?,
		worker_id = ?, claimed_at = ?, points = ?, time_estimate_ms = ?,
		time_actual_ms = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		t.Title, t.Description, t.Status, t.Phase, t.Priority,
		nullableString(t.WorkerID), nullableInt(t.ClaimedAt), t.Points, t.TimeEstimateMS,
		t.TimeActualMS, nullableInt(t.StartedAt), nullableInt(t.CompletedAt), now,
		t.ID)
	return err
}

func (s *Store) checkClaimCapacity(tx *sql.Tx, snap *config.Snapshot, workerID string) error {
	var maxClaims int
	err := tx.QueryRow(`SELECT max_claims FROM workers WHERE id = ?`, workerID).Scan(&maxClaims)
	if err == sql.ErrNoRows {
		return types.Errf(types.ErrStaleSession, "worker %s is not connected", workerID)
	}
	if err != nil {
		return err
	}
	owned, err := ownedCount(tx, snap, workerID)
	if err != nil {
		return err
	}
	if owned >= maxClaims {
		return types.Errf(types.ErrClaimLimit, "worker %s is at its claim limit (%d)", workerID, maxClaims).
			WithField("max_claims", maxClaims)
	}
	return nil
}

// propagateUnblock finds start-dependents of from whose blockers are
// now all in non-blocking states. When auto-advance is enabled,
// dependents still in the initial state are transitioned to the target
// state in the same transaction, cascading recursively.
func (s *Store) propagateUnblock(tx *sql.Tx, snap *config.Snapshot, fromID, actor string) (unblocked, advanced []string, err error) {
	unblocked = []string{}
	advanced = []string{}
	startTypes := depTypesByBlocks(snap, config.BlocksStart)
	if len(startTypes) == 0 {
		return unblocked, advanced, nil
	}

	queue := []string{fromID}
	seen := map[string]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		dependents, err := startDependents(tx, startTypes, cur)
		if err != nil {
			return nil, nil, err
		}
		for _, depID := range dependents {
			if seen[depID] {
				continue
			}
			clear, err := startBlockersClear(tx, snap, startTypes, depID)
			if err != nil {
				return nil, nil, err
			}
			if !clear {
				continue
			}
			seen[depID] = true
			unblocked = append(unblocked, depID)

			if !snap.AutoAdvance.Enabled {
				continue
			}
			dep, err := getTask(tx, depID, false)
			if err != nil {
				return nil, nil, err
			}
			if dep.Status != snap.States.Initial {
				continue
			}
			target := snap.AutoAdvance.TargetState
			if !slices.Contains(snap.States.Definitions[dep.Status].Exits, target) {
				continue
			}
			// Gates are not consulted on auto-advance; the cascade is
			// not a worker-requested exit.
			if err := s.applyTransition(tx, snap, dep, &target, nil, transOpts{reason: "auto-advance"}); err != nil {
				return nil, nil, err
			}
			advanced = append(advanced, depID)
			if !snap.States.IsBlocking(target) {
				queue = append(queue, depID)
			}
		}
	}
	return unblocked, advanced, nil
}

func startDependents(tx *sql.Tx, startTypes []string, fromID string) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT to_task_id FROM dependencies
		WHERE from_task_id = ? AND dep_type IN (%s)`, placeholders(len(startTypes)))
	args := []any{fromID}
	for _, t := range startTypes {
		args = append(args, t)
	}
	rows, err := tx.Query(query, args...)
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

func startBlockersClear(tx *sql.Tx, snap *config.Snapshot, startTypes []string, taskID string) (bool, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM dependencies d
		JOIN tasks b ON b.id = d.from_task_id
		WHERE d.to_task_id = ? AND d.dep_type IN (%s)
			AND b.status IN (%s) AND b.deleted_at IS NULL`,
		placeholders(len(startTypes)), placeholders(len(snap.States.BlockingStates)))
	args := []any{taskID}
	for _, t := range startTypes {
		args = append(args, t)
	}
	for _, b := range snap.States.BlockingStates {
		args = append(args, b)
	}
	var n int
	if err := tx.QueryRow(query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}

// titleDisplayLimit bounds titles for list display.
const titleDisplayLimit = 120

func normalizeTitle(title string) (string, string) {
	warn := ""
	if strings.ContainsAny(title, "\r\n") {
		title = strings.Join(strings.Fields(title), " ")
		warn = "title contained newlines and was flattened"
	}
	if len(title) > titleDisplayLimit {
		title = title[:titleDisplayLimit]
		if warn == "" {
			warn = "title truncated for display"
		}
	}
	return title, warn
}
