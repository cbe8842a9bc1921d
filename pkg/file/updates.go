package file

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/taskgraph/taskgraph/pkg/types"
)

// MarkUpdates returns every claim-sequence row past the worker's
// cursor that touches a path the worker ever marked, or any path in
// the optional filter. When the result would be empty and timeout is
// positive, the call blocks until a matching write lands or the
// deadline passes, then returns whatever is new, possibly nothing.
// The worker's cursor advances to the highest id served.
//
// Rows come back in ascending id order; timeouts are upper bounds.
func (c *Coordinator) MarkUpdates(ctx context.Context, workerID string, files []string, timeout time.Duration) ([]types.ClaimEvent, error) {
	cursor, err := c.cursor(workerID)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		// Subscribe before querying so a write landing between the
		// query and the wait cannot be missed.
		wakeCh := c.wake.wait()

		events, err := c.eventsAfter(workerID, cursor, files)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			if err := c.advanceCursor(workerID, events[len(events)-1].ID); err != nil {
				return nil, err
			}
			return events, nil
		}
		if timeout <= 0 {
			return []types.ClaimEvent{}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return []types.ClaimEvent{}, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wakeCh:
			timer.Stop()
		case <-timer.C:
			return []types.ClaimEvent{}, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (c *Coordinator) cursor(workerID string) (int64, error) {
	var cursor int64
	err := c.db.SQL().QueryRow(
		`SELECT last_claim_sequence FROM workers WHERE id = ?`, workerID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, types.Errf(types.ErrStaleSession, "worker %s is not connected", workerID)
	}
	return cursor, err
}

func (c *Coordinator) advanceCursor(workerID string, to int64) error {
	return c.db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE workers SET last_claim_sequence = MAX(last_claim_sequence, ?) WHERE id = ?`,
			to, workerID)
		return err
	})
}

func (c *Coordinator) eventsAfter(workerID string, cursor int64, files []string) ([]types.ClaimEvent, error) {
	query := `SELECT id, file_path, worker_id, event, reason, claim_id, timestamp, end_timestamp
		FROM claim_sequence c
		WHERE c.id > ? AND (
			EXISTS (SELECT 1 FROM claim_sequence h
				WHERE h.file_path = c.file_path AND h.worker_id = ? AND h.event = 'claimed')`
	args := []any{cursor, workerID}
	if len(files) > 0 {
		query += fmt.Sprintf(` OR c.file_path IN (%s)`,
			strings.TrimSuffix(strings.Repeat("?,", len(files)), ","))
		for _, f := range files {
			args = append(args, f)
		}
	}
	query += `) ORDER BY c.id ASC`

	rows, err := c.db.SQL().Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ClaimEvent
	for rows.Next() {
		var e types.ClaimEvent
		var claimID, endTS sql.NullInt64
		if err := rows.Scan(&e.ID, &e.FilePath, &e.WorkerID, &e.Event, &e.Reason,
			&claimID, &e.Timestamp, &endTS); err != nil {
			return nil, err
		}
		e.ClaimID = claimID.Int64
		e.EndTimestamp = endTS.Int64
		out = append(out, e)
	}
	return out, rows.Err()
}
