package file

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/log"
	"github.com/taskgraph/taskgraph/pkg/storage"
	"github.com/taskgraph/taskgraph/pkg/types"
)

// Coordinator tracks advisory marks over filesystem paths and the
// append-only claim sequence behind them. Marks communicate intent;
// nothing physically prevents edits. The one exception is paths with
// the "lock:" prefix, which behave as strict mutexes.
type Coordinator struct {
	db     *storage.DB
	logger zerolog.Logger
	wake   *broadcast
}

// NewCoordinator creates a coordinator over the shared database.
func NewCoordinator(db *storage.DB) *Coordinator {
	return &Coordinator{
		db:     db,
		logger: log.WithComponent("file"),
		wake:   newBroadcast(),
	}
}

// broadcast wakes every long-poll waiter at once. Publish happens
// strictly after the commit that inserted the matching sequence rows.
type broadcast struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBroadcast() *broadcast {
	return &broadcast{ch: make(chan struct{})}
}

func (b *broadcast) wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *broadcast) publish() {
	b.mu.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}

// Mark upserts advisory marks for every listed path in one
// transaction. A path held by another worker yields a warning naming
// the holder, except for "lock:" paths where it is a hard conflict
// that rolls the whole call back.
func (c *Coordinator) Mark(snap *config.Snapshot, workerID string, files []string, taskID, reason string) ([]string, error) {
	if len(files) == 0 {
		return nil, types.InvalidArgument("at least one file is required")
	}
	var warnings []string
	err := c.db.Write(func(tx *sql.Tx) error {
		warnings = []string{}
		now := storage.NowMS()
		for _, f := range files {
			path := snap.Paths.ResolvePath(f)
			if path == "" {
				return types.InvalidArgument("empty file path")
			}

			var holder, holderReason string
			err := tx.QueryRow(
				`SELECT worker_id, reason FROM file_locks WHERE file_path = ?`, path).
				Scan(&holder, &holderReason)
			switch {
			case err == sql.ErrNoRows:
				// Free: take it.
			case err != nil:
				return err
			case holder == workerID:
				// Re-marking one's own path is a no-op; the original
				// open claim row stands.
				continue
			default:
				if strings.HasPrefix(path, types.LockPrefix) {
					return types.Conflict("lock %s is held by %s", path, holder).
						WithField("holder", holder).
						WithField("holder_reason", holderReason)
				}
				warnings = append(warnings, fmt.Sprintf(
					"%s is already marked by %s (%s)", path, holder, holderReason))
				continue
			}

			if _, err := tx.Exec(`INSERT INTO file_locks
				(file_path, worker_id, task_id, reason, locked_at)
				VALUES (?, ?, ?, ?, ?)`,
				path, workerID, nullable(taskID), reason, now); err != nil {
				return err
			}
			if _, err := tx.Exec(`INSERT INTO claim_sequence
				(file_path, worker_id, event, reason, claim_id, timestamp, end_timestamp)
				VALUES (?, ?, 'claimed', ?, NULL, ?, NULL)`,
				path, workerID, reason, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.wake.publish()
	return warnings, nil
}

// Unmark releases marks held by the caller. file may be "*" to release
// everything. Releasing a path the caller does not hold is a no-op.
func (c *Coordinator) Unmark(snap *config.Snapshot, workerID, file, taskID, reason string) error {
	path := ""
	if file != "" && file != "*" {
		path = snap.Paths.ResolvePath(file)
	}
	err := c.db.Write(func(tx *sql.Tx) error {
		return c.unmarkInTx(tx, workerID, path, taskID, reason)
	})
	if err != nil {
		return err
	}
	c.wake.publish()
	return nil
}

// unmarkInTx releases marks; an empty path matches all of the
// worker's marks.
func (c *Coordinator) unmarkInTx(tx *sql.Tx, workerID, path, taskID, reason string) error {
	query := `SELECT file_path FROM file_locks WHERE worker_id = ?`
	args := []any{workerID}
	if path != "" {
		query += ` AND file_path = ?`
		args = append(args, path)
	}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	rows, err := tx.Query(query, args...)
	if err != nil {
		return err
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	now := storage.NowMS()
	for _, path := range paths {
		if _, err := tx.Exec(`DELETE FROM file_locks WHERE file_path = ?`, path); err != nil {
			return err
		}

		// Close the open claimed row and append the matching released
		// row, born closed.
		var claimID sql.NullInt64
		err := tx.QueryRow(`SELECT id FROM claim_sequence
			WHERE file_path = ? AND worker_id = ? AND event = 'claimed' AND end_timestamp IS NULL
			ORDER BY id DESC LIMIT 1`, path, workerID).Scan(&claimID)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if claimID.Valid {
			if _, err := tx.Exec(`UPDATE claim_sequence SET end_timestamp = ? WHERE id = ?`, now, claimID.Int64); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(`INSERT INTO claim_sequence
			(file_path, worker_id, event, reason, claim_id, timestamp, end_timestamp)
			VALUES (?, ?, 'released', ?, ?, ?, ?)`,
			path, workerID, reason, claimID, now, now); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseAllMarks releases every mark a worker holds; used by
// disconnect and stale eviction.
func (c *Coordinator) ReleaseAllMarks(workerID, reason string) error {
	err := c.db.Write(func(tx *sql.Tx) error {
		return c.unmarkInTx(tx, workerID, "", "", reason)
	})
	if err != nil {
		return err
	}
	c.wake.publish()
	return nil
}

// ListFilter narrows ListMarks.
type ListFilter struct {
	Files    []string
	WorkerID string
	TaskID   string
}

// ListMarks returns the current mark table.
func (c *Coordinator) ListMarks(f ListFilter) ([]*types.FileMark, error) {
	query := `SELECT file_path, worker_id, task_id, reason, locked_at FROM file_locks WHERE 1=1`
	var args []any
	if len(f.Files) > 0 {
		query += fmt.Sprintf(` AND file_path IN (%s)`, strings.TrimSuffix(strings.Repeat("?,", len(f.Files)), ","))
		for _, p := range f.Files {
			args = append(args, p)
		}
	}
	if f.WorkerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, f.WorkerID)
	}
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	query += ` ORDER BY file_path`

	rows, err := c.db.SQL().Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.FileMark
	for rows.Next() {
		var m types.FileMark
		var taskID sql.NullString
		if err := rows.Scan(&m.FilePath, &m.WorkerID, &taskID, &m.Reason, &m.LockedAt); err != nil {
			return nil, err
		}
		m.TaskID = taskID.String
		out = append(out, &m)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
