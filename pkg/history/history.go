package history

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/taskgraph/taskgraph/pkg/storage"
	"github.com/taskgraph/taskgraph/pkg/types"
)

// Reader answers history queries over the task sequence log. Writes to
// the log happen inside task-store commits; this package only reads.
type Reader struct {
	db *storage.DB
}

// NewReader creates a history reader.
func NewReader(db *storage.DB) *Reader {
	return &Reader{db: db}
}

// TaskHistory is the ordered transition log of one task with computed
// durations and aggregates.
type TaskHistory struct {
	TaskID   string             `json:"task_id"`
	Rows     []types.Transition `json:"rows"`
	ByStatus map[string]int64   `json:"by_status_ms"`
	ByWorker map[string]int64   `json:"by_worker_ms"`
	TotalMS  int64              `json:"total_ms"`
}

// ForTask returns the transition rows for one task, oldest first.
// Open rows get a running duration against the current clock.
func (r *Reader) ForTask(taskID string, states []string) (*TaskHistory, error) {
	var n int
	if err := r.db.SQL().QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = ?`, taskID).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, types.NotFound("task %s not found", taskID).WithField("task_id", taskID)
	}

	query := `SELECT id, task_id, worker_id, status, phase, reason, timestamp, end_timestamp
		FROM task_sequence WHERE task_id = ?`
	args := []any{taskID}
	if len(states) > 0 {
		query += fmt.Sprintf(` AND status IN (%s)`, placeholders(len(states)))
		for _, s := range states {
			args = append(args, s)
		}
	}
	query += ` ORDER BY id ASC`

	rows, err := scanTransitions(r.db.SQL(), query, args...)
	if err != nil {
		return nil, err
	}

	h := &TaskHistory{
		TaskID:   taskID,
		Rows:     rows,
		ByStatus: make(map[string]int64),
		ByWorker: make(map[string]int64),
	}
	for _, row := range rows {
		if row.Status == "" {
			continue
		}
		h.ByStatus[row.Status] += row.DurationMS
		if row.WorkerID != "" {
			h.ByWorker[row.WorkerID] += row.DurationMS
		}
		h.TotalMS += row.DurationMS
	}
	return h, nil
}

// ProjectFilter bounds a cross-task window query.
type ProjectFilter struct {
	From   int64
	To     int64
	States []string
	Limit  int
}

// ForProject returns transition rows across all tasks in a time
// window, newest first.
func (r *Reader) ForProject(f ProjectFilter) ([]types.Transition, error) {
	query := `SELECT id, task_id, worker_id, status, phase, reason, timestamp, end_timestamp
		FROM task_sequence WHERE 1=1`
	var args []any
	if f.From > 0 {
		query += ` AND timestamp >= ?`
		args = append(args, f.From)
	}
	if f.To > 0 {
		query += ` AND timestamp <= ?`
		args = append(args, f.To)
	}
	if len(f.States) > 0 {
		query += fmt.Sprintf(` AND status IN (%s)`, placeholders(len(f.States)))
		for _, s := range f.States {
			args = append(args, s)
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)

	return scanTransitions(r.db.SQL(), query, args...)
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func scanTransitions(q querier, query string, args ...any) ([]types.Transition, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := storage.NowMS()
	out := []types.Transition{}
	for rows.Next() {
		var t types.Transition
		var workerID, status, phase sql.NullString
		var endTS sql.NullInt64
		if err := rows.Scan(&t.ID, &t.TaskID, &workerID, &status, &phase,
			&t.Reason, &t.Timestamp, &endTS); err != nil {
			return nil, err
		}
		t.WorkerID = workerID.String
		t.Status = status.String
		t.Phase = phase.String
		t.EndTimestamp = endTS.Int64
		if endTS.Valid {
			t.DurationMS = endTS.Int64 - t.Timestamp
		} else {
			t.DurationMS = now - t.Timestamp
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
