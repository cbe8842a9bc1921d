package task

import (
	"database/sql"
	"fmt"

	"github.com/taskgraph/taskgraph/pkg/types"
)

// LogMetrics atomically adds the given deltas to a task's metric slots
// and cost accumulator.
func (s *Store) LogMetrics(taskID string, costUSD float64, values [8]int64) error {
	return s.db.Write(func(tx *sql.Tx) error {
		if _, err := getTask(tx, taskID, false); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE tasks SET
			metric_0 = metric_0 + ?, metric_1 = metric_1 + ?,
			metric_2 = metric_2 + ?, metric_3 = metric_3 + ?,
			metric_4 = metric_4 + ?, metric_5 = metric_5 + ?,
			metric_6 = metric_6 + ?, metric_7 = metric_7 + ?,
			cost_usd = cost_usd + ?, updated_at = ?
			WHERE id = ?`,
			values[0], values[1], values[2], values[3],
			values[4], values[5], values[6], values[7],
			costUSD, nowMS(), taskID)
		return err
	})
}

// MetricsAggregate sums metric slots and cost over a set of tasks.
type MetricsAggregate struct {
	TaskIDs []string `json:"task_ids"`
	Metrics [8]int64 `json:"metrics"`
	CostUSD float64  `json:"cost_usd"`
}

// GetMetrics aggregates additively over the given tasks.
func (s *Store) GetMetrics(taskIDs []string) (*MetricsAggregate, error) {
	if len(taskIDs) == 0 {
		return nil, types.InvalidArgument("at least one task id is required")
	}
	agg := &MetricsAggregate{TaskIDs: taskIDs}
	query := fmt.Sprintf(`SELECT
		SUM(metric_0), SUM(metric_1), SUM(metric_2), SUM(metric_3),
		SUM(metric_4), SUM(metric_5), SUM(metric_6), SUM(metric_7),
		SUM(cost_usd), COUNT(*)
		FROM tasks WHERE id IN (%s)`, placeholders(len(taskIDs)))
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id
	}
	var sums [8]sql.NullInt64
	var cost sql.NullFloat64
	var count int
	err := s.db.SQL().QueryRow(query, args...).Scan(
		&sums[0], &sums[1], &sums[2], &sums[3],
		&sums[4], &sums[5], &sums[6], &sums[7],
		&cost, &count)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, types.NotFound("no such tasks: %v", taskIDs)
	}
	for i := range sums {
		agg.Metrics[i] = sums[i].Int64
	}
	agg.CostUSD = cost.Float64
	return agg, nil
}

// SetThought records a worker's live status line on the given tasks.
func (s *Store) SetThought(workerID, thought string, taskIDs []string) error {
	return s.db.Write(func(tx *sql.Tx) error {
		for _, id := range taskIDs {
			if _, err := getTask(tx, id, false); err != nil {
				return err
			}
			if _, err := tx.Exec(
				`UPDATE tasks SET current_thought = ?, updated_at = ? WHERE id = ?`,
				thought, nowMS(), id); err != nil {
				return err
			}
		}
		return nil
	})
}
