package task

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/log"
	"github.com/taskgraph/taskgraph/pkg/storage"
	"github.com/taskgraph/taskgraph/pkg/types"
)

// Store owns task rows and everything hanging off them: tags,
// dependencies, attachments, and the task sequence log.
type Store struct {
	db     *storage.DB
	logger zerolog.Logger
}

// NewStore creates a task store over the shared database.
func NewStore(db *storage.DB) *Store {
	return &Store{
		db:     db,
		logger: log.WithComponent("task"),
	}
}

// DB exposes the underlying engine for sibling components sharing
// transactions.
func (s *Store) DB() *storage.DB {
	return s.db
}

const taskColumns = `id, title, description, status, phase, priority,
	worker_id, claimed_at, points, time_estimate_ms, time_actual_ms,
	started_at, completed_at, current_thought,
	metric_0, metric_1, metric_2, metric_3, metric_4, metric_5, metric_6, metric_7,
	cost_usd, deleted_at, deleted_by, deleted_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var workerID, deletedBy, deletedReason sql.NullString
	var claimedAt, startedAt, completedAt, deletedAt sql.NullInt64
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Status, &t.Phase, &t.Priority,
		&workerID, &claimedAt, &t.Points, &t.TimeEstimateMS, &t.TimeActualMS,
		&startedAt, &completedAt, &t.CurrentThought,
		&t.Metrics[0], &t.Metrics[1], &t.Metrics[2], &t.Metrics[3],
		&t.Metrics[4], &t.Metrics[5], &t.Metrics[6], &t.Metrics[7],
		&t.CostUSD, &deletedAt, &deletedBy, &deletedReason, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.WorkerID = workerID.String
	t.ClaimedAt = claimedAt.Int64
	t.StartedAt = startedAt.Int64
	t.CompletedAt = completedAt.Int64
	t.DeletedAt = deletedAt.Int64
	t.DeletedBy = deletedBy.String
	t.DeletedReason = deletedReason.String
	return &t, nil
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
}

func getTask(q querier, id string, includeDeleted bool) (*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	t, err := scanTask(q.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, types.NotFound("task %s not found", id).WithField("task_id", id)
	}
	if err != nil {
		return nil, err
	}
	if err := loadTags(q, t); err != nil {
		return nil, err
	}
	return t, nil
}

func loadTags(q querier, t *types.Task) error {
	for _, set := range []struct {
		table string
		dst   *[]string
	}{
		{"task_tags", &t.Tags},
		{"task_needed_tags", &t.NeededTags},
		{"task_wanted_tags", &t.WantedTags},
	} {
		rows, err := q.Query(`SELECT tag FROM `+set.table+` WHERE task_id = ? ORDER BY tag`, t.ID)
		if err != nil {
			return err
		}
		var tags []string
		for rows.Next() {
			var tag string
			if err := rows.Scan(&tag); err != nil {
				rows.Close()
				return err
			}
			tags = append(tags, tag)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		*set.dst = tags
	}
	return nil
}

// Get returns one task with its tag sets.
func (s *Store) Get(id string, includeDeleted bool) (*types.Task, error) {
	return getTask(s.db.SQL(), id, includeDeleted)
}

// Filter selects tasks for List.
type Filter struct {
	Status         string
	Ready          bool
	Blocked        bool
	Claimed        bool
	Owner          string
	Parent         string
	Recursive      bool
	TagsAny        []string
	TagsAll        []string
	SortBy         string
	SortOrder      string
	Limit          int
	IncludeDeleted bool
}

// List returns tasks matching the filter. Ready means: status is the
// configured initial, unclaimed, and no unsatisfied start-blockers.
// Blocked means at least one start-blocker is in a blocking state.
func (s *Store) List(snap *config.Snapshot, f Filter) ([]*types.Task, error) {
	var where []string
	var args []any

	if !f.IncludeDeleted {
		where = append(where, "t.deleted_at IS NULL")
	}
	if f.Status != "" {
		where = append(where, "t.status = ?")
		args = append(args, f.Status)
	}
	if f.Claimed {
		where = append(where, "t.worker_id IS NOT NULL")
	}
	if f.Owner != "" {
		where = append(where, "t.worker_id = ?")
		args = append(args, f.Owner)
	}

	startTypes := depTypesByBlocks(snap, "start")
	if f.Ready {
		where = append(where, "t.status = ?", "t.worker_id IS NULL")
		args = append(args, snap.States.Initial)
		where = append(where, blockerClause("NOT EXISTS", startTypes, snap.States.BlockingStates, &args))
	}
	if f.Blocked {
		where = append(where, blockerClause("EXISTS", startTypes, snap.States.BlockingStates, &args))
	}

	if f.Parent != "" {
		if f.Recursive {
			where = append(where, `t.id IN (
				WITH RECURSIVE subtree(id) AS (
					SELECT to_task_id FROM dependencies WHERE from_task_id = ? AND dep_type = 'contains'
					UNION
					SELECT d.to_task_id FROM dependencies d JOIN subtree s ON d.from_task_id = s.id
						WHERE d.dep_type = 'contains'
				)
				SELECT id FROM subtree)`)
		} else {
			where = append(where, `t.id IN (SELECT to_task_id FROM dependencies WHERE from_task_id = ? AND dep_type = 'contains')`)
		}
		args = append(args, f.Parent)
	}

	for _, tag := range f.TagsAll {
		where = append(where, `EXISTS (SELECT 1 FROM task_tags tt WHERE tt.task_id = t.id AND tt.tag = ?)`)
		args = append(args, tag)
	}
	if len(f.TagsAny) > 0 {
		placeholders := strings.Repeat("?,", len(f.TagsAny))
		where = append(where, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM task_tags tt WHERE tt.task_id = t.id AND tt.tag IN (%s))`,
			placeholders[:len(placeholders)-1]))
		for _, tag := range f.TagsAny {
			args = append(args, tag)
		}
	}

	query := `SELECT ` + taskColumns + ` FROM tasks t`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	sortCol := "created_at"
	switch f.SortBy {
	case "", "created_at":
	case "updated_at", "priority", "points", "status", "title", "id":
		sortCol = f.SortBy
	default:
		return nil, types.InvalidArgument("unknown sort_by %q", f.SortBy)
	}
	order := "ASC"
	if strings.EqualFold(f.SortOrder, "desc") {
		order = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY t.%s %s", sortCol, order)

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.SQL().Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if err := loadTags(s.db.SQL(), t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func blockerClause(op string, startTypes, blockingStates []string, args *[]any) string {
	typePH := placeholders(len(startTypes))
	statePH := placeholders(len(blockingStates))
	clause := fmt.Sprintf(`%s (
		SELECT 1 FROM dependencies d JOIN tasks b ON b.id = d.from_task_id
		WHERE d.to_task_id = t.id AND d.dep_type IN (%s)
			AND b.status IN (%s) AND b.deleted_at IS NULL)`, op, typePH, statePH)
	for _, dt := range startTypes {
		*args = append(*args, dt)
	}
	for _, bs := range blockingStates {
		*args = append(*args, bs)
	}
	return clause
}

func placeholders(n int) string {
	if n == 0 {
		return "''"
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
