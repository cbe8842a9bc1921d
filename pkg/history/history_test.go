package history

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/storage"
	"github.com/taskgraph/taskgraph/pkg/task"
	"github.com/taskgraph/taskgraph/pkg/types"
)

func newFixture(t *testing.T) (*Reader, *task.Store, *storage.DB, *config.Snapshot) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	err = db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO workers (id, registered_at, last_heartbeat) VALUES ('w1', 1, 1)`)
		return err
	})
	require.NoError(t, err)

	return NewReader(db), task.NewStore(db), db, config.Default()
}

func strPtr(s string) *string { return &s }

func TestForTaskDurationsAndAggregates(t *testing.T) {
	r, tasks, db, snap := newFixture(t)

	created, _, err := tasks.Create(snap, task.CreateRequest{ID: "alpha", Title: "x"})
	require.NoError(t, err)
	_, err = tasks.Update(snap, task.ClaimRequest("w1", created.ID, "working", false))
	require.NoError(t, err)
	_, err = tasks.Update(snap, task.UpdateRequest{WorkerID: "w1", TaskID: created.ID, Status: strPtr("completed"), Reason: "done"})
	require.NoError(t, err)

	h, err := r.ForTask(created.ID, nil)
	require.NoError(t, err)
	require.Len(t, h.Rows, 3, "created, working, completed")

	assert.Equal(t, "pending", h.Rows[0].Status)
	assert.Equal(t, "working", h.Rows[1].Status)
	assert.Equal(t, "completed", h.Rows[2].Status)
	assert.Equal(t, "done", h.Rows[2].Reason)

	// Closed rows carry exact durations; the open terminal row runs
	// against the clock.
	assert.NotZero(t, h.Rows[0].EndTimestamp)
	assert.NotZero(t, h.Rows[1].EndTimestamp)
	assert.Zero(t, h.Rows[2].EndTimestamp)

	assert.Contains(t, h.ByStatus, "working")
	assert.Contains(t, h.ByWorker, "w1")

	// The worker's timed duration matches the task accounting.
	got, err := tasks.Get(created.ID, false)
	require.NoError(t, err)
	assert.Equal(t, got.TimeActualMS, h.Rows[1].DurationMS)

	// I9: one open row per task.
	var open int
	require.NoError(t, db.SQL().QueryRow(
		`SELECT COUNT(*) FROM task_sequence WHERE task_id = 'alpha' AND end_timestamp IS NULL`).Scan(&open))
	assert.Equal(t, 1, open)
}

func TestForTaskStateFilter(t *testing.T) {
	r, tasks, _, snap := newFixture(t)

	created, _, err := tasks.Create(snap, task.CreateRequest{ID: "alpha", Title: "x"})
	require.NoError(t, err)
	_, err = tasks.Update(snap, task.ClaimRequest("w1", created.ID, "working", false))
	require.NoError(t, err)

	h, err := r.ForTask(created.ID, []string{"working"})
	require.NoError(t, err)
	require.Len(t, h.Rows, 1)
	assert.Equal(t, "working", h.Rows[0].Status)
}

func TestForTaskUnknown(t *testing.T) {
	r, _, _, _ := newFixture(t)
	_, err := r.ForTask("ghost", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.AsError(err).Kind)
}

func TestForProjectWindow(t *testing.T) {
	r, tasks, _, snap := newFixture(t)

	for _, id := range []string{"a", "b"} {
		_, _, err := tasks.Create(snap, task.CreateRequest{ID: id, Title: id})
		require.NoError(t, err)
	}
	_, err := tasks.Update(snap, task.ClaimRequest("w1", "a", "working", false))
	require.NoError(t, err)

	rows, err := r.ForProject(ProjectFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 3, "two creates plus one transition")

	// Newest first.
	assert.Equal(t, "working", rows[0].Status)

	limited, err := r.ForProject(ProjectFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	filtered, err := r.ForProject(ProjectFilter{States: []string{"working"}})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "a", filtered[0].TaskID)

	none, err := r.ForProject(ProjectFilter{From: storage.NowMS() + 60_000})
	require.NoError(t, err)
	assert.Empty(t, none)
}
