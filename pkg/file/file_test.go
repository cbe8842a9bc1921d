package file

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/storage"
	"github.com/taskgraph/taskgraph/pkg/types"
)

func newCoordinator(t *testing.T) (*Coordinator, *config.Snapshot) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := NewCoordinator(db)
	addWorker(t, db, "w1")
	addWorker(t, db, "w2")
	return c, config.Default()
}

func addWorker(t *testing.T, db *storage.DB, id string) {
	t.Helper()
	err := db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO workers (id, registered_at, last_heartbeat) VALUES (?, 1, 1)`, id)
		return err
	})
	require.NoError(t, err)
}

func openClaimRows(t *testing.T, c *Coordinator, path string) int {
	t.Helper()
	var n int
	require.NoError(t, c.db.SQL().QueryRow(
		`SELECT COUNT(*) FROM claim_sequence WHERE file_path = ? AND end_timestamp IS NULL`, path).Scan(&n))
	return n
}

func TestMarkAndList(t *testing.T) {
	c, snap := newCoordinator(t)

	warnings, err := c.Mark(snap, "w1", []string{"src/a.go", "src/b.go"}, "task-1", "editing")
	require.NoError(t, err)
	assert.Empty(t, warnings)

	marks, err := c.ListMarks(ListFilter{})
	require.NoError(t, err)
	assert.Len(t, marks, 2)

	mine, err := c.ListMarks(ListFilter{WorkerID: "w1", Files: []string{"src/a.go"}})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "editing", mine[0].Reason)
	assert.Equal(t, "task-1", mine[0].TaskID)
}

func TestMarkIdempotent(t *testing.T) {
	c, snap := newCoordinator(t)

	_, err := c.Mark(snap, "w1", []string{"src/a.go"}, "", "edit")
	require.NoError(t, err)
	_, err = c.Mark(snap, "w1", []string{"src/a.go"}, "", "edit")
	require.NoError(t, err)

	// A re-mark by the same worker records a single open claim row.
	assert.Equal(t, 1, openClaimRows(t, c, "src/a.go"))

	marks, err := c.ListMarks(ListFilter{})
	require.NoError(t, err)
	assert.Len(t, marks, 1)
}

func TestMarkHeldByOtherWarns(t *testing.T) {
	c, snap := newCoordinator(t)

	_, err := c.Mark(snap, "w1", []string{"src/a.go"}, "", "refactoring")
	require.NoError(t, err)

	warnings, err := c.Mark(snap, "w2", []string{"src/a.go"}, "", "")
	require.NoError(t, err, "a held advisory mark warns, it does not fail")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "w1")
	assert.Contains(t, warnings[0], "refactoring")

	// The original holder keeps the mark.
	marks, err := c.ListMarks(ListFilter{Files: []string{"src/a.go"}})
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.Equal(t, "w1", marks[0].WorkerID)
}

func TestLockPrefixIsExclusive(t *testing.T) {
	c, snap := newCoordinator(t)

	_, err := c.Mark(snap, "w1", []string{"lock:git-commit"}, "", "committing")
	require.NoError(t, err)

	_, err = c.Mark(snap, "w2", []string{"lock:git-commit"}, "", "")
	require.Error(t, err)
	assert.Equal(t, types.ErrConflict, types.AsError(err).Kind)

	// Releasing frees the mutex.
	require.NoError(t, c.Unmark(snap, "w1", "lock:git-commit", "", "done"))
	_, err = c.Mark(snap, "w2", []string{"lock:git-commit"}, "", "")
	assert.NoError(t, err)
}

func TestUnmarkClosesSequence(t *testing.T) {
	c, snap := newCoordinator(t)

	_, err := c.Mark(snap, "w1", []string{"src/a.go"}, "", "edit")
	require.NoError(t, err)
	require.NoError(t, c.Unmark(snap, "w1", "src/a.go", "", "done"))

	// No open rows; the released row references the claimed row.
	assert.Zero(t, openClaimRows(t, c, "src/a.go"))

	var event string
	var claimID sql.NullInt64
	require.NoError(t, c.db.SQL().QueryRow(`
		SELECT event, claim_id FROM claim_sequence
		WHERE file_path = 'src/a.go' ORDER BY id DESC LIMIT 1`).Scan(&event, &claimID))
	assert.Equal(t, types.ClaimEventReleased, event)
	assert.True(t, claimID.Valid)

	// Releasing again is a no-op.
	require.NoError(t, c.Unmark(snap, "w1", "src/a.go", "", "again"))
	var rows int
	require.NoError(t, c.db.SQL().QueryRow(`SELECT COUNT(*) FROM claim_sequence`).Scan(&rows))
	assert.Equal(t, 2, rows)
}

func TestUnmarkAll(t *testing.T) {
	c, snap := newCoordinator(t)

	_, err := c.Mark(snap, "w1", []string{"a.go", "b.go", "c.go"}, "", "")
	require.NoError(t, err)
	require.NoError(t, c.Unmark(snap, "w1", "*", "", "disconnect"))

	marks, err := c.ListMarks(ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, marks)
}

func TestMarkUpdatesImmediate(t *testing.T) {
	c, snap := newCoordinator(t)

	_, err := c.Mark(snap, "w1", []string{"src/a.go"}, "", "edit")
	require.NoError(t, err)

	// w2 watches the same file explicitly.
	events, err := c.MarkUpdates(context.Background(), "w2", []string{"src/a.go"}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.ClaimEventClaimed, events[0].Event)
	assert.Equal(t, "w1", events[0].WorkerID)

	// The cursor advanced: a second call returns nothing.
	events, err = c.MarkUpdates(context.Background(), "w2", []string{"src/a.go"}, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMarkUpdatesScopedToOwnHistory(t *testing.T) {
	c, snap := newCoordinator(t)

	// w2 marked this file once, so its events stay relevant even
	// after release.
	_, err := c.Mark(snap, "w2", []string{"shared.go"}, "", "")
	require.NoError(t, err)
	require.NoError(t, c.Unmark(snap, "w2", "shared.go", "", ""))

	// Drain.
	_, err = c.MarkUpdates(context.Background(), "w2", nil, 0)
	require.NoError(t, err)

	// w1 touches shared.go and an unrelated file.
	_, err = c.Mark(snap, "w1", []string{"shared.go", "unrelated.go"}, "", "edit")
	require.NoError(t, err)

	events, err := c.MarkUpdates(context.Background(), "w2", nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "shared.go", events[0].FilePath)
}

func TestMarkUpdatesLongPoll(t *testing.T) {
	c, snap := newCoordinator(t)

	_, err := c.Mark(snap, "w1", []string{"src/x.rs"}, "", "edit")
	require.NoError(t, err)
	// Drain the claim event for the watcher.
	_, err = c.MarkUpdates(context.Background(), "w2", []string{"src/x.rs"}, 0)
	require.NoError(t, err)

	type result struct {
		events []types.ClaimEvent
		err    error
	}
	done := make(chan result, 1)
	go func() {
		events, err := c.MarkUpdates(context.Background(), "w2", []string{"src/x.rs"}, 2*time.Second)
		done <- result{events, err}
	}()

	// Give the poller a moment to block, then release the mark.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Unmark(snap, "w1", "src/x.rs", "", "edit"))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Len(t, r.events, 1)
		assert.Equal(t, types.ClaimEventReleased, r.events[0].Event)
		assert.Equal(t, "edit", r.events[0].Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("long poll did not wake within the deadline")
	}

	// A subsequent poll returns immediately empty.
	events, err := c.MarkUpdates(context.Background(), "w2", []string{"src/x.rs"}, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMarkUpdatesTimeout(t *testing.T) {
	c, _ := newCoordinator(t)

	start := time.Now()
	events, err := c.MarkUpdates(context.Background(), "w2", []string{"never.go"}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Less(t, time.Since(start), 2*time.Second, "timeout is an upper bound")
}

func TestMarkUpdatesCancellation(t *testing.T) {
	c, _ := newCoordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.MarkUpdates(ctx, "w2", []string{"never.go"}, 5*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return promptly")
	}
}

func TestTwoConcurrentWaiters(t *testing.T) {
	c, snap := newCoordinator(t)
	addWorker(t, c.db, "w3")

	results := make(chan int, 2)
	for _, w := range []string{"w2", "w3"} {
		go func(worker string) {
			events, err := c.MarkUpdates(context.Background(), worker, []string{"hot.go"}, 2*time.Second)
			if err != nil {
				results <- -1
				return
			}
			results <- len(events)
		}(w)
	}

	time.Sleep(50 * time.Millisecond)
	_, err := c.Mark(snap, "w1", []string{"hot.go"}, "", "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case n := <-results:
			assert.Equal(t, 1, n)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter starved")
		}
	}
}
