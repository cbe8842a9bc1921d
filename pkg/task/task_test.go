package task

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/storage"
	"github.com/taskgraph/taskgraph/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *config.Snapshot) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), config.Default()
}

func addWorker(t *testing.T, s *Store, id string, maxClaims int, tags ...string) {
	t.Helper()
	err := s.db.Write(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO workers (id, max_claims, registered_at, last_heartbeat)
			VALUES (?, ?, 1, 1)`, id, maxClaims); err != nil {
			return err
		}
		for _, tag := range tags {
			if _, err := tx.Exec(`INSERT INTO worker_tags (worker_id, tag) VALUES (?, ?)`, id, tag); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func mustCreate(t *testing.T, s *Store, snap *config.Snapshot, req CreateRequest) *types.Task {
	t.Helper()
	task, _, err := s.Create(snap, req)
	require.NoError(t, err)
	return task
}

func strPtr(s string) *string { return &s }

func kind(t *testing.T, err error) types.ErrorKind {
	t.Helper()
	require.Error(t, err)
	return types.AsError(err).Kind
}

func TestCreateDefaults(t *testing.T) {
	s, snap := newTestStore(t)

	task := mustCreate(t, s, snap, CreateRequest{Title: "Build the parser", Tags: []string{"go"}})
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "pending", task.Status)
	assert.Equal(t, 5, task.Priority)

	got, err := s.Get(task.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "Build the parser", got.Title)
	assert.Equal(t, []string{"go"}, got.Tags)
}

func TestCreateDerivesTitleFromDescription(t *testing.T) {
	s, snap := newTestStore(t)

	task := mustCreate(t, s, snap, CreateRequest{Description: "First line becomes the title\nrest of the body"})
	assert.Equal(t, "First line becomes the title", task.Title)

	_, _, err := s.Create(snap, CreateRequest{})
	assert.Equal(t, types.ErrInvalidArgument, kind(t, err))
}

func TestCreateDuplicateID(t *testing.T) {
	s, snap := newTestStore(t)

	mustCreate(t, s, snap, CreateRequest{ID: "alpha", Title: "x"})
	_, _, err := s.Create(snap, CreateRequest{ID: "alpha", Title: "y"})
	assert.Equal(t, types.ErrConflict, kind(t, err))
}

func TestCreateOpensSequenceRow(t *testing.T) {
	s, snap := newTestStore(t)
	task := mustCreate(t, s, snap, CreateRequest{Title: "x"})

	var open int
	require.NoError(t, s.db.SQL().QueryRow(
		`SELECT COUNT(*) FROM task_sequence WHERE task_id = ? AND end_timestamp IS NULL`, task.ID).Scan(&open))
	assert.Equal(t, 1, open)
}

func TestUpdateStatusFollowsExits(t *testing.T) {
	s, snap := newTestStore(t)
	addWorker(t, s, "w1", 3)
	task := mustCreate(t, s, snap, CreateRequest{ID: "alpha", Title: "x"})

	// pending -> completed is a legal exit in the default machine.
	res, err := s.Update(snap, UpdateRequest{WorkerID: "w1", TaskID: task.ID, Status: strPtr("completed")})
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Task.Status)
	assert.NotZero(t, res.Task.CompletedAt)

	// completed is terminal: no exits.
	_, err = s.Update(snap, UpdateRequest{WorkerID: "w1", TaskID: task.ID, Status: strPtr("pending")})
	assert.Equal(t, types.ErrStateViolation, kind(t, err))

	// Unknown status is a validation error, not a state violation.
	task2 := mustCreate(t, s, snap, CreateRequest{Title: "y"})
	_, err = s.Update(snap, UpdateRequest{WorkerID: "w1", TaskID: task2.ID, Status: strPtr("nonsense")})
	assert.Equal(t, types.ErrInvalidArgument, kind(t, err))
}

func TestUpdateOwnershipConflict(t *testing.T) {
	s, snap := newTestStore(t)
	addWorker(t, s, "w1", 3)
	addWorker(t, s, "w2", 3)
	task := mustCreate(t, s, snap, CreateRequest{ID: "alpha", Title: "x"})

	_, err := s.Update(snap, ClaimRequest("w1", task.ID, "working", false))
	require.NoError(t, err)

	_, err = s.Update(snap, UpdateRequest{WorkerID: "w2", TaskID: task.ID, Status: strPtr("completed")})
	assert.Equal(t, types.ErrConflict, kind(t, err))

	// force bypasses ownership.
	res, err := s.Update(snap, UpdateRequest{WorkerID: "w2", TaskID: task.ID, Status: strPtr("completed"), Force: true})
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Task.Status)
	assert.Empty(t, res.Task.WorkerID, "terminal state is non-owning")
}

func TestTimedAccounting(t *testing.T) {
	s, snap := newTestStore(t)
	addWorker(t, s, "w1", 3)
	task := mustCreate(t, s, snap, CreateRequest{ID: "alpha", Title: "x"})

	res, err := s.Update(snap, ClaimRequest("w1", task.ID, "working", false))
	require.NoError(t, err)
	assert.NotZero(t, res.Task.StartedAt, "first entry into a timed state sets started_at")
	assert.Equal(t, "w1", res.Task.WorkerID)
	assert.NotZero(t, res.Task.ClaimedAt)

	res, err = s.Update(snap, UpdateRequest{WorkerID: "w1", TaskID: task.ID, Status: strPtr("completed")})
	require.NoError(t, err)

	// time_actual equals the sum of closed timed-state durations.
	var sum sql.NullInt64
	require.NoError(t, s.db.SQL().QueryRow(`
		SELECT SUM(end_timestamp - timestamp) FROM task_sequence
		WHERE task_id = ? AND status = 'working' AND end_timestamp IS NOT NULL`, task.ID).Scan(&sum))
	assert.Equal(t, sum.Int64, res.Task.TimeActualMS)

	// Exactly one open sequence row remains.
	var open int
	require.NoError(t, s.db.SQL().QueryRow(
		`SELECT COUNT(*) FROM task_sequence WHERE task_id = ? AND end_timestamp IS NULL`, task.ID).Scan(&open))
	assert.Equal(t, 1, open)
}

func TestFollowsChainUnblocks(t *testing.T) {
	s, snap := newTestStore(t)
	addWorker(t, s, "w1", 3)

	a := mustCreate(t, s, snap, CreateRequest{ID: "a", Title: "a"})
	b := mustCreate(t, s, snap, CreateRequest{ID: "b", Title: "b"})
	c := mustCreate(t, s, snap, CreateRequest{ID: "c", Title: "c"})
	_, err := s.Link(snap, []string{a.ID}, []string{b.ID}, "follows")
	require.NoError(t, err)
	_, err = s.Link(snap, []string{b.ID}, []string{c.ID}, "follows")
	require.NoError(t, err)

	// Completing A unblocks B only.
	_, err = s.Update(snap, ClaimRequest("w1", a.ID, "working", false))
	require.NoError(t, err)
	res, err := s.Update(snap, UpdateRequest{WorkerID: "w1", TaskID: a.ID, Status: strPtr("completed")})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.Unblocked)

	_, err = s.Update(snap, ClaimRequest("w1", b.ID, "working", false))
	require.NoError(t, err)
	res, err = s.Update(snap, UpdateRequest{WorkerID: "w1", TaskID: b.ID, Status: strPtr("completed")})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, res.Unblocked)
}

func TestContainsCompletionBlocking(t *testing.T) {
	s, snap := newTestStore(t)
	addWorker(t, s, "w1", 3)

	p := mustCreate(t, s, snap, CreateRequest{ID: "p", Title: "parent"})
	c1 := mustCreate(t, s, snap, CreateRequest{ID: "c1", Title: "child 1", Parents: []string{p.ID}})
	c2 := mustCreate(t, s, snap, CreateRequest{ID: "c2", Title: "child 2", Parents: []string{p.ID}})

	_, err := s.Update(snap, UpdateRequest{WorkerID: "w1", TaskID: c1.ID, Status: strPtr("completed")})
	require.NoError(t, err)

	// c2 is still pending, which blocks the parent's completion.
	_, err = s.Update(snap, UpdateRequest{WorkerID: "w1", TaskID: p.ID, Status: strPtr("completed")})
	assert.Equal(t, types.ErrStateViolation, kind(t, err))

	_, err = s.Update(snap, UpdateRequest{WorkerID: "w1", TaskID: c2.ID, Status: strPtr("completed")})
	require.NoError(t, err)

	_, err = s.Update(snap, UpdateRequest{WorkerID: "w1", TaskID: p.ID, Status: strPtr("completed")})
	assert.NoError(t, err)
}

func autoAdvanceConfig() *config.Snapshot {
	snap := config.Default()
	snap.States.Definitions = map[string]config.StateDef{
		"pending":   {Exits: []string{"ready", "working", "completed"}, Timed: false},
		"ready":     {Exits: []string{"working"}, Timed: false},
		"working":   {Exits: []string{"pending", "completed"}, Timed: true},
		"completed": {Exits: nil, Timed: false},
	}
	snap.States.Initial = "pending"
	snap.States.DisconnectState = "pending"
	snap.States.BlockingStates = []string{"pending", "working"}
	snap.AutoAdvance = config.AutoAdvanceConfig{Enabled: true, TargetState: "ready"}
	return snap
}

func TestAutoAdvanceCascade(t *testing.T) {
	s, _ := newTestStore(t)
	snap := autoAdvanceConfig()
	addWorker(t, s, "w1", 3)

	a := mustCreate(t, s, snap, CreateRequest{ID: "a", Title: "a"})
	b := mustCreate(t, s, snap, CreateRequest{ID: "b", Title: "b"})
	_, err := s.Link(snap, []string{a.ID}, []string{b.ID}, "blocks")
	require.NoError(t, err)

	_, err = s.Update(snap, ClaimRequest("w1", a.ID, "working", false))
	require.NoError(t, err)
	res, err := s.Update(snap, UpdateRequest{WorkerID: "w1", TaskID: a.ID, Status: strPtr("completed")})
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, res.Unblocked)
	assert.Equal(t, []string{"b"}, res.AutoAdvanced)

	got, err := s.Get(b.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "ready", got.Status)
}

func TestAutoAdvanceCascadesTransitively(t *testing.T) {
	s, _ := newTestStore(t)
	snap := autoAdvanceConfig()
	// ready is non-blocking, so advancing B can unblock C behind it.
	addWorker(t, s, "w1", 3)

	a := mustCreate(t, s, snap, CreateRequest{ID: "a", Title: "a"})
	b := mustCreate(t, s, snap, CreateRequest{ID: "b", Title: "b"})
	c := mustCreate(t, s, snap, CreateRequest{ID: "c", Title: "c"})
	_, err := s.Link(snap, []string{a.ID}, []string{b.ID}, "blocks")
	require.NoError(t, err)
	_, err = s.Link(snap, []string{b.ID}, []string{c.ID}, "blocks")
	require.NoError(t, err)

	res, err := s.Update(snap, UpdateRequest{WorkerID: "w1", TaskID: a.ID, Status: strPtr("completed")})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, res.AutoAdvanced)

	got, err := s.Get(c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "ready", got.Status)
}

func TestCycleRejection(t *testing.T) {
	s, snap := newTestStore(t)

	a := mustCreate(t, s, snap, CreateRequest{ID: "a", Title: "a"})
	b := mustCreate(t, s, snap, CreateRequest{ID: "b", Title: "b"})
	c := mustCreate(t, s, snap, CreateRequest{ID: "c", Title: "c"})

	_, err := s.Link(snap, []string{a.ID}, []string{b.ID}, "blocks")
	require.NoError(t, err)
	_, err = s.Link(snap, []string{b.ID}, []string{c.ID}, "blocks")
	require.NoError(t, err)

	// c -> a would close a blocking cycle.
	_, err = s.Link(snap, []string{c.ID}, []string{a.ID}, "blocks")
	assert.Equal(t, types.ErrCycle, kind(t, err))

	// Self edges are cycles too.
	_, err = s.Link(snap, []string{a.ID}, []string{a.ID}, "blocks")
	assert.Equal(t, types.ErrCycle, kind(t, err))

	// Informational edges may close loops.
	_, err = s.Link(snap, []string{c.ID}, []string{a.ID}, "relates-to")
	assert.NoError(t, err)

	// Unknown types are rejected.
	_, err = s.Link(snap, []string{a.ID}, []string{c.ID}, "mystery")
	assert.Equal(t, types.ErrInvalidArgument, kind(t, err))
}

func TestSoftDeleteVisibility(t *testing.T) {
	s, snap := newTestStore(t)
	addWorker(t, s, "w1", 3)
	task := mustCreate(t, s, snap, CreateRequest{ID: "alpha", Title: "x"})

	require.NoError(t, s.Delete(DeleteRequest{WorkerID: "w1", TaskID: task.ID, Reason: "obsolete"}))

	_, err := s.Get(task.ID, false)
	assert.Equal(t, types.ErrNotFound, kind(t, err))

	got, err := s.Get(task.ID, true)
	require.NoError(t, err)
	assert.NotZero(t, got.DeletedAt)
	assert.Equal(t, "w1", got.DeletedBy)
	assert.Equal(t, "obsolete", got.DeletedReason)

	tasks, err := s.List(snap, Filter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	tasks, err = s.List(snap, Filter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestCascadeSoftDelete(t *testing.T) {
	s, snap := newTestStore(t)
	addWorker(t, s, "w1", 3)

	p := mustCreate(t, s, snap, CreateRequest{ID: "p", Title: "p"})
	c := mustCreate(t, s, snap, CreateRequest{ID: "c", Title: "c", Parents: []string{p.ID}})
	g := mustCreate(t, s, snap, CreateRequest{ID: "g", Title: "g", Parents: []string{c.ID}})

	require.NoError(t, s.Delete(DeleteRequest{WorkerID: "w1", TaskID: p.ID, Cascade: true}))

	for _, id := range []string{p.ID, c.ID, g.ID} {
		_, err := s.Get(id, false)
		assert.Equal(t, types.ErrNotFound, kind(t, err), "task %s should be soft-deleted", id)
	}
}

func TestObliterateCascadesRows(t *testing.T) {
	s, snap := newTestStore(t)
	addWorker(t, s, "w1", 3)

	task := mustCreate(t, s, snap, CreateRequest{
		ID:    "alpha",
		Title: "x",
		Tags:  []string{"go"}, NeededTags: []string{"rust"},
		Attachments: []AttachmentInput{{Name: "note", Content: "hello"}},
	})
	other := mustCreate(t, s, snap, CreateRequest{ID: "beta", Title: "y"})
	_, err := s.Link(snap, []string{task.ID}, []string{other.ID}, "blocks")
	require.NoError(t, err)

	require.NoError(t, s.Delete(DeleteRequest{WorkerID: "w1", TaskID: task.ID, Obliterate: true}))

	for _, q := range []string{
		`SELECT COUNT(*) FROM tasks WHERE id = 'alpha'`,
		`SELECT COUNT(*) FROM task_tags WHERE task_id = 'alpha'`,
		`SELECT COUNT(*) FROM task_needed_tags WHERE task_id = 'alpha'`,
		`SELECT COUNT(*) FROM attachments WHERE task_id = 'alpha'`,
		`SELECT COUNT(*) FROM dependencies WHERE from_task_id = 'alpha' OR to_task_id = 'alpha'`,
		`SELECT COUNT(*) FROM task_sequence WHERE task_id = 'alpha'`,
	} {
		var n int
		require.NoError(t, s.db.SQL().QueryRow(q).Scan(&n))
		assert.Zero(t, n, q)
	}
}

func TestRenameRewritesReferences(t *testing.T) {
	s, snap := newTestStore(t)
	addWorker(t, s, "w1", 3)

	a := mustCreate(t, s, snap, CreateRequest{ID: "old-name", Title: "x",
		Attachments: []AttachmentInput{{Name: "note", Content: "hi"}}})
	b := mustCreate(t, s, snap, CreateRequest{ID: "other", Title: "y"})
	_, err := s.Link(snap, []string{a.ID}, []string{b.ID}, "blocks")
	require.NoError(t, err)

	require.NoError(t, s.Rename("old-name", "new-name"))

	got, err := s.Get("new-name", false)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Title)

	_, err = s.Get("old-name", false)
	assert.Equal(t, types.ErrNotFound, kind(t, err))

	deps, err := s.Dependencies("new-name")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "new-name", deps[0].FromTaskID)

	// Renaming onto an existing id is a conflict.
	assert.Equal(t, types.ErrConflict, kind(t, s.Rename("new-name", "other")))
}

func TestAttachmentModes(t *testing.T) {
	s, snap := newTestStore(t)
	task := mustCreate(t, s, snap, CreateRequest{ID: "alpha", Title: "x"})

	// note is append-mode: sequences grow.
	_, _, err := s.Attach(snap, []string{task.ID}, AttachmentInput{Name: "note", Content: "first"})
	require.NoError(t, err)
	_, _, err = s.Attach(snap, []string{task.ID}, AttachmentInput{Name: "note", Content: "second"})
	require.NoError(t, err)

	atts, err := s.Attachments(task.ID, AttachmentFilter{Name: "note", IncludeContent: true})
	require.NoError(t, err)
	require.Len(t, atts, 2)
	assert.Equal(t, 0, atts[0].Sequence)
	assert.Equal(t, 1, atts[1].Sequence)

	// design is replace-mode: one row at sequence zero.
	_, _, err = s.Attach(snap, []string{task.ID}, AttachmentInput{Name: "design", Content: "v1"})
	require.NoError(t, err)
	_, _, err = s.Attach(snap, []string{task.ID}, AttachmentInput{Name: "design", Content: "v2"})
	require.NoError(t, err)

	atts, err = s.Attachments(task.ID, AttachmentFilter{Name: "design", IncludeContent: true})
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, 0, atts[0].Sequence)
	assert.Equal(t, "v2", atts[0].Content)

	// default MIME comes from the type definition.
	assert.Equal(t, "text/markdown", atts[0].MimeType)
}

func TestDetach(t *testing.T) {
	s, snap := newTestStore(t)
	task := mustCreate(t, s, snap, CreateRequest{ID: "alpha", Title: "x",
		Attachments: []AttachmentInput{{Name: "note", Content: "hello"}}})

	require.NoError(t, s.Detach(task.ID, "note", false))
	assert.Equal(t, types.ErrNotFound, kind(t, s.Detach(task.ID, "note", false)))
}

func TestCreateTreeJoins(t *testing.T) {
	s, snap := newTestStore(t)

	tree := TreeNode{
		CreateRequest: CreateRequest{ID: "root", Title: "root"},
		Children: []TreeNode{
			{CreateRequest: CreateRequest{ID: "s1", Title: "step 1"}},
			{CreateRequest: CreateRequest{ID: "s2", Title: "step 2"}, Join: JoinThen},
			{CreateRequest: CreateRequest{ID: "s3", Title: "parallel"}, Join: JoinAlso},
		},
	}
	created, _, err := s.CreateTree(snap, tree, "")
	require.NoError(t, err)
	assert.Len(t, created, 4)

	// Every child hangs off the root via contains.
	deps, err := s.Dependencies("root")
	require.NoError(t, err)
	containsCount := 0
	for _, d := range deps {
		if d.DepType == "contains" && d.FromTaskID == "root" {
			containsCount++
		}
	}
	assert.Equal(t, 3, containsCount)

	// "then" adds a follows edge from the previous sibling; "also"
	// does not.
	deps, err = s.Dependencies("s2")
	require.NoError(t, err)
	hasFollows := false
	for _, d := range deps {
		if d.DepType == "follows" && d.FromTaskID == "s1" && d.ToTaskID == "s2" {
			hasFollows = true
		}
	}
	assert.True(t, hasFollows)

	deps, err = s.Dependencies("s3")
	require.NoError(t, err)
	for _, d := range deps {
		assert.NotEqual(t, "follows", d.DepType)
	}
}

func TestCreateTreeRollsBackAsAWhole(t *testing.T) {
	s, snap := newTestStore(t)
	mustCreate(t, s, snap, CreateRequest{ID: "dup", Title: "existing"})

	tree := TreeNode{
		CreateRequest: CreateRequest{ID: "root", Title: "root"},
		Children: []TreeNode{
			{CreateRequest: CreateRequest{ID: "dup", Title: "collides"}},
		},
	}
	_, _, err := s.CreateTree(snap, tree, "")
	require.Error(t, err)

	_, err = s.Get("root", false)
	assert.Equal(t, types.ErrNotFound, kind(t, err), "tree create failure must roll back the whole tree")
}

func TestListFilters(t *testing.T) {
	s, snap := newTestStore(t)
	addWorker(t, s, "w1", 3)

	a := mustCreate(t, s, snap, CreateRequest{ID: "a", Title: "a", Tags: []string{"x"}})
	b := mustCreate(t, s, snap, CreateRequest{ID: "b", Title: "b", Tags: []string{"x", "y"}})
	mustCreate(t, s, snap, CreateRequest{ID: "c", Title: "c"})
	_, err := s.Link(snap, []string{a.ID}, []string{b.ID}, "blocks")
	require.NoError(t, err)

	ready, err := s.List(snap, Filter{Ready: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, taskIDs(ready), "b is blocked by a")

	blocked, err := s.List(snap, Filter{Blocked: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, taskIDs(blocked))

	_, err = s.Update(snap, ClaimRequest("w1", a.ID, "working", false))
	require.NoError(t, err)

	claimed, err := s.List(snap, Filter{Claimed: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, taskIDs(claimed))

	tagged, err := s.List(snap, Filter{TagsAll: []string{"x", "y"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, taskIDs(tagged))

	anyTag, err := s.List(snap, Filter{TagsAny: []string{"x"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, taskIDs(anyTag))
}

func taskIDs(tasks []*types.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestMetricsAccumulate(t *testing.T) {
	s, snap := newTestStore(t)
	task := mustCreate(t, s, snap, CreateRequest{ID: "alpha", Title: "x"})

	require.NoError(t, s.LogMetrics(task.ID, 0.5, [8]int64{1, 0, 2, 0, 0, 0, 0, 0}))
	require.NoError(t, s.LogMetrics(task.ID, 0.25, [8]int64{1, 0, 0, 0, 0, 0, 0, 3}))

	agg, err := s.GetMetrics([]string{task.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.Metrics[0])
	assert.Equal(t, int64(2), agg.Metrics[2])
	assert.Equal(t, int64(3), agg.Metrics[7])
	assert.InDelta(t, 0.75, agg.CostUSD, 1e-9)
}

func TestReleaseAllClearsOwnership(t *testing.T) {
	s, snap := newTestStore(t)
	addWorker(t, s, "w1", 3)

	a := mustCreate(t, s, snap, CreateRequest{ID: "a", Title: "a"})
	b := mustCreate(t, s, snap, CreateRequest{ID: "b", Title: "b"})
	_, err := s.Update(snap, ClaimRequest("w1", a.ID, "working", false))
	require.NoError(t, err)
	_, err = s.Update(snap, ClaimRequest("w1", b.ID, "working", false))
	require.NoError(t, err)

	released, err := s.ReleaseAll(snap, "w1", "pending", "disconnect")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, released)

	for _, id := range []string{"a", "b"} {
		got, err := s.Get(id, false)
		require.NoError(t, err)
		assert.Equal(t, "pending", got.Status)
		assert.Empty(t, got.WorkerID)
	}
}
