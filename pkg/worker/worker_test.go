package worker

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/file"
	"github.com/taskgraph/taskgraph/pkg/storage"
	"github.com/taskgraph/taskgraph/pkg/task"
	"github.com/taskgraph/taskgraph/pkg/types"
)

type fixture struct {
	db       *storage.DB
	registry *Registry
	tasks    *task.Store
	files    *file.Coordinator
	snap     *config.Snapshot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tasks := task.NewStore(db)
	files := file.NewCoordinator(db)
	return &fixture{
		db:       db,
		registry: NewRegistry(db, tasks, files),
		tasks:    tasks,
		files:    files,
		snap:     config.Default(),
	}
}

func TestConnectGeneratesID(t *testing.T) {
	f := newFixture(t)

	res, err := f.registry.Connect(f.snap, ConnectRequest{Tags: []string{"go"}})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Worker.ID)
	assert.Equal(t, f.snap.Server.ClaimLimit, res.Worker.MaxClaims)

	got, err := f.registry.Get(res.Worker.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, got.Tags)
}

func TestConnectExistingRequiresForce(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.Connect(f.snap, ConnectRequest{ID: "w1"})
	require.NoError(t, err)

	_, err = f.registry.Connect(f.snap, ConnectRequest{ID: "w1"})
	require.Error(t, err)
	assert.Equal(t, types.ErrConflict, types.AsError(err).Kind)

	_, err = f.registry.Connect(f.snap, ConnectRequest{ID: "w1", Force: true})
	assert.NoError(t, err)
}

func TestForceReconnectReleasesPriorSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Connect(f.snap, ConnectRequest{ID: "w1"})
	require.NoError(t, err)

	created, _, err := f.tasks.Create(f.snap, task.CreateRequest{ID: "alpha", Title: "x"})
	require.NoError(t, err)
	_, err = f.tasks.Update(f.snap, task.ClaimRequest("w1", created.ID, "working", false))
	require.NoError(t, err)
	_, err = f.files.Mark(f.snap, "w1", []string{"src/a.go"}, "", "edit")
	require.NoError(t, err)

	_, err = f.registry.Connect(f.snap, ConnectRequest{ID: "w1", Force: true})
	require.NoError(t, err)

	got, err := f.tasks.Get(created.ID, false)
	require.NoError(t, err)
	assert.Empty(t, got.WorkerID)
	assert.Equal(t, f.snap.States.DisconnectState, got.Status)

	marks, err := f.files.ListMarks(file.ListFilter{WorkerID: "w1"})
	require.NoError(t, err)
	assert.Empty(t, marks)
}

func TestConnectRoleResolution(t *testing.T) {
	f := newFixture(t)
	f.snap.Workflows = map[string]config.WorkflowDef{
		"dev": {
			Roles: map[string]config.RoleDef{
				"reviewer": {Tags: []string{"review"}, Prompts: []string{"review carefully"}},
			},
		},
	}

	res, err := f.registry.Connect(f.snap, ConnectRequest{ID: "w1", Tags: []string{"review"}, Workflow: "dev"})
	require.NoError(t, err)
	assert.Equal(t, "reviewer", res.Role)
	assert.Equal(t, []string{"review carefully"}, res.Prompts)
}

func TestHeartbeatMonotonic(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Connect(f.snap, ConnectRequest{ID: "w1"})
	require.NoError(t, err)

	before, err := f.registry.Get("w1")
	require.NoError(t, err)

	require.NoError(t, f.registry.Heartbeat("w1"))
	after, err := f.registry.Get("w1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after.LastHeartbeat, before.LastHeartbeat)

	err = f.registry.Heartbeat("ghost")
	require.Error(t, err)
	assert.Equal(t, types.ErrStaleSession, types.AsError(err).Kind)
}

func TestDisconnectAppliesFinalStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Connect(f.snap, ConnectRequest{ID: "w1"})
	require.NoError(t, err)

	created, _, err := f.tasks.Create(f.snap, task.CreateRequest{ID: "alpha", Title: "x"})
	require.NoError(t, err)
	_, err = f.tasks.Update(f.snap, task.ClaimRequest("w1", created.ID, "working", false))
	require.NoError(t, err)

	require.NoError(t, f.registry.Disconnect(f.snap, "w1", "failed"))

	got, err := f.tasks.Get(created.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Empty(t, got.WorkerID)

	_, err = f.registry.Get("w1")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.AsError(err).Kind)
}

func TestEvictStale(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Connect(f.snap, ConnectRequest{ID: "stale"})
	require.NoError(t, err)
	_, err = f.registry.Connect(f.snap, ConnectRequest{ID: "fresh"})
	require.NoError(t, err)

	created, _, err := f.tasks.Create(f.snap, task.CreateRequest{ID: "alpha", Title: "x"})
	require.NoError(t, err)
	_, err = f.tasks.Update(f.snap, task.ClaimRequest("stale", created.ID, "working", false))
	require.NoError(t, err)
	_, err = f.files.Mark(f.snap, "stale", []string{"src/a.go"}, "", "edit")
	require.NoError(t, err)

	// Age the stale worker's heartbeat past the cutoff.
	cutoff := storage.NowMS() - int64(f.snap.Server.StaleTimeoutSeconds+10)*1000
	err = f.db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE workers SET last_heartbeat = ? WHERE id = 'stale'`, cutoff)
		return err
	})
	require.NoError(t, err)

	evicted, err := f.registry.EvictStale(f.snap)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, evicted)

	// Claimed task moved to the disconnect state and the marks are
	// gone, but the fresh worker survives.
	got, err := f.tasks.Get(created.ID, false)
	require.NoError(t, err)
	assert.Equal(t, f.snap.States.DisconnectState, got.Status)
	assert.Empty(t, got.WorkerID)

	marks, err := f.files.ListMarks(file.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, marks)

	_, err = f.registry.Get("fresh")
	assert.NoError(t, err)
	_, err = f.registry.Get("stale")
	assert.Error(t, err)
}

func TestListFilters(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Connect(f.snap, ConnectRequest{ID: "w1", Tags: []string{"go"}})
	require.NoError(t, err)
	_, err = f.registry.Connect(f.snap, ConnectRequest{ID: "w2", Tags: []string{"rust"}})
	require.NoError(t, err)

	all, err := f.registry.List(ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	goWorkers, err := f.registry.List(ListFilter{Tags: []string{"go"}})
	require.NoError(t, err)
	require.Len(t, goWorkers, 1)
	assert.Equal(t, "w1", goWorkers[0].ID)

	_, err = f.files.Mark(f.snap, "w2", []string{"src/x.go"}, "", "")
	require.NoError(t, err)
	marking, err := f.registry.List(ListFilter{File: "src/x.go"})
	require.NoError(t, err)
	require.Len(t, marking, 1)
	assert.Equal(t, "w2", marking[0].ID)
}
