package worker

import (
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/ids"
	"github.com/taskgraph/taskgraph/pkg/log"
	"github.com/taskgraph/taskgraph/pkg/storage"
	"github.com/taskgraph/taskgraph/pkg/task"
	"github.com/taskgraph/taskgraph/pkg/types"
)

// Releaser is the slice of the file coordinator the registry needs to
// tear a session down.
type Releaser interface {
	ReleaseAllMarks(workerID, reason string) error
}

// Registry manages worker session lifecycle: connect, heartbeat,
// disconnect, and stale eviction.
type Registry struct {
	db     *storage.DB
	tasks  *task.Store
	marks  Releaser
	logger zerolog.Logger
}

// NewRegistry creates a registry over the shared database.
func NewRegistry(db *storage.DB, tasks *task.Store, marks Releaser) *Registry {
	return &Registry{
		db:     db,
		tasks:  tasks,
		marks:  marks,
		logger: log.WithComponent("worker"),
	}
}

// ConnectRequest registers or re-registers a worker.
type ConnectRequest struct {
	ID        string
	Tags      []string
	MaxClaims int
	Workflow  string
	Force     bool
}

// ConnectResult is the session bundle returned to a connecting worker.
type ConnectResult struct {
	Worker  *types.Worker `json:"worker"`
	Role    string        `json:"role,omitempty"`
	Prompts []string      `json:"prompts,omitempty"`
}

// Connect creates a worker record. Reconnecting an existing id
// requires force, which first releases the prior session's claims and
// marks.
func (r *Registry) Connect(snap *config.Snapshot, req ConnectRequest) (*ConnectResult, error) {
	now := storage.NowMS()

	w := &types.Worker{
		ID:            req.ID,
		Tags:          req.Tags,
		MaxClaims:     req.MaxClaims,
		Workflow:      req.Workflow,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if w.MaxClaims <= 0 {
		w.MaxClaims = snap.Server.ClaimLimit
	}
	if w.Workflow == "" {
		w.Workflow = snap.Server.DefaultWorkflow
	}
	if w.Workflow != "" {
		w.Overlays = []string{w.Workflow}
	}

	exists := false
	if w.ID != "" {
		var n int
		if err := r.db.SQL().QueryRow(`SELECT COUNT(*) FROM workers WHERE id = ?`, w.ID).Scan(&n); err != nil {
			return nil, err
		}
		exists = n > 0
	}
	if exists && !req.Force {
		return nil, types.Conflict("worker %s is already connected", w.ID).WithField("worker_id", w.ID)
	}
	if exists {
		// Force takeover: tear the prior session down first.
		if _, err := r.tasks.ReleaseAll(snap, w.ID, snap.States.DisconnectState, "reconnect"); err != nil {
			return nil, err
		}
		if err := r.marks.ReleaseAllMarks(w.ID, "reconnect"); err != nil {
			return nil, err
		}
	}

	overlays, err := json.Marshal(w.Overlays)
	if err != nil {
		return nil, err
	}

	gen := ids.New(snap.IDs.AgentIDWords, snap.IDs.IDCase)
	generated := w.ID == ""
	err = r.db.Write(func(tx *sql.Tx) error {
		if exists {
			// Force takeover overwrites the prior session in place.
			_, err := tx.Exec(`UPDATE workers SET
				max_claims = ?, registered_at = ?, last_heartbeat = ?,
				workflow = ?, overlays = ?
				WHERE id = ?`,
				w.MaxClaims, w.RegisteredAt, w.LastHeartbeat, w.Workflow, string(overlays), w.ID)
			if err != nil {
				return err
			}
		} else {
			for attempt := 0; ; attempt++ {
				if generated {
					w.ID = gen.Generate()
				}
				_, err := tx.Exec(`INSERT INTO workers
					(id, max_claims, registered_at, last_heartbeat, last_claim_sequence, workflow, overlays)
					VALUES (?, ?, ?, ?, 0, ?, ?)`,
					w.ID, w.MaxClaims, w.RegisteredAt, w.LastHeartbeat, w.Workflow, string(overlays))
				if err == nil {
					break
				}
				if generated && storage.IsUniqueViolation(err) && attempt < 16 {
					continue
				}
				if storage.IsUniqueViolation(err) {
					return types.Conflict("worker %s is already connected", w.ID).WithField("worker_id", w.ID)
				}
				return err
			}
		}
		if _, err := tx.Exec(`DELETE FROM worker_tags WHERE worker_id = ?`, w.ID); err != nil {
			return err
		}
		for _, tag := range w.Tags {
			if tag == "" {
				continue
			}
			if _, err := tx.Exec(`INSERT OR IGNORE INTO worker_tags (worker_id, tag) VALUES (?, ?)`, w.ID, tag); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &ConnectResult{Worker: w}
	if w.Workflow != "" {
		role, def := snap.Role(w.Tags, w.Overlays...)
		if def != nil {
			res.Role = role
			res.Prompts = def.Prompts
		}
	}
	r.logger.Info().Str("worker_id", w.ID).Strs("tags", w.Tags).Msg("Worker connected")
	return res, nil
}

// Heartbeat refreshes a worker's liveness. last_heartbeat never moves
// backwards.
func (r *Registry) Heartbeat(workerID string) error {
	return r.db.Write(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE workers SET last_heartbeat = MAX(last_heartbeat, ?) WHERE id = ?`,
			storage.NowMS(), workerID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.Errf(types.ErrStaleSession, "worker %s is not connected", workerID)
		}
		return nil
	})
}

// Get loads one worker.
func (r *Registry) Get(workerID string) (*types.Worker, error) {
	return r.get(r.db.SQL(), workerID)
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (r *Registry) get(q querier, workerID string) (*types.Worker, error) {
	w := &types.Worker{ID: workerID}
	var overlays string
	err := q.QueryRow(`SELECT max_claims, registered_at, last_heartbeat, last_claim_sequence,
		last_status, last_phase, workflow, overlays FROM workers WHERE id = ?`, workerID).Scan(
		&w.MaxClaims, &w.RegisteredAt, &w.LastHeartbeat, &w.LastClaimSequence,
		&w.LastStatus, &w.LastPhase, &w.Workflow, &overlays)
	if err == sql.ErrNoRows {
		return nil, types.NotFound("worker %s not found", workerID).WithField("worker_id", workerID)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(overlays), &w.Overlays); err != nil {
		w.Overlays = nil
	}
	rows, err := q.Query(`SELECT tag FROM worker_tags WHERE worker_id = ? ORDER BY tag`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		w.Tags = append(w.Tags, tag)
	}
	return w, rows.Err()
}

// ListFilter narrows List results.
type ListFilter struct {
	Tags []string
	File string
	Task string
}

// List returns workers, optionally filtered by capability tags, by a
// file they mark, or by a task they own.
func (r *Registry) List(f ListFilter) ([]*types.Worker, error) {
	var where []string
	var args []any
	for _, tag := range f.Tags {
		where = append(where, `EXISTS (SELECT 1 FROM worker_tags wt WHERE wt.worker_id = w.id AND wt.tag = ?)`)
		args = append(args, tag)
	}
	if f.File != "" {
		where = append(where, `EXISTS (SELECT 1 FROM file_locks fl WHERE fl.worker_id = w.id AND fl.file_path = ?)`)
		args = append(args, f.File)
	}
	if f.Task != "" {
		where = append(where, `EXISTS (SELECT 1 FROM tasks t WHERE t.worker_id = w.id AND t.id = ?)`)
		args = append(args, f.Task)
	}
	query := `SELECT id FROM workers w`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`

	rows, err := r.db.SQL().Query(query, args...)
	if err != nil {
		return nil, err
	}
	var workerIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		workerIDs = append(workerIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*types.Worker, 0, len(workerIDs))
	for _, id := range workerIDs {
		w, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// Disconnect is the explicit form of eviction: the worker's claimed
// tasks move to finalStatus (default the initial state), its marks are
// released, and the session row is removed.
func (r *Registry) Disconnect(snap *config.Snapshot, workerID, finalStatus string) error {
	if _, err := r.Get(workerID); err != nil {
		return err
	}
	if finalStatus == "" {
		finalStatus = snap.States.Initial
	}
	if _, ok := snap.States.Definitions[finalStatus]; !ok {
		return types.InvalidArgument("unknown final status %q", finalStatus)
	}
	if _, err := r.tasks.ReleaseAll(snap, workerID, finalStatus, "disconnect"); err != nil {
		return err
	}
	if err := r.marks.ReleaseAllMarks(workerID, "disconnect"); err != nil {
		return err
	}
	err := r.db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM workers WHERE id = ?`, workerID)
		return err
	})
	if err != nil {
		return err
	}
	r.logger.Info().Str("worker_id", workerID).Str("final_status", finalStatus).Msg("Worker disconnected")
	return nil
}

// RecordObserved stores the last status/phase a worker transitioned a
// task to, feeding workflow prompt delivery.
func (r *Registry) RecordObserved(workerID, status, phase string) error {
	return r.db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE workers SET
			last_status = CASE WHEN ? != '' THEN ? ELSE last_status END,
			last_phase = CASE WHEN ? != '' THEN ? ELSE last_phase END
			WHERE id = ?`,
			status, status, phase, phase, workerID)
		return err
	})
}
