package server

import (
	"context"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/metrics"
	"github.com/taskgraph/taskgraph/pkg/types"
	"github.com/taskgraph/taskgraph/pkg/worker"
)

func (d *Dispatcher) registerWorkerTools() {
	d.register(&toolDef{
		name:        "connect",
		description: "Register a worker session with capability tags and an optional workflow overlay",
		args: []argSpec{
			{name: "worker_id", kind: "string"},
			{name: "tags", kind: "array"},
			{name: "max_claims", kind: "int"},
			{name: "workflow", kind: "string"},
			{name: "force", kind: "bool"},
		},
		invalidates: []string{invWorkers, invStats},
		handler: func(d *Dispatcher, _ context.Context, snap *config.Snapshot, a *Args) (any, error) {
			res, err := d.Workers.Connect(snap, worker.ConnectRequest{
				ID:        a.String("worker_id", ""),
				Tags:      a.Strings("tags"),
				MaxClaims: a.Int("max_claims", 0),
				Workflow:  a.String("workflow", ""),
				Force:     a.Bool("force", false),
			})
			if err != nil {
				return nil, err
			}
			d.updateWorkerGauge()
			return res, nil
		},
	})

	d.register(&toolDef{
		name:        "disconnect",
		description: "End a worker session, releasing its claims and file marks",
		args: []argSpec{
			{name: "worker_id", kind: "string", required: true},
			{name: "final_status", kind: "string"},
		},
		needsWorker: true,
		invalidates: []string{invWorkers, invTasks, invMarks, invStats},
		handler: func(d *Dispatcher, _ context.Context, snap *config.Snapshot, a *Args) (any, error) {
			err := d.Workers.Disconnect(snap, a.String("worker_id", ""), a.String("final_status", ""))
			if err != nil {
				return nil, err
			}
			d.updateWorkerGauge()
			return map[string]any{}, nil
		},
	})

	d.register(&toolDef{
		name:        "list_workers",
		description: "List registered workers, optionally filtered by tags, marked file, or owned task",
		args: []argSpec{
			{name: "tags", kind: "array"},
			{name: "file", kind: "string"},
			{name: "task", kind: "string"},
			{name: "depth", kind: "int"},
		},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			workers, err := d.Workers.List(worker.ListFilter{
				Tags: a.Strings("tags"),
				File: a.String("file", ""),
				Task: a.String("task", ""),
			})
			if err != nil {
				return nil, err
			}
			if workers == nil {
				workers = []*types.Worker{}
			}
			return workers, nil
		},
	})

	d.register(&toolDef{
		name:        "thinking",
		description: "Record a worker's live thought on its tasks and refresh its heartbeat",
		args: []argSpec{
			{name: "worker_id", kind: "string", required: true},
			{name: "thought", kind: "string", required: true},
			{name: "tasks", kind: "array"},
		},
		needsWorker: true,
		invalidates: []string{invTasks},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			taskIDs := a.Strings("tasks")
			if len(taskIDs) == 0 {
				// Default to the worker's owned tasks.
				owned, err := d.ownedTaskIDs(a.String("worker_id", ""))
				if err != nil {
					return nil, err
				}
				taskIDs = owned
			}
			if err := d.Tasks.SetThought(a.String("worker_id", ""), a.String("thought", ""), taskIDs); err != nil {
				return nil, err
			}
			return map[string]any{}, nil
		},
	})
}

func (d *Dispatcher) ownedTaskIDs(workerID string) ([]string, error) {
	rows, err := d.DB.SQL().Query(
		`SELECT id FROM tasks WHERE worker_id = ? AND deleted_at IS NULL`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (d *Dispatcher) updateWorkerGauge() {
	var n int
	if err := d.DB.SQL().QueryRow(`SELECT COUNT(*) FROM workers`).Scan(&n); err == nil {
		metrics.WorkersConnected.Set(float64(n))
	}
}
