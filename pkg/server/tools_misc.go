package server

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/gate"
	"github.com/taskgraph/taskgraph/pkg/history"
	"github.com/taskgraph/taskgraph/pkg/search"
	"github.com/taskgraph/taskgraph/pkg/snapshot"
	"github.com/taskgraph/taskgraph/pkg/types"
)

func (d *Dispatcher) registerQueryTools() {
	d.register(&toolDef{
		name:        "task_history",
		description: "Ordered transition log of one task with durations and aggregates",
		args: []argSpec{
			{name: "task", kind: "string", required: true},
			{name: "states", kind: "array"},
		},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			return d.History.ForTask(a.String("task", ""), a.Strings("states"))
		},
	})

	d.register(&toolDef{
		name:        "project_history",
		description: "Cross-task transition window query",
		args: []argSpec{
			{name: "from", kind: "int"},
			{name: "to", kind: "int"},
			{name: "states", kind: "array"},
			{name: "limit", kind: "int"},
		},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			return d.History.ForProject(history.ProjectFilter{
				From:   a.Int64("from", 0),
				To:     a.Int64("to", 0),
				States: a.Strings("states"),
				Limit:  a.Int("limit", 100),
			})
		},
	})

	d.register(&toolDef{
		name:        "log_metrics",
		description: "Additively log metric slots and cost onto a task",
		args: []argSpec{
			{name: "worker_id", kind: "string", required: true},
			{name: "task", kind: "string", required: true},
			{name: "cost_usd", kind: "number"},
			{name: "values", kind: "array"},
			{name: "user_metrics", kind: "object"},
		},
		needsWorker: true,
		invalidates: []string{invTasks, invStats},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			var values [8]int64
			if raw, ok := a.Raw("values").([]any); ok {
				if len(raw) > 8 {
					return nil, types.InvalidArgument("values accepts at most 8 slots")
				}
				for i, v := range raw {
					if n, ok := v.(json.Number); ok {
						values[i], _ = n.Int64()
					}
				}
			}
			if err := d.Tasks.LogMetrics(a.String("task", ""), a.Float("cost_usd", 0), values); err != nil {
				return nil, err
			}
			return map[string]any{}, nil
		},
	})

	d.register(&toolDef{
		name:        "get_metrics",
		description: "Aggregate metric slots and cost over tasks",
		args: []argSpec{
			{name: "task", kind: "string_or_array", required: true},
		},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			return d.Tasks.GetMetrics(a.StringOrStrings("task"))
		},
	})

	d.register(&toolDef{
		name:        "check_gates",
		description: "Report gate satisfaction for a task without mutating",
		args: []argSpec{
			{name: "task", kind: "string", required: true},
		},
		handler: func(d *Dispatcher, _ context.Context, snap *config.Snapshot, a *Args) (any, error) {
			t, err := d.Tasks.Get(a.String("task", ""), false)
			if err != nil {
				return nil, err
			}
			attTypes, err := d.attachmentTypeSet(t.ID)
			if err != nil {
				return nil, err
			}
			return gate.Evaluate(snap, t.Status, t.Phase, attTypes), nil
		},
	})

	d.register(&toolDef{
		name:        "search",
		description: "Ranked full-text search over tasks and text attachments",
		args: []argSpec{
			{name: "query", kind: "string", required: true},
			{name: "limit", kind: "int"},
			{name: "include_attachments", kind: "bool"},
			{name: "status_filter", kind: "string"},
		},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			return d.Search.Query(a.String("query", ""), search.Options{
				Limit:              a.Int("limit", 20),
				IncludeAttachments: a.Bool("include_attachments", false),
				StatusFilter:       a.String("status_filter", ""),
			})
		},
	})

	d.register(&toolDef{
		name:        "query",
		description: "Run a validated read-only SQL query",
		args: []argSpec{
			{name: "sql", kind: "string", required: true},
			{name: "params", kind: "array"},
			{name: "limit", kind: "int"},
			{name: "format", kind: "string"},
		},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			if !d.QueryEnabled {
				return nil, types.InvalidArgument("the query tool is disabled by configuration")
			}
			var params []any
			if raw, ok := a.Raw("params").([]any); ok {
				params = raw
			}
			return d.runQuery(a.String("sql", ""), params, a.Int("limit", 100))
		},
	})

	d.register(&toolDef{
		name:        "export",
		description: "Export project state as a portable snapshot envelope",
		args: []argSpec{
			{name: "tables", kind: "array"},
			{name: "exclude_deleted", kind: "bool"},
			{name: "no_history", kind: "bool"},
			{name: "compress_threshold", kind: "int"},
		},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			return d.Snaps.Export(snapshot.ExportOptions{
				Tables:         a.Strings("tables"),
				ExcludeDeleted: a.Bool("exclude_deleted", false),
				NoHistory:      a.Bool("no_history", false),
			})
		},
	})

	d.register(&toolDef{
		name:        "import",
		description: "Import a snapshot envelope in fresh, replace, or merge mode",
		args: []argSpec{
			{name: "envelope", kind: "object", required: true},
			{name: "mode", kind: "string", required: true},
			{name: "dry_run", kind: "bool"},
			{name: "strict", kind: "bool"},
			{name: "force", kind: "bool"},
		},
		invalidates: []string{invTasks, invStats},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			env, err := decodeEnvelope(a.Raw("envelope"))
			if err != nil {
				return nil, err
			}
			return d.Snaps.Import(env, snapshot.ImportOptions{
				Mode:   a.String("mode", ""),
				DryRun: a.Bool("dry_run", false),
				Strict: a.Bool("strict", false),
				Force:  a.Bool("force", false),
			})
		},
	})

	d.register(&toolDef{
		name:        "diff",
		description: "Summarize row-level differences between two snapshot envelopes",
		args: []argSpec{
			{name: "a", kind: "object", required: true},
			{name: "b", kind: "object", required: true},
		},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			envA, err := decodeEnvelope(a.Raw("a"))
			if err != nil {
				return nil, err
			}
			envB, err := decodeEnvelope(a.Raw("b"))
			if err != nil {
				return nil, err
			}
			return snapshot.Diff(envA, envB), nil
		},
	})

	d.register(&toolDef{
		name:        "instantiate_template",
		description: "Clone a snapshot as a fresh subgraph with remapped ids and reset state",
		args: []argSpec{
			{name: "worker_id", kind: "string"},
			{name: "envelope", kind: "object", required: true},
			{name: "parent", kind: "string"},
			{name: "tags", kind: "array"},
		},
		invalidates: []string{invTasks, invStats},
		handler: func(d *Dispatcher, _ context.Context, snap *config.Snapshot, a *Args) (any, error) {
			env, err := decodeEnvelope(a.Raw("envelope"))
			if err != nil {
				return nil, err
			}
			ids, err := d.Snaps.Instantiate(snap, env, snapshot.InstantiateOptions{
				Parent: a.String("parent", ""),
				Tags:   a.Strings("tags"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"task_ids": ids}, nil
		},
	})
}

func (d *Dispatcher) attachmentTypeSet(taskID string) (map[string]bool, error) {
	rows, err := d.DB.SQL().Query(
		`SELECT DISTINCT attachment_type FROM attachments WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out[t] = true
	}
	return out, rows.Err()
}

func decodeEnvelope(raw any) (*snapshot.Envelope, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, types.InvalidArgument("invalid envelope: %v", err)
	}
	var env snapshot.Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, types.InvalidArgument("invalid envelope: %v", err)
	}
	if env.Tables == nil {
		return nil, types.InvalidArgument("envelope has no tables")
	}
	return &env, nil
}
