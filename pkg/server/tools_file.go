package server

import (
	"context"
	"time"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/file"
	"github.com/taskgraph/taskgraph/pkg/metrics"
	"github.com/taskgraph/taskgraph/pkg/types"
)

func (d *Dispatcher) registerFileTools() {
	d.register(&toolDef{
		name:        "mark_file",
		description: "Announce intent over file paths; lock:-prefixed paths are strict mutexes",
		args: []argSpec{
			{name: "worker_id", kind: "string", required: true},
			{name: "file", kind: "string_or_array", required: true},
			{name: "task", kind: "string"},
			{name: "reason", kind: "string"},
		},
		needsWorker: true,
		invalidates: []string{invMarks},
		handler: func(d *Dispatcher, _ context.Context, snap *config.Snapshot, a *Args) (any, error) {
			warnings, err := d.Files.Mark(snap, a.String("worker_id", ""),
				a.StringOrStrings("file"), a.String("task", ""), a.String("reason", ""))
			if err != nil {
				return nil, err
			}
			return map[string]any{"warnings": warnings}, nil
		},
	})

	d.register(&toolDef{
		name:        "unmark_file",
		description: "Release file marks held by the caller; * releases everything",
		args: []argSpec{
			{name: "worker_id", kind: "string", required: true},
			{name: "file", kind: "string"},
			{name: "task", kind: "string"},
			{name: "reason", kind: "string"},
		},
		needsWorker: true,
		invalidates: []string{invMarks},
		handler: func(d *Dispatcher, _ context.Context, snap *config.Snapshot, a *Args) (any, error) {
			err := d.Files.Unmark(snap, a.String("worker_id", ""),
				a.String("file", "*"), a.String("task", ""), a.String("reason", ""))
			if err != nil {
				return nil, err
			}
			return map[string]any{}, nil
		},
	})

	d.register(&toolDef{
		name:        "list_marks",
		description: "Snapshot the current file mark table",
		args: []argSpec{
			{name: "files", kind: "array"},
			{name: "worker_id", kind: "string"},
			{name: "task", kind: "string"},
		},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			marks, err := d.Files.ListMarks(file.ListFilter{
				Files:    a.Strings("files"),
				WorkerID: a.String("worker_id", ""),
				TaskID:   a.String("task", ""),
			})
			if err != nil {
				return nil, err
			}
			if marks == nil {
				marks = []*types.FileMark{}
			}
			return marks, nil
		},
	})

	d.register(&toolDef{
		name:        "mark_updates",
		description: "Long-poll the claim sequence past the worker's cursor",
		args: []argSpec{
			{name: "worker_id", kind: "string", required: true},
			{name: "files", kind: "array"},
			{name: "timeout_ms", kind: "int"},
		},
		needsWorker: true,
		handler: func(d *Dispatcher, ctx context.Context, _ *config.Snapshot, a *Args) (any, error) {
			timeout := time.Duration(a.Int64("timeout_ms", 0)) * time.Millisecond
			metrics.MarkWaiters.Inc()
			defer metrics.MarkWaiters.Dec()
			events, err := d.Files.MarkUpdates(ctx, a.String("worker_id", ""), a.Strings("files"), timeout)
			if err != nil {
				return nil, err
			}
			return events, nil
		},
	})
}
