package server

import (
	"encoding/json"
	"strings"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/file"
	"github.com/taskgraph/taskgraph/pkg/task"
	"github.com/taskgraph/taskgraph/pkg/types"
	"github.com/taskgraph/taskgraph/pkg/worker"
)

// resourceDefs lists the read-only views the server publishes.
var resourceDefs = []ResourceDefinition{
	{URI: "tasks://all", Name: "All tasks", MimeType: "application/json"},
	{URI: "tasks://ready", Name: "Ready tasks", Description: "Unclaimed tasks with no unsatisfied start-blockers", MimeType: "application/json"},
	{URI: "tasks://blocked", Name: "Blocked tasks", MimeType: "application/json"},
	{URI: "tasks://claimed", Name: "Claimed tasks", MimeType: "application/json"},
	{URI: "files://marks", Name: "File marks", MimeType: "application/json"},
	{URI: "workers://all", Name: "Workers", MimeType: "application/json"},
	{URI: "stats://summary", Name: "Project summary", MimeType: "application/json"},
}

// ReadResource renders one resource URI from live queries. Templated
// URIs (tasks://worker/{id}, tasks://tree/{id}) resolve their suffix.
func (d *Dispatcher) ReadResource(uri string) (string, error) {
	snap := d.Config.Current()

	var payload any
	var err error
	switch {
	case uri == "tasks://all":
		payload, err = d.Tasks.List(snap, task.Filter{})
	case uri == "tasks://ready":
		payload, err = d.Tasks.List(snap, task.Filter{Ready: true})
	case uri == "tasks://blocked":
		payload, err = d.Tasks.List(snap, task.Filter{Blocked: true})
	case uri == "tasks://claimed":
		payload, err = d.Tasks.List(snap, task.Filter{Claimed: true})
	case strings.HasPrefix(uri, "tasks://worker/"):
		payload, err = d.Tasks.List(snap, task.Filter{Owner: strings.TrimPrefix(uri, "tasks://worker/")})
	case strings.HasPrefix(uri, "tasks://tree/"):
		payload, err = d.Tasks.List(snap, task.Filter{
			Parent:    strings.TrimPrefix(uri, "tasks://tree/"),
			Recursive: true,
		})
	case uri == "files://marks":
		payload, err = d.Files.ListMarks(file.ListFilter{})
	case uri == "workers://all":
		payload, err = d.Workers.List(worker.ListFilter{})
	case uri == "stats://summary":
		payload, err = d.statsSummary(snap)
	default:
		return "", types.NotFound("unknown resource %q", uri)
	}
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// statsSummary aggregates project-level counters.
func (d *Dispatcher) statsSummary(snap *config.Snapshot) (any, error) {
	summary := map[string]any{}

	byStatus := map[string]int{}
	rows, err := d.DB.SQL().Query(
		`SELECT status, COUNT(*) FROM tasks WHERE deleted_at IS NULL GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		byStatus[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	summary["tasks_by_status"] = byStatus

	var workers, marks, deleted int
	if err := d.DB.SQL().QueryRow(`SELECT COUNT(*) FROM workers`).Scan(&workers); err != nil {
		return nil, err
	}
	if err := d.DB.SQL().QueryRow(`SELECT COUNT(*) FROM file_locks`).Scan(&marks); err != nil {
		return nil, err
	}
	if err := d.DB.SQL().QueryRow(`SELECT COUNT(*) FROM tasks WHERE deleted_at IS NOT NULL`).Scan(&deleted); err != nil {
		return nil, err
	}
	summary["workers"] = workers
	summary["file_marks"] = marks
	summary["deleted_tasks"] = deleted

	var totalActual, totalEstimate int64
	var totalCost float64
	err = d.DB.SQL().QueryRow(`SELECT
		COALESCE(SUM(time_actual_ms), 0), COALESCE(SUM(time_estimate_ms), 0), COALESCE(SUM(cost_usd), 0)
		FROM tasks WHERE deleted_at IS NULL`).Scan(&totalActual, &totalEstimate, &totalCost)
	if err != nil {
		return nil, err
	}
	summary["time_actual_ms"] = totalActual
	summary["time_estimate_ms"] = totalEstimate
	summary["cost_usd"] = totalCost
	return summary, nil
}
