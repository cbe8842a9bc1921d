package server

import (
	"context"
	"encoding/json"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/metrics"
	"github.com/taskgraph/taskgraph/pkg/task"
	"github.com/taskgraph/taskgraph/pkg/types"
)

func (d *Dispatcher) registerTaskTools() {
	d.register(&toolDef{
		name:        "create",
		description: "Create a task in the initial state",
		args: []argSpec{
			{name: "worker_id", kind: "string"},
			{name: "title", kind: "string"},
			{name: "description", kind: "string"},
			{name: "id", kind: "string"},
			{name: "parent", kind: "string_or_array"},
			{name: "priority", kind: "any"},
			{name: "points", kind: "int"},
			{name: "time_estimate_ms", kind: "int"},
			{name: "tags", kind: "array"},
			{name: "needed_tags", kind: "array"},
			{name: "wanted_tags", kind: "array"},
			{name: "phase", kind: "string"},
			{name: "attachments", kind: "array"},
		},
		invalidates: []string{invTasks, invStats},
		handler: func(d *Dispatcher, _ context.Context, snap *config.Snapshot, a *Args) (any, error) {
			attachments, err := decodeAttachments(a.Raw("attachments"))
			if err != nil {
				return nil, err
			}
			t, warnings, err := d.Tasks.Create(snap, task.CreateRequest{
				ID:             a.String("id", ""),
				Title:          a.String("title", ""),
				Description:    a.String("description", ""),
				Priority:       a.Priority("priority"),
				Points:         a.Int("points", 0),
				TimeEstimateMS: a.Int64("time_estimate_ms", 0),
				Phase:          a.String("phase", ""),
				Tags:           a.Strings("tags"),
				NeededTags:     a.Strings("needed_tags"),
				WantedTags:     a.Strings("wanted_tags"),
				Parents:        a.StringOrStrings("parent"),
				Attachments:    attachments,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": t, "warnings": warnings}, nil
		},
	})

	d.register(&toolDef{
		name:        "create_tree",
		description: "Create a task subtree in one transaction with then/also sibling joins",
		args: []argSpec{
			{name: "worker_id", kind: "string"},
			{name: "tree", kind: "object", required: true},
			{name: "parent", kind: "string"},
		},
		invalidates: []string{invTasks, invStats},
		handler: func(d *Dispatcher, _ context.Context, snap *config.Snapshot, a *Args) (any, error) {
			node, err := decodeTreeNode(a.Raw("tree"))
			if err != nil {
				return nil, err
			}
			tasks, warnings, err := d.Tasks.CreateTree(snap, node, a.String("parent", ""))
			if err != nil {
				return nil, err
			}
			return map[string]any{"tasks": tasks, "warnings": warnings}, nil
		},
	})

	d.register(&toolDef{
		name:        "get",
		description: "Fetch one task",
		args: []argSpec{
			{name: "task", kind: "string", required: true},
			{name: "include_deleted", kind: "bool"},
		},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			return d.Tasks.Get(a.String("task", ""), a.Bool("include_deleted", false))
		},
	})

	d.register(&toolDef{
		name:        "list_tasks",
		description: "List tasks with status, readiness, ownership, hierarchy, and tag filters",
		args: []argSpec{
			{name: "status", kind: "string"},
			{name: "ready", kind: "bool"},
			{name: "blocked", kind: "bool"},
			{name: "claimed", kind: "bool"},
			{name: "owner", kind: "string"},
			{name: "agent", kind: "string"},
			{name: "parent", kind: "string"},
			{name: "recursive", kind: "bool"},
			{name: "tags_any", kind: "array"},
			{name: "tags_all", kind: "array"},
			{name: "sort_by", kind: "string"},
			{name: "sort_order", kind: "string"},
			{name: "limit", kind: "int"},
			{name: "include_deleted", kind: "bool"},
		},
		handler: func(d *Dispatcher, _ context.Context, snap *config.Snapshot, a *Args) (any, error) {
			owner := a.String("owner", "")
			if owner == "" {
				owner = a.String("agent", "")
			}
			tasks, err := d.Tasks.List(snap, task.Filter{
				Status:         a.String("status", ""),
				Ready:          a.Bool("ready", false),
				Blocked:        a.Bool("blocked", false),
				Claimed:        a.Bool("claimed", false),
				Owner:          owner,
				Parent:         a.String("parent", ""),
				Recursive:      a.Bool("recursive", false),
				TagsAny:        a.Strings("tags_any"),
				TagsAll:        a.Strings("tags_all"),
				SortBy:         a.String("sort_by", ""),
				SortOrder:      a.String("sort_order", ""),
				Limit:          a.Int("limit", 0),
				IncludeDeleted: a.Bool("include_deleted", false),
			})
			if err != nil {
				return nil, err
			}
			if tasks == nil {
				tasks = []*types.Task{}
			}
			return tasks, nil
		},
	})

	d.register(&toolDef{
		name:        "update",
		description: "Unified task mutation: content, status, phase, assignment, and attachments",
		args: []argSpec{
			{name: "worker_id", kind: "string", required: true},
			{name: "task", kind: "string", required: true},
			{name: "status", kind: "string"},
			{name: "phase", kind: "string"},
			{name: "assignee", kind: "string"},
			{name: "title", kind: "string"},
			{name: "description", kind: "string"},
			{name: "priority", kind: "any"},
			{name: "points", kind: "int"},
			{name: "tags", kind: "array"},
			{name: "needed_tags", kind: "array"},
			{name: "wanted_tags", kind: "array"},
			{name: "time_estimate_ms", kind: "int"},
			{name: "reason", kind: "string"},
			{name: "force", kind: "bool"},
			{name: "attachments", kind: "array"},
		},
		needsWorker: true,
		invalidates: []string{invTasks, invStats},
		handler: func(d *Dispatcher, _ context.Context, snap *config.Snapshot, a *Args) (any, error) {
			attachments, err := decodeAttachments(a.Raw("attachments"))
			if err != nil {
				return nil, err
			}
			res, err := d.Tasks.Update(snap, task.UpdateRequest{
				WorkerID:       a.String("worker_id", ""),
				TaskID:         a.String("task", ""),
				Status:         a.StringPtr("status"),
				Phase:          a.StringPtr("phase"),
				Assignee:       a.StringPtr("assignee"),
				Title:          a.StringPtr("title"),
				Description:    a.StringPtr("description"),
				Priority:       a.Priority("priority"),
				Points:         a.IntPtr("points"),
				TimeEstimateMS: a.Int64Ptr("time_estimate_ms"),
				Tags:           a.StringsPtr("tags"),
				NeededTags:     a.StringsPtr("needed_tags"),
				WantedTags:     a.StringsPtr("wanted_tags"),
				Reason:         a.String("reason", ""),
				Force:          a.Bool("force", false),
				Attachments:    attachments,
			})
			if err != nil {
				return nil, err
			}
			if s := a.StringPtr("status"); s != nil {
				metrics.TransitionsTotal.WithLabelValues(*s).Inc()
				if err := d.Workers.RecordObserved(a.String("worker_id", ""), *s, a.String("phase", "")); err != nil {
					d.logger.Warn().Err(err).Msg("Failed to record observed transition")
				}
			}
			return res, nil
		},
	})

	d.register(&toolDef{
		name:        "delete",
		description: "Soft-delete a task; cascade covers contains-children, obliterate removes rows",
		args: []argSpec{
			{name: "worker_id", kind: "string", required: true},
			{name: "task", kind: "string", required: true},
			{name: "cascade", kind: "bool"},
			{name: "reason", kind: "string"},
			{name: "obliterate", kind: "bool"},
			{name: "force", kind: "bool"},
		},
		needsWorker: true,
		invalidates: []string{invTasks, invStats},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			err := d.Tasks.Delete(task.DeleteRequest{
				WorkerID:   a.String("worker_id", ""),
				TaskID:     a.String("task", ""),
				Cascade:    a.Bool("cascade", false),
				Reason:     a.String("reason", ""),
				Obliterate: a.Bool("obliterate", false),
				Force:      a.Bool("force", false),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{}, nil
		},
	})

	d.register(&toolDef{
		name:        "rename",
		description: "Rename a task id atomically across all referring tables",
		args: []argSpec{
			{name: "worker_id", kind: "string", required: true},
			{name: "from_id", kind: "string", required: true},
			{name: "to_id", kind: "string", required: true},
		},
		needsWorker: true,
		invalidates: []string{invTasks},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			if err := d.Tasks.Rename(a.String("from_id", ""), a.String("to_id", "")); err != nil {
				return nil, err
			}
			return map[string]any{}, nil
		},
	})

	d.register(&toolDef{
		name:        "claim",
		description: "Atomically claim a task: dependencies, affinity, and capacity checked at commit",
		args: []argSpec{
			{name: "worker_id", kind: "string", required: true},
			{name: "task", kind: "string", required: true},
			{name: "force", kind: "bool"},
		},
		needsWorker: true,
		invalidates: []string{invTasks, invStats},
		handler: func(d *Dispatcher, _ context.Context, snap *config.Snapshot, a *Args) (any, error) {
			res, err := d.Claims.Claim(snap, a.String("worker_id", ""), a.String("task", ""), a.Bool("force", false))
			if err != nil {
				metrics.ClaimsTotal.WithLabelValues("rejected").Inc()
				return nil, err
			}
			metrics.ClaimsTotal.WithLabelValues("ok").Inc()
			return res, nil
		},
	})

	d.register(&toolDef{
		name:        "link",
		description: "Add typed dependency edges",
		args: []argSpec{
			{name: "worker_id", kind: "string"},
			{name: "from", kind: "string_or_array", required: true},
			{name: "to", kind: "string_or_array", required: true},
			{name: "type", kind: "string"},
		},
		invalidates: []string{invTasks},
		handler: func(d *Dispatcher, _ context.Context, snap *config.Snapshot, a *Args) (any, error) {
			added, err := d.Tasks.Link(snap, a.StringOrStrings("from"), a.StringOrStrings("to"), a.String("type", "blocks"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"added": added}, nil
		},
	})

	d.register(&toolDef{
		name:        "unlink",
		description: "Remove dependency edges; * matches any task",
		args: []argSpec{
			{name: "worker_id", kind: "string"},
			{name: "from", kind: "string", required: true},
			{name: "to", kind: "string", required: true},
			{name: "type", kind: "string"},
		},
		invalidates: []string{invTasks},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			removed, err := d.Tasks.Unlink(a.String("from", ""), a.String("to", ""), a.String("type", ""))
			if err != nil {
				return nil, err
			}
			return map[string]any{"removed": removed}, nil
		},
	})

	d.register(&toolDef{
		name:        "relink",
		description: "Atomically swap one dependency edge set for another",
		args: []argSpec{
			{name: "worker_id", kind: "string"},
			{name: "prev_from", kind: "array", required: true},
			{name: "prev_to", kind: "array", required: true},
			{name: "from", kind: "array", required: true},
			{name: "to", kind: "array", required: true},
			{name: "type", kind: "string"},
		},
		invalidates: []string{invTasks},
		handler: func(d *Dispatcher, _ context.Context, snap *config.Snapshot, a *Args) (any, error) {
			added, removed, err := d.Tasks.Relink(snap,
				a.Strings("prev_from"), a.Strings("prev_to"),
				a.Strings("from"), a.Strings("to"), a.String("type", "contains"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"added": added, "removed": removed}, nil
		},
	})

	d.register(&toolDef{
		name:        "attach",
		description: "Add an attachment honoring the type's append/replace mode",
		args: []argSpec{
			{name: "worker_id", kind: "string"},
			{name: "task", kind: "string_or_array", required: true},
			{name: "name", kind: "string", required: true},
			{name: "content", kind: "string"},
			{name: "mime", kind: "string"},
			{name: "file", kind: "string"},
			{name: "store_as_file", kind: "bool"},
			{name: "mode", kind: "string"},
		},
		invalidates: []string{invTasks},
		handler: func(d *Dispatcher, _ context.Context, snap *config.Snapshot, a *Args) (any, error) {
			input := task.AttachmentInput{
				Name:     a.String("name", ""),
				MimeType: a.String("mime", ""),
				Content:  a.String("content", ""),
				FilePath: a.String("file", ""),
				Mode:     a.String("mode", ""),
			}
			if a.Bool("store_as_file", false) && input.Content != "" {
				path, err := task.StoreAsFile(d.MediaDir, input.Name, []byte(input.Content))
				if err != nil {
					return nil, err
				}
				input.FilePath = path
				input.Content = ""
			}
			attached, warnings, err := d.Tasks.Attach(snap, a.StringOrStrings("task"), input)
			if err != nil {
				return nil, err
			}
			result := map[string]any{"warnings": warnings}
			if len(attached) == 1 {
				result["attachment"] = attached[0]
			} else {
				result["attachments"] = attached
			}
			return result, nil
		},
	})

	d.register(&toolDef{
		name:        "attachments",
		description: "List a task's attachments",
		args: []argSpec{
			{name: "task", kind: "string", required: true},
			{name: "name", kind: "string"},
			{name: "mime", kind: "string"},
			{name: "content", kind: "bool"},
		},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			atts, err := d.Tasks.Attachments(a.String("task", ""), task.AttachmentFilter{
				Name:           a.String("name", ""),
				MimeType:       a.String("mime", ""),
				IncludeContent: a.Bool("content", true),
			})
			if err != nil {
				return nil, err
			}
			if atts == nil {
				atts = []*types.Attachment{}
			}
			return atts, nil
		},
	})

	d.register(&toolDef{
		name:        "detach",
		description: "Remove all attachments of one type from a task",
		args: []argSpec{
			{name: "worker_id", kind: "string", required: true},
			{name: "task", kind: "string", required: true},
			{name: "name", kind: "string", required: true},
			{name: "delete_file", kind: "bool"},
		},
		needsWorker: true,
		invalidates: []string{invTasks},
		handler: func(d *Dispatcher, _ context.Context, _ *config.Snapshot, a *Args) (any, error) {
			err := d.Tasks.Detach(a.String("task", ""), a.String("name", ""), a.Bool("delete_file", false))
			if err != nil {
				return nil, err
			}
			return map[string]any{}, nil
		},
	})
}

func decodeAttachments(raw any) ([]task.AttachmentInput, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, types.InvalidArgument("attachments must be an array")
	}
	out := make([]task.AttachmentInput, 0, len(list))
	for _, e := range list {
		obj, ok := e.(map[string]any)
		if !ok {
			return nil, types.InvalidArgument("each attachment must be an object")
		}
		var in task.AttachmentInput
		if v, ok := obj["name"].(string); ok {
			in.Name = v
		}
		if v, ok := obj["content"].(string); ok {
			in.Content = v
		}
		if v, ok := obj["mime"].(string); ok {
			in.MimeType = v
		}
		if v, ok := obj["file"].(string); ok {
			in.FilePath = v
		}
		if v, ok := obj["mode"].(string); ok {
			in.Mode = v
		}
		if in.Name == "" {
			return nil, types.InvalidArgument("attachment name is required")
		}
		out = append(out, in)
	}
	return out, nil
}

func decodeTreeNode(raw any) (task.TreeNode, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return task.TreeNode{}, types.InvalidArgument("tree must be an object")
	}
	var node task.TreeNode
	if v, ok := obj["id"].(string); ok {
		node.ID = v
	}
	if v, ok := obj["title"].(string); ok {
		node.Title = v
	}
	if v, ok := obj["description"].(string); ok {
		node.Description = v
	}
	if v, ok := obj["phase"].(string); ok {
		node.Phase = v
	}
	if v, ok := obj["join"].(string); ok {
		node.Join = v
	}
	if v, ok := obj["priority"]; ok {
		if p, ok := types.ParsePriority(v); ok {
			node.Priority = &p
		}
	}
	if v, ok := obj["points"].(json.Number); ok {
		if n, err := v.Int64(); err == nil {
			node.Points = int(n)
		}
	}
	for _, key := range []string{"tags", "needed_tags", "wanted_tags"} {
		if v, ok := obj[key].([]any); ok {
			var tags []string
			for _, e := range v {
				if s, ok := e.(string); ok {
					tags = append(tags, s)
				}
			}
			switch key {
			case "tags":
				node.Tags = tags
			case "needed_tags":
				node.NeededTags = tags
			case "wanted_tags":
				node.WantedTags = tags
			}
		}
	}
	if children, ok := obj["children"].([]any); ok {
		for _, c := range children {
			child, err := decodeTreeNode(c)
			if err != nil {
				return task.TreeNode{}, err
			}
			node.Children = append(node.Children, child)
		}
	}
	return node, nil
}
