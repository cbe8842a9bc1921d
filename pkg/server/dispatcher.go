package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/taskgraph/taskgraph/pkg/claim"
	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/events"
	"github.com/taskgraph/taskgraph/pkg/file"
	"github.com/taskgraph/taskgraph/pkg/history"
	"github.com/taskgraph/taskgraph/pkg/log"
	"github.com/taskgraph/taskgraph/pkg/metrics"
	"github.com/taskgraph/taskgraph/pkg/search"
	"github.com/taskgraph/taskgraph/pkg/snapshot"
	"github.com/taskgraph/taskgraph/pkg/storage"
	"github.com/taskgraph/taskgraph/pkg/task"
	"github.com/taskgraph/taskgraph/pkg/types"
	"github.com/taskgraph/taskgraph/pkg/worker"
)

// Resource invalidation tokens. A token ending in "*" invalidates
// every URI sharing its prefix.
const (
	invTasks   = "tasks://*"
	invMarks   = "files://marks"
	invWorkers = "workers://all"
	invStats   = "stats://summary"
)

// Dispatcher validates tool calls and routes them to the owning
// component. It is shared by every transport session.
type Dispatcher struct {
	Config  *config.Manager
	DB      *storage.DB
	Tasks   *task.Store
	Workers *worker.Registry
	Claims  *claim.Engine
	Files   *file.Coordinator
	History *history.Reader
	Search  *search.Index
	Snaps   *snapshot.Port
	Broker  *events.Broker

	QueryEnabled bool
	MediaDir     string

	logger zerolog.Logger
	tools  map[string]*toolDef
	order  []string
}

// NewDispatcher wires the component graph behind the tool surface.
func NewDispatcher(cfg *config.Manager, db *storage.DB) *Dispatcher {
	tasks := task.NewStore(db)
	files := file.NewCoordinator(db)
	workers := worker.NewRegistry(db, tasks, files)

	d := &Dispatcher{
		Config:       cfg,
		DB:           db,
		Tasks:        tasks,
		Workers:      workers,
		Claims:       claim.NewEngine(tasks, workers),
		Files:        files,
		History:      history.NewReader(db),
		Search:       search.NewIndex(db),
		Snaps:        snapshot.NewPort(db),
		Broker:       events.NewBroker(),
		QueryEnabled: true,
		MediaDir:     "media",
		logger:       log.WithComponent("dispatcher"),
		tools:        make(map[string]*toolDef),
	}
	d.registerTools()
	return d
}

// toolDef binds a tool name to its argument contract and handler.
type toolDef struct {
	name        string
	description string
	args        []argSpec
	needsWorker bool
	invalidates []string
	handler     func(d *Dispatcher, ctx context.Context, snap *config.Snapshot, a *Args) (any, error)
}

func (d *Dispatcher) register(t *toolDef) {
	if _, exists := d.tools[t.name]; exists {
		panic(fmt.Sprintf("tool %q already registered", t.name))
	}
	d.tools[t.name] = t
	d.order = append(d.order, t.name)
}

// Call validates and executes one tool call, returning the result and
// the set of resource invalidation tokens the mutation produced.
func (d *Dispatcher) Call(ctx context.Context, name string, rawArgs json.RawMessage) (any, []string, error) {
	def, ok := d.tools[name]
	if !ok {
		return nil, nil, types.NotFound("unknown tool %q", name)
	}

	timer := metrics.NewTimer()
	outcome := "ok"
	defer func() {
		timer.ObserveToolCall(name)
		metrics.ToolCallsTotal.WithLabelValues(name, outcome).Inc()
	}()

	a, err := decodeArgs(rawArgs, def.args)
	if err != nil {
		outcome = "invalid"
		return nil, nil, err
	}

	// Handlers keep the snapshot they started with; a mid-call reload
	// does not change behavior until the next call.
	snap := d.Config.Current()

	if def.needsWorker {
		workerID := a.String("worker_id", "")
		if workerID == "" {
			outcome = "invalid"
			return nil, nil, types.InvalidArgument("missing required argument %q", "worker_id")
		}
		if err := d.Workers.Heartbeat(workerID); err != nil {
			outcome = "error"
			return nil, nil, err
		}
	}

	result, err := def.handler(d, ctx, snap, a)
	if err != nil {
		outcome = "error"
		d.logger.Debug().Err(err).Str("tool", name).Msg("Tool call failed")
		return nil, nil, err
	}

	if len(def.invalidates) > 0 {
		for _, uri := range def.invalidates {
			d.Broker.Publish(&events.Event{URI: uri, Tool: name})
		}
	}
	return result, def.invalidates, nil
}

// Definitions returns the tool list for tools/list, in registration
// order.
func (d *Dispatcher) Definitions() []ToolDefinition {
	out := make([]ToolDefinition, 0, len(d.order))
	for _, name := range d.order {
		t := d.tools[name]
		out = append(out, ToolDefinition{
			Name:        t.name,
			Description: t.description,
			InputSchema: t.inputSchema(),
		})
	}
	return out
}

// inputSchema renders the argument contract as a JSON Schema object.
func (t *toolDef) inputSchema() json.RawMessage {
	props := map[string]any{}
	var required []string
	for _, s := range t.args {
		var typ any
		switch s.kind {
		case "string":
			typ = map[string]any{"type": "string"}
		case "int":
			typ = map[string]any{"type": "integer"}
		case "number":
			typ = map[string]any{"type": "number"}
		case "bool":
			typ = map[string]any{"type": "boolean"}
		case "array":
			typ = map[string]any{"type": "array"}
		case "object":
			typ = map[string]any{"type": "object"}
		case "string_or_array":
			typ = map[string]any{"oneOf": []any{
				map[string]any{"type": "string"},
				map[string]any{"type": "array"},
			}}
		default:
			typ = map[string]any{}
		}
		props[s.name] = typ
		if s.required {
			required = append(required, s.name)
		}
	}
	sort.Strings(required)
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	data, _ := json.Marshal(schema)
	return data
}

// matchesInvalidation reports whether a subscribed URI is covered by
// an invalidation token.
func matchesInvalidation(token, uri string) bool {
	if prefix, ok := strings.CutSuffix(token, "*"); ok {
		return strings.HasPrefix(uri, prefix)
	}
	return token == uri
}
