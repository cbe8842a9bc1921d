package claim

import (
	"github.com/rs/zerolog"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/log"
	"github.com/taskgraph/taskgraph/pkg/task"
	"github.com/taskgraph/taskgraph/pkg/types"
	"github.com/taskgraph/taskgraph/pkg/worker"
)

// Engine performs the atomic claim: dependency satisfaction, tag
// affinity, claim capacity, and the owning transition all hold at
// commit time or the claim fails.
type Engine struct {
	tasks   *task.Store
	workers *worker.Registry
	logger  zerolog.Logger
}

// NewEngine creates a claim engine over the task store and worker
// registry.
func NewEngine(tasks *task.Store, workers *worker.Registry) *Engine {
	return &Engine{
		tasks:   tasks,
		workers: workers,
		logger:  log.WithComponent("claim"),
	}
}

// Result is the claimed task plus non-fatal warnings.
type Result struct {
	Task     *types.Task `json:"task"`
	Warnings []string    `json:"warnings"`
}

// Claim transitions a task into the working state owned by the caller.
// Force bypasses another worker's ownership, never affinity.
func (e *Engine) Claim(snap *config.Snapshot, workerID, taskID string, force bool) (*Result, error) {
	w, err := e.workers.Get(workerID)
	if err != nil {
		return nil, err
	}
	t, err := e.tasks.Get(taskID, false)
	if err != nil {
		return nil, err
	}

	if t.WorkerID != "" && t.WorkerID != workerID && !force {
		return nil, types.Conflict("task %s is already claimed by %s", t.ID, t.WorkerID).
			WithField("owner", t.WorkerID)
	}

	// Start-blockers: any incoming start-typed edge whose source sits
	// in a blocking state refuses the claim.
	blockers, err := e.startBlockers(snap, t.ID)
	if err != nil {
		return nil, err
	}
	if len(blockers) > 0 {
		return nil, types.StateViolation("task %s is blocked by %v", t.ID, blockers).
			WithField("blockers", blockers)
	}

	if !satisfies(w.Tags, t.NeededTags, t.WantedTags) {
		return nil, types.Affinity("worker %s does not satisfy tag constraints of %s", workerID, t.ID).
			WithField("needed_tags", t.NeededTags).
			WithField("wanted_tags", t.WantedTags)
	}

	target, err := workingState(snap)
	if err != nil {
		return nil, err
	}

	// The update path re-validates everything inside the transaction;
	// the checks above fail fast before taking the write lock.
	res, err := e.tasks.Update(snap, task.ClaimRequest(workerID, t.ID, target, force))
	if err != nil {
		return nil, err
	}
	e.logger.Debug().Str("worker_id", workerID).Str("task_id", t.ID).Msg("Task claimed")
	return &Result{Task: res.Task, Warnings: res.Warnings}, nil
}

func (e *Engine) startBlockers(snap *config.Snapshot, taskID string) ([]string, error) {
	deps, err := e.tasks.Dependencies(taskID)
	if err != nil {
		return nil, err
	}
	var blockers []string
	for _, d := range deps {
		if d.ToTaskID != taskID {
			continue
		}
		def, ok := snap.Dependencies.Definitions[d.DepType]
		if !ok || def.Blocks != config.BlocksStart {
			continue
		}
		src, err := e.tasks.Get(d.FromTaskID, false)
		if err != nil {
			if types.AsError(err).Kind == types.ErrNotFound {
				continue
			}
			return nil, err
		}
		if snap.States.IsBlocking(src.Status) {
			blockers = append(blockers, src.ID)
		}
	}
	return blockers, nil
}

// workingState picks the owning transition target: the "working" state
// when it is defined and owning, otherwise the first exit of the initial
// state that is owning.
func workingState(snap *config.Snapshot) (string, error) {
	if def, ok := snap.States.Definitions["working"]; ok && def.IsOwning() {
		return "working", nil
	}
	initial := snap.States.Definitions[snap.States.Initial]
	for _, exit := range initial.Exits {
		if def, ok := snap.States.Definitions[exit]; ok && def.IsOwning() {
			return exit, nil
		}
	}
	return "", types.Errf(types.ErrStateViolation,
		"no owning state is reachable from %s", snap.States.Initial)
}

func satisfies(have, needed, wanted []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range needed {
		if !set[t] {
			return false
		}
	}
	if len(wanted) == 0 {
		return true
	}
	for _, t := range wanted {
		if set[t] {
			return true
		}
	}
	return false
}
