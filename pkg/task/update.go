package task

import (
	"database/sql"
	"fmt"
	"slices"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/gate"
	"github.com/taskgraph/taskgraph/pkg/types"
)

// UpdateRequest is the unified mutation over a task: content edits,
// status and phase transitions, assignment, and attachment appends may
// be combined in one call and commit atomically.
type UpdateRequest struct {
	WorkerID       string
	TaskID         string
	Status         *string
	Phase          *string
	Assignee       *string
	Title          *string
	Description    *string
	Priority       *int
	Points         *int
	TimeEstimateMS *int64
	Tags           *[]string
	NeededTags     *[]string
	WantedTags     *[]string
	Reason         string
	Force          bool
	Attachments    []AttachmentInput

	// claiming marks the update as the claim engine's owning
	// transition, which always takes ownership.
	claiming bool
}

// UpdateResult reports the post-state and every side effect of the
// commit.
type UpdateResult struct {
	Task         *types.Task `json:"task"`
	Unblocked    []string    `json:"unblocked"`
	AutoAdvanced []string    `json:"auto_advanced"`
	Warnings     []string    `json:"warnings"`
}

// Update applies the unified mutation in a single transaction. The
// cascade triggered by auto-advance commits with it or not at all.
func (s *Store) Update(snap *config.Snapshot, req UpdateRequest) (*UpdateResult, error) {
	var res *UpdateResult
	err := s.db.Write(func(tx *sql.Tx) error {
		var err error
		res, err = s.applyUpdate(tx, snap, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) applyUpdate(tx *sql.Tx, snap *config.Snapshot, req UpdateRequest) (*UpdateResult, error) {
	t, err := getTask(tx, req.TaskID, false)
	if err != nil {
		return nil, err
	}

	res := &UpdateResult{Unblocked: []string{}, AutoAdvanced: []string{}, Warnings: []string{}}

	// Authorization: a task owned by another worker is untouchable
	// without force.
	if t.WorkerID != "" && t.WorkerID != req.WorkerID && !req.Force {
		return nil, types.Conflict("task %s is owned by %s", t.ID, t.WorkerID).
			WithField("owner", t.WorkerID)
	}

	statusChanged := req.Status != nil && *req.Status != t.Status
	phaseChanged := req.Phase != nil && *req.Phase != t.Phase

	var newDef config.StateDef
	if statusChanged {
		cur, ok := snap.States.Definitions[t.Status]
		if !ok {
			return nil, types.InvalidArgument("task %s has unknown status %q", t.ID, t.Status)
		}
		newDef, ok = snap.States.Definitions[*req.Status]
		if !ok {
			return nil, types.InvalidArgument("unknown status %q", *req.Status)
		}
		if !slices.Contains(cur.Exits, *req.Status) {
			return nil, types.StateViolation("cannot transition %s from %s to %s", t.ID, t.Status, *req.Status).
				WithField("from", t.Status).WithField("to", *req.Status)
		}

		// Completion blocking: a terminal transition is refused while
		// any completion-typed outgoing edge points at a task still in
		// a blocking state.
		if newDef.Terminal() {
			blockers, err := completionBlockers(tx, snap, t.ID)
			if err != nil {
				return nil, err
			}
			if len(blockers) > 0 {
				return nil, types.StateViolation("task %s has incomplete children", t.ID).
					WithField("blockers", blockers)
			}
		}

		// Affinity: owning transitions require the caller to satisfy
		// the task's tag constraints. Force does not bypass affinity.
		if newDef.IsOwning() && !req.claiming {
			if err := s.checkAffinity(tx, t, req.WorkerID); err != nil {
				return nil, err
			}
		}
	}

	if phaseChanged {
		if warn, err := validatePhase(snap, t.Phase, *req.Phase, req.Force); err != nil {
			return nil, err
		} else if warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
	}

	// Gates fire on status exit and on phase exit.
	if statusChanged || phaseChanged {
		attTypes, err := attachmentTypes(tx, t.ID)
		if err != nil {
			return nil, err
		}
		gateStatus, gatePhase := "", ""
		if statusChanged {
			gateStatus = t.Status
		}
		if phaseChanged {
			gatePhase = t.Phase
		}
		gr := gate.Evaluate(snap, gateStatus, gatePhase, attTypes)
		switch gr.Status {
		case gate.StatusFail:
			return nil, types.Errf(types.ErrGateRejected, "gate rejected transition of %s", t.ID).
				WithField("gates", gr.Unsatisfied())
		case gate.StatusWarn:
			if !req.Force {
				return nil, types.Errf(types.ErrGateBlocked, "gate blocked transition of %s (use force to override)", t.ID).
					WithField("gates", gr.Unsatisfied())
			}
			for _, g := range gr.Unsatisfied() {
				res.Warnings = append(res.Warnings, fmt.Sprintf("gate %s unsatisfied (%s)", g.Type, g.Enforcement))
			}
		default:
			for _, g := range gr.Unsatisfied() {
				res.Warnings = append(res.Warnings, fmt.Sprintf("gate %s unsatisfied (allow)", g.Type))
			}
		}
	}

	// Content edits.
	if req.Title != nil {
		title, warn := normalizeTitle(*req.Title)
		if warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
		t.Title = title
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.Priority != nil {
		t.Priority = types.ClampPriority(*req.Priority)
	}
	if req.Points != nil {
		t.Points = *req.Points
	}
	if req.TimeEstimateMS != nil {
		t.TimeEstimateMS = *req.TimeEstimateMS
	}
	if req.Tags != nil {
		if warn := checkTagPolicy(snap, *req.Tags); warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
		if err := replaceTagSet(tx, "task_tags", t.ID, *req.Tags); err != nil {
			return nil, err
		}
		t.Tags = *req.Tags
	}
	if req.NeededTags != nil {
		if err := replaceTagSet(tx, "task_needed_tags", t.ID, *req.NeededTags); err != nil {
			return nil, err
		}
		t.NeededTags = *req.NeededTags
	}
	if req.WantedTags != nil {
		if err := replaceTagSet(tx, "task_wanted_tags", t.ID, *req.WantedTags); err != nil {
			return nil, err
		}
		t.WantedTags = *req.WantedTags
	}

	wasBlocking := snap.States.IsBlocking(t.Status)

	// Commit the transition and reconcile ownership.
	opts := transOpts{actor: req.WorkerID, reason: req.Reason}
	if req.claiming {
		opts.setWorker = &req.WorkerID
	}
	if req.Assignee != nil {
		opts.setWorker = req.Assignee
	}
	var newStatus, newPhase *string
	if statusChanged {
		newStatus = req.Status
	}
	if phaseChanged {
		newPhase = req.Phase
	}
	if err := s.applyTransition(tx, snap, t, newStatus, newPhase, opts); err != nil {
		return nil, err
	}

	// Attachments append after the row update so replace-mode deletes
	// see the final state.
	for _, a := range req.Attachments {
		if _, warn, err := insertAttachment(tx, snap, t.ID, a); err != nil {
			return nil, err
		} else if warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
	}

	// Unblock propagation with optional auto-advance cascade, all
	// inside this transaction.
	if statusChanged && wasBlocking && !snap.States.IsBlocking(t.Status) {
		unblocked, advanced, err := s.propagateUnblock(tx, snap, t.ID, req.WorkerID)
		if err != nil {
			return nil, err
		}
		res.Unblocked = unblocked
		res.AutoAdvanced = advanced
	}

	res.Task = t
	return res, nil
}

func (s *Store) checkAffinity(tx *sql.Tx, t *types.Task, workerID string) error {
	have, exists, err := workerTags(tx, workerID)
	if err != nil {
		return err
	}
	if !exists {
		return types.Errf(types.ErrStaleSession, "worker %s is not connected", workerID)
	}
	if !satisfiesAffinity(have, t.NeededTags, t.WantedTags) {
		return types.Affinity("worker %s does not satisfy tag constraints of %s", workerID, t.ID).
			WithField("needed_tags", t.NeededTags).
			WithField("wanted_tags", t.WantedTags)
	}
	return nil
}

func validatePhase(snap *config.Snapshot, current, next string, force bool) (string, error) {
	if next == "" {
		return "", nil
	}
	if _, known := snap.Phases.Definitions[next]; !known {
		switch snap.Phases.UnknownPhase {
		case config.PolicyReject:
			return "", types.InvalidArgument("unknown phase %q", next)
		case config.PolicyWarn:
			return fmt.Sprintf("unknown phase %q", next), nil
		default:
			return "", nil
		}
	}
	if current == "" {
		return "", nil
	}
	curDef, ok := snap.Phases.Definitions[current]
	if !ok || len(curDef.Exits) == 0 {
		return "", nil
	}
	if !slices.Contains(curDef.Exits, next) {
		if force {
			return fmt.Sprintf("forced phase transition %s to %s", current, next), nil
		}
		return "", types.StateViolation("cannot transition phase from %s to %s", current, next)
	}
	return "", nil
}

func checkTagPolicy(snap *config.Snapshot, tags []string) string {
	if snap.Tags.UnknownTag == config.PolicyAllow || len(snap.Tags.Definitions) == 0 {
		return ""
	}
	for _, tag := range tags {
		if _, ok := snap.Tags.Definitions[tag]; !ok {
			return fmt.Sprintf("unknown tag %q", tag)
		}
	}
	return ""
}

// completionBlockers returns tasks reachable over one completion-typed
// outgoing edge that are still in a blocking state.
func completionBlockers(tx *sql.Tx, snap *config.Snapshot, taskID string) ([]string, error) {
	completionTypes := depTypesByBlocks(snap, config.BlocksCompletion)
	if len(completionTypes) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT DISTINCT d.to_task_id FROM dependencies d
		JOIN tasks c ON c.id = d.to_task_id
		WHERE d.from_task_id = ? AND d.dep_type IN (%s)
			AND c.status IN (%s) AND c.deleted_at IS NULL`,
		placeholders(len(completionTypes)), placeholders(len(snap.States.BlockingStates)))
	args := []any{taskID}
	for _, ct := range completionTypes {
		args = append(args, ct)
	}
	for _, bs := range snap.States.BlockingStates {
		args = append(args, bs)
	}
	rows, err := tx.Query(query, args...)
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

// ClaimRequest builds the claim engine's owning transition: a forced
// flag bypasses ownership only, and the claiming marker always takes
// ownership for the caller.
func ClaimRequest(workerID, taskID, status string, force bool) UpdateRequest {
	return UpdateRequest{
		WorkerID: workerID,
		TaskID:   taskID,
		Status:   &status,
		Force:    force,
		claiming: true,
	}
}
