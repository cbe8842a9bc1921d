package types

// Task is the central entity: a unit of work with state, ownership,
// tags, estimates, and metrics.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Phase       string `json:"phase,omitempty"`
	Priority    int    `json:"priority"`

	WorkerID  string `json:"worker_id,omitempty"`
	ClaimedAt int64  `json:"claimed_at,omitempty"`

	Tags       []string `json:"tags,omitempty"`
	NeededTags []string `json:"needed_tags,omitempty"`
	WantedTags []string `json:"wanted_tags,omitempty"`

	Points         int   `json:"points,omitempty"`
	TimeEstimateMS int64 `json:"time_estimate_ms,omitempty"`
	TimeActualMS   int64 `json:"time_actual_ms"`
	StartedAt      int64 `json:"started_at,omitempty"`
	CompletedAt    int64 `json:"completed_at,omitempty"`

	CurrentThought string `json:"current_thought,omitempty"`

	Metrics [8]int64 `json:"metrics"`
	CostUSD float64  `json:"cost_usd"`

	DeletedAt     int64  `json:"deleted_at,omitempty"`
	DeletedBy     string `json:"deleted_by,omitempty"`
	DeletedReason string `json:"deleted_reason,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Worker is a session-scoped agent identity. A worker id is a logical
// identity re-attachable across transport sessions.
type Worker struct {
	ID                string   `json:"id"`
	Tags              []string `json:"tags,omitempty"`
	MaxClaims         int      `json:"max_claims"`
	RegisteredAt      int64    `json:"registered_at"`
	LastHeartbeat     int64    `json:"last_heartbeat"`
	LastClaimSequence int64    `json:"last_claim_sequence"`
	LastStatus        string   `json:"last_status,omitempty"`
	LastPhase         string   `json:"last_phase,omitempty"`
	Workflow          string   `json:"workflow,omitempty"`
	Overlays          []string `json:"overlays,omitempty"`
}

// Dependency is a typed edge between two tasks.
type Dependency struct {
	FromTaskID string `json:"from_task_id"`
	ToTaskID   string `json:"to_task_id"`
	DepType    string `json:"dep_type"`
	CreatedAt  int64  `json:"created_at"`
}

// Attachment is a named blob attached to a task. Sequence numbers are
// per (task, attachment_type).
type Attachment struct {
	ID             int64  `json:"id"`
	TaskID         string `json:"task_id"`
	AttachmentType string `json:"attachment_type"`
	Sequence       int    `json:"sequence"`
	Name           string `json:"name"`
	MimeType       string `json:"mime_type"`
	Content        string `json:"content,omitempty"`
	FilePath       string `json:"file_path,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// FileMark is an advisory claim on a filesystem path. Only paths with
// the "lock:" prefix behave as hard mutexes.
type FileMark struct {
	FilePath string `json:"file_path"`
	WorkerID string `json:"worker_id"`
	TaskID   string `json:"task_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	LockedAt int64  `json:"locked_at"`
}

// ClaimEvent is one row of the append-only file-mark sequence.
type ClaimEvent struct {
	ID           int64  `json:"id"`
	FilePath     string `json:"file_path"`
	WorkerID     string `json:"worker_id"`
	Event        string `json:"event"` // "claimed" or "released"
	Reason       string `json:"reason,omitempty"`
	ClaimID      int64  `json:"claim_id,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	EndTimestamp int64  `json:"end_timestamp,omitempty"`
}

// Transition is one row of the append-only task sequence. The creation
// row records both Status and Phase; a later transition row records only
// what changed and leaves the other empty; a reason-only annotation row
// leaves both empty.
type Transition struct {
	ID           int64  `json:"id"`
	TaskID       string `json:"task_id"`
	WorkerID     string `json:"worker_id,omitempty"`
	Status       string `json:"status,omitempty"`
	Phase        string `json:"phase,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	EndTimestamp int64  `json:"end_timestamp,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
}

// Claim sequence event names.
const (
	ClaimEventClaimed  = "claimed"
	ClaimEventReleased = "released"
)

// LockPrefix marks paths that behave as strict mutexes rather than
// advisory marks.
const LockPrefix = "lock:"
