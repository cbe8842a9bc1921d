package config

// Snapshot is the immutable configuration bundle. A Snapshot is never
// mutated after construction; hot-reload builds a new one and swaps it
// behind an atomic pointer, so handlers that captured a snapshot keep a
// consistent view for the duration of their call.
type Snapshot struct {
	Server       ServerConfig             `yaml:"server"`
	IDs          IDConfig                 `yaml:"ids"`
	Paths        PathConfig               `yaml:"paths"`
	States       StatesConfig             `yaml:"states"`
	Dependencies DependenciesConfig       `yaml:"dependencies"`
	Attachments  AttachmentsConfig        `yaml:"attachments"`
	Phases       PhasesConfig             `yaml:"phases"`
	Tags         TagsConfig               `yaml:"tags"`
	AutoAdvance  AutoAdvanceConfig        `yaml:"auto_advance"`
	Gates        map[string][]GateDef     `yaml:"gates"`
	Workflows    map[string]WorkflowDef   `yaml:"workflows"`
}

// ServerConfig carries process-level options.
type ServerConfig struct {
	DBPath              string `yaml:"db_path"`
	MediaDir            string `yaml:"media_dir"`
	SkillsDir           string `yaml:"skills_dir"`
	LogDir              string `yaml:"log_dir"`
	ClaimLimit          int    `yaml:"claim_limit"`
	StaleTimeoutSeconds int    `yaml:"stale_timeout_seconds"`
	DefaultFormat       string `yaml:"default_format"` // json or markdown
	DefaultWorkflow     string `yaml:"default_workflow"`
	UI                  UIConfig `yaml:"ui"`
}

// UIConfig is recognized but the web dashboard itself is served by an
// external process; mode "none" disables it.
type UIConfig struct {
	Mode  string `yaml:"mode"` // none or web
	Port  int    `yaml:"port"`
	Retry [4]int `yaml:"retry"` // initial_ms, max_ms, factor, jitter_pct
}

// IDConfig controls generated identifier style.
type IDConfig struct {
	TaskIDWords  int    `yaml:"task_id_words"`
	AgentIDWords int    `yaml:"agent_id_words"`
	IDCase       string `yaml:"id_case"`
}

// PathConfig controls how file-coordination paths are normalized.
type PathConfig struct {
	Root             string            `yaml:"root"`
	Style            string            `yaml:"style"` // relative or project_prefixed
	MapWindowsDrives bool              `yaml:"map_windows_drives"`
	Prefixes         map[string]string `yaml:"prefixes"`
}

// StateDef defines one status in the task state machine.
type StateDef struct {
	Exits []string `yaml:"exits"`
	Timed bool     `yaml:"timed"`
	// Owning overrides the default rule that timed states hold
	// ownership; nil means "same as Timed".
	Owning *bool `yaml:"owning,omitempty"`
}

// IsOwning reports whether a task in this state keeps its worker_id.
func (s StateDef) IsOwning() bool {
	if s.Owning != nil {
		return *s.Owning
	}
	return s.Timed
}

// Terminal reports whether the state has no exits.
func (s StateDef) Terminal() bool {
	return len(s.Exits) == 0
}

// StatesConfig is the task status machine.
type StatesConfig struct {
	Initial         string              `yaml:"initial"`
	DisconnectState string              `yaml:"disconnect_state"`
	BlockingStates  []string            `yaml:"blocking_states"`
	Definitions     map[string]StateDef `yaml:"definitions"`
}

// IsBlocking reports whether tasks in the given status block their
// start-dependents.
func (s StatesConfig) IsBlocking(status string) bool {
	for _, b := range s.BlockingStates {
		if b == status {
			return true
		}
	}
	return false
}

// Dependency blocking semantics.
const (
	BlocksNone       = "none"
	BlocksStart      = "start"
	BlocksCompletion = "completion"
)

// DepTypeDef defines one dependency edge type.
type DepTypeDef struct {
	Display string `yaml:"display"` // horizontal or vertical
	Blocks  string `yaml:"blocks"`  // none, start, completion
}

// DependenciesConfig holds the dependency type set.
type DependenciesConfig struct {
	Definitions map[string]DepTypeDef `yaml:"definitions"`
}

// Unknown-key policies shared by attachments, phases, and tags.
const (
	PolicyAllow  = "allow"
	PolicyWarn   = "warn"
	PolicyReject = "reject"
)

// AttachmentDef defines one attachment type.
type AttachmentDef struct {
	Mime string `yaml:"mime"`
	Mode string `yaml:"mode"` // append or replace
}

// AttachmentsConfig holds attachment types and the unknown-key policy.
type AttachmentsConfig struct {
	UnknownKey  string                   `yaml:"unknown_key"`
	Definitions map[string]AttachmentDef `yaml:"definitions"`
}

// PhaseDef defines one phase. Phases form a second state machine
// orthogonal to status; an empty Exits list means any phase may follow.
type PhaseDef struct {
	Description string   `yaml:"description"`
	Exits       []string `yaml:"exits"`
}

// PhasesConfig holds phases and the unknown-phase policy.
type PhasesConfig struct {
	UnknownPhase string              `yaml:"unknown_phase"`
	Definitions  map[string]PhaseDef `yaml:"definitions"`
}

// TagDef describes one known tag.
type TagDef struct {
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
}

// TagsConfig holds known tags and the unknown-tag policy.
type TagsConfig struct {
	UnknownTag  string            `yaml:"unknown_tag"`
	Definitions map[string]TagDef `yaml:"definitions"`
}

// AutoAdvanceConfig controls automatic advancement of freshly unblocked
// tasks out of the initial state.
type AutoAdvanceConfig struct {
	Enabled     bool   `yaml:"enabled"`
	TargetState string `yaml:"target_state"`
}

// GateDef is an attachment-type precondition on a status or phase exit.
type GateDef struct {
	Type        string `yaml:"type"`
	Enforcement string `yaml:"enforcement"` // allow, warn, reject
	Description string `yaml:"description"`
}

// RoleDef binds capability tags to a prompt bundle inside a workflow.
type RoleDef struct {
	Tags    []string `yaml:"tags"`
	Prompts []string `yaml:"prompts"`
}

// WorkflowDef is a named overlay applied on top of the base
// configuration at connect time. Overlays merge additively: definitions
// are added or replaced by name, scalar fields replace when non-zero.
type WorkflowDef struct {
	States       *StatesConfig        `yaml:"states,omitempty"`
	Dependencies *DependenciesConfig  `yaml:"dependencies,omitempty"`
	Phases       *PhasesConfig        `yaml:"phases,omitempty"`
	Gates        map[string][]GateDef `yaml:"gates,omitempty"`
	AutoAdvance  *AutoAdvanceConfig   `yaml:"auto_advance,omitempty"`
	Roles        map[string]RoleDef   `yaml:"roles,omitempty"`
}

// Output formats.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

// GateKeyStatus and GateKeyPhase build gate map keys.
func GateKeyStatus(status string) string { return "status:" + status }
func GateKeyPhase(phase string) string   { return "phase:" + phase }
