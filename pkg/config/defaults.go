package config

// Default returns the built-in configuration used when no config file
// is present. The default machine is pending → working → completed or
// failed, with failed re-enterable into pending.
func Default() *Snapshot {
	return &Snapshot{
		Server: ServerConfig{
			DBPath:              "taskgraph.db",
			MediaDir:            "media",
			SkillsDir:           "skills",
			LogDir:              "logs",
			ClaimLimit:          3,
			StaleTimeoutSeconds: 300,
			DefaultFormat:       FormatJSON,
			UI:                  UIConfig{Mode: "none", Port: 0, Retry: [4]int{250, 5000, 2, 20}},
		},
		IDs: IDConfig{
			TaskIDWords:  2,
			AgentIDWords: 2,
			IDCase:       "kebab-case",
		},
		Paths: PathConfig{
			Root:  ".",
			Style: "relative",
		},
		States: StatesConfig{
			Initial:         "pending",
			DisconnectState: "pending",
			BlockingStates:  []string{"pending", "working"},
			Definitions: map[string]StateDef{
				"pending":   {Exits: []string{"working", "completed", "failed"}, Timed: false},
				"working":   {Exits: []string{"pending", "completed", "failed"}, Timed: true},
				"completed": {Exits: nil, Timed: false},
				"failed":    {Exits: []string{"pending"}, Timed: false},
			},
		},
		Dependencies: DependenciesConfig{
			Definitions: map[string]DepTypeDef{
				"blocks":     {Display: "horizontal", Blocks: BlocksStart},
				"follows":    {Display: "horizontal", Blocks: BlocksStart},
				"contains":   {Display: "vertical", Blocks: BlocksCompletion},
				"relates-to": {Display: "horizontal", Blocks: BlocksNone},
			},
		},
		Attachments: AttachmentsConfig{
			UnknownKey: PolicyAllow,
			Definitions: map[string]AttachmentDef{
				"note":   {Mime: "text/markdown", Mode: "append"},
				"design": {Mime: "text/markdown", Mode: "replace"},
				"result": {Mime: "text/plain", Mode: "append"},
			},
		},
		Phases: PhasesConfig{
			UnknownPhase: PolicyAllow,
			Definitions:  map[string]PhaseDef{},
		},
		Tags: TagsConfig{
			UnknownTag:  PolicyAllow,
			Definitions: map[string]TagDef{},
		},
		AutoAdvance: AutoAdvanceConfig{Enabled: false, TargetState: ""},
		Gates:       map[string][]GateDef{},
		Workflows:   map[string]WorkflowDef{},
	}
}
