package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"unknown initial", func(s *Snapshot) { s.States.Initial = "nope" }},
		{"unknown disconnect state", func(s *Snapshot) { s.States.DisconnectState = "nope" }},
		{"timed disconnect state", func(s *Snapshot) { s.States.DisconnectState = "working" }},
		{"exit to undefined state", func(s *Snapshot) {
			s.States.Definitions["pending"] = StateDef{Exits: []string{"missing"}}
		}},
		{"unknown blocking state", func(s *Snapshot) {
			s.States.BlockingStates = append(s.States.BlockingStates, "missing")
		}},
		{"bad dependency blocks", func(s *Snapshot) {
			s.Dependencies.Definitions["weird"] = DepTypeDef{Blocks: "sometimes"}
		}},
		{"bad attachment mode", func(s *Snapshot) {
			s.Attachments.Definitions["note"] = AttachmentDef{Mime: "text/plain", Mode: "upsert"}
		}},
		{"bad gate key", func(s *Snapshot) {
			s.Gates["transition:working"] = []GateDef{{Type: "x", Enforcement: PolicyWarn}}
		}},
		{"gate references undefined state", func(s *Snapshot) {
			s.Gates["status:nope"] = []GateDef{{Type: "x", Enforcement: PolicyWarn}}
		}},
		{"bad gate enforcement", func(s *Snapshot) {
			s.Gates["status:working"] = []GateDef{{Type: "x", Enforcement: "maybe"}}
		}},
		{"auto advance to undefined state", func(s *Snapshot) {
			s.AutoAdvance = AutoAdvanceConfig{Enabled: true, TargetState: "missing"}
		}},
		{"bad default format", func(s *Snapshot) { s.Server.DefaultFormat = "xml" }},
		{"zero claim limit", func(s *Snapshot) { s.Server.ClaimLimit = 0 }},
		{"unknown default workflow", func(s *Snapshot) { s.Server.DefaultWorkflow = "missing" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Default()
			tt.mutate(snap)
			assert.Error(t, Validate(snap))
		})
	}
}

func TestLoadMissingPathUsesDefaults(t *testing.T) {
	snap, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "pending", snap.States.Initial)
	assert.Equal(t, 3, snap.Server.ClaimLimit)
}

func TestLoadMergesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  claim_limit: 5
  stale_timeout_seconds: 60
ids:
  task_id_words: 3
auto_advance:
  enabled: true
  target_state: working
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	snap, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Server.ClaimLimit)
	assert.Equal(t, 60, snap.Server.StaleTimeoutSeconds)
	assert.Equal(t, 3, snap.IDs.TaskIDWords)
	assert.True(t, snap.AutoAdvance.Enabled)
	// Untouched sections keep defaults.
	assert.Equal(t, "pending", snap.States.Initial)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("states:\n  initial: nope\n  definitions:\n    a: {exits: []}\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEffectiveOverlay(t *testing.T) {
	snap := Default()
	snap.Workflows = map[string]WorkflowDef{
		"review": {
			States: &StatesConfig{
				Definitions: map[string]StateDef{
					"reviewing": {Exits: []string{"completed"}, Timed: true},
				},
			},
			Gates: map[string][]GateDef{
				"status:working": {{Type: "review", Enforcement: PolicyWarn}},
			},
		},
	}

	merged := snap.Effective("review")
	assert.Contains(t, merged.States.Definitions, "reviewing")
	assert.Len(t, merged.Gates["status:working"], 1)

	// The base snapshot is untouched.
	assert.NotContains(t, snap.States.Definitions, "reviewing")
	assert.Empty(t, snap.Gates["status:working"])
}

func TestRoleResolution(t *testing.T) {
	snap := Default()
	snap.Workflows = map[string]WorkflowDef{
		"dev": {
			Roles: map[string]RoleDef{
				"reviewer": {Tags: []string{"review"}, Prompts: []string{"review the diff"}},
			},
		},
	}

	name, role := snap.Role([]string{"review", "rust"}, "dev")
	assert.Equal(t, "reviewer", name)
	assert.NotNil(t, role)

	name, role = snap.Role([]string{"rust"}, "dev")
	assert.Empty(t, name)
	assert.Nil(t, role)
}

func TestManagerReloadSwap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  claim_limit: 2\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	first := m.Current()
	assert.Equal(t, 2, first.Server.ClaimLimit)

	watch := m.Watch()
	require.NoError(t, os.WriteFile(path, []byte("server:\n  claim_limit: 7\n"), 0o644))
	require.NoError(t, m.Reload())

	assert.Equal(t, 7, m.Current().Server.ClaimLimit)
	// The captured snapshot is unchanged.
	assert.Equal(t, 2, first.Server.ClaimLimit)

	select {
	case <-watch:
	default:
		t.Fatal("expected a reload notification")
	}
}

func TestManagerReloadKeepsOldOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  claim_limit: 2\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  default_format: xml\n"), 0o644))
	assert.Error(t, m.Reload())
	assert.Equal(t, 2, m.Current().Server.ClaimLimit)
}

func TestResolvePath(t *testing.T) {
	p := PathConfig{Root: "/proj/demo", Style: "relative", Prefixes: map[string]string{"SRC": "/srv/src"}}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"relative stays relative", "src/main.go", "src/main.go"},
		{"cleaned", "./src/../src/main.go", "src/main.go"},
		{"lock prefix untouched", "lock:git-commit", "lock:git-commit"},
		{"mapped prefix", "$SRC/main.go", "/srv/src/main.go"},
		{"mapped brace prefix", "${SRC}/main.go", "/srv/src/main.go"},
		{"absolute", "/etc/hosts", "/etc/hosts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, p.ResolvePath(tt.input))
		})
	}

	prefixed := PathConfig{Root: "/proj/demo", Style: "project_prefixed"}
	assert.Equal(t, "demo/src/main.go", prefixed.ResolvePath("src/main.go"))
	assert.Equal(t, "demo/src/main.go", prefixed.ResolvePath("demo/src/main.go"))
}
