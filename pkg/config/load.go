package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file and merges it over the defaults. A
// missing path ("" after env fallback) yields the default snapshot.
func Load(path string) (*Snapshot, error) {
	snap := Default()
	if path == "" {
		return snap, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// Unmarshal into the default-initialized snapshot so absent
	// sections keep their defaults. Map sections defined in the file
	// replace the defaults wholesale (a config that defines states
	// defines all of them).
	var file Snapshot
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	mergeFile(snap, &file)

	if err := Validate(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func mergeFile(base, file *Snapshot) {
	if file.Server.DBPath != "" {
		base.Server.DBPath = file.Server.DBPath
	}
	if file.Server.MediaDir != "" {
		base.Server.MediaDir = file.Server.MediaDir
	}
	if file.Server.SkillsDir != "" {
		base.Server.SkillsDir = file.Server.SkillsDir
	}
	if file.Server.LogDir != "" {
		base.Server.LogDir = file.Server.LogDir
	}
	if file.Server.ClaimLimit > 0 {
		base.Server.ClaimLimit = file.Server.ClaimLimit
	}
	if file.Server.StaleTimeoutSeconds > 0 {
		base.Server.StaleTimeoutSeconds = file.Server.StaleTimeoutSeconds
	}
	if file.Server.DefaultFormat != "" {
		base.Server.DefaultFormat = file.Server.DefaultFormat
	}
	if file.Server.DefaultWorkflow != "" {
		base.Server.DefaultWorkflow = file.Server.DefaultWorkflow
	}
	if file.Server.UI.Mode != "" {
		base.Server.UI = file.Server.UI
	}
	if file.IDs.TaskIDWords > 0 {
		base.IDs.TaskIDWords = file.IDs.TaskIDWords
	}
	if file.IDs.AgentIDWords > 0 {
		base.IDs.AgentIDWords = file.IDs.AgentIDWords
	}
	if file.IDs.IDCase != "" {
		base.IDs.IDCase = file.IDs.IDCase
	}
	if file.Paths.Root != "" {
		base.Paths.Root = file.Paths.Root
	}
	if file.Paths.Style != "" {
		base.Paths.Style = file.Paths.Style
	}
	base.Paths.MapWindowsDrives = base.Paths.MapWindowsDrives || file.Paths.MapWindowsDrives
	if len(file.Paths.Prefixes) > 0 {
		base.Paths.Prefixes = file.Paths.Prefixes
	}
	if len(file.States.Definitions) > 0 {
		base.States = file.States
	}
	if len(file.Dependencies.Definitions) > 0 {
		base.Dependencies = file.Dependencies
	}
	if file.Attachments.UnknownKey != "" || len(file.Attachments.Definitions) > 0 {
		if file.Attachments.UnknownKey == "" {
			file.Attachments.UnknownKey = base.Attachments.UnknownKey
		}
		base.Attachments = file.Attachments
	}
	if file.Phases.UnknownPhase != "" || len(file.Phases.Definitions) > 0 {
		if file.Phases.UnknownPhase == "" {
			file.Phases.UnknownPhase = base.Phases.UnknownPhase
		}
		base.Phases = file.Phases
	}
	if file.Tags.UnknownTag != "" || len(file.Tags.Definitions) > 0 {
		if file.Tags.UnknownTag == "" {
			file.Tags.UnknownTag = base.Tags.UnknownTag
		}
		base.Tags = file.Tags
	}
	if file.AutoAdvance.Enabled {
		base.AutoAdvance = file.AutoAdvance
	}
	if len(file.Gates) > 0 {
		base.Gates = file.Gates
	}
	if len(file.Workflows) > 0 {
		base.Workflows = file.Workflows
	}
}
