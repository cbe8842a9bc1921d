package config

import (
	"fmt"
	"strings"
)

// Validate checks a snapshot before it is published. Validation runs on
// every load and reload swap, never per call.
func Validate(s *Snapshot) error {
	if len(s.States.Definitions) == 0 {
		return fmt.Errorf("config: states.definitions must not be empty")
	}

	if _, ok := s.States.Definitions[s.States.Initial]; !ok {
		return fmt.Errorf("config: states.initial %q is not a defined state", s.States.Initial)
	}

	disc, ok := s.States.Definitions[s.States.DisconnectState]
	if !ok {
		return fmt.Errorf("config: states.disconnect_state %q is not a defined state", s.States.DisconnectState)
	}
	if disc.Timed {
		return fmt.Errorf("config: states.disconnect_state %q must be untimed", s.States.DisconnectState)
	}

	for name, def := range s.States.Definitions {
		for _, exit := range def.Exits {
			if _, ok := s.States.Definitions[exit]; !ok {
				return fmt.Errorf("config: state %q exits to undefined state %q", name, exit)
			}
		}
	}

	for _, b := range s.States.BlockingStates {
		if _, ok := s.States.Definitions[b]; !ok {
			return fmt.Errorf("config: blocking state %q is not a defined state", b)
		}
	}

	for name, def := range s.Dependencies.Definitions {
		switch def.Blocks {
		case BlocksNone, BlocksStart, BlocksCompletion:
		default:
			return fmt.Errorf("config: dependency type %q has invalid blocks %q", name, def.Blocks)
		}
		switch def.Display {
		case "", "horizontal", "vertical":
		default:
			return fmt.Errorf("config: dependency type %q has invalid display %q", name, def.Display)
		}
	}

	for name, def := range s.Phases.Definitions {
		for _, exit := range def.Exits {
			if _, ok := s.Phases.Definitions[exit]; !ok {
				return fmt.Errorf("config: phase %q exits to undefined phase %q", name, exit)
			}
		}
	}

	for name, def := range s.Attachments.Definitions {
		switch def.Mode {
		case "append", "replace":
		default:
			return fmt.Errorf("config: attachment type %q has invalid mode %q", name, def.Mode)
		}
	}

	for _, policy := range []struct{ name, value string }{
		{"attachments.unknown_key", s.Attachments.UnknownKey},
		{"phases.unknown_phase", s.Phases.UnknownPhase},
		{"tags.unknown_tag", s.Tags.UnknownTag},
	} {
		switch policy.value {
		case PolicyAllow, PolicyWarn, PolicyReject:
		default:
			return fmt.Errorf("config: %s has invalid policy %q", policy.name, policy.value)
		}
	}

	if s.AutoAdvance.Enabled {
		if _, ok := s.States.Definitions[s.AutoAdvance.TargetState]; !ok {
			return fmt.Errorf("config: auto_advance.target_state %q is not a defined state", s.AutoAdvance.TargetState)
		}
	}

	for key, gates := range s.Gates {
		if !strings.HasPrefix(key, "status:") && !strings.HasPrefix(key, "phase:") {
			return fmt.Errorf("config: gate key %q must be status:<name> or phase:<name>", key)
		}
		if name, ok := strings.CutPrefix(key, "status:"); ok {
			if _, defined := s.States.Definitions[name]; !defined {
				return fmt.Errorf("config: gate key %q references undefined state", key)
			}
		}
		for _, g := range gates {
			switch g.Enforcement {
			case PolicyAllow, PolicyWarn, PolicyReject:
			default:
				return fmt.Errorf("config: gate %q has invalid enforcement %q", g.Type, g.Enforcement)
			}
		}
	}

	switch s.Server.DefaultFormat {
	case FormatJSON, FormatMarkdown:
	default:
		return fmt.Errorf("config: server.default_format must be json or markdown")
	}

	if s.Server.ClaimLimit < 1 {
		return fmt.Errorf("config: server.claim_limit must be positive")
	}

	if s.Server.DefaultWorkflow != "" {
		if _, ok := s.Workflows[s.Server.DefaultWorkflow]; !ok {
			return fmt.Errorf("config: server.default_workflow %q is not a defined workflow", s.Server.DefaultWorkflow)
		}
	}

	for name, wf := range s.Workflows {
		if wf.States != nil {
			merged := s.clone()
			applyOverlay(merged, wf)
			if err := validateStatesOnly(merged); err != nil {
				return fmt.Errorf("config: workflow %q: %w", name, err)
			}
		}
	}

	return nil
}

func validateStatesOnly(s *Snapshot) error {
	if _, ok := s.States.Definitions[s.States.Initial]; !ok {
		return fmt.Errorf("states.initial %q is not a defined state", s.States.Initial)
	}
	for name, def := range s.States.Definitions {
		for _, exit := range def.Exits {
			if _, ok := s.States.Definitions[exit]; !ok {
				return fmt.Errorf("state %q exits to undefined state %q", name, exit)
			}
		}
	}
	return nil
}
