package config

// Effective returns the snapshot with the named workflow overlays
// applied, in order. Unknown overlay names are skipped; the base
// snapshot is never mutated.
func (s *Snapshot) Effective(overlays ...string) *Snapshot {
	if len(overlays) == 0 {
		return s
	}
	merged := s.clone()
	for _, name := range overlays {
		wf, ok := s.Workflows[name]
		if !ok {
			continue
		}
		applyOverlay(merged, wf)
	}
	return merged
}

// Role resolves the first workflow role whose tag set is fully covered
// by the worker's tags, searching the given overlays in order.
func (s *Snapshot) Role(workerTags []string, overlays ...string) (string, *RoleDef) {
	have := make(map[string]bool, len(workerTags))
	for _, t := range workerTags {
		have[t] = true
	}
	for _, name := range overlays {
		wf, ok := s.Workflows[name]
		if !ok {
			continue
		}
		for roleName, role := range wf.Roles {
			matched := len(role.Tags) > 0
			for _, t := range role.Tags {
				if !have[t] {
					matched = false
					break
				}
			}
			if matched {
				r := role
				return roleName, &r
			}
		}
	}
	return "", nil
}

func applyOverlay(base *Snapshot, wf WorkflowDef) {
	if wf.States != nil {
		if wf.States.Initial != "" {
			base.States.Initial = wf.States.Initial
		}
		if wf.States.DisconnectState != "" {
			base.States.DisconnectState = wf.States.DisconnectState
		}
		if len(wf.States.BlockingStates) > 0 {
			base.States.BlockingStates = wf.States.BlockingStates
		}
		for name, def := range wf.States.Definitions {
			base.States.Definitions[name] = def
		}
	}
	if wf.Dependencies != nil {
		for name, def := range wf.Dependencies.Definitions {
			base.Dependencies.Definitions[name] = def
		}
	}
	if wf.Phases != nil {
		if wf.Phases.UnknownPhase != "" {
			base.Phases.UnknownPhase = wf.Phases.UnknownPhase
		}
		for name, def := range wf.Phases.Definitions {
			base.Phases.Definitions[name] = def
		}
	}
	for key, gates := range wf.Gates {
		base.Gates[key] = append(base.Gates[key], gates...)
	}
	if wf.AutoAdvance != nil {
		base.AutoAdvance = *wf.AutoAdvance
	}
}

// clone deep-copies the sections an overlay may touch.
func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.States.Definitions = make(map[string]StateDef, len(s.States.Definitions))
	for k, v := range s.States.Definitions {
		c.States.Definitions[k] = v
	}
	c.States.BlockingStates = append([]string(nil), s.States.BlockingStates...)
	c.Dependencies.Definitions = make(map[string]DepTypeDef, len(s.Dependencies.Definitions))
	for k, v := range s.Dependencies.Definitions {
		c.Dependencies.Definitions[k] = v
	}
	c.Phases.Definitions = make(map[string]PhaseDef, len(s.Phases.Definitions))
	for k, v := range s.Phases.Definitions {
		c.Phases.Definitions[k] = v
	}
	c.Gates = make(map[string][]GateDef, len(s.Gates))
	for k, v := range s.Gates {
		c.Gates[k] = append([]GateDef(nil), v...)
	}
	return &c
}
