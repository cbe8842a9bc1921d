package gate

import (
	"github.com/taskgraph/taskgraph/pkg/config"
)

// Result statuses.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// Check is one evaluated gate.
type Check struct {
	Type        string `json:"type"`
	Enforcement string `json:"enforcement"`
	Description string `json:"description,omitempty"`
	Satisfied   bool   `json:"satisfied"`
}

// Result is the outcome of evaluating every gate relevant to a task's
// current status and phase.
type Result struct {
	Status string  `json:"status"`
	Gates  []Check `json:"gates"`
}

// Evaluate checks the gates keyed to the current status and phase
// against the set of attachment types present on the task. It is a
// pure function: fail iff any reject gate is unsatisfied, warn iff no
// reject fails but a warn gate does, pass otherwise. Unsatisfied allow
// gates surface in the checks without affecting the status.
func Evaluate(snap *config.Snapshot, currentStatus, currentPhase string, attachmentTypes map[string]bool) Result {
	var gates []config.GateDef
	gates = append(gates, snap.Gates[config.GateKeyStatus(currentStatus)]...)
	if currentPhase != "" {
		gates = append(gates, snap.Gates[config.GateKeyPhase(currentPhase)]...)
	}

	result := Result{Status: StatusPass, Gates: make([]Check, 0, len(gates))}
	for _, g := range gates {
		satisfied := attachmentTypes[g.Type]
		result.Gates = append(result.Gates, Check{
			Type:        g.Type,
			Enforcement: g.Enforcement,
			Description: g.Description,
			Satisfied:   satisfied,
		})
		if satisfied {
			continue
		}
		switch g.Enforcement {
		case config.PolicyReject:
			result.Status = StatusFail
		case config.PolicyWarn:
			if result.Status != StatusFail {
				result.Status = StatusWarn
			}
		}
	}
	return result
}

// Unsatisfied returns the unsatisfied checks, used to build warning
// lists on transitions.
func (r Result) Unsatisfied() []Check {
	var out []Check
	for _, g := range r.Gates {
		if !g.Satisfied {
			out = append(out, g)
		}
	}
	return out
}
