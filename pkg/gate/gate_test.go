package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskgraph/taskgraph/pkg/config"
)

func snapWithGates(gates map[string][]config.GateDef) *config.Snapshot {
	snap := config.Default()
	snap.Gates = gates
	return snap
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name        string
		gates       map[string][]config.GateDef
		status      string
		phase       string
		attachments map[string]bool
		expected    string
		unsatisfied int
	}{
		{
			name:     "no gates",
			gates:    map[string][]config.GateDef{},
			status:   "working",
			expected: StatusPass,
		},
		{
			name: "satisfied reject gate",
			gates: map[string][]config.GateDef{
				"status:working": {{Type: "tests", Enforcement: config.PolicyReject}},
			},
			status:      "working",
			attachments: map[string]bool{"tests": true},
			expected:    StatusPass,
		},
		{
			name: "unsatisfied reject gate",
			gates: map[string][]config.GateDef{
				"status:working": {{Type: "tests", Enforcement: config.PolicyReject}},
			},
			status:      "working",
			expected:    StatusFail,
			unsatisfied: 1,
		},
		{
			name: "unsatisfied warn gate",
			gates: map[string][]config.GateDef{
				"status:working": {{Type: "review", Enforcement: config.PolicyWarn}},
			},
			status:      "working",
			expected:    StatusWarn,
			unsatisfied: 1,
		},
		{
			name: "allow gate never fails",
			gates: map[string][]config.GateDef{
				"status:working": {{Type: "notes", Enforcement: config.PolicyAllow}},
			},
			status:      "working",
			expected:    StatusPass,
			unsatisfied: 1,
		},
		{
			name: "reject beats warn",
			gates: map[string][]config.GateDef{
				"status:working": {
					{Type: "tests", Enforcement: config.PolicyReject},
					{Type: "review", Enforcement: config.PolicyWarn},
				},
			},
			status:      "working",
			expected:    StatusFail,
			unsatisfied: 2,
		},
		{
			name: "phase gates included on phase exit",
			gates: map[string][]config.GateDef{
				"phase:design": {{Type: "design-doc", Enforcement: config.PolicyReject}},
			},
			status:      "working",
			phase:       "design",
			expected:    StatusFail,
			unsatisfied: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			atts := tt.attachments
			if atts == nil {
				atts = map[string]bool{}
			}
			result := Evaluate(snapWithGates(tt.gates), tt.status, tt.phase, atts)
			assert.Equal(t, tt.expected, result.Status)
			assert.Len(t, result.Unsatisfied(), tt.unsatisfied)
		})
	}
}
