package types

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Priority bounds. Inputs outside the range clamp rather than reject.
const (
	PriorityMin = 0
	PriorityMax = 10
)

// ClampPriority forces a priority into [PriorityMin, PriorityMax].
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// ParsePriority accepts an integer, a numeric string, or one of the
// legacy names low/medium/high/critical.
func ParsePriority(v any) (int, bool) {
	switch p := v.(type) {
	case nil:
		return 0, false
	case int:
		return ClampPriority(p), true
	case int64:
		return ClampPriority(int(p)), true
	case float64:
		return ClampPriority(int(p)), true
	case json.Number:
		if n, err := p.Int64(); err == nil {
			return ClampPriority(int(n)), true
		}
		return 0, false
	case string:
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "low":
			return 2, true
		case "medium":
			return 5, true
		case "high":
			return 7, true
		case "critical":
			return 9, true
		}
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			return ClampPriority(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}
