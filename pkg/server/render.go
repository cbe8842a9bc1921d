package server

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// renderMarkdown renders a tool result for human preview. The JSON
// contract is authoritative; this rendering is intentionally simple.
func renderMarkdown(result any) string {
	// Normalize through JSON so struct results and map results render
	// the same way.
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprint(result)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	var b strings.Builder
	writeMarkdown(&b, v, 0)
	return strings.TrimRight(b.String(), "\n")
}

func writeMarkdown(b *strings.Builder, v any, depth int) {
	indent := strings.Repeat("  ", depth)
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := val[k]
			switch child.(type) {
			case map[string]any, []any:
				fmt.Fprintf(b, "%s- **%s**:\n", indent, k)
				writeMarkdown(b, child, depth+1)
			default:
				fmt.Fprintf(b, "%s- **%s**: %v\n", indent, k, scalar(child))
			}
		}
	case []any:
		if len(val) == 0 {
			fmt.Fprintf(b, "%s_(empty)_\n", indent)
			return
		}
		for _, e := range val {
			switch e.(type) {
			case map[string]any, []any:
				fmt.Fprintf(b, "%s-\n", indent)
				writeMarkdown(b, e, depth+1)
			default:
				fmt.Fprintf(b, "%s- %v\n", indent, scalar(e))
			}
		}
	default:
		fmt.Fprintf(b, "%s%v\n", indent, scalar(v))
	}
}

func scalar(v any) any {
	if v == nil {
		return "null"
	}
	return v
}
