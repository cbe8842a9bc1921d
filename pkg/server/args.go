package server

import (
	"bytes"
	"encoding/json"

	"github.com/taskgraph/taskgraph/pkg/types"
)

// argSpec declares one tool argument for validation before any handler
// touches the database.
type argSpec struct {
	name     string
	kind     string // string, int, number, bool, array, object, string_or_array, any
	required bool
}

// Args wraps a decoded argument object with typed accessors.
type Args struct {
	raw map[string]any
}

func decodeArgs(data json.RawMessage, specs []argSpec) (*Args, error) {
	raw := map[string]any{}
	if len(data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, types.InvalidArgument("arguments must be an object: %v", err)
		}
	}

	known := make(map[string]argSpec, len(specs))
	for _, s := range specs {
		known[s.name] = s
	}
	for name := range raw {
		if _, ok := known[name]; !ok {
			return nil, types.InvalidArgument("unknown argument %q", name)
		}
	}
	for _, s := range specs {
		v, present := raw[s.name]
		if !present || v == nil {
			if s.required {
				return nil, types.InvalidArgument("missing required argument %q", s.name)
			}
			continue
		}
		if err := checkKind(s, v); err != nil {
			return nil, err
		}
	}
	return &Args{raw: raw}, nil
}

func checkKind(s argSpec, v any) error {
	ok := false
	switch s.kind {
	case "string":
		_, ok = v.(string)
	case "int", "number":
		_, ok = v.(json.Number)
	case "bool":
		_, ok = v.(bool)
	case "array":
		_, ok = v.([]any)
	case "object":
		_, ok = v.(map[string]any)
	case "string_or_array":
		switch v.(type) {
		case string, []any:
			ok = true
		}
	case "any":
		ok = true
	}
	if !ok {
		return types.InvalidArgument("argument %q must be a %s", s.name, s.kind)
	}
	return nil
}

// Has reports presence of a non-null argument.
func (a *Args) Has(name string) bool {
	v, ok := a.raw[name]
	return ok && v != nil
}

// String returns a string argument or its default.
func (a *Args) String(name, def string) string {
	if v, ok := a.raw[name].(string); ok {
		return v
	}
	return def
}

// StringPtr returns nil when the argument is absent.
func (a *Args) StringPtr(name string) *string {
	if v, ok := a.raw[name].(string); ok {
		return &v
	}
	return nil
}

// Int returns an integer argument or its default.
func (a *Args) Int(name string, def int) int {
	if v, ok := a.raw[name].(json.Number); ok {
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// IntPtr returns nil when the argument is absent.
func (a *Args) IntPtr(name string) *int {
	if v, ok := a.raw[name].(json.Number); ok {
		if n, err := v.Int64(); err == nil {
			i := int(n)
			return &i
		}
	}
	return nil
}

// Int64 returns a 64-bit integer argument or its default.
func (a *Args) Int64(name string, def int64) int64 {
	if v, ok := a.raw[name].(json.Number); ok {
		if n, err := v.Int64(); err == nil {
			return n
		}
	}
	return def
}

// Int64Ptr returns nil when the argument is absent.
func (a *Args) Int64Ptr(name string) *int64 {
	if v, ok := a.raw[name].(json.Number); ok {
		if n, err := v.Int64(); err == nil {
			return &n
		}
	}
	return nil
}

// Float returns a float argument or its default.
func (a *Args) Float(name string, def float64) float64 {
	if v, ok := a.raw[name].(json.Number); ok {
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

// Bool returns a boolean argument or its default.
func (a *Args) Bool(name string, def bool) bool {
	if v, ok := a.raw[name].(bool); ok {
		return v
	}
	return def
}

// Strings returns a string-array argument.
func (a *Args) Strings(name string) []string {
	v, ok := a.raw[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(v))
	for _, e := range v {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// StringsPtr distinguishes "absent" from "present but empty", which
// matters for tag-set replacement.
func (a *Args) StringsPtr(name string) *[]string {
	if _, ok := a.raw[name]; !ok {
		return nil
	}
	out := a.Strings(name)
	if out == nil {
		out = []string{}
	}
	return &out
}

// StringOrStrings accepts either a single string or a list.
func (a *Args) StringOrStrings(name string) []string {
	switch v := a.raw[name].(type) {
	case string:
		return []string{v}
	case []any:
		return a.Strings(name)
	default:
		return nil
	}
}

// Raw returns the undecoded value.
func (a *Args) Raw(name string) any {
	return a.raw[name]
}

// Priority parses the priority argument, accepting ints, numeric
// strings, and the legacy names.
func (a *Args) Priority(name string) *int {
	v, ok := a.raw[name]
	if !ok || v == nil {
		return nil
	}
	if p, ok := types.ParsePriority(v); ok {
		return &p
	}
	return nil
}

