package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath normalizes a file-coordination path according to the
// paths section. Relative paths stay relative to the project root;
// recognized absolute prefixes (~, $ENV, mapped prefix names, OS
// absolute) pass through expanded. The reserved "lock:" prefix is
// returned untouched.
func (p PathConfig) ResolvePath(path string) string {
	if path == "" || strings.HasPrefix(path, "lock:") {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
		return path
	}

	if strings.HasPrefix(path, "$") {
		// $VAR or ${name} prefix mapping.
		rest := path[1:]
		var name, tail string
		if strings.HasPrefix(rest, "{") {
			if end := strings.Index(rest, "}"); end > 0 {
				name = rest[1:end]
				tail = strings.TrimPrefix(rest[end+1:], "/")
			}
		} else if i := strings.IndexAny(rest, "/\\"); i > 0 {
			name, tail = rest[:i], rest[i+1:]
		} else {
			name = rest
		}
		if name != "" {
			if mapped, ok := p.Prefixes[name]; ok {
				return filepath.Join(mapped, tail)
			}
			if env := os.Getenv(name); env != "" {
				return filepath.Join(env, tail)
			}
		}
		return path
	}

	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}

	cleaned := filepath.ToSlash(filepath.Clean(path))
	if p.Style == "project_prefixed" {
		root := filepath.Base(p.Root)
		if root != "." && root != "/" && !strings.HasPrefix(cleaned, root+"/") {
			return root + "/" + cleaned
		}
	}
	return cleaned
}
