package graph

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Paths are dot separated keys into nested attribute maps, e.g. "position.x".

// SplitPath splits a field path into its segments.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// PathsOverlap reports whether a and b address the same value or one
// contains the other.
func PathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

// GetPath reads the value at path. The bool is false when any segment is absent.
func GetPath(fields map[string]any, path string) (any, bool) {
	parts, err := SplitPath(path)
	if err != nil {
		return nil, false
	}
	cur := fields
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return CloneValue(v), true
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// SetPath writes value at path, creating intermediate maps as needed.
func SetPath(fields map[string]any, path string, value any) error {
	_, err := SetPathCreated(fields, path, value)
	return err
}

// SetPathCreated is SetPath that also returns the shallowest intermediate
// map it had to create, or "" when every parent already existed.
func SetPathCreated(fields map[string]any, path string, value any) (string, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return "", err
	}
	created := ""
	cur := fields
	for i, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			if _, exists := cur[p]; exists {
				return "", fmt.Errorf("%w: %q crosses a scalar", ErrInvalidPath, path)
			}
			next = map[string]any{}
			cur[p] = next
			if created == "" {
				created = strings.Join(parts[:i+1], ".")
			}
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = CloneValue(value)
	return created, nil
}

// RemovePath deletes the value at path. Parent maps stay even when left
// empty, so a later SetPath of the same value restores the exact shape.
func RemovePath(fields map[string]any, path string) error {
	parts, err := SplitPath(path)
	if err != nil {
		return err
	}
	cur := fields
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return nil
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
	return nil
}

// NestValue wraps value in maps keyed by the segments of rel, so
// NestValue("a.b", 1) is {"a": {"b": 1}}. With absent set the innermost
// map is left empty.
func NestValue(rel string, value any, absent bool) (any, error) {
	parts, err := SplitPath(rel)
	if err != nil {
		return nil, err
	}
	inner := map[string]any{}
	if !absent {
		inner[parts[len(parts)-1]] = CloneValue(value)
	}
	out := inner
	for i := len(parts) - 2; i >= 0; i-- {
		out = map[string]any{parts[i]: out}
	}
	return out, nil
}

// CloneValue deep copies JSON-shaped values.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// ValuesEqual compares two JSON-shaped values by their encoding, so 1 and
// 1.0 compare equal regardless of the Go numeric type.
func ValuesEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
