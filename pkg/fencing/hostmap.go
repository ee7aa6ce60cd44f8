package fencing

import (
	"fmt"
	"strings"
)

// ParseHostMap parses a free-form "NAME(=|:)VALUE" list separated by
// whitespace, commas, or semicolons into a cluster-node-name → device-local
// port/id map. It is tolerant of surrounding and repeated separators, but
// rejects any token that lacks a separator after a non-empty name.
func ParseHostMap(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	fields := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', '\r', ',', ';':
			return true
		default:
			return false
		}
	})

	out := make(map[string]string, len(fields))
	for _, f := range fields {
		idx := strings.IndexAny(f, "=:")
		if idx <= 0 {
			return nil, fmt.Errorf("fencing: invalid host map entry %q: expected NAME=VALUE or NAME:VALUE", f)
		}
		name := strings.TrimSpace(f[:idx])
		value := strings.TrimSpace(f[idx+1:])
		out[name] = value
	}
	return out, nil
}
