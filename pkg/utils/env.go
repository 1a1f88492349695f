package utils

import (
	"fmt"
	"strings"
)

// ParseEnvList turns KEY=value entries into a map. Later entries win.
func ParseEnvList(entries []string) (map[string]string, error) {
	env := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid environment entry %q, expected KEY=value", entry)
		}
		env[strings.TrimSpace(key)] = value
	}
	return env, nil
}
