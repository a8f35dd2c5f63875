package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField reads a Go duration string from a config field. An empty
// value yields zero, which callers treat as "not set". Negative durations are
// rejected; no field here has a meaningful negative interpretation. The path
// argument names the field in error messages, e.g. "tracking.window".
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: cannot parse %q as a duration: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative durations are not allowed", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset
// fields. Zero counts as unset, so a default always comes back positive.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
