package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses raw as a Go duration. Empty means zero; negative
// values are rejected. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// parseDurations parses several fields at once and stops at the first error.
func parseDurations(fields map[string]durationField) error {
	for path, f := range fields {
		d, err := ParseDurationField(path, f.raw)
		if err != nil {
			return err
		}
		*f.dst = d
	}
	return nil
}

type durationField struct {
	raw string
	dst *time.Duration
}
