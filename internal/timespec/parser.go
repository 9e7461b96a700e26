// Package timespec parses --since/--until values for event filtering.
package timespec

import (
	"fmt"
	"time"
)

// Parse converts a spec into Unix milliseconds, relative to the current time.
func Parse(spec string) (int64, error) {
	return ParseAt(spec, time.Now())
}

// ParseAt accepts a Go duration ("90s", "1h30m"), meaning that long before
// now, or an RFC3339 timestamp.
func ParseAt(spec string, now time.Time) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}
	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative duration: %s", spec)
		}
		return now.Add(-d).UnixMilli(), nil
	}
	return 0, fmt.Errorf("invalid time specification: %s (use a duration like '15m' or RFC3339 like '2026-10-14T09:00:00Z')", spec)
}

// ParseRange parses both bounds. Zero means unbounded.
func ParseRange(since, until string, now time.Time) (int64, int64, error) {
	var sinceMS, untilMS int64
	var err error

	if since != "" {
		if sinceMS, err = ParseAt(since, now); err != nil {
			return 0, 0, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		if untilMS, err = ParseAt(until, now); err != nil {
			return 0, 0, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if sinceMS > 0 && untilMS > 0 && sinceMS >= untilMS {
		return 0, 0, fmt.Errorf("--since must be before --until")
	}
	return sinceMS, untilMS, nil
}
