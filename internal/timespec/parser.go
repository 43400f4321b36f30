// Package timespec parses the --since values accepted by run listings.
package timespec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse resolves spec against the current time. See ParseAt.
func Parse(spec string) (int64, error) {
	return ParseAt(spec, time.Now())
}

// ParseAt parses a time specification into a Unix timestamp in milliseconds.
// Accepted forms:
//   - relative durations, subtracted from now: "90m", "1h30m", "7d", "2w"
//   - calendar dates, midnight UTC: "2025-01-06"
//   - RFC3339 timestamps: "2025-01-06T14:30:00Z"
func ParseAt(spec string, now time.Time) (int64, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}
	if t, err := time.Parse(time.DateOnly, spec); err == nil {
		return t.UnixMilli(), nil
	}

	d, err := parseDuration(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid time specification: %s (use a duration like '24h' or '7d', a date like '2025-01-06', or RFC3339)", spec)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration: %s", spec)
	}
	return now.Add(-d).UnixMilli(), nil
}

// parseDuration extends time.ParseDuration with whole-day and whole-week
// suffixes.
func parseDuration(spec string) (time.Duration, error) {
	unit := time.Duration(0)
	switch {
	case strings.HasSuffix(spec, "d"):
		unit = 24 * time.Hour
	case strings.HasSuffix(spec, "w"):
		unit = 7 * 24 * time.Hour
	default:
		return time.ParseDuration(spec)
	}

	n, err := strconv.Atoi(spec[:len(spec)-1])
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}
