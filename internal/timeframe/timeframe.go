// Package timeframe parses timeframe strings and computes bucket
// boundaries, including the session-relative alignment used for intraday
// timeframes above one hour (spec.md §4.1).
package timeframe

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var pattern = regexp.MustCompile(`^(\d+)([mhd])$`)

const (
	Minute = int64(time.Minute / time.Millisecond)
	Hour   = int64(time.Hour / time.Millisecond)
	Day    = 24 * Hour
)

// Parse converts a timeframe string like "5m", "1h", "1d" into an interval
// in milliseconds. Any string not matching ^(\d+)([mhd])$ fails.
func Parse(tf string) (int64, error) {
	m := pattern.FindStringSubmatch(tf)
	if m == nil {
		return 0, fmt.Errorf("invalid timeframe %q: must match ^(\\d+)([mhd])$", tf)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timeframe %q: %w", tf, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q: interval must be positive", tf)
	}
	var unit int64
	switch m[2] {
	case "m":
		unit = Minute
	case "h":
		unit = Hour
	case "d":
		unit = Day
	}
	return n * unit, nil
}

// IsSessionAligned reports whether an interval (ms) is above one hour and
// at most one day, the range spec.md §4.1 defines as session-aligned
// rather than UTC-aligned.
func IsSessionAligned(intervalMs int64) bool {
	return intervalMs > Hour && intervalMs <= Day
}

// BucketUTC computes the UTC-aligned bucket start for intervals <= 1h:
// floor(t/I)*I.
func BucketUTC(tsMs, intervalMs int64) int64 {
	if tsMs >= 0 {
		return (tsMs / intervalMs) * intervalMs
	}
	// floor division for negative timestamps (pre-1970 inputs in tests)
	q := tsMs / intervalMs
	if tsMs%intervalMs != 0 {
		q--
	}
	return q * intervalMs
}

// Bucket dispatches to UTC or session alignment depending on the interval,
// matching spec.md §4.1 exactly.
func Bucket(clock *SessionClock, tsMs, intervalMs int64) int64 {
	if !IsSessionAligned(intervalMs) {
		return BucketUTC(tsMs, intervalMs)
	}
	sessionStart := clock.SessionStart(tsMs)
	elapsed := tsMs - sessionStart
	return sessionStart + (elapsed/intervalMs)*intervalMs
}
