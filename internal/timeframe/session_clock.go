package timeframe

import (
	"sync"
	"time"
)

// sessionHour is the local hour (America/New_York, DST-aware) at which the
// trading session starts each day (spec.md §4.1).
const sessionHour = 18

// SessionClock computes the most recent session-start instant at or before
// a given timestamp and memoizes it per local calendar day so repeated
// lookups under load don't repeatedly recompute time-zone offsets
// (grounded on the LoadLocation-once idiom used for exchange-local
// sessions elsewhere in the pack, e.g. an Africa/Cairo trading calendar).
type SessionClock struct {
	loc *time.Location

	mu    sync.RWMutex
	cache map[string]int64 // local calendar day (YYYY-MM-DD in loc) -> session-start epoch ms
}

// NewSessionClock loads the given IANA zone (spec.md uses America/New_York)
// once at construction.
func NewSessionClock(zone string) (*SessionClock, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, err
	}
	return &SessionClock{loc: loc, cache: make(map[string]int64)}, nil
}

// MustNewSessionClock is NewSessionClock for call sites using a trusted,
// compiled-in zone name where a load failure would mean the deployment
// environment itself is broken (missing tzdata).
func MustNewSessionClock(zone string) *SessionClock {
	c, err := NewSessionClock(zone)
	if err != nil {
		panic("timeframe: loading session zone " + zone + ": " + err.Error())
	}
	return c
}

// SessionStart returns the epoch-ms instant of the most recent local
// sessionHour:00 at or before tsMs.
func (c *SessionClock) SessionStart(tsMs int64) int64 {
	t := time.UnixMilli(tsMs).In(c.loc)

	day := t.Format("2006-01-02")
	candidate := c.dayStart(day, t.Year(), t.Month(), t.Day())
	if candidate <= tsMs {
		return candidate
	}

	// tsMs falls before today's session start (local clock time < 18:00),
	// so the active session began on the previous calendar day.
	prev := t.AddDate(0, 0, -1)
	prevDay := prev.Format("2006-01-02")
	return c.dayStart(prevDay, prev.Year(), prev.Month(), prev.Day())
}

func (c *SessionClock) dayStart(key string, year int, month time.Month, day int) int64 {
	c.mu.RLock()
	if v, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return v
	}
	c.mu.RUnlock()

	start := time.Date(year, month, day, sessionHour, 0, 0, 0, c.loc).UnixMilli()

	c.mu.Lock()
	c.cache[key] = start
	c.mu.Unlock()
	return start
}
