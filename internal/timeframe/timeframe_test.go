package timeframe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	units := map[string]int64{"m": Minute, "h": Hour, "d": Day}
	for _, n := range []int{1, 2, 5, 15, 30} {
		for unit, ms := range units {
			str := intToStr(n) + unit
			got, err := Parse(str)
			require.NoError(t, err)
			assert.Equal(t, int64(n)*ms, got, "parse(%s)", str)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, bad := range []string{"", "5", "m5", "5x", "-5m", "5.5m", "5mm"} {
		_, err := Parse(bad)
		assert.Error(t, err, "expected error for %q", bad)
	}
}

func TestBucketUTCAlignment(t *testing.T) {
	intervals := []string{"1m", "5m", "15m", "30m", "1h"}
	for _, tf := range intervals {
		i, err := require0(Parse(tf))
		require.NoError(t, err)
		for _, ts := range []int64{0, 1, i - 1, i, i + 1, 100 * i, -i + 1} {
			b := BucketUTC(ts, i)
			assert.Equal(t, int64(0), b%i, "bucket(%d,%d)=%d not aligned", ts, i, b)
			assert.LessOrEqual(t, b, ts)
		}
	}
}

func TestSessionAlignmentDSTNormalDay(t *testing.T) {
	clock, err := NewSessionClock("America/New_York")
	require.NoError(t, err)

	i, _ := Parse("4h")
	// Pick a stable mid-winter day (no DST transition): 2024-01-10.
	ts := time.Date(2024, 1, 10, 20, 30, 0, 0, time.UTC).UnixMilli()
	b := Bucket(clock, ts, i)
	sessionStart := clock.SessionStart(ts)
	assert.Equal(t, int64(0), (b-sessionStart)%i)
	assert.LessOrEqual(t, b, ts)
}

func TestSessionClockMemoization(t *testing.T) {
	clock, err := NewSessionClock("America/New_York")
	require.NoError(t, err)

	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	s1 := clock.SessionStart(ts)
	s2 := clock.SessionStart(ts + 1000)
	assert.Equal(t, s1, s2, "same local day must memoize to the same session start")
}

func TestDSTTransitionSingleSession(t *testing.T) {
	clock, err := NewSessionClock("America/New_York")
	require.NoError(t, err)
	loc, _ := time.LoadLocation("America/New_York")

	// US spring-forward 2024-03-10: 2am ET -> 3am ET. The session that
	// starts 2024-03-09 18:00 ET and the one starting 2024-03-10 18:00 ET
	// must be exactly 23 hours apart.
	session1 := time.Date(2024, 3, 9, 18, 0, 0, 0, loc).UnixMilli()
	session2 := time.Date(2024, 3, 10, 18, 0, 0, 0, loc).UnixMilli()
	assert.Equal(t, clock.SessionStart(session1), session1)
	assert.Equal(t, clock.SessionStart(session2), session2)
	assert.Equal(t, int64(23), (session2-session1)/Hour, "spring-forward session must be 23 hours")

	// US fall-back 2024-11-03: 2am ET -> 1am ET. The session spanning it
	// must be 25 hours.
	session3 := time.Date(2024, 11, 2, 18, 0, 0, 0, loc).UnixMilli()
	session4 := time.Date(2024, 11, 3, 18, 0, 0, 0, loc).UnixMilli()
	assert.Equal(t, int64(25), (session4-session3)/Hour, "fall-back session must be 25 hours")

	// No bar straddles the transition: a timestamp just before session2
	// still belongs to session1.
	justBefore := session2 - 1
	assert.Equal(t, session1, clock.SessionStart(justBefore))
}

func intToStr(n int) string {
	digits := []byte{}
	if n == 0 {
		return "0"
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func require0(v int64, err error) (int64, error) { return v, err }
