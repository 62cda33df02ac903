package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/model"
	"marketfeed/internal/timeframe"
)

func m(ts int64, o, h, l, c float64, v int64) model.Bar {
	return model.Bar{Timestamp: ts, Open: o, High: h, Low: l, Close: c, Volume: v, Instrument: "ES", Timeframe: "1m"}
}

func TestAggregate1mPassthroughFiltersRange(t *testing.T) {
	clock := timeframe.MustNewSessionClock("America/New_York")
	series := []model.Bar{
		m(0, 1, 1, 1, 1, 1),
		m(60_000, 1, 1, 1, 1, 1),
		m(120_000, 1, 1, 1, 1, 1),
	}
	out, err := Aggregate(clock, "ES", "1m", 60_000, 120_000, series)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(60_000), out[0].Timestamp)
}

func TestAggregate5mFoldsOHLCV(t *testing.T) {
	clock := timeframe.MustNewSessionClock("America/New_York")
	var series []model.Bar
	for i := int64(0); i < 5; i++ {
		series = append(series, m(i*60_000, float64(i)+1, float64(i)+2, float64(i), float64(i)+1.5, 10))
	}
	// sixth minute starts a new 5m bucket so the first is closed
	series = append(series, m(5*60_000, 10, 10, 10, 10, 1))

	out, err := Aggregate(clock, "ES", "5m", 0, 10*60_000, series)
	require.NoError(t, err)
	require.Len(t, out, 2)

	first := out[0]
	assert.Equal(t, int64(0), first.Timestamp)
	assert.Equal(t, 1.0, first.Open)
	assert.Equal(t, 6.0, first.High)
	assert.Equal(t, 0.0, first.Low)
	assert.Equal(t, 5.5, first.Close)
	assert.Equal(t, int64(50), first.Volume)
	assert.True(t, first.IsClosed, "bucket is closed once a later bar exists")

	second := out[1]
	assert.Equal(t, int64(5*60_000), second.Timestamp)
	assert.False(t, second.IsClosed, "terminal minute of the second bucket never arrived")
}

func TestAggregateClosedByTerminalSlotPresence(t *testing.T) {
	clock := timeframe.MustNewSessionClock("America/New_York")
	// Only the bucket's own 5 minutes arrive (indices 0..4), including the
	// terminal minute (index 4), with no bar from the next bucket.
	var series []model.Bar
	for i := int64(0); i < 5; i++ {
		series = append(series, m(i*60_000, 1, 1, 1, 1, 1))
	}
	out, err := Aggregate(clock, "ES", "5m", 0, 5*60_000, series)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].IsClosed, "terminal 1m slot present closes the bucket even without a later bar")
}

func TestAggregateInvalidTimeframe(t *testing.T) {
	clock := timeframe.MustNewSessionClock("America/New_York")
	_, err := Aggregate(clock, "ES", "bogus", 0, 1000, []model.Bar{m(0, 1, 1, 1, 1, 1)})
	assert.Error(t, err)
}

func TestAggregateEmptyInput(t *testing.T) {
	clock := timeframe.MustNewSessionClock("America/New_York")
	out, err := Aggregate(clock, "ES", "5m", 0, 1000, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}
