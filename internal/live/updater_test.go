package live

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/model"
	"marketfeed/internal/timeframe"
)

func newTestUpdater(t *testing.T, open1mStart int64) (*Updater, *[]model.Bar) {
	t.Helper()
	clock := timeframe.MustNewSessionClock("America/New_York")
	var emitted []model.Bar
	u := New(clock, "ES", open1mStart, func(b model.Bar) { emitted = append(emitted, b) })
	return u, &emitted
}

func TestOnTradeFoldsIntoOpen1m(t *testing.T) {
	u, emitted := newTestUpdater(t, 0)

	u.OnTrade(model.Trade{TimestampMs: 0, Price: 100, Size: 2, Instrument: "ES"})
	u.OnTrade(model.Trade{TimestampMs: 30_000, Price: 105, Size: 1, Instrument: "ES"})
	u.OnTrade(model.Trade{TimestampMs: 45_000, Price: 95, Size: 3, Instrument: "ES"})

	require.Len(t, *emitted, 3)
	last := (*emitted)[2]
	assert.Equal(t, 100.0, last.Open)
	assert.Equal(t, 105.0, last.High)
	assert.Equal(t, 95.0, last.Low)
	assert.Equal(t, 95.0, last.Close)
	assert.Equal(t, int64(6), last.Volume)
	assert.False(t, last.IsClosed)
}

func TestOnTradeIgnoresLateTrade(t *testing.T) {
	u, emitted := newTestUpdater(t, 60_000)
	u.OnTrade(model.Trade{TimestampMs: 30_000, Price: 100, Size: 1, Instrument: "ES"})
	assert.Empty(t, *emitted, "trade before the tracked bucket must be ignored")
}

func TestOnTradeRollsOver1mBucket(t *testing.T) {
	u, emitted := newTestUpdater(t, 0)
	u.OnTrade(model.Trade{TimestampMs: 10_000, Price: 100, Size: 1, Instrument: "ES"})
	u.OnTrade(model.Trade{TimestampMs: 65_000, Price: 110, Size: 2, Instrument: "ES"})

	require.Len(t, *emitted, 3) // open@0, close@0, open@60000
	closed := (*emitted)[1]
	assert.Equal(t, int64(0), closed.Timestamp)
	assert.True(t, closed.IsClosed)

	newOpen := (*emitted)[2]
	assert.Equal(t, int64(60_000), newOpen.Timestamp)
	assert.Equal(t, 110.0, newOpen.Open)
	assert.False(t, newOpen.IsClosed)
}

func TestAddTimeframeAdoptsStillOpenAggregate(t *testing.T) {
	u, _ := newTestUpdater(t, 300_000)
	last := model.Bar{Timestamp: 0, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, IsClosed: false}
	u.AddTimeframe("5m", 5*60_000, &last, 0)

	o := u.highers["5m"]
	require.NotNil(t, o)
	assert.Equal(t, model.SourceTrade, o.Source)
	assert.Equal(t, 2.0, o.High)
}

func TestAddTimeframeFreshBucketFoldsCurrentOpen1m(t *testing.T) {
	u, _ := newTestUpdater(t, 0)
	u.OnTrade(model.Trade{TimestampMs: 10_000, Price: 100, Size: 1, Instrument: "ES"})

	u.AddTimeframe("5m", 5*60_000, nil, 10_000)

	o := u.highers["5m"]
	require.NotNil(t, o)
	assert.Equal(t, int64(0), o.Timestamp)
	assert.Equal(t, 100.0, o.Close)
	assert.Equal(t, int64(1), o.Volume)
}

func TestOnTradeRollsHigherTimeframe(t *testing.T) {
	u, emitted := newTestUpdater(t, 0)
	u.AddTimeframe("5m", 5*60_000, nil, 0)
	*emitted = nil

	u.OnTrade(model.Trade{TimestampMs: 10_000, Price: 100, Size: 1, Instrument: "ES"})
	u.OnTrade(model.Trade{TimestampMs: 310_000, Price: 120, Size: 1, Instrument: "ES"})

	var sawClosed5m, sawOpen5m bool
	for _, b := range *emitted {
		if b.Timeframe == "5m" {
			if b.IsClosed {
				sawClosed5m = true
				assert.Equal(t, int64(0), b.Timestamp)
			} else if b.Timestamp == 300_000 {
				sawOpen5m = true
			}
		}
	}
	assert.True(t, sawClosed5m, "the 5m bucket must close once a trade past its end arrives")
	assert.True(t, sawOpen5m, "a fresh 5m bucket must open at the new bucket boundary")
}

func TestRemoveTimeframeDropsOpenCandle(t *testing.T) {
	u, _ := newTestUpdater(t, 0)
	u.AddTimeframe("5m", 5*60_000, nil, 0)
	require.Contains(t, u.highers, "5m")
	u.RemoveTimeframe("5m")
	assert.NotContains(t, u.highers, "5m")
}
