package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketfeed/internal/model"
	"marketfeed/internal/timeframe"
)

type fakeReplaySink struct {
	bars  []model.Bar
	ctrls []string
}

func newFakeReplaySink() *fakeReplaySink {
	return &fakeReplaySink{}
}

func (f *fakeReplaySink) EmitBar(b model.Bar)    { f.bars = append(f.bars, b) }
func (f *fakeReplaySink) EmitControl(msg string) { f.ctrls = append(f.ctrls, msg) }

func minuteBar(ts int64) model.Bar {
	return model.Bar{Timestamp: ts, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Instrument: "ES", Timeframe: "1m"}
}

func TestReplayEmitsDueBarsAndCompletes(t *testing.T) {
	clock := timeframe.MustNewSessionClock("America/New_York")
	sink := newFakeReplaySink()

	series := map[string][]model.Bar{
		"ES": {minuteBar(0), minuteBar(minuteMs), minuteBar(2 * minuteMs)},
	}
	e := New(clock, sink, zap.NewNop(), 0, 2*minuteMs, series, map[string]map[string]int64{"ES": {}})
	e.ModifyReplay(nil, int64Ptr(5))

	go e.Run()

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not complete in time")
	}

	require.Len(t, sink.bars, 3)
	assert.Equal(t, int64(0), sink.bars[0].Timestamp)
	assert.Equal(t, int64(2*minuteMs), sink.bars[2].Timestamp)
	assert.Contains(t, sink.ctrls, "replay_complete")
}

func TestReplayPauseStopsEmission(t *testing.T) {
	clock := timeframe.MustNewSessionClock("America/New_York")
	sink := newFakeReplaySink()

	series := map[string][]model.Bar{
		"ES": {minuteBar(0), minuteBar(minuteMs), minuteBar(2 * minuteMs), minuteBar(3 * minuteMs)},
	}
	e := New(clock, sink, zap.NewNop(), 0, 3*minuteMs, series, map[string]map[string]int64{"ES": {}})
	e.ModifyReplay(nil, int64Ptr(10))

	go e.Run()

	require.Eventually(t, func() bool { return len(sink.bars) >= 1 }, time.Second, time.Millisecond)

	paused := true
	e.ModifyReplay(&paused, nil)
	time.Sleep(50 * time.Millisecond)
	countAfterPause := len(sink.bars)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, countAfterPause, len(sink.bars), "no further bars while paused")

	resumed := false
	fast := int64(5)
	e.ModifyReplay(&resumed, &fast)

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not resume and complete")
	}
	assert.Greater(t, len(sink.bars), countAfterPause)
}

func TestReplayFoldsHigherTimeframeAndClosesOnTerminalSlot(t *testing.T) {
	clock := timeframe.MustNewSessionClock("America/New_York")
	sink := newFakeReplaySink()

	var series []model.Bar
	for i := int64(0); i < 5; i++ {
		b := minuteBar(i * minuteMs)
		b.Open, b.High, b.Low, b.Close = float64(i)+1, float64(i)+2, float64(i), float64(i)+1.5
		series = append(series, b)
	}
	e := New(clock, sink, zap.NewNop(), 0, 4*minuteMs, map[string][]model.Bar{"ES": series},
		map[string]map[string]int64{"ES": {"5m": 5 * minuteMs}})
	e.ModifyReplay(nil, int64Ptr(5))

	go e.Run()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not complete in time")
	}

	var closed5m bool
	for _, b := range sink.bars {
		if b.Timeframe == "5m" && b.IsClosed {
			closed5m = true
			assert.Equal(t, int64(0), b.Timestamp)
			assert.Equal(t, int64(5), b.Volume)
		}
	}
	assert.True(t, closed5m, "the 5m bucket closes once its terminal 1m slot (minute 4) is fed")
}

func int64Ptr(v int64) *int64 { return &v }
