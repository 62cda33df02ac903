package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketfeed/internal/aggregator"
	"marketfeed/internal/model"
	"marketfeed/internal/timeframe"
)

type fakeSink struct {
	bars    []model.Bar
	ctrls   []string
	errs    []string
}

func (f *fakeSink) EmitBar(b model.Bar)         { f.bars = append(f.bars, b) }
func (f *fakeSink) EmitControl(msg string)      { f.ctrls = append(f.ctrls, msg) }
func (f *fakeSink) EmitError(msg string)        { f.errs = append(f.errs, msg) }

type fakeAcquirer struct {
	series []model.Bar
	err    error
	calls  int
	// gate, if non-nil, blocks every call from blockFromCall onward until closed.
	gate         chan struct{}
	blockFromCall int
	lastStartMs  int64
}

func (f *fakeAcquirer) Fetch1m(ctx context.Context, instrument string, startMs, endMs int64, useCache, saveCache bool) ([]model.Bar, error) {
	f.calls++
	f.lastStartMs = startMs
	if f.gate != nil && f.calls >= f.blockFromCall {
		<-f.gate
	}
	return f.series, f.err
}

func newTestSession(t *testing.T, acq Acquirer) (*Session, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	clock := timeframe.MustNewSessionClock("America/New_York")
	s := New("client-1", acq, aggregator.Aggregate, clock, sink, zap.NewNop())
	return s, sink
}

func TestGetDataHistoricalOnlyStaysIdle(t *testing.T) {
	s, sink := newTestSession(t, &fakeAcquirer{series: []model.Bar{
		{Timestamp: 0, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Instrument: "ES", Timeframe: "1m"},
	}})
	err := s.GetData(context.Background(), []model.Subscription{{Instrument: "ES", Timeframe: "1m"}}, 0, 60_000, false, true, true)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State())
	assert.NotEmpty(t, sink.bars)
}

func TestGetDataLiveTransitionsToLiveActive(t *testing.T) {
	s, _ := newTestSession(t, &fakeAcquirer{})
	err := s.GetData(context.Background(), []model.Subscription{{Instrument: "ES", Timeframe: "1m"}}, 0, 60_000, true, true, true)
	require.NoError(t, err)
	assert.Equal(t, StateLiveActive, s.State())
}

func TestAddTimeframeRejectedWhenIdle(t *testing.T) {
	s, _ := newTestSession(t, &fakeAcquirer{})
	err := s.AddTimeframe(context.Background(), "ES", "5m")
	assert.Error(t, err)
}

func TestAddTimeframeQueuesTradesDuringTransition(t *testing.T) {
	gate := make(chan struct{})
	acq := &fakeAcquirer{gate: gate, blockFromCall: 2}
	s, sink := newTestSession(t, acq)

	require.NoError(t, s.GetData(context.Background(), []model.Subscription{{Instrument: "ES", Timeframe: "1m"}}, 0, 0, true, true, true))
	require.Equal(t, StateLiveActive, s.State())

	done := make(chan error, 1)
	go func() { done <- s.AddTimeframe(context.Background(), "ES", "5m") }()

	// wait for the transition to begin
	require.Eventually(t, func() bool { return s.State() == StateChangingTimeframes }, time.Second, time.Millisecond)

	s.OnTrade(model.Trade{TimestampMs: model.NowMs(), Price: 100, Size: 1, Instrument: "ES"})
	s.OnTrade(model.Trade{TimestampMs: model.NowMs(), Price: 101, Size: 1, Instrument: "ES"})

	preTradeBarCount := len(sink.bars)

	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, StateLiveActive, s.State())
	assert.Greater(t, len(sink.bars), preTradeBarCount, "queued trades must be applied after the transition completes")
}

func TestRemoveTimeframeDropsSubscription(t *testing.T) {
	s, _ := newTestSession(t, &fakeAcquirer{})
	require.NoError(t, s.GetData(context.Background(), []model.Subscription{{Instrument: "ES", Timeframe: "1m"}}, 0, 0, true, true, true))
	require.NoError(t, s.AddTimeframe(context.Background(), "ES", "5m"))

	require.NoError(t, s.RemoveTimeframe("ES", "5m"))
	assert.False(t, s.subs.Has("ES", "5m"))
}

func TestStopDataReturnsToIdle(t *testing.T) {
	s, _ := newTestSession(t, &fakeAcquirer{})
	require.NoError(t, s.GetData(context.Background(), []model.Subscription{{Instrument: "ES", Timeframe: "1m"}}, 0, 0, true, true, true))
	s.StopData()
	assert.Equal(t, StateIdle, s.State())
}

func TestOnTradeAppliesImmediatelyWhenLiveActive(t *testing.T) {
	s, sink := newTestSession(t, &fakeAcquirer{})
	require.NoError(t, s.GetData(context.Background(), []model.Subscription{{Instrument: "ES", Timeframe: "1m"}}, 0, 0, true, true, true))

	before := len(sink.bars)
	s.OnTrade(model.Trade{TimestampMs: model.NowMs(), Price: 100, Size: 1, Instrument: "ES"})
	assert.Greater(t, len(sink.bars), before)
}

func TestGetDataNoneFromLiveActiveStopsFeed(t *testing.T) {
	s, _ := newTestSession(t, &fakeAcquirer{})
	require.NoError(t, s.GetData(context.Background(), []model.Subscription{{Instrument: "ES", Timeframe: "1m"}}, 0, 0, true, true, true))
	require.Equal(t, StateLiveActive, s.State())
	require.NotEmpty(t, s.updaters, "updater must exist once live")

	cancelled := false
	s.SetLiveCancel(func() { cancelled = true })

	err := s.GetData(context.Background(), []model.Subscription{{Instrument: "ES", Timeframe: "1m"}}, 0, 60_000, false, true, true)
	require.NoError(t, err)

	assert.Equal(t, StateIdle, s.State(), "live_data:none from live_active must leave the session idle")
	assert.True(t, cancelled, "the upstream live subscription must be torn down, not left running")
	assert.Empty(t, s.updaters, "updaters must be cleared on teardown")

	before := 0
	s.OnTrade(model.Trade{TimestampMs: model.NowMs(), Price: 100, Size: 1, Instrument: "ES"})
	assert.Equal(t, before, len(s.updaters), "no updater should remain to apply a stray trade")
}

func TestAddTimeframePreservesOriginalStartFromNonOneMinuteSubscription(t *testing.T) {
	acq := &fakeAcquirer{}
	s, _ := newTestSession(t, acq)

	const originalStart = int64(12_345_000)
	require.NoError(t, s.GetData(context.Background(), []model.Subscription{{Instrument: "ES", Timeframe: "5m"}}, originalStart, 0, true, true, true))
	require.Equal(t, StateLiveActive, s.State())

	require.NoError(t, s.AddTimeframe(context.Background(), "ES", "15m"))

	assert.Equal(t, originalStart, acq.lastStartMs, "add_timeframe must backfill from the instrument's original live subscription start, not NowMs()")
}
