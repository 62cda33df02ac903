package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketfeed/internal/model"
	"marketfeed/internal/timeframe"
)

type fakeConn struct {
	sent [][]byte
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}

type fakeAcquirer struct {
	series []model.Bar
}

func (f *fakeAcquirer) Fetch1m(ctx context.Context, instrument string, startMs, endMs int64, useCache, saveCache bool) ([]model.Bar, error) {
	return f.series, nil
}

func newTestHandler(t *testing.T, acq Acquirer) (*Handler, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	h := NewHandler(conn, acq, aggregateFunc, nil, HandlerConfig{}, zap.NewNop())
	return h, conn
}

func aggregateFunc(clock *timeframe.SessionClock, instrument, tf string, startMs, endMs int64, series []model.Bar) ([]model.Bar, error) {
	out := make([]model.Bar, len(series))
	for i, b := range series {
		b.Timeframe = tf
		out[i] = b
	}
	return out, nil
}

func decodeLast(t *testing.T, conn *fakeConn) map[string]interface{} {
	t.Helper()
	require.NotEmpty(t, conn.sent)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(conn.sent[len(conn.sent)-1], &m))
	return m
}

func TestSetClientIDBindsSession(t *testing.T) {
	h, conn := newTestHandler(t, &fakeAcquirer{})
	h.HandleMessage(context.Background(), []byte(`{"action":"set_client_id","clientid":"abc"}`))
	assert.Empty(t, conn.sent, "no reply expected for a successful bind")
	assert.Equal(t, "abc", h.clientID)
}

func TestUnknownActionRepliesWithError(t *testing.T) {
	h, conn := newTestHandler(t, &fakeAcquirer{})
	h.HandleMessage(context.Background(), []byte(`{"action":"bogus"}`))
	msg := decodeLast(t, conn)
	assert.Equal(t, "error", msg["mtyp"])
}

func TestGetDataHistoricalEmitsDataMessages(t *testing.T) {
	bars := []model.Bar{{Timestamp: 0, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Instrument: "ES", Timeframe: "1m"}}
	h, conn := newTestHandler(t, &fakeAcquirer{series: bars})

	req := Request{
		Action:        "get_data",
		Subscriptions: []SubscriptionSpec{{Instrument: "ES", Timeframe: "1m"}},
		LiveData:      json.RawMessage(`"none"`),
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	h.HandleMessage(context.Background(), raw)

	msg := decodeLast(t, conn)
	assert.Equal(t, "data", msg["mtyp"])
	assert.Equal(t, "ES", msg["instrument"])
}

func TestAddTimeframeWithoutSessionErrors(t *testing.T) {
	h, conn := newTestHandler(t, &fakeAcquirer{})
	raw, _ := json.Marshal(Request{Action: "add_timeframe", Instrument: "ES", Timeframe: "5m"})
	h.HandleMessage(context.Background(), raw)
	msg := decodeLast(t, conn)
	assert.Equal(t, "error", msg["mtyp"])
}

func TestParseEndTimeCurrentMeansNow(t *testing.T) {
	ms, err := parseEndTime("current")
	require.NoError(t, err)
	assert.Equal(t, int64(0), ms)
}

func TestParseStartTimeAbsentMeans60DaysBack(t *testing.T) {
	before := model.NowMs() - defaultLookback.Milliseconds()
	ms, err := parseStartTime("", defaultLookback)
	require.NoError(t, err)
	assert.InDelta(t, before, ms, float64(2*time.Second.Milliseconds()))
}

func TestParseLiveDataVariants(t *testing.T) {
	secs, live, err := parseLiveData(json.RawMessage(`"none"`))
	require.NoError(t, err)
	assert.False(t, live)
	assert.Equal(t, 0, secs)

	secs, live, err = parseLiveData(json.RawMessage(`"all"`))
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, 0, secs)

	secs, live, err = parseLiveData(json.RawMessage(`30`))
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, 30, secs)
}

func TestParseLiveEndNumericSecondsToPlay(t *testing.T) {
	liveStart := int64(1_000_000)
	ms, err := parseLiveEnd(json.RawMessage(`120`), liveStart)
	require.NoError(t, err)
	assert.Equal(t, liveStart+120_000, ms)
}

func TestParseLiveEndNumericTimestamp(t *testing.T) {
	liveStart := int64(1_000_000)
	ms, err := parseLiveEnd(json.RawMessage(`9999999999`), liveStart)
	require.NoError(t, err)
	assert.Equal(t, int64(9999999999), ms)
}

func TestParseHistoryStartNegativeMeansMinutesBack(t *testing.T) {
	ms, err := parseHistoryStart(json.RawMessage(`-30`), defaultLookback)
	require.NoError(t, err)
	assert.InDelta(t, model.NowMs()-30*60_000, ms, 2000)
}
