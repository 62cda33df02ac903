package acquisition

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketfeed/internal/barcache"
	"marketfeed/internal/model"
)

type fakeVendor struct {
	historicalCalls int
	liveCalls       int
	historical      []model.Bar
	live            []model.Bar
	historicalErr   error
	liveErr         error
}

func (f *fakeVendor) FetchHistorical(ctx context.Context, instrument string, startMs, endMs int64) ([]model.Bar, error) {
	f.historicalCalls++
	return f.historical, f.historicalErr
}

func (f *fakeVendor) FetchLive1m(ctx context.Context, instruments []string, startMs, endMs int64) ([]model.Bar, error) {
	f.liveCalls++
	return f.live, f.liveErr
}

func newTestOrchestrator(t *testing.T, fv *fakeVendor) (*Orchestrator, *barcache.Store) {
	t.Helper()
	store, err := barcache.Open(filepath.Join(t.TempDir(), "bars.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	o := &Orchestrator{
		cache:          store,
		vendor:         fv,
		limit:          rate.NewLimiter(rate.Inf, 0),
		logger:         zap.NewNop(),
		earlyCushionMs: DefaultEarlyCushionMs,
		lateCushionMs:  DefaultLateCushionMs,
	}
	return o, store
}

func bar(ts int64) model.Bar {
	return model.Bar{Timestamp: ts, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Instrument: "ES", Timeframe: "1m"}
}

func TestFetch1mCushionSkip(t *testing.T) {
	// S3: cache holds bars in [T-2d, T-1h]; request [T-2d-1h, now]. The
	// 1h early gap is within the 3-day cushion and the 1h late gap is
	// within the 3-hour cushion, so no historical refetch is issued; the
	// live-bar tail fill is the only upstream call.
	fv := &fakeVendor{live: []model.Bar{bar(model.NowMs())}}
	o, store := newTestOrchestrator(t, fv)
	ctx := context.Background()

	now := model.NowMs()
	earliest := now - 2*24*60*60*1000
	latest := now - 60*60*1000
	require.NoError(t, store.InsertBatch(ctx, []model.Bar{bar(earliest), bar(latest)}))

	_, err := o.Fetch1m(ctx, "ES", earliest-60*60*1000, 0, true, false)
	require.NoError(t, err)
	assert.Equal(t, 0, fv.historicalCalls, "both gaps are within their cushions")
	assert.Equal(t, 1, fv.liveCalls, "the live tail fill is the only upstream call")
}

func TestFetch1mFetchesHistoricalWhenCacheMissing(t *testing.T) {
	fv := &fakeVendor{historical: []model.Bar{bar(1000), bar(61000)}}
	o, _ := newTestOrchestrator(t, fv)
	ctx := context.Background()

	got, err := o.Fetch1m(ctx, "ES", 1000, 61000, true, true)
	require.NoError(t, err)
	require.Equal(t, 1, fv.historicalCalls)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1000), got[0].Timestamp)
	assert.Equal(t, int64(61000), got[1].Timestamp)
}

func TestFetch1mSavesFetchedBarsNotCachedOnes(t *testing.T) {
	fv := &fakeVendor{historical: []model.Bar{bar(1000)}}
	o, store := newTestOrchestrator(t, fv)
	ctx := context.Background()

	_, err := o.Fetch1m(ctx, "ES", 1000, 1000, true, true)
	require.NoError(t, err)

	persisted, err := store.GetRange(ctx, "ES", "1m", 0, 2000)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
}

func TestFetch1mOpenEndedFetchesLiveTail(t *testing.T) {
	fv := &fakeVendor{live: []model.Bar{bar(model.NowMs())}}
	o, _ := newTestOrchestrator(t, fv)
	ctx := context.Background()

	_, err := o.Fetch1m(ctx, "ES", model.NowMs()-oneMinuteMs, 0, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, fv.liveCalls, "open-ended request (endMs == 0) must fetch the live tail")
}

func TestFetch1mExplicitEndSkipsLiveTail(t *testing.T) {
	fv := &fakeVendor{historical: []model.Bar{bar(1000)}}
	o, _ := newTestOrchestrator(t, fv)
	ctx := context.Background()

	_, err := o.Fetch1m(ctx, "ES", 1000, 61000, true, false)
	require.NoError(t, err)
	assert.Equal(t, 0, fv.liveCalls, "an explicit end overrides the cushion and skips the live fetch")
}

func TestFetch1mExplicitEndAlwaysRefetchesLateGap(t *testing.T) {
	// Open question decision: an explicit end overrides the late cushion,
	// even when the gap is well within 3 hours.
	fv := &fakeVendor{historical: []model.Bar{bar(5000)}}
	o, store := newTestOrchestrator(t, fv)
	ctx := context.Background()

	require.NoError(t, store.InsertBatch(ctx, []model.Bar{bar(1000), bar(4000)}))

	_, err := o.Fetch1m(ctx, "ES", 1000, 5000, true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, fv.historicalCalls, "explicit end must refetch the late gap regardless of cushion size")
}

func TestFetch1mRejectsEndBeforeStart(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeVendor{})
	_, err := o.Fetch1m(context.Background(), "ES", 2000, 1000, false, false)
	assert.Error(t, err)
}
