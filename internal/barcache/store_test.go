package barcache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketfeed/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "bars.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGetRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bars := []model.Bar{
		{Instrument: "ES", Timeframe: "1m", Timestamp: 1000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{Instrument: "ES", Timeframe: "1m", Timestamp: 2000, Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 5},
	}
	require.NoError(t, s.InsertBatch(ctx, bars))

	got, err := s.GetRange(ctx, "ES", "1m", 0, 3000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1000), got[0].Timestamp)
	assert.Equal(t, int64(2000), got[1].Timestamp)
	assert.Equal(t, model.SourceCache, got[0].Source)
}

func TestInsertBatchFiltersNullBars(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bars := []model.Bar{
		{Instrument: "ES", Timeframe: "1m", Timestamp: 1000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{Instrument: "ES", Timeframe: "1m", Timestamp: 2000, Open: 0, High: 0, Low: 0, Close: 0, Volume: 0}, // null bar
	}
	require.NoError(t, s.InsertBatch(ctx, bars))

	got, err := s.GetRange(ctx, "ES", "1m", 0, 3000)
	require.NoError(t, err)
	require.Len(t, got, 1, "null bar must never be persisted")
	assert.Equal(t, int64(1000), got[0].Timestamp)
}

func TestInsertBatchUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertBatch(ctx, []model.Bar{
		{Instrument: "ES", Timeframe: "1m", Timestamp: 1000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
	}))
	require.NoError(t, s.InsertBatch(ctx, []model.Bar{
		{Instrument: "ES", Timeframe: "1m", Timestamp: 1000, Open: 1, High: 3, Low: 0.5, Close: 2, Volume: 20},
	}))

	got, err := s.GetRange(ctx, "ES", "1m", 0, 3000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3.0, got[0].High)
	assert.Equal(t, int64(20), got[0].Volume)
}

func TestClearByFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertBatch(ctx, []model.Bar{
		{Instrument: "ES", Timeframe: "1m", Timestamp: 1000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{Instrument: "NQ", Timeframe: "1m", Timestamp: 1000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
	}))

	require.NoError(t, s.Clear(ctx, ClearFilter{Instrument: "ES"}))

	gotES, err := s.GetRange(ctx, "ES", "1m", 0, 3000)
	require.NoError(t, err)
	assert.Empty(t, gotES)

	gotNQ, err := s.GetRange(ctx, "NQ", "1m", 0, 3000)
	require.NoError(t, err)
	assert.Len(t, gotNQ, 1)
}
