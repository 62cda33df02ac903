// Package live implements the per-session live candle updater of
// spec.md §4.6: one open 1-minute candle and one open candle per
// subscribed higher timeframe, folded from arriving trades and rolled
// over at bucket boundaries.
//
// It is grounded on the candle-folding logic of the pack's OHLCV
// generator, narrowed from a process-wide instrument map down to the
// single-session, single-instrument scope this spec requires, and
// wired to the session-aligned bucketing in internal/timeframe instead
// of UTC-only arithmetic.
package live

import (
	"marketfeed/internal/model"
	"marketfeed/internal/timeframe"
)

// Emit is called for every candle state the updater produces, open or
// closed. Implementations own delivery to the session's output sink.
type Emit func(model.Bar)

// Updater owns the open candles for one instrument within one session.
type Updater struct {
	clock      *timeframe.SessionClock
	instrument string
	emit       Emit

	open1m    model.Bar
	highers   map[string]*model.Bar // timeframe -> open candle
	intervals map[string]int64
}

// New creates an updater. open1mStart is the timestamp immediately
// after the last closed 1-minute bar (last1mEnd in spec.md §4.6); it
// seeds the initially-empty open 1-minute candle.
func New(clock *timeframe.SessionClock, instrument string, open1mStart int64, emit Emit) *Updater {
	return &Updater{
		clock:      clock,
		instrument: instrument,
		emit:       emit,
		open1m:     emptyBar(instrument, "1m", open1mStart),
		highers:    make(map[string]*model.Bar),
		intervals:  make(map[string]int64),
	}
}

// AddTimeframe starts tracking a higher timeframe. If lastAggregated is
// non-nil and still open (same bucket as the candidate, isClosed=false),
// it is adopted as the open candle, re-tagged source='T' per spec.md
// §4.6; otherwise a fresh empty bar is opened at the bucket containing
// nextStart, and the current open 1-minute candle is folded into it if
// it falls within that bucket.
func (u *Updater) AddTimeframe(tf string, intervalMs int64, lastAggregated *model.Bar, nextStart int64) {
	u.intervals[tf] = intervalMs

	bucket := timeframe.Bucket(u.clock, nextStart, intervalMs)

	if lastAggregated != nil && !lastAggregated.IsClosed && lastAggregated.Timestamp == bucket {
		adopted := *lastAggregated
		adopted.Source = model.SourceTrade
		adopted.Timeframe = tf
		u.highers[tf] = &adopted
		return
	}

	fresh := emptyBar(u.instrument, tf, bucket)
	u.highers[tf] = &fresh

	if !u.open1m.IsNull() && u.open1m.Timestamp >= bucket && u.open1m.Timestamp < bucket+intervalMs {
		foldInto(u.highers[tf], u.open1m.Open, u.open1m.High, u.open1m.Low, u.open1m.Close, u.open1m.Volume)
	}
}

// RemoveTimeframe drops a higher timeframe and discards its open
// candle. The 1-minute tracking is untouched; callers stop removing the
// last timeframe for an instrument entirely by tearing down the updater
// instead.
func (u *Updater) RemoveTimeframe(tf string) {
	delete(u.highers, tf)
	delete(u.intervals, tf)
}

// OnTrade folds one trade into the open 1-minute candle and every
// tracked higher candle, emitting updates per spec.md §4.6 steps 1-4.
func (u *Updater) OnTrade(x model.Trade) {
	if x.TimestampMs < u.open1m.Timestamp {
		return // late trade before the tracked bucket
	}

	if x.TimestampMs >= u.open1m.Timestamp+timeframe.Minute {
		u.open1m.IsClosed = true
		u.emit(u.open1m)

		newStart := timeframe.BucketUTC(x.TimestampMs, timeframe.Minute)
		u.open1m = model.Bar{
			Timestamp:  newStart,
			Open:       x.Price,
			High:       x.Price,
			Low:        x.Price,
			Close:      x.Price,
			Volume:     int64(x.Size),
			Instrument: u.instrument,
			Timeframe:  "1m",
			Source:     model.SourceTrade,
		}
		u.emit(u.open1m)
	} else {
		foldTrade(&u.open1m, x)
		u.emit(u.open1m)
	}

	for tf, interval := range u.intervals {
		o := u.highers[tf]
		if x.TimestampMs >= o.Timestamp+interval {
			o.IsClosed = true
			u.emit(*o)

			bucket := timeframe.Bucket(u.clock, x.TimestampMs, interval)
			fresh := model.Bar{
				Timestamp:  bucket,
				Open:       x.Price,
				High:       x.Price,
				Low:        x.Price,
				Close:      x.Price,
				Volume:     int64(x.Size),
				Instrument: u.instrument,
				Timeframe:  tf,
				Source:     model.SourceTrade,
			}
			u.highers[tf] = &fresh
			u.emit(fresh)
		} else {
			foldTrade(o, x)
			u.emit(*o)
		}
	}
}

// Open1m returns the current open 1-minute candle, for seeding a newly
// added higher timeframe elsewhere in the session.
func (u *Updater) Open1m() model.Bar {
	return u.open1m
}

func foldTrade(b *model.Bar, x model.Trade) {
	if b.IsNull() {
		b.Open = x.Price
		b.High = x.Price
		b.Low = x.Price
	} else {
		if x.Price > b.High {
			b.High = x.Price
		}
		if x.Price < b.Low {
			b.Low = x.Price
		}
	}
	b.Close = x.Price
	b.Volume += int64(x.Size)
}

func foldInto(b *model.Bar, open, high, low, close float64, volume int64) {
	if b.IsNull() {
		b.Open = open
		b.High = high
		b.Low = low
	} else {
		if high > b.High {
			b.High = high
		}
		if low < b.Low {
			b.Low = low
		}
	}
	b.Close = close
	b.Volume += volume
}

func emptyBar(instrument, tf string, ts int64) model.Bar {
	return model.Bar{
		Timestamp:  ts,
		Instrument: instrument,
		Timeframe:  tf,
		Source:     model.SourceTrade,
	}
}
