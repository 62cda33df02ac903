// Package aggregator converts a sorted 1-minute bar series into a
// higher-timeframe series with the closed-bucket semantics of spec.md
// §4.5. It is grounded on the fold/roll logic of the pack's OHLCV candle
// builder, rewritten as a pure function over a slice instead of a
// goroutine mutating package-level state, since the engine needs to run
// this both live (one bucket at a time) and over a historical batch.
package aggregator

import (
	"marketfeed/internal/model"
	"marketfeed/internal/timeframe"
)

// Aggregate folds a chronologically sorted 1-minute series into
// timeframe tf bars covering [startMs, endMs]. If tf is "1m" the input is
// simply filtered to the range.
func Aggregate(clock *timeframe.SessionClock, instrument, tf string, startMs, endMs int64, series []model.Bar) ([]model.Bar, error) {
	if tf == "1m" {
		return filterRange(series, startMs, endMs), nil
	}

	intervalMs, err := timeframe.Parse(tf)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, nil
	}

	maxTs := series[len(series)-1].Timestamp
	for _, b := range series {
		if b.Timestamp > maxTs {
			maxTs = b.Timestamp
		}
	}

	// presentSlots lets the closed-bucket rule (spec.md §4.5) check, for a
	// candidate bucket B, whether the terminal 1-minute slot B+I-60000 is
	// present in the input without a linear rescan per bucket.
	presentSlots := make(map[int64]bool, len(series))
	for _, b := range series {
		presentSlots[b.Timestamp] = true
	}

	var out []model.Bar
	var open *model.Bar

	flush := func() {
		if open == nil {
			return
		}
		terminalSlot := open.Timestamp + intervalMs - timeframe.Minute
		open.IsClosed = presentSlots[terminalSlot] || maxTs >= open.Timestamp+intervalMs
		out = append(out, *open)
		open = nil
	}

	for _, c := range series {
		bucket := timeframe.Bucket(clock, c.Timestamp, intervalMs)

		if open == nil || bucket != open.Timestamp {
			flush()
			nb := model.Bar{
				Timestamp:  bucket,
				Open:       c.Open,
				High:       c.High,
				Low:        c.Low,
				Close:      c.Close,
				Volume:     c.Volume,
				Instrument: instrument,
				Timeframe:  tf,
				Source:     model.SourceAggregated,
			}
			open = &nb
			continue
		}

		if c.High > open.High {
			open.High = c.High
		}
		if c.Low < open.Low {
			open.Low = c.Low
		}
		open.Close = c.Close
		open.Volume += c.Volume
	}
	flush()

	return filterRange(out, startMs, endMs), nil
}

func filterRange(bars []model.Bar, startMs, endMs int64) []model.Bar {
	var out []model.Bar
	for _, b := range bars {
		if b.Timestamp >= startMs && b.Timestamp <= endMs {
			out = append(out, b)
		}
	}
	return out
}
