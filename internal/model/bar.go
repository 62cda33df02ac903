// Package model holds the wire and domain types shared across the
// aggregation, acquisition, and session packages.
package model

import (
	"fmt"
	"time"
)

// Source tags the provenance of a Bar. It is ephemeral metadata attached
// at emission time — the durable cache row does not carry it (see
// SPEC_FULL.md Open Question 2).
type Source string

const (
	SourceHistorical Source = "H"
	SourceLive       Source = "L"
	SourceCache      Source = "C"
	SourceAggregated Source = "A"
	SourceTrade      Source = "T"
)

// Bar is an OHLCV candle for one instrument/timeframe bucket.
type Bar struct {
	Timestamp  int64  `json:"timestamp"` // bucket start, epoch-ms UTC
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     int64   `json:"volume"`
	Instrument string  `json:"instrument"`
	Timeframe  string  `json:"timeframe"`
	Source     Source  `json:"source,omitempty"`
	IsClosed   bool    `json:"isClosed"`
}

// IsNull reports whether the bar has zero volume or any null OHLC value.
// Null bars are never persisted (spec.md §3).
func (b Bar) IsNull() bool {
	return b.Volume == 0 || b.Open == 0 || b.High == 0 || b.Low == 0 || b.Close == 0
}

// Validate checks the OHLC invariants from spec.md §3.
func (b Bar) Validate() error {
	if b.Low > b.Open || b.Low > b.Close || b.Low > b.High {
		return fmt.Errorf("bar %s/%s@%d: low %.8f violates low<=open,close,high", b.Instrument, b.Timeframe, b.Timestamp, b.Low)
	}
	if b.High < b.Open || b.High < b.Close {
		return fmt.Errorf("bar %s/%s@%d: high %.8f violates open,close<=high", b.Instrument, b.Timeframe, b.Timestamp, b.High)
	}
	return nil
}

// End returns the exclusive bucket end given an interval in milliseconds.
func (b Bar) End(intervalMs int64) int64 {
	return b.Timestamp + intervalMs
}

// Clone returns a shallow copy, useful since open candles are mutated and
// re-emitted repeatedly and callers must not alias the mutable original.
func (b Bar) Clone() Bar {
	return b
}

// Side is the aggressor side of a trade print.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is a single tick-level print.
type Trade struct {
	TimestampMs int64   `json:"timestamp_ms"`
	Price       float64 `json:"price"`
	Size        float64 `json:"size"`
	Side        Side    `json:"side"`
	Instrument  string  `json:"instrument"`
}

func (t Trade) Validate() error {
	if t.Price <= 0 {
		return fmt.Errorf("trade %s@%d: non-positive price %.8f", t.Instrument, t.TimestampMs, t.Price)
	}
	if t.Size <= 0 {
		return fmt.Errorf("trade %s@%d: non-positive size %.8f", t.Instrument, t.TimestampMs, t.Size)
	}
	if t.Instrument == "" {
		return fmt.Errorf("trade@%d: missing instrument", t.TimestampMs)
	}
	return nil
}

// NowMs returns the current wall-clock time in epoch-ms UTC. Centralized so
// tests can reason about it and production call sites stay consistent.
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}
