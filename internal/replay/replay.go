// Package replay implements the deterministic historical playback engine
// of spec.md §4.8: a virtual clock advancing in 1-minute steps, paced by
// wall-clock deadlines rather than a fixed ticker so pacing does not
// accumulate drift, with pause/resume and speed-change support.
//
// It is grounded on the same candle-folding idiom as internal/live and
// internal/aggregator, rewritten to drive its own clock over a
// pre-fetched series instead of reacting to a live trade feed, per
// spec.md §9's design note on replacing a fixed-interval ticker with a
// monotonic deadline computed from the current virtual time.
package replay

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"marketfeed/internal/model"
	"marketfeed/internal/timeframe"
)

const minuteMs = int64(60_000)

// Sink receives replay emissions; a single interface shared with the
// live session sink keeps transport-layer wiring uniform.
type Sink interface {
	EmitBar(model.Bar)
	EmitControl(message string)
}

// instrumentState tracks one instrument's unsent tail and open
// higher-timeframe aggregates during replay.
type instrumentState struct {
	instrument string
	bars       []model.Bar // remaining 1-minute bars, ascending, not yet emitted
	pos        int
	timeframes map[string]int64 // timeframe -> interval ms, for subscribed higher TFs
	open       map[string]*model.Bar
}

func (st *instrumentState) nextTs() (int64, bool) {
	if st.pos >= len(st.bars) {
		return 0, false
	}
	return st.bars[st.pos].Timestamp, true
}

// Engine drives one replay session.
type Engine struct {
	clock  *timeframe.SessionClock
	sink   Sink
	logger *zap.Logger

	mu            sync.Mutex
	instruments   map[string]*instrumentState
	virtualT      int64
	liveEnd       int64
	intervalMs    time.Duration
	paused        bool
	stopped       bool
	speedChangeCh chan struct{}
	doneCh        chan struct{}
}

// New builds a replay engine. liveStart/liveEnd bound the replay-driven
// window (ms epoch UTC); series holds each instrument's full 1-minute
// bars from history_start through live_end, already sorted ascending.
// Bars before liveStart are emitted immediately as history by the
// caller via EmitPreLivePhase; New only retains the liveStart..liveEnd
// tail to drive.
func New(clock *timeframe.SessionClock, sink Sink, logger *zap.Logger, liveStart, liveEnd int64, seriesByInstrument map[string][]model.Bar, timeframesByInstrument map[string]map[string]int64) *Engine {
	instruments := make(map[string]*instrumentState, len(seriesByInstrument))
	for instrument, series := range seriesByInstrument {
		var tail []model.Bar
		for _, b := range series {
			if b.Timestamp >= liveStart && b.Timestamp <= liveEnd {
				tail = append(tail, b)
			}
		}
		open := make(map[string]*model.Bar)
		for tf := range timeframesByInstrument[instrument] {
			open[tf] = nil
		}
		instruments[instrument] = &instrumentState{
			instrument: instrument,
			bars:       tail,
			timeframes: timeframesByInstrument[instrument],
			open:       open,
		}
	}
	return &Engine{
		clock:         clock,
		sink:          sink,
		logger:        logger.Named("replay"),
		instruments:   instruments,
		virtualT:      liveStart,
		liveEnd:       liveEnd,
		intervalMs:    time.Second,
		speedChangeCh: make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}
}

// EmitPreLivePhase emits one instrument's pre-live history: every bar in
// oneMinute as a 1-minute bar, and each requested higher timeframe via
// the supplied aggregate function, all declared closed (spec.md §4.8).
// It does not filter by time; the caller passes only the bars with
// ts < liveStart.
func EmitPreLivePhase(sink Sink, aggregate func(tf string, series []model.Bar) ([]model.Bar, error), instrument string, oneMinute []model.Bar, timeframes []string) error {
	for _, b := range oneMinute {
		b.Source = model.SourceTrade
		b.IsClosed = true
		sink.EmitBar(b)
	}
	for _, tf := range timeframes {
		if tf == "1m" {
			continue
		}
		out, err := aggregate(tf, oneMinute)
		if err != nil {
			return err
		}
		for _, b := range out {
			b.IsClosed = true
			sink.EmitBar(b)
		}
	}
	return nil
}

// Run drives the replay loop until the virtual clock passes liveEnd or
// the engine is stopped. It blocks the calling goroutine; callers run it
// in its own goroutine per session.
func (e *Engine) Run() {
	defer close(e.doneCh)

	// Each deadline is the previous deadline plus the interval, not the
	// moment the last tick finished plus the interval, so time spent in
	// tick does not push later ticks back. A pause or speed change
	// restarts the chain from the current time.
	var next time.Time
	for {
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		if e.virtualT > e.liveEnd {
			e.mu.Unlock()
			e.sink.EmitControl("replay_complete")
			return
		}
		paused := e.paused
		if next.IsZero() {
			next = time.Now()
		}
		deadline := next.Add(e.intervalMs)
		e.mu.Unlock()

		if paused {
			select {
			case <-e.speedChangeCh:
				next = time.Time{}
				continue
			case <-e.doneCh:
				return
			}
		}

		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-timer.C:
		case <-e.speedChangeCh:
			timer.Stop()
			next = time.Time{}
			continue
		}

		e.tick()
		next = deadline
	}
}

// tick advances the virtual clock by one step: emit every instrument's
// due bar, or gap-skip to the earliest future bar if none are due.
func (e *Engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	anyDue := false
	earliestFuture := int64(-1)

	for _, st := range e.instruments {
		ts, ok := st.nextTs()
		if !ok {
			continue
		}
		if ts <= e.virtualT {
			e.emitDueLocked(st)
			anyDue = true
		} else if earliestFuture == -1 || ts < earliestFuture {
			earliestFuture = ts
		}
	}

	if !anyDue && earliestFuture != -1 {
		e.virtualT = earliestFuture
		return
	}
	e.virtualT += minuteMs
}

// emitDueLocked emits the next unsent 1-minute bar for st and folds it
// into each higher open aggregate. Callers must hold e.mu.
func (e *Engine) emitDueLocked(st *instrumentState) {
	b := st.bars[st.pos]
	st.pos++

	b.Source = model.SourceTrade
	b.IsClosed = true
	e.sink.EmitBar(b)

	for tf, interval := range st.timeframes {
		open := st.open[tf]
		bucket := timeframe.Bucket(e.clock, b.Timestamp, interval)

		if open == nil || open.Timestamp != bucket {
			fresh := model.Bar{
				Timestamp:  bucket,
				Open:       b.Open,
				High:       b.High,
				Low:        b.Low,
				Close:      b.Close,
				Volume:     b.Volume,
				Instrument: st.instrument,
				Timeframe:  tf,
				Source:     model.SourceTrade,
			}
			open = &fresh
		} else {
			if b.High > open.High {
				open.High = b.High
			}
			if b.Low < open.Low {
				open.Low = b.Low
			}
			open.Close = b.Close
			open.Volume += b.Volume
		}

		terminal := bucket + interval - minuteMs
		if b.Timestamp == terminal {
			open.IsClosed = true
			e.sink.EmitBar(*open)
			st.open[tf] = nil
		} else {
			open.IsClosed = false
			e.sink.EmitBar(*open)
			st.open[tf] = open
		}
	}
}

// ModifyReplay pauses/resumes and/or changes the tick interval. Virtual
// time is preserved across the change (spec.md §4.8).
func (e *Engine) ModifyReplay(pause *bool, replayIntervalMs *int64) {
	e.mu.Lock()
	if pause != nil {
		e.paused = *pause
	}
	if replayIntervalMs != nil {
		e.intervalMs = time.Duration(*replayIntervalMs) * time.Millisecond
	}
	e.mu.Unlock()

	select {
	case e.speedChangeCh <- struct{}{}:
	default:
	}
}

// Stop cancels the replay loop and releases its sink.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	select {
	case e.speedChangeCh <- struct{}{}:
	default:
	}
}

// Done reports when the run loop has exited, whether by completion or
// by Stop.
func (e *Engine) Done() <-chan struct{} {
	return e.doneCh
}

// VirtualTime returns the engine's current virtual clock position.
func (e *Engine) VirtualTime() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.virtualT
}
