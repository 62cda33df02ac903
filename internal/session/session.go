// Package session implements the per-client session state machine of
// spec.md §4.7: subscriptions, live/replay activity, and the trade FIFO
// queue that serializes timeframe changes against arriving trades.
//
// It is grounded on the explicit string-enum status idiom used for
// worker lifecycle tracking elsewhere in the pack (internal/supervisor),
// generalized from a worker's stopped/running/failed states to the
// idle/live_active/replay_active/changing_timeframes states this spec
// calls for. Per spec.md §9's design note, the live-trade callback from
// the vendor layer is not allowed to mutate session state directly from
// the vendor's own goroutine; it is pushed onto a channel and applied by
// the session's own loop instead, removing the callback-to-handler
// cycle.
package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"marketfeed/internal/live"
	"marketfeed/internal/model"
	"marketfeed/internal/timeframe"
)

// State is the session's explicit lifecycle state (spec.md §4.7 table),
// replacing an ad-hoc "currently changing timeframes" boolean.
type State string

const (
	StateIdle               State = "idle"
	StateLiveActive         State = "live_active"
	StateReplayActive       State = "replay_active"
	StateChangingTimeframes State = "changing_timeframes"
)

// Sink is where a session delivers bar and control emissions. The
// transport layer implements this; the session never depends on the
// transport or message-framing technology (spec.md §1, §9).
type Sink interface {
	EmitBar(model.Bar)
	EmitControl(message string)
	EmitError(message string)
}

// Acquirer resolves a 1-minute series for an instrument window. Declared
// at point of use so tests can substitute a fake instead of a live
// acquisition orchestrator.
type Acquirer interface {
	Fetch1m(ctx context.Context, instrument string, startMs, endMs int64, useCache, saveCache bool) ([]model.Bar, error)
}

// Aggregate matches aggregator.Aggregate's signature, injected so tests
// don't need the full timeframe/session-clock machinery wired through.
type Aggregate func(clock *timeframe.SessionClock, instrument, tf string, startMs, endMs int64, series []model.Bar) ([]model.Bar, error)

var errReject = func(event, state string) error {
	return fmt.Errorf("session: %s rejected in state %s", event, state)
}

// timeframeSub tracks the window origin of an instrument's live
// subscription, needed to refetch the true [original_start, now] history
// on add_timeframe regardless of which timeframe first opened the live
// feed (spec.md §4.7: 1-minute tracking is implicit once any live
// subscription on the instrument is active).
type timeframeSub struct {
	originalStartMs int64
}

// Session owns all mutable state for one connected client. All state
// transitions and state-touching operations take mu so mutation
// happens in one serial context as spec.md §5 requires, regardless of
// which goroutine (trade delivery, transport command dispatch, replay
// tick) calls in.
type Session struct {
	id     string
	logger *zap.Logger

	acquirer  Acquirer
	aggregate Aggregate
	clock     *timeframe.SessionClock
	sink      Sink

	mu          sync.Mutex
	state       State
	subs        *model.SubscriptionSet
	updaters    map[string]*live.Updater // instrument -> updater
	tfOrigin    map[string]timeframeSub  // instrument -> live subscription's window origin
	tradeQueue  []model.Trade
	liveCancel  context.CancelFunc
}

// New creates an idle session bound to clientID.
func New(clientID string, acquirer Acquirer, aggregate Aggregate, clock *timeframe.SessionClock, sink Sink, logger *zap.Logger) *Session {
	return &Session{
		id:        clientID,
		logger:    logger.Named("session").With(zap.String("client_id", clientID)),
		acquirer:  acquirer,
		aggregate: aggregate,
		clock:     clock,
		sink:      sink,
		state:     StateIdle,
		subs:      model.NewSubscriptionSet(),
		updaters:  make(map[string]*live.Updater),
		tfOrigin:  make(map[string]timeframeSub),
	}
}

// ID returns the client ID this session is bound to.
func (s *Session) ID() string {
	return s.id
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetData implements the get_data action (spec.md §6, §4.7). liveMode
// false means historical-only; liveMode true starts live tracking, which
// runs until StopData (a time-bounded live_data is enforced by the
// caller). startMs/endMs bound the historical fetch; endMs == 0 means
// "now".
func (s *Session) GetData(ctx context.Context, subs []model.Subscription, startMs, endMs int64, liveMode bool, useCache, saveCache bool) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateReplayActive, StateChangingTimeframes:
		return errReject("get_data", string(state))
	}

	for _, sub := range subs {
		s.mu.Lock()
		s.subs.Add(sub.Instrument, sub.Timeframe)
		s.mu.Unlock()

		if err := s.emitHistory(ctx, sub.Instrument, sub.Timeframe, startMs, endMs, useCache, saveCache); err != nil {
			s.logger.Error("history emission failed", zap.Error(err), zap.String("instrument", sub.Instrument))
			s.sink.EmitError(fmt.Sprintf("get_data: %s: %v", sub.Instrument, err))
		}
	}

	if !liveMode {
		s.mu.Lock()
		// get_data(live_data:"none") from live_active means "emit history
		// & stop": the client's existing live feed is torn down, not left
		// running under an idle label (spec.md §4.7).
		if s.state == StateLiveActive {
			s.stopLiveLocked()
		}
		s.state = StateIdle
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	for _, sub := range subs {
		s.ensureUpdaterLocked(sub.Instrument, endMs)
		if _, ok := s.tfOrigin[sub.Instrument]; !ok {
			s.tfOrigin[sub.Instrument] = timeframeSub{originalStartMs: startMs}
		}
		if sub.Timeframe != "1m" {
			u := s.updaters[sub.Instrument]
			interval, _ := timeframe.Parse(sub.Timeframe)
			u.AddTimeframe(sub.Timeframe, interval, nil, model.NowMs())
		}
	}
	s.state = StateLiveActive
	s.mu.Unlock()

	return nil
}

// emitHistory fetches and aggregates the historical series for one
// (instrument,timeframe) and streams it through the sink.
func (s *Session) emitHistory(ctx context.Context, instrument, tf string, startMs, endMs int64, useCache, saveCache bool) error {
	series, err := s.acquirer.Fetch1m(ctx, instrument, startMs, endMs, useCache, saveCache)
	if err != nil {
		return err
	}
	out, err := s.aggregate(s.clock, instrument, tf, startMs, endMs, series)
	if err != nil {
		return err
	}
	for _, b := range out {
		s.sink.EmitBar(b)
	}
	return nil
}

// ensureUpdaterLocked lazily creates the per-instrument live updater.
// Callers must hold s.mu.
func (s *Session) ensureUpdaterLocked(instrument string, lastClosed1mEnd int64) *live.Updater {
	if u, ok := s.updaters[instrument]; ok {
		return u
	}
	u := live.New(s.clock, instrument, lastClosed1mEnd, s.sink.EmitBar)
	s.updaters[instrument] = u
	return u
}

// AddTimeframe implements the add_timeframe procedure of spec.md §4.7:
// add the pair, enter changing_timeframes so concurrent trades queue
// instead of applying, fetch and emit the historical series, seed the
// new open candle, return to live_active, and drain the queue in order.
func (s *Session) AddTimeframe(ctx context.Context, instrument, tf string) error {
	s.mu.Lock()
	if s.state != StateLiveActive {
		state := s.state
		s.mu.Unlock()
		return errReject("add_timeframe", string(state))
	}
	s.subs.Add(instrument, tf)
	s.state = StateChangingTimeframes
	origin, ok := s.tfOrigin[instrument]
	if !ok {
		origin = timeframeSub{originalStartMs: model.NowMs()}
		s.tfOrigin[instrument] = origin
	}
	s.mu.Unlock()

	series, err := s.acquirer.Fetch1m(ctx, instrument, origin.originalStartMs, 0, true, true)
	if err != nil {
		s.mu.Lock()
		s.state = StateLiveActive
		s.mu.Unlock()
		return fmt.Errorf("add_timeframe: acquiring history: %w", err)
	}

	interval, err := timeframe.Parse(tf)
	if err != nil {
		s.mu.Lock()
		s.state = StateLiveActive
		s.mu.Unlock()
		return fmt.Errorf("add_timeframe: %w", err)
	}

	historical, err := s.aggregate(s.clock, instrument, tf, origin.originalStartMs, model.NowMs(), series)
	if err != nil {
		s.mu.Lock()
		s.state = StateLiveActive
		s.mu.Unlock()
		return fmt.Errorf("add_timeframe: aggregating history: %w", err)
	}
	for _, b := range historical {
		s.sink.EmitBar(b)
	}

	s.mu.Lock()
	u := s.ensureUpdaterLocked(instrument, model.NowMs())
	var lastAgg *model.Bar
	if n := len(historical); n > 0 && !historical[n-1].IsClosed {
		lastAgg = &historical[n-1]
	}
	u.AddTimeframe(tf, interval, lastAgg, model.NowMs())

	s.state = StateLiveActive
	queued := s.tradeQueue
	s.tradeQueue = nil
	s.mu.Unlock()

	for _, x := range queued {
		s.applyTrade(x)
	}
	return nil
}

// RemoveTimeframe drops the (instrument,timeframe) pair and discards its
// open higher candle; 1-minute tracking persists while any timeframe on
// that instrument remains (spec.md §4.7).
func (s *Session) RemoveTimeframe(instrument, tf string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateLiveActive {
		return errReject("remove_timeframe", string(s.state))
	}

	s.subs.Remove(instrument, tf)
	if u, ok := s.updaters[instrument]; ok && tf != "1m" {
		u.RemoveTimeframe(tf)
	}
	return nil
}

// stopLiveLocked cancels the active live stream and releases its
// per-instrument updaters and window origins. Callers must hold s.mu.
func (s *Session) stopLiveLocked() {
	if s.liveCancel != nil {
		s.liveCancel()
		s.liveCancel = nil
	}
	s.updaters = make(map[string]*live.Updater)
	s.tfOrigin = make(map[string]timeframeSub)
}

// StopData ends the live feed, cancels its upstream stream, and releases
// its updaters; "stop" tears the feed down rather than just relabeling
// the state (spec.md §4.7).
func (s *Session) StopData() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateLiveActive || s.state == StateChangingTimeframes {
		s.stopLiveLocked()
		s.state = StateIdle
	}
}

// SetLiveCancel records the cancel function for the session's upstream
// trade subscription, invoked by StopData and session teardown.
func (s *Session) SetLiveCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveCancel = cancel
}

// OnTrade is the single entry point trades reach the session through.
// Per spec.md §9's design note, the vendor subscription's callback
// pushes onto a channel consumed by the owning goroutine, which calls
// this method — never the other way around. While changing_timeframes,
// trades are queued in arrival order instead of applied (spec.md §4.7,
// testable property 7).
func (s *Session) OnTrade(x model.Trade) {
	s.mu.Lock()
	if s.state == StateChangingTimeframes {
		s.tradeQueue = append(s.tradeQueue, x)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.applyTrade(x)
}

func (s *Session) applyTrade(x model.Trade) {
	s.mu.Lock()
	u, ok := s.updaters[x.Instrument]
	s.mu.Unlock()
	if !ok {
		return
	}
	u.OnTrade(x)
}
