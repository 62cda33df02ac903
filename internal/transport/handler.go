package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketfeed/internal/model"
	"marketfeed/internal/replay"
	"marketfeed/internal/session"
	"marketfeed/internal/supervisor"
	"marketfeed/internal/timeframe"
)

const defaultLookback = 60 * 24 * time.Hour

// Conn is the minimal outbound surface a transport needs; ws.Conn and a
// test fake both satisfy it.
type Conn interface {
	WriteMessage(data []byte) error
}

// Acquirer matches session.Acquirer so Handler doesn't need to import the
// acquisition package directly.
type Acquirer = session.Acquirer

// Aggregate matches session.Aggregate.
type Aggregate = session.Aggregate

// LiveSubscriber opens a persistent trade stream for one Handler's
// session, grounded on vendor.Client.SubscribeLiveTrades.
type LiveSubscriber func(ctx context.Context, instruments []string, startMs int64, onTrade func(model.Trade), onControl func(string)) error

// HandlerConfig carries the internal/config.SessionConfig/CacheConfig
// values a Handler needs, so a Handler built outside of cmd/server (e.g.
// in tests) doesn't have to depend on the config package. A zero value
// falls back to the same defaults the Handler used before these were
// configurable.
type HandlerConfig struct {
	// DefaultLiveData is the live_data option assumed when a get_data
	// request omits it (spec.md §6). Empty means "none" (historical
	// only), matching the protocol's default.
	DefaultLiveData string
	// TradeQueueBacklog bounds the channel bridging a vendor trade
	// stream to its session; a full channel drops trades rather than
	// blocking the stream's read pump. Zero falls back to 1024.
	TradeQueueBacklog int
	// DefaultWindow is the historical lookback assumed when a request
	// omits start_time/history_start. Zero falls back to 60 days.
	DefaultWindow time.Duration
}

// Handler owns one connected client's protocol state: its session, the
// sink that renders bars/control/error messages onto the wire, and the
// currently running replay engine, if any (spec.md §6, §4.7, §4.8).
type Handler struct {
	conn   Conn
	logger *zap.Logger

	acquirer  Acquirer
	aggregate Aggregate
	subscribe LiveSubscriber

	defaultLiveData   string
	tradeQueueBacklog int
	defaultWindow     time.Duration

	mu       sync.Mutex
	clientID string
	location *time.Location
	sess     *session.Session
	sink     *connSink

	replayEngine *replay.Engine
	replayCancel context.CancelFunc

	tradeCancel context.CancelFunc
}

// NewHandler creates a Handler for one newly accepted connection. The
// session is built lazily once set_client_id (or the first get_data)
// supplies a client ID; until then, protocol errors are reported but no
// session exists.
func NewHandler(conn Conn, acquirer Acquirer, aggregate Aggregate, subscribe LiveSubscriber, cfg HandlerConfig, logger *zap.Logger) *Handler {
	tradeQueueBacklog := cfg.TradeQueueBacklog
	if tradeQueueBacklog <= 0 {
		tradeQueueBacklog = 1024
	}
	defaultWindow := cfg.DefaultWindow
	if defaultWindow <= 0 {
		defaultWindow = defaultLookback
	}
	return &Handler{
		conn:              conn,
		logger:            logger.Named("transport"),
		acquirer:          acquirer,
		aggregate:         aggregate,
		subscribe:         subscribe,
		defaultLiveData:   cfg.DefaultLiveData,
		tradeQueueBacklog: tradeQueueBacklog,
		defaultWindow:     defaultWindow,
		location:          time.UTC,
	}
}

// HandleMessage parses one inbound JSON request and dispatches it.
func (h *Handler) HandleMessage(ctx context.Context, raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		h.writeError(fmt.Sprintf("malformed request: %v", err))
		return
	}

	var err error
	switch req.Action {
	case "set_client_id":
		err = h.handleSetClientID(req)
	case "get_data":
		err = h.handleGetData(ctx, req)
	case "add_timeframe":
		err = h.handleAddTimeframe(ctx, req)
	case "remove_timeframe":
		err = h.handleRemoveTimeframe(req)
	case "stop_data":
		h.handleStopData()
	case "get_replay":
		err = h.handleGetReplay(ctx, req)
	case "modify_replay":
		err = h.handleModifyReplay(req)
	case "stop_replay":
		h.handleStopReplay()
	default:
		err = fmt.Errorf("unrecognized action %q", req.Action)
	}

	if err != nil {
		h.writeError(err.Error())
	}
}

func (h *Handler) handleSetClientID(req Request) error {
	if req.ClientID == "" {
		return fmt.Errorf("set_client_id: missing clientid")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clientID = req.ClientID
	if h.sink == nil {
		h.sink = newConnSink(h.conn, h.locationLocked())
	}
	if h.sess == nil {
		h.sess = session.New(h.clientID, h.acquirer, h.aggregate, timeframe.MustNewSessionClock("America/New_York"), h.sink, h.logger)
	}
	return nil
}

func (h *Handler) ensureSessionLocked() {
	if h.sink == nil {
		h.sink = newConnSink(h.conn, h.locationLocked())
	}
	if h.sess == nil {
		clientID := h.clientID
		if clientID == "" {
			clientID = "anonymous"
		}
		h.sess = session.New(clientID, h.acquirer, h.aggregate, timeframe.MustNewSessionClock("America/New_York"), h.sink, h.logger)
	}
}

func (h *Handler) locationLocked() *time.Location {
	if h.location != nil {
		return h.location
	}
	return time.UTC
}

func (h *Handler) handleGetData(ctx context.Context, req Request) error {
	h.mu.Lock()
	if req.Timezone != "" {
		if loc, err := time.LoadLocation(req.Timezone); err == nil {
			h.location = loc
		}
	}
	h.ensureSessionLocked()
	sess := h.sess
	h.mu.Unlock()

	startMs, err := parseStartTime(req.StartTime, h.defaultWindow)
	if err != nil {
		return fmt.Errorf("get_data: %w", err)
	}
	endMs, err := parseEndTime(req.EndTime)
	if err != nil {
		return fmt.Errorf("get_data: %w", err)
	}

	rawLiveData := req.LiveData
	if len(rawLiveData) == 0 && h.defaultLiveData != "" {
		if d, err := json.Marshal(h.defaultLiveData); err == nil {
			rawLiveData = d
		}
	}
	liveSeconds, liveMode, err := parseLiveData(rawLiveData)
	if err != nil {
		return fmt.Errorf("get_data: %w", err)
	}

	useCache := boolOrDefault(req.UseCache, true)
	saveCache := boolOrDefault(req.SaveCache, true)

	subs := make([]model.Subscription, 0, len(req.Subscriptions))
	for _, s := range req.Subscriptions {
		subs = append(subs, model.Subscription{Instrument: s.Instrument, Timeframe: s.Timeframe})
	}

	if err := sess.GetData(ctx, subs, startMs, endMs, liveMode, useCache, saveCache); err != nil {
		return fmt.Errorf("get_data: %w", err)
	}

	if liveMode && h.subscribe != nil {
		h.startLiveTrades(ctx, sess, subs, liveSeconds)
	}
	return nil
}

// startLiveTrades opens the vendor trade stream and bridges it onto the
// session through a channel consumed on its own goroutine, never calling
// into session state from the stream's own read-pump (spec.md §9).
func (h *Handler) startLiveTrades(parent context.Context, sess *session.Session, subs []model.Subscription, liveSeconds int) {
	ctx := parent
	var cancel context.CancelFunc
	if liveSeconds > 0 {
		ctx, cancel = context.WithTimeout(parent, time.Duration(liveSeconds)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}

	h.mu.Lock()
	if h.tradeCancel != nil {
		h.tradeCancel()
	}
	h.tradeCancel = cancel
	h.mu.Unlock()
	sess.SetLiveCancel(cancel)

	instruments := make([]string, 0, len(subs))
	seen := make(map[string]bool)
	for _, s := range subs {
		if !seen[s.Instrument] {
			seen[s.Instrument] = true
			instruments = append(instruments, s.Instrument)
		}
	}

	tradeCh := make(chan model.Trade, h.tradeQueueBacklog)
	go func() {
		for x := range tradeCh {
			sess.OnTrade(x)
		}
	}()

	sup := supervisor.NewSupervisor(h.logger)
	workerName := fmt.Sprintf("session:%s:live", sess.ID())
	err := sup.AddWorker(supervisor.WorkerConfig{
		Name:           workerName,
		Stream:         "vendor-trades",
		Instruments:    strings.Join(instruments, ","),
		MaxRetries:     0, // retry until the caller's context ends (stop_data, disconnect, live_data timer)
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}, func(workerCtx context.Context) error {
		return h.subscribe(workerCtx, instruments, model.NowMs()*1_000_000, func(x model.Trade) {
			select {
			case tradeCh <- x:
			default:
				h.logger.Warn("trade channel full, dropping trade", zap.String("instrument", x.Instrument))
			}
		}, func(msg string) {
			h.sink.EmitControl(msg)
		})
	})
	if err != nil {
		h.logger.Error("failed to register live trade worker", zap.Error(err))
		close(tradeCh)
		return
	}
	if err := sup.Start(); err != nil {
		h.logger.Error("failed to start live trade worker", zap.Error(err))
		close(tradeCh)
		return
	}

	go func() {
		<-ctx.Done()
		sup.Stop()
		close(tradeCh)
	}()
}

func (h *Handler) handleAddTimeframe(ctx context.Context, req Request) error {
	h.mu.Lock()
	sess := h.sess
	h.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("add_timeframe: no active session")
	}
	if req.Instrument == "" || req.Timeframe == "" {
		return fmt.Errorf("add_timeframe: instrument and timeframe required")
	}
	return sess.AddTimeframe(ctx, req.Instrument, req.Timeframe)
}

func (h *Handler) handleRemoveTimeframe(req Request) error {
	h.mu.Lock()
	sess := h.sess
	h.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("remove_timeframe: no active session")
	}
	return sess.RemoveTimeframe(req.Instrument, req.Timeframe)
}

func (h *Handler) handleStopData() {
	h.mu.Lock()
	sess := h.sess
	if h.tradeCancel != nil {
		h.tradeCancel()
		h.tradeCancel = nil
	}
	h.mu.Unlock()
	if sess != nil {
		sess.StopData()
	}
}

func (h *Handler) handleModifyReplay(req Request) error {
	h.mu.Lock()
	engine := h.replayEngine
	h.mu.Unlock()
	if engine == nil {
		return fmt.Errorf("modify_replay: no active replay")
	}
	engine.ModifyReplay(req.Pause, req.ReplayInterval)
	return nil
}

func (h *Handler) handleStopReplay() {
	h.mu.Lock()
	engine := h.replayEngine
	cancel := h.replayCancel
	h.replayEngine = nil
	h.replayCancel = nil
	h.mu.Unlock()
	if engine != nil {
		engine.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// handleGetReplay implements get_replay (spec.md §4.8, §6): fetch the
// full 1-minute series across [history_start, live_end], emit the
// pre-live-phase bars immediately, then drive the replay engine over
// [live_start, live_end].
func (h *Handler) handleGetReplay(ctx context.Context, req Request) error {
	h.mu.Lock()
	if req.Timezone != "" {
		if loc, err := time.LoadLocation(req.Timezone); err == nil {
			h.location = loc
		}
	}
	h.ensureSessionLocked()
	sink := h.sink
	h.mu.Unlock()

	historyStart, err := parseHistoryStart(req.HistoryStart, h.defaultWindow)
	if err != nil {
		return fmt.Errorf("get_replay: %w", err)
	}
	liveStart, err := parseLiveStart(req.LiveStart)
	if err != nil {
		return fmt.Errorf("get_replay: %w", err)
	}
	liveEnd, err := parseLiveEnd(req.LiveEnd, liveStart)
	if err != nil {
		return fmt.Errorf("get_replay: %w", err)
	}

	clock := timeframe.MustNewSessionClock("America/New_York")
	seriesByInstrument := make(map[string][]model.Bar)
	tfsByInstrument := make(map[string]map[string]int64)

	for _, sub := range req.Subscriptions {
		series, err := h.acquirer.Fetch1m(ctx, sub.Instrument, historyStart, liveEnd, true, true)
		if err != nil {
			return fmt.Errorf("get_replay: acquiring %s: %w", sub.Instrument, err)
		}
		seriesByInstrument[sub.Instrument] = append(seriesByInstrument[sub.Instrument], series...)

		if tfsByInstrument[sub.Instrument] == nil {
			tfsByInstrument[sub.Instrument] = make(map[string]int64)
		}
		if sub.Timeframe != "1m" {
			interval, err := timeframe.Parse(sub.Timeframe)
			if err != nil {
				return fmt.Errorf("get_replay: %w", err)
			}
			tfsByInstrument[sub.Instrument][sub.Timeframe] = interval
		}

		var preLive []model.Bar
		for _, b := range series {
			if b.Timestamp < liveStart {
				preLive = append(preLive, b)
			}
		}
		timeframes := make([]string, 0, len(tfsByInstrument[sub.Instrument]))
		for tf := range tfsByInstrument[sub.Instrument] {
			timeframes = append(timeframes, tf)
		}
		if err := replay.EmitPreLivePhase(sink, func(tf string, bars []model.Bar) ([]model.Bar, error) {
			return h.aggregate(clock, sub.Instrument, tf, historyStart, liveStart, bars)
		}, sub.Instrument, preLive, timeframes); err != nil {
			return fmt.Errorf("get_replay: pre-live emission: %w", err)
		}
	}

	engine := replay.New(clock, sink, h.logger, liveStart, liveEnd, seriesByInstrument, tfsByInstrument)
	if req.ReplayInterval != nil {
		engine.ModifyReplay(nil, req.ReplayInterval)
	}

	replayCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.replayEngine = engine
	h.replayCancel = cancel
	h.mu.Unlock()

	go func() {
		select {
		case <-replayCtx.Done():
			engine.Stop()
		case <-engine.Done():
		}
	}()
	go engine.Run()
	return nil
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// parseStartTime implements spec.md §6: absent means now minus
// defaultWindow (internal/config.CacheConfig.DefaultWindowDuration,
// normally 60 days).
func parseStartTime(s string, defaultWindow time.Duration) (int64, error) {
	if s == "" {
		return model.NowMs() - defaultWindow.Milliseconds(), nil
	}
	return parseISOMs(s)
}

// parseEndTime implements spec.md §6: "current" or absent means "now",
// represented as the sentinel 0 the orchestrator treats as open-ended;
// any other value is parsed as an ISO timestamp, and an unparsable one
// is returned as an error.
func parseEndTime(s string) (int64, error) {
	if s == "" || strings.EqualFold(s, "current") {
		return 0, nil
	}
	return parseISOMs(s)
}

func parseISOMs(s string) (int64, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid ISO timestamp %q: %w", s, err)
	}
	return t.UnixMilli(), nil
}

// parseLiveData interprets the live_data option: "none" (0, historical
// only), "all" (0 seconds meaning "until disconnect"), or a positive
// number of seconds.
func parseLiveData(raw json.RawMessage) (seconds int, liveMode bool, err error) {
	if len(raw) == 0 {
		return 0, false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(s) {
		case "none", "":
			return 0, false, nil
		case "all":
			return 0, true, nil
		default:
			return 0, false, fmt.Errorf("invalid live_data %q", s)
		}
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n), true, nil
	}
	return 0, false, fmt.Errorf("invalid live_data value")
}

// parseHistoryStart implements spec.md §6's get_replay semantics: a
// negative number means minutes back from now, a non-negative number is
// an epoch-ms timestamp, and a string is parsed as an ISO timestamp.
// Absent means now minus defaultWindow, the same fallback parseStartTime
// uses for get_data.
func parseHistoryStart(raw json.RawMessage, defaultWindow time.Duration) (int64, error) {
	if len(raw) == 0 {
		return model.NowMs() - defaultWindow.Milliseconds(), nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 {
			return model.NowMs() + int64(n)*60_000, nil
		}
		return int64(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseISOMs(s)
	}
	return 0, fmt.Errorf("invalid history_start")
}

func parseLiveStart(s string) (int64, error) {
	if s == "" || strings.EqualFold(s, "current") {
		return model.NowMs(), nil
	}
	return parseISOMs(s)
}

// parseLiveEnd implements spec.md §6's get_replay semantics: "none" (no
// live phase — end equals start), "all" (up to now), an ISO timestamp, a
// numeric timestamp if > 1e8, or a numeric seconds-to-play relative to
// liveStart otherwise.
func parseLiveEnd(raw json.RawMessage, liveStart int64) (int64, error) {
	if len(raw) == 0 {
		return liveStart, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(s) {
		case "none":
			return liveStart, nil
		case "all":
			return model.NowMs(), nil
		default:
			return parseISOMs(s)
		}
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n > 1e8 {
			return int64(n), nil
		}
		return liveStart + int64(n*1000), nil
	}
	return 0, fmt.Errorf("invalid live_end")
}

func (h *Handler) writeError(message string) {
	data, err := json.Marshal(newErrorMessage(message))
	if err != nil {
		return
	}
	if err := h.conn.WriteMessage(data); err != nil {
		h.logger.Error("writing error message", zap.Error(err))
	}
}

// connSink renders bar/control/error emissions onto a Conn as the data,
// ctrl, and error envelopes of spec.md §6. It implements both
// session.Sink and replay.Sink.
type connSink struct {
	conn     Conn
	location *time.Location
	logger   *zap.Logger
}

func newConnSink(conn Conn, loc *time.Location) *connSink {
	return &connSink{conn: conn, location: loc}
}

func (s *connSink) EmitBar(b model.Bar) {
	msg := DataMessage{
		Mtyp:       "data",
		Timestamp:  b.Timestamp,
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     b.Volume,
		Instrument: b.Instrument,
		Timeframe:  b.Timeframe,
		Source:     string(b.Source),
		IsClosed:   b.IsClosed,
		DateTime:   formatDateTime(b.Timestamp, s.location),
	}
	s.write(msg)
}

func (s *connSink) EmitControl(message string) {
	s.write(newControlMessage(message))
}

func (s *connSink) EmitError(message string) {
	s.write(newErrorMessage(message))
}

func (s *connSink) write(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.conn.WriteMessage(data)
}
