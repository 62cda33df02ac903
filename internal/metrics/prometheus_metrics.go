package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics handles all Prometheus metrics for marketfeed.
type PrometheusMetrics struct {
	// Acquisition metrics
	BarsFetched       *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	VendorFetchErrors *prometheus.CounterVec

	// Live feed metrics
	TradesProcessed     *prometheus.CounterVec
	CandleEmissions     *prometheus.CounterVec
	VendorReconnects    *prometheus.CounterVec
	VendorInvalidStarts *prometheus.CounterVec

	// Session metrics
	ActiveSessions  *prometheus.GaugeVec
	SessionRejects  *prometheus.CounterVec
	TradeQueueDepth *prometheus.HistogramVec

	// Replay metrics
	ActiveReplays *prometheus.GaugeVec
	ReplayTicks   *prometheus.CounterVec

	// Service health
	ServiceUptime *prometheus.GaugeVec

	server *http.Server
}

// NewPrometheusMetrics creates a new Prometheus metrics instance.
func NewPrometheusMetrics() *PrometheusMetrics {
	metrics := &PrometheusMetrics{
		BarsFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_bars_fetched_total",
				Help: "Total number of 1-minute bars returned by the acquisition orchestrator",
			},
			[]string{"instrument", "source"},
		),

		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_cache_lookups_total",
				Help: "Bar cache lookups by outcome",
			},
			[]string{"outcome"}, // hit, miss, error
		),

		VendorFetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_vendor_fetch_errors_total",
				Help: "Errors returned by historical/live vendor fetches",
			},
			[]string{"instrument", "phase"}, // phase: historical, early_gap, late_gap, live_tail
		),

		TradesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_trades_processed_total",
				Help: "Total trades folded into live candles",
			},
			[]string{"instrument"},
		),

		CandleEmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_candle_emissions_total",
				Help: "Total candle emissions by timeframe and closed state",
			},
			[]string{"timeframe", "closed"},
		),

		VendorReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_vendor_reconnects_total",
				Help: "Total vendor stream reconnections",
			},
			[]string{"reason"},
		),

		VendorInvalidStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_vendor_invalid_start_retries_total",
				Help: "Total retries issued after the vendor rejected a requested start time",
			},
			[]string{"instrument"},
		),

		ActiveSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketfeed_active_sessions",
				Help: "Number of connected client sessions by state",
			},
			[]string{"state"},
		),

		SessionRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_session_action_rejects_total",
				Help: "Actions rejected because the session was in an incompatible state",
			},
			[]string{"action", "state"},
		),

		TradeQueueDepth: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketfeed_trade_queue_depth",
				Help:    "Trade queue depth observed when draining after an add_timeframe transition",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"instrument"},
		),

		ActiveReplays: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketfeed_active_replays",
				Help: "Number of currently running replay engines",
			},
			[]string{},
		),

		ReplayTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_replay_ticks_total",
				Help: "Total replay clock ticks, split by whether a gap skip occurred",
			},
			[]string{"kind"}, // advance, gap_skip
		),

		ServiceUptime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketfeed_service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
			[]string{"service"},
		),
	}

	prometheus.MustRegister(
		metrics.BarsFetched,
		metrics.CacheLookups,
		metrics.VendorFetchErrors,
		metrics.TradesProcessed,
		metrics.CandleEmissions,
		metrics.VendorReconnects,
		metrics.VendorInvalidStarts,
		metrics.ActiveSessions,
		metrics.SessionRejects,
		metrics.TradeQueueDepth,
		metrics.ActiveReplays,
		metrics.ReplayTicks,
		metrics.ServiceUptime,
	)

	return metrics
}

// Start starts the Prometheus metrics HTTP server.
func (m *PrometheusMetrics) Start(port string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	log.Printf("starting prometheus metrics server on port %s", port)

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("prometheus server error: %v", err)
		}
	}()

	return nil
}

// Stop stops the Prometheus metrics server.
func (m *PrometheusMetrics) Stop() error {
	if m.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return m.server.Shutdown(ctx)
}

// RecordBarsFetched records bars returned by the acquisition orchestrator,
// tagged by where they came from (cache, historical, live_tail).
func (m *PrometheusMetrics) RecordBarsFetched(instrument, source string, count int) {
	m.BarsFetched.WithLabelValues(instrument, source).Add(float64(count))
}

// RecordCacheLookup records a bar cache lookup outcome.
func (m *PrometheusMetrics) RecordCacheLookup(outcome string) {
	m.CacheLookups.WithLabelValues(outcome).Inc()
}

// RecordVendorFetchError records a failed vendor fetch for one phase of the
// acquisition procedure.
func (m *PrometheusMetrics) RecordVendorFetchError(instrument, phase string) {
	m.VendorFetchErrors.WithLabelValues(instrument, phase).Inc()
}

// RecordTradeProcessed records one trade folded into live candles.
func (m *PrometheusMetrics) RecordTradeProcessed(instrument string) {
	m.TradesProcessed.WithLabelValues(instrument).Inc()
}

// RecordCandleEmission records one candle emission.
func (m *PrometheusMetrics) RecordCandleEmission(timeframe string, closed bool) {
	state := "open"
	if closed {
		state = "closed"
	}
	m.CandleEmissions.WithLabelValues(timeframe, state).Inc()
}

// RecordVendorReconnect records a vendor stream reconnection.
func (m *PrometheusMetrics) RecordVendorReconnect(reason string) {
	m.VendorReconnects.WithLabelValues(reason).Inc()
}

// RecordVendorInvalidStartRetry records a retry forced by the vendor
// rejecting a requested start time.
func (m *PrometheusMetrics) RecordVendorInvalidStartRetry(instrument string) {
	m.VendorInvalidStarts.WithLabelValues(instrument).Inc()
}

// SetActiveSessions sets the number of sessions currently in state.
func (m *PrometheusMetrics) SetActiveSessions(state string, count int) {
	m.ActiveSessions.WithLabelValues(state).Set(float64(count))
}

// RecordSessionReject records an action rejected due to session state.
func (m *PrometheusMetrics) RecordSessionReject(action, state string) {
	m.SessionRejects.WithLabelValues(action, state).Inc()
}

// ObserveTradeQueueDepth records the queue depth drained after a timeframe
// change completes.
func (m *PrometheusMetrics) ObserveTradeQueueDepth(instrument string, depth int) {
	m.TradeQueueDepth.WithLabelValues(instrument).Observe(float64(depth))
}

// SetActiveReplays sets the number of currently running replay engines.
func (m *PrometheusMetrics) SetActiveReplays(count int) {
	m.ActiveReplays.WithLabelValues().Set(float64(count))
}

// RecordReplayTick records one replay clock tick.
func (m *PrometheusMetrics) RecordReplayTick(gapSkip bool) {
	kind := "advance"
	if gapSkip {
		kind = "gap_skip"
	}
	m.ReplayTicks.WithLabelValues(kind).Inc()
}

// SetServiceUptime sets the service uptime.
func (m *PrometheusMetrics) SetServiceUptime(service string, uptime time.Duration) {
	m.ServiceUptime.WithLabelValues(service).Set(uptime.Seconds())
}
