package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"marketfeed/internal/acquisition"
	"marketfeed/internal/ancillary"
	"marketfeed/internal/aggregator"
	"marketfeed/internal/barcache"
	"marketfeed/internal/config"
	"marketfeed/internal/metrics"
	"marketfeed/internal/transport"
	"marketfeed/internal/vendor"
	"marketfeed/pkg/broadcaster"
	mfredis "marketfeed/pkg/redis"
)

// Service wires every collaborator of spec.md's market-data engine into
// one running process: the durable bar cache, the ancillary
// settings/annotations/strategies store, the vendor client and
// acquisition orchestrator, the Prometheus exporter, and a WebSocket
// listener that hands each connection its own transport.Handler.
type Service struct {
	config *config.Config
	logger *zap.Logger

	cache        *barcache.Store
	ancillary    *ancillary.Store
	vendorClient *vendor.Client
	orchestrator *acquisition.Orchestrator
	redisClient  *mfredis.Client
	fanout       *ancillary.Fanout
	registry     *broadcaster.Registry
	promMetrics  *metrics.PrometheusMetrics

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	fmt.Println("marketfeed: starting market-data aggregation and distribution service")

	svc := &Service{}

	if err := svc.initialize(); err != nil {
		fmt.Printf("failed to initialize marketfeed: %v\n", err)
		os.Exit(1)
	}

	if err := svc.start(); err != nil {
		fmt.Printf("failed to start marketfeed: %v\n", err)
		os.Exit(1)
	}

	svc.waitForShutdown()

	if err := svc.shutdown(); err != nil {
		fmt.Printf("error during shutdown: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("marketfeed stopped gracefully")
}

func (svc *Service) initialize() error {
	var err error
	svc.ctx, svc.cancel = context.WithCancel(context.Background())

	svc.logger, err = setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	svc.logger.Info("initializing marketfeed")

	configPath := os.Getenv("MARKETFEED_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	loader := config.NewConfigLoader()
	svc.config, err = loader.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	svc.logger.Info("configuration loaded",
		zap.String("vendor_url", svc.config.Vendor.URL),
		zap.String("cache_path", svc.config.Cache.Path),
		zap.String("listen_addr", svc.config.Server.ListenAddr),
	)

	svc.cache, err = barcache.Open(svc.config.Cache.Path, svc.logger)
	if err != nil {
		return fmt.Errorf("failed to open bar cache: %w", err)
	}

	svc.ancillary, err = ancillary.Open(svc.config.Ancillary.Path, svc.logger)
	if err != nil {
		return fmt.Errorf("failed to open ancillary store: %w", err)
	}

	svc.vendorClient = vendor.NewClient(
		svc.config.Vendor.URL,
		svc.config.Vendor.APIKey,
		svc.config.Vendor.HandshakeTimeoutDuration(),
		svc.config.Vendor.MaxInvalidStartRetry,
		svc.logger,
	)
	svc.orchestrator = acquisition.New(
		svc.cache,
		svc.vendorClient,
		svc.config.Cache.EarlyCushionDuration(),
		svc.config.Cache.LateCushionDuration(),
		svc.logger,
	)

	svc.redisClient, err = mfredis.NewClient(mfredis.ClientConfig{
		URL:      fmt.Sprintf("redis://%s", svc.config.GetRedisAddress()),
		DB:       svc.config.GetRedisDatabase(),
		Password: svc.config.Redis.Password,
		PoolSize: svc.config.Redis.PoolSize,
	}, svc.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	svc.fanout = ancillary.NewFanout(svc.ancillary, svc.redisClient, svc.logger)
	svc.registry = broadcaster.NewRegistry(svc.logger)

	if svc.config.Monitoring.MetricsEnabled {
		svc.promMetrics = metrics.NewPrometheusMetrics()
	}

	svc.logger.Info("core components initialized")
	return nil
}

func setupLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

func (svc *Service) start() error {
	svc.logger.Info("starting marketfeed")

	if svc.promMetrics != nil {
		go func() {
			if err := svc.promMetrics.Start(fmt.Sprintf("%d", svc.config.Monitoring.PrometheusPort)); err != nil {
				svc.logger.Error("prometheus metrics server stopped", zap.Error(err))
			}
		}()
	}

	go svc.startWebSocketServer()

	svc.logger.Info("marketfeed operational",
		zap.String("listen_addr", svc.config.Server.ListenAddr),
	)
	return nil
}

func (svc *Service) startWebSocketServer() {
	upgrader := websocket.Upgrader{
		CheckOrigin:       func(r *http.Request) bool { return true },
		EnableCompression: true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			svc.logger.Error("failed to upgrade websocket connection", zap.Error(err))
			return
		}
		svc.handleConnection(wsConn)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "healthy",
			"service": "marketfeed",
		})
	})
	mux.HandleFunc("/annotations", svc.handleAnnotations)
	mux.HandleFunc("/strategies", svc.handleStrategies)

	svc.httpServer = &http.Server{Addr: svc.config.Server.ListenAddr, Handler: mux}
	svc.logger.Info("websocket listener starting", zap.String("addr", svc.config.Server.ListenAddr))
	if err := svc.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		svc.logger.Fatal("websocket server failed", zap.Error(err))
	}
}

// wsConn adapts *websocket.Conn to transport.Conn and broadcaster.Conn,
// serializing concurrent writes the way a single connection requires.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// handleConnection owns one client's lifetime: it builds a transport
// handler bound to the shared orchestrator/aggregator/vendor-subscribe
// collaborators, relays inbound frames to it, registers the connection
// under its client ID once known so strategy fan-out can reach it
// locally, and tears everything down when the socket closes.
func (svc *Service) handleConnection(raw *websocket.Conn) {
	conn := &wsConn{conn: raw}
	h := transport.NewHandler(conn, svc.orchestrator, aggregator.Aggregate, svc.vendorClient.SubscribeLiveTrades, transport.HandlerConfig{
		DefaultLiveData:   svc.config.Session.DefaultLiveData,
		TradeQueueBacklog: svc.config.Session.TradeQueueBacklog,
		DefaultWindow:     svc.config.Cache.DefaultWindowDuration(),
	}, svc.logger)

	ctx, cancel := context.WithCancel(svc.ctx)
	defer cancel()

	var registeredID string
	defer func() {
		if registeredID != "" {
			svc.registry.Unregister(registeredID, conn)
		}
		raw.Close()
	}()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				svc.logger.Warn("client disconnected unexpectedly", zap.String("remote_addr", raw.RemoteAddr().String()), zap.Error(err))
			} else {
				svc.logger.Info("client disconnected", zap.String("remote_addr", raw.RemoteAddr().String()))
			}
			return
		}

		h.HandleMessage(ctx, data)

		if clientID := peekClientID(data); clientID != "" && clientID != registeredID {
			if registeredID != "" {
				svc.registry.Unregister(registeredID, conn)
			}
			registeredID = clientID
			svc.registry.Register(registeredID, conn)
		}
	}
}

// peekClientID extracts the clientid field from a set_client_id request
// without involving transport.Handler's own parsing, so the registry can
// be kept in step with whatever session the handler just bound.
func peekClientID(raw []byte) string {
	var probe struct {
		Action   string `json:"action"`
		ClientID string `json:"clientid"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	if probe.Action != "set_client_id" {
		return ""
	}
	return probe.ClientID
}

// annotationRequest is the wire shape for saving or deleting an
// annotation over the out-of-core-scope ancillary CRUD surface
// (spec.md §6). strategyClientID names the strategy whose subscriber
// list the save/delete should fan out to; it is usually the annotation
// author's own client ID but may name a different strategy owner when a
// collaborator annotates on someone else's shared strategy.
type annotationRequest struct {
	StrategyClientID string          `json:"strategy_client_id"`
	ClientID         string          `json:"client_id"`
	UniqueID         string          `json:"unique_id"`
	Instrument       string          `json:"instrument"`
	Timeframe        string          `json:"timeframe"`
	AnnoType         string          `json:"annotype"`
	Object           json.RawMessage `json:"object"`
}

func (svc *Service) handleAnnotations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodPost:
		var req annotationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a := ancillary.Annotation{
			ClientID:   req.ClientID,
			UniqueID:   req.UniqueID,
			Instrument: req.Instrument,
			Timeframe:  req.Timeframe,
			AnnoType:   req.AnnoType,
			Object:     req.Object,
		}
		if err := svc.ancillary.SaveAnnotation(ctx, a); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		svc.fanOutAnnotationSaved(ctx, req.StrategyClientID, a)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		var req annotationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := svc.ancillary.DeleteAnnotation(ctx, req.ClientID, req.UniqueID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		svc.fanOutAnnotationDeleted(ctx, req.StrategyClientID, req.ClientID, req.UniqueID)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (svc *Service) handleStrategies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodPost:
		var st ancillary.Strategy
		if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := svc.ancillary.SaveStrategy(ctx, st); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		clientID := r.URL.Query().Get("client_id")
		st, err := svc.ancillary.GetStrategy(ctx, clientID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// fanOutAnnotationSaved publishes the strategy event over Redis (reaching
// subscribers held by any process) and, for any subscriber this process
// itself holds the connection for, delivers it immediately without
// waiting on the pub/sub round trip.
func (svc *Service) fanOutAnnotationSaved(ctx context.Context, strategyClientID string, a ancillary.Annotation) {
	if err := svc.fanout.PublishAnnotationSaved(ctx, strategyClientID, a); err != nil {
		svc.logger.Error("strategy fan-out failed", zap.String("strategy", strategyClientID), zap.Error(err))
		return
	}
	svc.deliverLocally(ctx, strategyClientID, "anno_saved", a.Instrument, a.Timeframe, a.Object)
}

func (svc *Service) fanOutAnnotationDeleted(ctx context.Context, strategyClientID, annotationClientID, uniqueID string) {
	if err := svc.fanout.PublishAnnotationDeleted(ctx, strategyClientID, annotationClientID, uniqueID); err != nil {
		svc.logger.Error("strategy fan-out failed", zap.String("strategy", strategyClientID), zap.Error(err))
		return
	}
	svc.deliverLocally(ctx, strategyClientID, "anno_deleted", "", "", json.RawMessage(`"`+uniqueID+`"`))
}

// deliverLocally mirrors ancillary.Fanout's "subscribers consulted fresh
// at dispatch time" rule for the in-process short-circuit: subscribers
// connected to this server instance get the strategy message directly
// through the connection registry instead of waiting on their own Redis
// subscription to round-trip.
func (svc *Service) deliverLocally(ctx context.Context, strategyClientID, action, instrument, timeframe string, object json.RawMessage) {
	subscribers, err := svc.ancillary.Subscribers(ctx, strategyClientID)
	if err != nil {
		svc.logger.Warn("local subscriber lookup failed", zap.String("strategy", strategyClientID), zap.Error(err))
		return
	}
	msg := transport.StrategyMessage{
		Mtyp:       "strategy",
		Action:     action,
		ClientID:   strategyClientID,
		Instrument: instrument,
		Timeframe:  timeframe,
		Object:     object,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, subscriberID := range subscribers {
		svc.registry.SendTo(subscriberID, data)
	}
}

func (svc *Service) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	svc.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
}

func (svc *Service) shutdown() error {
	svc.logger.Info("shutting down marketfeed")

	svc.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if svc.httpServer != nil {
		if err := svc.httpServer.Shutdown(shutdownCtx); err != nil {
			svc.logger.Error("error shutting down websocket server", zap.Error(err))
		}
	}

	if svc.promMetrics != nil {
		if err := svc.promMetrics.Stop(); err != nil {
			svc.logger.Error("error stopping prometheus metrics", zap.Error(err))
		}
	}

	if err := svc.redisClient.Close(); err != nil {
		svc.logger.Error("error closing redis client", zap.Error(err))
	}
	if err := svc.ancillary.Close(); err != nil {
		svc.logger.Error("error closing ancillary store", zap.Error(err))
	}
	if err := svc.cache.Close(); err != nil {
		svc.logger.Error("error closing bar cache", zap.Error(err))
	}

	svc.logger.Info("marketfeed shutdown complete")
	return nil
}
