package ancillary

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	mfredis "marketfeed/pkg/redis"
)

// StrategyEvent is published whenever an annotation tied to a strategy is
// saved or deleted, so every currently-connected client subscribed to
// that strategy receives a "strategy" mtyp message (spec.md §5, §6).
type StrategyEvent struct {
	ClientID   string          `json:"client_id"`
	Action     string          `json:"action"` // "anno_saved" or "anno_deleted"
	Instrument string          `json:"instrument,omitempty"`
	Timeframe  string          `json:"timeframe,omitempty"`
	Object     json.RawMessage `json:"object,omitempty"`
	Timestamp  time.Time       `json:"-"`
}

func (e StrategyEvent) GetClientID() string     { return e.ClientID }
func (e StrategyEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e StrategyEvent) GetEventType() string    { return e.Action }

// Fanout broadcasts strategy subscriber events across processes via
// Redis pub/sub, consulting the strategy's subscriber list fresh at
// dispatch time rather than caching it (spec.md §5).
type Fanout struct {
	store  *Store
	redis  *mfredis.Client
	logger *zap.Logger
}

// NewFanout builds a Fanout over the ancillary store and a Redis client.
func NewFanout(store *Store, redisClient *mfredis.Client, logger *zap.Logger) *Fanout {
	return &Fanout{store: store, redis: redisClient, logger: logger.Named("fanout")}
}

// PublishAnnotationSaved notifies every subscriber of the strategy that
// owns this annotation.
func (f *Fanout) PublishAnnotationSaved(ctx context.Context, strategyClientID string, a Annotation) error {
	return f.publish(ctx, strategyClientID, StrategyEvent{
		ClientID:   a.ClientID,
		Action:     "anno_saved",
		Instrument: a.Instrument,
		Timeframe:  a.Timeframe,
		Object:     a.Object,
		Timestamp:  time.Now(),
	})
}

// PublishAnnotationDeleted notifies every subscriber of the strategy that
// owns the deleted annotation.
func (f *Fanout) PublishAnnotationDeleted(ctx context.Context, strategyClientID, annotationClientID, uniqueID string) error {
	return f.publish(ctx, strategyClientID, StrategyEvent{
		ClientID:  annotationClientID,
		Action:    "anno_deleted",
		Object:    json.RawMessage(`"` + uniqueID + `"`),
		Timestamp: time.Now(),
	})
}

func (f *Fanout) publish(ctx context.Context, strategyClientID string, event StrategyEvent) error {
	subscribers, err := f.store.Subscribers(ctx, strategyClientID)
	if err != nil {
		return err
	}
	if len(subscribers) == 0 {
		return nil
	}

	events := make(map[string][]mfredis.Event, len(subscribers))
	for _, subscriberID := range subscribers {
		channel := mfredis.BuildChannelName(subscriberID)
		events[channel] = []mfredis.Event{event}
	}

	if err := f.redis.PublishBatch(ctx, events); err != nil {
		f.logger.Error("strategy fan-out publish failed", zap.String("strategy", strategyClientID), zap.Error(err))
		return err
	}
	return nil
}
