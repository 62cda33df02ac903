// Package acquisition implements the acquisition orchestrator of
// spec.md §4.4: given an instrument and a requested window, it produces a
// sorted, deduplicated 1-minute bar series by combining the durable cache,
// a historical backfill, and (for open-ended requests) a live-bar tail
// fetch, applying the cushion heuristics that keep the cache from going
// stale at its edges.
//
// It is grounded on the historical/live fusion logic that stitches
// cached, backfilled, and streaming candles into one series elsewhere in
// the pack, rewritten against this module's vendor and cache packages and
// with the fusion's implicit "now" handling made an explicit openEnded
// case per SPEC_FULL.md's Open Question decision: an explicit end
// overrides the cushion rather than being nudged toward "now".
package acquisition

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketfeed/internal/barcache"
	"marketfeed/internal/model"
	"marketfeed/internal/vendor"
)

// vendorFetcher is the subset of *vendor.Client the orchestrator needs,
// declared at point of use so tests can substitute a fake instead of
// dialing a real vendor connection.
type vendorFetcher interface {
	FetchHistorical(ctx context.Context, instrument string, startMs, endMs int64) ([]model.Bar, error)
	FetchLive1m(ctx context.Context, instruments []string, startMs, endMs int64) ([]model.Bar, error)
}

const (
	// DefaultEarlyCushionMs: an early-side gap smaller than this is
	// tolerated without a historical refetch (spec.md §4.4), used when
	// the caller doesn't configure internal/config.CacheConfig's cushion.
	DefaultEarlyCushionMs = int64(3 * 24 * 60 * 60 * 1000)

	// DefaultLateCushionMs: for an open-ended ("now") request, a
	// late-side gap smaller than this is tolerated without a historical
	// refetch. An explicit end always refetches the late gap regardless
	// of size (spec.md §4.4, §9 Open Question: "explicit end overrides
	// cushion").
	DefaultLateCushionMs = int64(3 * 60 * 60 * 1000)

	oneMinuteMs = int64(60_000)
)

// vendorRequestsPerSecond caps outbound historical/live requests to the
// vendor so a burst of session windows opening at once cannot overrun its
// connection limits.
const vendorRequestsPerSecond = 5

// Orchestrator resolves 1-minute bar windows from the cache, the vendor's
// historical endpoint, and the vendor's live feed.
type Orchestrator struct {
	cache  *barcache.Store
	vendor vendorFetcher
	limit  *rate.Limiter
	logger *zap.Logger

	earlyCushionMs int64
	lateCushionMs  int64
}

// New builds an Orchestrator bound to the given cache and vendor client.
// earlyCushion and lateCushion come from internal/config.CacheConfig and
// fall back to the spec's defaults (3 days, 3 hours) when zero.
func New(cache *barcache.Store, vendorClient *vendor.Client, earlyCushion, lateCushion time.Duration, logger *zap.Logger) *Orchestrator {
	earlyCushionMs := earlyCushion.Milliseconds()
	if earlyCushionMs <= 0 {
		earlyCushionMs = DefaultEarlyCushionMs
	}
	lateCushionMs := lateCushion.Milliseconds()
	if lateCushionMs <= 0 {
		lateCushionMs = DefaultLateCushionMs
	}
	return &Orchestrator{
		cache:          cache,
		vendor:         vendorClient,
		limit:          rate.NewLimiter(rate.Limit(vendorRequestsPerSecond), vendorRequestsPerSecond),
		logger:         logger.Named("acquisition"),
		earlyCushionMs: earlyCushionMs,
		lateCushionMs:  lateCushionMs,
	}
}

// Fetch1m resolves a sorted, deduplicated 1-minute series covering
// [startMs, endMs]. endMs == 0 means the caller meant "now": the live
// cushion applies and the vendor's live feed fills the very recent tail.
// A non-zero endMs is an explicit end: the late gap is always refetched
// regardless of the cushion, and no live fetch is attempted (spec.md
// §4.4).
//
// If useCache, cached bars seed the series before any vendor calls. If
// saveCache, newly fetched historical and live bars are persisted back to
// the cache; bars that were already read from the cache are not
// rewritten. A historical failure against an empty cache fails the call;
// failures filling the early or late gap of a non-empty cache are logged
// and otherwise ignored (spec.md §4.4 step 5).
func (o *Orchestrator) Fetch1m(ctx context.Context, instrument string, startMs, endMs int64, useCache, saveCache bool) ([]model.Bar, error) {
	openEnded := endMs == 0
	effectiveEnd := endMs
	if openEnded {
		effectiveEnd = model.NowMs()
	}
	if effectiveEnd < startMs {
		return nil, fmt.Errorf("acquisition: end %d precedes start %d", effectiveEnd, startMs)
	}

	var cached []model.Bar
	if useCache {
		var err error
		cached, err = o.cache.GetRange(ctx, instrument, "1m", startMs, effectiveEnd)
		if err != nil {
			o.logger.Error("cache read failed, degrading to empty", zap.Error(err))
			cached = nil
		}
	}

	byTs := make(map[int64]model.Bar, len(cached))
	for _, b := range cached {
		byTs[b.Timestamp] = b
	}
	var fetched []model.Bar

	if len(cached) == 0 {
		hist, err := o.fetchHistorical(ctx, instrument, startMs, effectiveEnd)
		if err != nil {
			return nil, fmt.Errorf("acquisition: historical fetch against empty cache: %w", err)
		}
		for _, b := range hist {
			byTs[b.Timestamp] = b
		}
		fetched = append(fetched, hist...)
	} else {
		earliest, latest := rangeOf(cached)

		if startMs < earliest && earliest-startMs > o.earlyCushionMs {
			hist, err := o.fetchHistorical(ctx, instrument, startMs, earliest-oneMinuteMs)
			if err != nil {
				o.logger.Warn("early cushion backfill failed", zap.Error(err), zap.String("instrument", instrument))
			} else {
				for _, b := range hist {
					byTs[b.Timestamp] = b
				}
				fetched = append(fetched, hist...)
			}
		}

		if effectiveEnd > latest {
			needLateFetch := !openEnded || effectiveEnd-latest > o.lateCushionMs
			if needLateFetch {
				hist, err := o.fetchHistorical(ctx, instrument, latest+oneMinuteMs, effectiveEnd)
				if err != nil {
					o.logger.Warn("late cushion backfill failed", zap.Error(err), zap.String("instrument", instrument))
				} else {
					for _, b := range hist {
						byTs[b.Timestamp] = b
					}
					fetched = append(fetched, hist...)
				}
			}
		}
	}

	if openEnded {
		tailStart := startMs
		if last := latestTimestamp(byTs); last >= 0 {
			tailStart = last + oneMinuteMs
		}
		if tailStart <= effectiveEnd {
			if err := o.limit.Wait(ctx); err != nil {
				return nil, fmt.Errorf("acquisition: rate limit wait: %w", err)
			}
			live, err := o.vendor.FetchLive1m(ctx, []string{instrument}, tailStart, effectiveEnd)
			if err != nil {
				o.logger.Warn("live tail fetch failed", zap.Error(err), zap.String("instrument", instrument))
			} else {
				for _, b := range live {
					byTs[b.Timestamp] = b
				}
				fetched = append(fetched, live...)
			}
		}
	}

	if saveCache && len(fetched) > 0 {
		if err := o.cache.InsertBatch(ctx, fetched); err != nil {
			o.logger.Error("failed to persist fetched bars", zap.Error(err), zap.String("instrument", instrument))
		}
	}

	return sortedRange(byTs, startMs, effectiveEnd), nil
}

func (o *Orchestrator) fetchHistorical(ctx context.Context, instrument string, startMs, endMs int64) ([]model.Bar, error) {
	if err := o.limit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return o.vendor.FetchHistorical(ctx, instrument, startMs, endMs)
}

func rangeOf(bars []model.Bar) (earliest, latest int64) {
	earliest, latest = bars[0].Timestamp, bars[0].Timestamp
	for _, b := range bars {
		if b.Timestamp < earliest {
			earliest = b.Timestamp
		}
		if b.Timestamp > latest {
			latest = b.Timestamp
		}
	}
	return earliest, latest
}

func latestTimestamp(byTs map[int64]model.Bar) int64 {
	max := int64(-1)
	for ts := range byTs {
		if ts > max {
			max = ts
		}
	}
	return max
}

func sortedRange(byTs map[int64]model.Bar, startMs, endMs int64) []model.Bar {
	out := make([]model.Bar, 0, len(byTs))
	for _, b := range byTs {
		if b.Timestamp >= startMs && b.Timestamp <= endMs {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}
