package aggregator

import (
	"context"
	"sync"
	"time"

	"premium-market/internal/cache"
	"premium-market/internal/metrics"
	"premium-market/internal/models"
	"premium-market/internal/pubsub"

	"github.com/sirupsen/logrus"
)

// TopicMarket is the broadcast topic carrying the consolidated market
const TopicMarket = "market"

// Settler consumes each consolidated market before it is broadcast
type Settler interface {
	Sweep(ctx context.Context, market models.ConsolidatedMarket, now time.Time) int
}

// Config controls the aggregation tick
type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// Stats describes the most recent aggregation tick
type Stats struct {
	Ticks        int64     `json:"ticks"`
	LastTick     time.Time `json:"lastTick"`
	LastDuration string    `json:"lastDuration"`
	Symbols      int       `json:"symbols"`
	Tickers      int       `json:"tickers"`
	Stale        int       `json:"stale"`
	Undecodable  int       `json:"undecodable"`
	Settled      int64     `json:"settled"`
	Errors       int64     `json:"errors"`
}

// PremiumAggregator merges per-exchange ticker snapshots into one
// symbol -> exchange map, once per interval.
type PremiumAggregator struct {
	tickers   *cache.TickerCache
	market    *cache.MarketCache
	settler   Settler
	sink      pubsub.Sink
	exchanges []string
	cfg       Config
	logger    *logrus.Logger

	mu    sync.RWMutex
	stats Stats
}

// NewPremiumAggregator creates an aggregator over the given exchanges
func NewPremiumAggregator(
	tickers *cache.TickerCache,
	market *cache.MarketCache,
	settler Settler,
	sink pubsub.Sink,
	exchanges []string,
	cfg Config,
	logger *logrus.Logger,
) *PremiumAggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &PremiumAggregator{
		tickers:   tickers,
		market:    market,
		settler:   settler,
		sink:      sink,
		exchanges: exchanges,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start ticks until ctx is cancelled. A failed tick is logged and the next
// one starts from scratch.
func (a *PremiumAggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.Infof("🚀 Premium aggregator started (%d exchanges, every %v)", len(a.exchanges), a.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("🛑 Premium aggregator stopped")
			return
		case now := <-ticker.C:
			if _, err := a.Tick(ctx, now); err != nil {
				a.logger.WithError(err).Warn("Aggregation tick failed")
			}
		}
	}
}

// Tick builds the consolidated market, stores it, hands it to the settler
// and then broadcasts it.
func (a *PremiumAggregator) Tick(ctx context.Context, now time.Time) (models.ConsolidatedMarket, error) {
	start := time.Now()
	defer metrics.TrackLatency(start, metrics.AggregationLatency)
	metrics.AggregationTicks.Inc()

	market := make(models.ConsolidatedMarket)
	var tickers, stale, undecodable int
	var errCount int64

	for _, exchange := range a.exchanges {
		snaps, bad, err := a.tickers.Scan(ctx, exchange)
		if err != nil {
			errCount++
			metrics.AggregationErrors.WithLabelValues("scan").Inc()
			a.logger.WithError(err).WithField("exchange", exchange).Warn("Failed to scan tickers")
			continue
		}
		undecodable += bad

		for _, snap := range snaps {
			if a.isStale(snap, now) {
				stale++
				metrics.StaleTickers.WithLabelValues(exchange).Inc()
				continue
			}
			if !snap.Price.IsPositive() {
				continue
			}
			market.Put(snap)
			tickers++
		}
	}
	market.Prune()

	var writeErr error
	if err := a.market.SetMarket(ctx, market); err != nil {
		errCount++
		writeErr = err
		metrics.AggregationErrors.WithLabelValues("write").Inc()
		a.logger.WithError(err).Error("Failed to store consolidated market")
	}

	settled := 0
	if a.settler != nil {
		settled = a.settler.Sweep(ctx, market, now)
	}

	if a.sink != nil {
		if err := a.sink.Broadcast(ctx, TopicMarket, market); err != nil {
			a.logger.WithError(err).Debug("Market broadcast failed")
		}
	}

	metrics.MarketSymbols.Set(float64(len(market)))

	a.mu.Lock()
	a.stats.Ticks++
	a.stats.LastTick = now
	a.stats.LastDuration = time.Since(start).String()
	a.stats.Symbols = len(market)
	a.stats.Tickers = tickers
	a.stats.Stale = stale
	a.stats.Undecodable = undecodable
	a.stats.Settled += int64(settled)
	a.stats.Errors += errCount
	a.mu.Unlock()

	return market, writeErr
}

func (a *PremiumAggregator) isStale(snap models.TickerSnapshot, now time.Time) bool {
	if a.cfg.StaleAfter <= 0 || snap.ReceivedAt == 0 {
		return false
	}
	return now.Sub(time.UnixMilli(snap.ReceivedAt)) > a.cfg.StaleAfter
}

// Stats returns a copy of the aggregation counters
func (a *PremiumAggregator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}

// Healthy reports whether a tick completed within maxAge of now
func (a *PremiumAggregator) Healthy(now time.Time, maxAge time.Duration) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return !a.stats.LastTick.IsZero() && now.Sub(a.stats.LastTick) <= maxAge
}
