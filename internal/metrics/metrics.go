package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Exchange connection metrics
	ExchangeConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "premium_exchange_connections",
			Help: "Number of subscribed exchange WebSocket connections",
		},
		[]string{"exchange"},
	)

	ExchangeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premium_exchange_messages_total",
			Help: "Total ticker messages received from exchanges",
		},
		[]string{"exchange"},
	)

	ExchangeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premium_exchange_errors_total",
			Help: "Total exchange errors",
		},
		[]string{"exchange", "error_type"}, // dial, read, parse, heartbeat, validation
	)

	ExchangeReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premium_exchange_reconnects_total",
			Help: "Total reconnect attempts per exchange",
		},
		[]string{"exchange"},
	)

	SymbolsValidated = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "premium_symbols_validated",
			Help: "Validated symbols per exchange",
		},
		[]string{"exchange"},
	)

	// Aggregation metrics
	AggregationTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "premium_aggregation_ticks_total",
			Help: "Total aggregation ticks",
		},
	)

	AggregationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premium_aggregation_errors_total",
			Help: "Total aggregation errors",
		},
		[]string{"stage"}, // scan, write, sweep
	)

	AggregationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "premium_aggregation_latency_ms",
			Help:    "Aggregation tick latency in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 250, 500, 1000},
		},
	)

	MarketSymbols = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "premium_market_symbols",
			Help: "Symbols present in the last consolidated market",
		},
	)

	StaleTickers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premium_stale_tickers_total",
			Help: "Ticker snapshots dropped for staleness",
		},
		[]string{"exchange"},
	)

	// Prediction metrics
	PositionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premium_positions_opened_total",
			Help: "Total prediction positions opened",
		},
		[]string{"side"},
	)

	OpenRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premium_open_rejections_total",
			Help: "Open requests rejected by precondition",
		},
		[]string{"reason"},
	)

	PositionsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premium_positions_settled_total",
			Help: "Total positions settled by outcome",
		},
		[]string{"outcome"}, // win, loss, draw, liquidated
	)

	SettlementErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "premium_settlement_errors_total",
			Help: "Total per-position settlement failures",
		},
	)

	OrphansRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premium_orphans_recovered_total",
			Help: "Orphaned positions and locks recovered by the dead-man sweep",
		},
		[]string{"kind"}, // position, lock
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premium_cache_hits_total",
			Help: "Total cache hits by tier",
		},
		[]string{"tier"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premium_cache_misses_total",
			Help: "Total cache misses by tier",
		},
		[]string{"tier"},
	)

	CacheHitRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "premium_cache_hit_ratio",
			Help: "Cache hit ratio by tier (0-1)",
		},
		[]string{"tier"},
	)

	// Database metrics
	DatabaseQueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "premium_database_query_latency_ms",
			Help:    "Database query latency in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"operation"},
	)

	// Publishing metrics
	PublishSuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premium_publish_success_total",
			Help: "Total successful fan-out publishes",
		},
		[]string{"channel_type"}, // broadcast, user
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premium_publish_failures_total",
			Help: "Total failed fan-out publishes",
		},
		[]string{"channel_type"},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "premium_websocket_clients",
			Help: "Connected realtime WebSocket clients",
		},
	)
)

// RateTracker tracks rate per second for dynamic metrics
type RateTracker struct {
	count       int64
	lastCount   int64
	lastUpdated time.Time
	mu          sync.Mutex
}

func NewRateTracker() *RateTracker {
	return &RateTracker{
		lastUpdated: time.Now(),
	}
}

func (rt *RateTracker) Increment() {
	atomic.AddInt64(&rt.count, 1)
}

func (rt *RateTracker) GetRate() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rt.lastUpdated).Seconds()

	if elapsed < 1.0 {
		return 0
	}

	current := atomic.LoadInt64(&rt.count)
	rate := float64(current-rt.lastCount) / elapsed

	rt.lastCount = current
	rt.lastUpdated = now

	return rate
}

var tickerUpdatesTracker = NewRateTracker()

// TrackTicker counts one normalized ticker write
func TrackTicker(exchange string) {
	ExchangeMessages.WithLabelValues(exchange).Inc()
	tickerUpdatesTracker.Increment()
}

// GetTickerUpdatesPerSecond returns current ticker writes/sec across exchanges
func GetTickerUpdatesPerSecond() float64 {
	return tickerUpdatesTracker.GetRate()
}

// RecordCacheAccess records a cache hit or miss
func RecordCacheAccess(tier string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(tier).Inc()
	} else {
		CacheMisses.WithLabelValues(tier).Inc()
	}
	updateCacheHitRatio(tier)
}

func updateCacheHitRatio(tier string) {
	hits, _ := CacheHits.GetMetricWithLabelValues(tier)
	misses, _ := CacheMisses.GetMetricWithLabelValues(tier)
	if hits == nil || misses == nil {
		return
	}

	hitsMetric := &dto.Metric{}
	missesMetric := &dto.Metric{}
	if hits.Write(hitsMetric) != nil || misses.Write(missesMetric) != nil {
		return
	}

	total := hitsMetric.Counter.GetValue() + missesMetric.Counter.GetValue()
	if total > 0 {
		CacheHitRatio.WithLabelValues(tier).Set(hitsMetric.Counter.GetValue() / total)
	}
}

// TrackLatency is a helper to measure and record latency
func TrackLatency(start time.Time, histogram prometheus.Observer) {
	histogram.Observe(float64(time.Since(start).Milliseconds()))
}
