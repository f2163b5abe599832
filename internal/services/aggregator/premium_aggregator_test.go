package aggregator_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"premium-market/internal/cache"
	"premium-market/internal/models"
	"premium-market/internal/services/aggregator"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type event struct {
	kind   string
	market models.ConsolidatedMarket
}

// journal records settler and sink calls in the order they happen
type journal struct {
	mu     sync.Mutex
	events []event
}

func (j *journal) add(kind string, market models.ConsolidatedMarket) {
	j.mu.Lock()
	j.events = append(j.events, event{kind: kind, market: market})
	j.mu.Unlock()
}

func (j *journal) Sweep(_ context.Context, market models.ConsolidatedMarket, _ time.Time) int {
	j.add("sweep", market)
	return 1
}

func (j *journal) Broadcast(_ context.Context, topic string, payload interface{}) error {
	market, _ := payload.(models.ConsolidatedMarket)
	j.add("broadcast:"+topic, market)
	return nil
}

func (j *journal) EmitToUser(context.Context, string, interface{}) error { return nil }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func snapshot(exchange, base, quote, price string, receivedAt time.Time) *models.TickerSnapshot {
	return &models.TickerSnapshot{
		Exchange:   exchange,
		Base:       base,
		Quote:      quote,
		Price:      decimal.RequireFromString(price),
		Volume:     decimal.NewFromInt(1),
		Timestamp:  receivedAt.UnixMilli(),
		ReceivedAt: receivedAt.UnixMilli(),
	}
}

func TestTickConsolidatesAndSettlesBeforeBroadcast(t *testing.T) {
	ctx := context.Background()
	logger := quietLogger()
	mem := cache.NewMemoryCache()
	tickers := cache.NewTickerCache(mem, logger)
	markets := cache.NewMarketCache(mem, logger)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, snap := range []*models.TickerSnapshot{
		snapshot(models.ExchangeUpbit, "BTC", "KRW", "90000000", now.Add(-time.Second)),
		snapshot(models.ExchangeBinance, "BTC", "USDT", "65000", now.Add(-time.Second)),
		snapshot(models.ExchangeUpbit, "ETH", "KRW", "4000000", now.Add(-2*time.Minute)),
	} {
		if err := tickers.Write(ctx, snap); err != nil {
			t.Fatal(err)
		}
	}
	if err := mem.Set(ctx, cache.TickerKey(models.ExchangeBinance, "BAD-USDT"), []byte("{"), 0); err != nil {
		t.Fatal(err)
	}

	j := &journal{}
	agg := aggregator.NewPremiumAggregator(tickers, markets, j, j,
		[]string{models.ExchangeUpbit, models.ExchangeBinance},
		aggregator.Config{Interval: time.Second, StaleAfter: time.Minute}, logger)

	market, err := agg.Tick(ctx, now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if _, ok := market["ETH-KRW"]; ok {
		t.Fatal("stale ETH-KRW should have been pruned")
	}
	if price, ok := market.Price("BTC-KRW", models.ExchangeUpbit); !ok || !price.Equal(decimal.NewFromInt(90000000)) {
		t.Fatalf("BTC-KRW upbit price = %v, %v", price, ok)
	}
	if _, ok := market.Price("BTC-USDT", models.ExchangeBinance); !ok {
		t.Fatal("BTC-USDT binance missing")
	}

	stored, err := markets.GetMarket(ctx)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored symbols = %v", stored.Symbols())
	}

	if len(j.events) != 2 || j.events[0].kind != "sweep" || j.events[1].kind != "broadcast:market" {
		t.Fatalf("events = %+v", j.events)
	}
	if len(j.events[0].market) != len(j.events[1].market) {
		t.Fatal("settler and broadcast saw different snapshots")
	}

	stats := agg.Stats()
	if stats.Symbols != 2 || stats.Tickers != 2 || stats.Stale != 1 || stats.Undecodable != 1 || stats.Settled != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if !agg.Healthy(now.Add(2*time.Second), 3*time.Second) {
		t.Fatal("aggregator should be healthy right after a tick")
	}
	if agg.Healthy(now.Add(time.Minute), 3*time.Second) {
		t.Fatal("aggregator should be unhealthy once ticks stop")
	}
}

func TestTickOverwritesPreviousMarket(t *testing.T) {
	ctx := context.Background()
	logger := quietLogger()
	mem := cache.NewMemoryCache()
	tickers := cache.NewTickerCache(mem, logger)
	markets := cache.NewMarketCache(mem, logger)
	agg := aggregator.NewPremiumAggregator(tickers, markets, nil, nil,
		[]string{models.ExchangeUpbit}, aggregator.Config{Interval: time.Second}, logger)

	now := time.Now()
	if err := tickers.Write(ctx, snapshot(models.ExchangeUpbit, "XRP", "KRW", "800", now)); err != nil {
		t.Fatal(err)
	}
	if _, err := agg.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}
	if err := mem.Delete(ctx, cache.TickerKey(models.ExchangeUpbit, "XRP-KRW")); err != nil {
		t.Fatal(err)
	}
	if _, err := agg.Tick(ctx, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	stored, err := markets.GetMarket(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 0 {
		t.Fatalf("expected empty market after ticker removal, got %v", stored.Symbols())
	}
	if agg.Stats().Ticks != 2 {
		t.Fatalf("ticks = %d", agg.Stats().Ticks)
	}
}
