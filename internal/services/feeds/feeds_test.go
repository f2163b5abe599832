package feeds_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"premium-market/internal/cache"
	"premium-market/internal/pubsub"
	"premium-market/internal/services/feeds"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRateFeederCachesAndBroadcasts(t *testing.T) {
	srv := serve(t, http.StatusOK, `[{"code":"FRX.KRWUSD","currencyCode":"USD","basePrice":1352.5,"provider":"hana","timestamp":1704067200000}]`)

	logger := quietLogger()
	markets := cache.NewMarketCache(cache.NewMemoryCache(), logger)
	rec := &pubsub.Recorder{}
	feeder := feeds.NewRateFeeder(srv.URL, 0, srv.Client(), markets, rec, logger)

	rate, err := feeder.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !rate.Rate.Equal(decimal.RequireFromString("1352.5")) || rate.Source != "hana" {
		t.Fatalf("rate = %+v", rate)
	}
	if rate.UpdatedAt.UnixMilli() != 1704067200000 {
		t.Fatalf("UpdatedAt = %v", rate.UpdatedAt)
	}

	cached, err := markets.GetExchangeRate(context.Background())
	if err != nil {
		t.Fatalf("GetExchangeRate: %v", err)
	}
	if !cached.Rate.Equal(rate.Rate) {
		t.Fatalf("cached rate = %s", cached.Rate)
	}

	b := rec.Broadcasts()
	if len(b) != 1 || b[0].Target != feeds.TopicExchangeRate {
		t.Fatalf("broadcasts = %+v", b)
	}
}

func TestRateFeederRejectsBadResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", http.StatusServiceUnavailable, `[]`},
		{"empty list", http.StatusOK, `[]`},
		{"zero price", http.StatusOK, `[{"basePrice":0}]`},
		{"malformed", http.StatusOK, `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.status, tt.body)
			logger := quietLogger()
			markets := cache.NewMarketCache(cache.NewMemoryCache(), logger)
			rec := &pubsub.Recorder{}
			feeder := feeds.NewRateFeeder(srv.URL, 0, srv.Client(), markets, rec, logger)

			if _, err := feeder.Refresh(context.Background()); err == nil {
				t.Fatal("expected error")
			}
			if _, err := markets.GetExchangeRate(context.Background()); !cache.IsMiss(err) {
				t.Fatalf("expected cache miss, got %v", err)
			}
			if len(rec.Broadcasts()) != 0 {
				t.Fatal("nothing should be broadcast on failure")
			}
		})
	}
}

func TestGlobalMetricsFeeder(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"data":{
		"total_market_cap":{"usd":2500000000000,"krw":1},
		"total_volume":{"usd":90000000000},
		"market_cap_percentage":{"btc":52.1,"eth":16.4},
		"market_cap_change_percentage_24h_usd":-1.25,
		"updated_at":1704067200}}`)

	logger := quietLogger()
	markets := cache.NewMarketCache(cache.NewMemoryCache(), logger)
	feeder := feeds.NewGlobalMetricsFeeder(srv.URL, 0, srv.Client(), markets, logger)

	gm, err := feeder.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !gm.BTCDominance.Equal(decimal.RequireFromString("52.1")) ||
		!gm.MarketCapChange24hP.Equal(decimal.RequireFromString("-1.25")) ||
		gm.UpdatedAt.Unix() != 1704067200 {
		t.Fatalf("metrics = %+v", gm)
	}

	cached, err := markets.GetGlobalMetrics(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !cached.TotalMarketCapUSD.Equal(decimal.NewFromInt(2500000000000)) {
		t.Fatalf("cached cap = %s", cached.TotalMarketCapUSD)
	}
}

func TestGlobalMetricsFeederNeedsMarketCap(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"data":{}}`)
	logger := quietLogger()
	feeder := feeds.NewGlobalMetricsFeeder(srv.URL, 0, srv.Client(), cache.NewMarketCache(cache.NewMemoryCache(), logger), logger)
	if _, err := feeder.Refresh(context.Background()); err == nil {
		t.Fatal("expected error for empty payload")
	}
}
