package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"premium-market/internal/cache"
	"premium-market/internal/models"
	"premium-market/internal/pubsub"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// TopicExchangeRate is the broadcast topic carrying the USD/KRW rate
const TopicExchangeRate = "exchange-rate"

const (
	defaultRateURL   = "https://quotation-api-cdn.dunamu.com/v1/forex/recent?codes=FRX.KRWUSD"
	defaultGlobalURL = "https://api.coingecko.com/api/v3/global"
)

// forexQuote is one entry of the dunamu forex response
type forexQuote struct {
	Code      string          `json:"code"`
	BasePrice decimal.Decimal `json:"basePrice"`
	Provider  string          `json:"provider"`
	Timestamp int64           `json:"timestamp"`
}

// globalResponse is the CoinGecko /global payload
type globalResponse struct {
	Data struct {
		TotalMarketCap      map[string]decimal.Decimal `json:"total_market_cap"`
		TotalVolume         map[string]decimal.Decimal `json:"total_volume"`
		MarketCapPercentage map[string]decimal.Decimal `json:"market_cap_percentage"`
		MarketCapChange24h  decimal.Decimal            `json:"market_cap_change_percentage_24h_usd"`
		UpdatedAt           int64                      `json:"updated_at"`
	} `json:"data"`
}

func fetchJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func newHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// RateFeeder polls the USD/KRW quote, caches it and broadcasts it
type RateFeeder struct {
	url        string
	interval   time.Duration
	httpClient *http.Client
	market     *cache.MarketCache
	sink       pubsub.Sink
	logger     *logrus.Logger
}

// NewRateFeeder creates a feeder polling url every interval
func NewRateFeeder(url string, interval time.Duration, httpClient *http.Client, market *cache.MarketCache, sink pubsub.Sink, logger *logrus.Logger) *RateFeeder {
	if url == "" {
		url = defaultRateURL
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &RateFeeder{
		url:        url,
		interval:   interval,
		httpClient: newHTTPClient(httpClient),
		market:     market,
		sink:       sink,
		logger:     logger,
	}
}

// Start refreshes immediately and then every interval until ctx ends
func (f *RateFeeder) Start(ctx context.Context) {
	f.logger.Infof("💱 Exchange rate feeder started (every %v)", f.interval)
	runEvery(ctx, f.interval, func() {
		if _, err := f.Refresh(ctx); err != nil {
			f.logger.WithError(err).Warn("Failed to refresh exchange rate")
		}
	})
}

// Refresh fetches the current rate once
func (f *RateFeeder) Refresh(ctx context.Context) (*models.ExchangeRate, error) {
	var quotes []forexQuote
	if err := fetchJSON(ctx, f.httpClient, f.url, &quotes); err != nil {
		return nil, err
	}
	if len(quotes) == 0 || !quotes[0].BasePrice.IsPositive() {
		return nil, fmt.Errorf("no usable USD/KRW quote in response")
	}

	q := quotes[0]
	rate := &models.ExchangeRate{
		Pair:      "USD/KRW",
		Rate:      q.BasePrice,
		Source:    q.Provider,
		UpdatedAt: time.Now().UTC(),
	}
	if q.Timestamp > 0 {
		rate.UpdatedAt = time.UnixMilli(q.Timestamp).UTC()
	}

	// outlive a few missed polls before readers see a miss
	if err := f.market.SetExchangeRate(ctx, rate, 4*f.interval); err != nil {
		return nil, fmt.Errorf("cache exchange rate: %w", err)
	}
	if f.sink != nil {
		if err := f.sink.Broadcast(ctx, TopicExchangeRate, rate); err != nil {
			f.logger.WithError(err).Debug("Exchange rate broadcast failed")
		}
	}
	f.logger.WithField("rate", rate.Rate.String()).Debug("Exchange rate refreshed")
	return rate, nil
}

// GlobalMetricsFeeder fetches the global market-cap snapshot
type GlobalMetricsFeeder struct {
	url        string
	interval   time.Duration
	httpClient *http.Client
	market     *cache.MarketCache
	logger     *logrus.Logger
}

func NewGlobalMetricsFeeder(url string, interval time.Duration, httpClient *http.Client, market *cache.MarketCache, logger *logrus.Logger) *GlobalMetricsFeeder {
	if url == "" {
		url = defaultGlobalURL
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &GlobalMetricsFeeder{
		url:        url,
		interval:   interval,
		httpClient: newHTTPClient(httpClient),
		market:     market,
		logger:     logger,
	}
}

func (f *GlobalMetricsFeeder) Start(ctx context.Context) {
	f.logger.Infof("🌐 Global metrics feeder started (every %v)", f.interval)
	runEvery(ctx, f.interval, func() {
		if _, err := f.Refresh(ctx); err != nil {
			f.logger.WithError(err).Warn("Failed to refresh global metrics")
		}
	})
}

// Refresh fetches and caches the snapshot once
func (f *GlobalMetricsFeeder) Refresh(ctx context.Context) (*models.GlobalMetrics, error) {
	var resp globalResponse
	if err := fetchJSON(ctx, f.httpClient, f.url, &resp); err != nil {
		return nil, err
	}

	d := resp.Data
	gm := &models.GlobalMetrics{
		TotalMarketCapUSD:   d.TotalMarketCap["usd"],
		TotalVolumeUSD:      d.TotalVolume["usd"],
		BTCDominance:        d.MarketCapPercentage["btc"],
		ETHDominance:        d.MarketCapPercentage["eth"],
		MarketCapChange24hP: d.MarketCapChange24h,
		UpdatedAt:           time.Now().UTC(),
	}
	if !gm.TotalMarketCapUSD.IsPositive() {
		return nil, fmt.Errorf("global metrics response has no USD market cap")
	}
	if d.UpdatedAt > 0 {
		gm.UpdatedAt = time.Unix(d.UpdatedAt, 0).UTC()
	}

	if err := f.market.SetGlobalMetrics(ctx, gm, 2*f.interval); err != nil {
		return nil, fmt.Errorf("cache global metrics: %w", err)
	}
	return gm, nil
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	fn()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
