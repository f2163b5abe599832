package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"premium-market/internal/models"

	"github.com/sirupsen/logrus"
)

// TickerCache reads and writes per-exchange ticker snapshots.
type TickerCache struct {
	cache  Cache
	logger *logrus.Logger
}

func NewTickerCache(c Cache, logger *logrus.Logger) *TickerCache {
	return &TickerCache{
		cache:  c,
		logger: logger,
	}
}

// Write stores the snapshot unconditionally; last write wins.
func (c *TickerCache) Write(ctx context.Context, snap *models.TickerSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, TickerKey(snap.Exchange, snap.Symbol()), data, 0)
}

// Scan returns every snapshot stored for exchange. Undecodable entries are
// skipped and counted in the second return value.
func (c *TickerCache) Scan(ctx context.Context, exchange string) ([]models.TickerSnapshot, int, error) {
	keys, err := c.cache.Keys(ctx, ExchangeTickerPrefix(exchange))
	if err != nil {
		return nil, 0, fmt.Errorf("list %s tickers: %w", exchange, err)
	}
	if len(keys) == 0 {
		return nil, 0, nil
	}

	values, err := c.cache.GetMany(ctx, keys...)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s tickers: %w", exchange, err)
	}

	snaps := make([]models.TickerSnapshot, 0, len(values))
	bad := 0
	for i, raw := range values {
		if raw == nil {
			continue
		}
		var snap models.TickerSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			bad++
			c.logger.WithError(err).WithField("key", keys[i]).Debug("Skipping undecodable ticker")
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, bad, nil
}

// MarketCache holds the consolidated market and the secondary feeds.
type MarketCache struct {
	cache  Cache
	logger *logrus.Logger
}

func NewMarketCache(c Cache, logger *logrus.Logger) *MarketCache {
	return &MarketCache{
		cache:  c,
		logger: logger,
	}
}

// SetMarket overwrites the previous consolidated market wholesale
func (c *MarketCache) SetMarket(ctx context.Context, market models.ConsolidatedMarket) error {
	data, err := json.Marshal(market)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, MarketKey, data, 0)
}

// GetMarket retrieves the last consolidated market
func (c *MarketCache) GetMarket(ctx context.Context) (models.ConsolidatedMarket, error) {
	data, err := c.cache.Get(ctx, MarketKey)
	if err != nil {
		return nil, err
	}

	var market models.ConsolidatedMarket
	if err := json.Unmarshal(data, &market); err != nil {
		return nil, err
	}
	return market, nil
}

// SetExchangeRate caches the USD/KRW rate
func (c *MarketCache) SetExchangeRate(ctx context.Context, rate *models.ExchangeRate, ttl time.Duration) error {
	data, err := json.Marshal(rate)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, ExchangeRateKey, data, ttl)
}

// GetExchangeRate retrieves the cached USD/KRW rate
func (c *MarketCache) GetExchangeRate(ctx context.Context) (*models.ExchangeRate, error) {
	data, err := c.cache.Get(ctx, ExchangeRateKey)
	if err != nil {
		return nil, err
	}

	var rate models.ExchangeRate
	if err := json.Unmarshal(data, &rate); err != nil {
		return nil, err
	}
	return &rate, nil
}

// SetGlobalMetrics caches the global market-cap snapshot
func (c *MarketCache) SetGlobalMetrics(ctx context.Context, gm *models.GlobalMetrics, ttl time.Duration) error {
	data, err := json.Marshal(gm)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, GlobalKey, data, ttl)
}

// GetGlobalMetrics retrieves the cached global market-cap snapshot
func (c *MarketCache) GetGlobalMetrics(ctx context.Context) (*models.GlobalMetrics, error) {
	data, err := c.cache.Get(ctx, GlobalKey)
	if err != nil {
		return nil, err
	}

	var gm models.GlobalMetrics
	if err := json.Unmarshal(data, &gm); err != nil {
		return nil, err
	}
	return &gm, nil
}

// IsMiss reports whether err means the key was absent
func IsMiss(err error) bool {
	return errors.Is(err, ErrMiss)
}

