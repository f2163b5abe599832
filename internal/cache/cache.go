// Package cache is the shared key-value layer every pipeline component reads and writes.
// Redis backs it in production; MemoryCache serves tests and single-box runs.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
var ErrMiss = errors.New("cache: key not found")

// Cache is the primitive surface the pipeline relies on. SetNX is the only
// mutual-exclusion primitive; TTLs provide auto-expiry of ephemeral state.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// GetMany returns values in key order; missing keys yield nil entries.
	GetMany(ctx context.Context, keys ...string) ([][]byte, error)
	// Set stores value; ttl 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Keys lists every key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Key layout
const (
	TickerPrefix    = "ticker:"
	LockPrefix      = "predict:lock:"
	PositionPrefix  = "predict:position:"
	RatioPrefix     = "predict:ratio:"
	MarketKey       = "premium:market"
	ExchangeRateKey = "premium:exchange-rate"
	GlobalKey       = "premium:global-metrics"
)

func TickerKey(exchange, symbol string) string { return TickerPrefix + exchange + ":" + symbol }
func ExchangeTickerPrefix(exchange string) string { return TickerPrefix + exchange + ":" }
func LockKey(userID string) string             { return LockPrefix + userID }
func PositionKey(userID string) string         { return PositionPrefix + userID }
func RatioKey(market string) string            { return RatioPrefix + market }
