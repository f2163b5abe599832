package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Exchange names used as cache key segments and registry partitions
const (
	ExchangeUpbit   = "upbit"
	ExchangeBinance = "binance"
	ExchangeBithumb = "bithumb"
	ExchangeCoinone = "coinone"
	ExchangeOKX     = "okx"
)

// TickerSnapshot is the latest observed price/volume/change for one trading pair on one exchange
type TickerSnapshot struct {
	Exchange   string          `json:"exchange"`
	Base       string          `json:"baseToken"`
	Quote      string          `json:"quoteToken"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`    // 24h
	Change24h  decimal.Decimal `json:"change24h"` // percent, signed
	Timestamp  int64           `json:"timestamp"` // epoch ms, exchange-reported
	ReceivedAt int64           `json:"receivedAt"`
}

// Symbol returns the BASE-QUOTE form used across the pipeline
func (t *TickerSnapshot) Symbol() string {
	return FormatSymbol(t.Base, t.Quote)
}

// FormatSymbol joins base and quote into BASE-QUOTE
func FormatSymbol(base, quote string) string {
	return strings.ToUpper(base) + "-" + strings.ToUpper(quote)
}

// ParseSymbol splits BASE-QUOTE
func ParseSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid symbol %q, expected BASE-QUOTE", symbol)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}

// ConsolidatedMarket maps symbol -> exchange -> latest ticker
type ConsolidatedMarket map[string]map[string]TickerSnapshot

// Put adds a snapshot, creating the symbol bucket on demand
func (m ConsolidatedMarket) Put(snap TickerSnapshot) {
	symbol := snap.Symbol()
	bucket, ok := m[symbol]
	if !ok {
		bucket = make(map[string]TickerSnapshot)
		m[symbol] = bucket
	}
	bucket[snap.Exchange] = snap
}

// Price returns the latest price for symbol on exchange
func (m ConsolidatedMarket) Price(symbol, exchange string) (decimal.Decimal, bool) {
	bucket, ok := m[symbol]
	if !ok {
		return decimal.Zero, false
	}
	snap, ok := bucket[exchange]
	if !ok || !snap.Price.IsPositive() {
		return decimal.Zero, false
	}
	return snap.Price, true
}

// Prune drops symbols that ended up with no exchanges
func (m ConsolidatedMarket) Prune() {
	for symbol, bucket := range m {
		if len(bucket) == 0 {
			delete(m, symbol)
		}
	}
}

// Symbols returns the sorted symbol list
func (m ConsolidatedMarket) Symbols() []string {
	symbols := make([]string, 0, len(m))
	for symbol := range m {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}
