package models

import "time"

// SymbolStatus tracks where a listed symbol is in validation
type SymbolStatus string

const (
	SymbolListed    SymbolStatus = "listed"    // discovered, not yet checked against the live API
	SymbolValidated SymbolStatus = "validated" // safe to subscribe
	SymbolRejected  SymbolStatus = "rejected"  // rejected by the exchange or delisted
)

// MarketSymbol is one row of the market symbol registry
type MarketSymbol struct {
	Exchange   string       `json:"exchange" yaml:"exchange"`
	Symbol     string       `json:"symbol" yaml:"symbol"` // BASE-QUOTE
	Base       string       `json:"base" yaml:"base"`
	Quote      string       `json:"quote" yaml:"quote"`
	NativeCode string       `json:"nativeCode" yaml:"native_code"` // e.g. KRW-BTC, BTCUSDT, BTC_KRW
	Status     SymbolStatus `json:"status" yaml:"status"`
	UpdatedAt  time.Time    `json:"updatedAt" yaml:"-"`
}

// Subscribable reports whether the symbol may be subscribed to
func (s MarketSymbol) Subscribable() bool {
	return s.Status == SymbolValidated
}
