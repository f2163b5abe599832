package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeRate is the cached USD/KRW quote
type ExchangeRate struct {
	Pair      string          `json:"pair"`
	Rate      decimal.Decimal `json:"rate"`
	Source    string          `json:"source"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// GlobalMetrics is the daily global market-cap snapshot
type GlobalMetrics struct {
	TotalMarketCapUSD   decimal.Decimal `json:"totalMarketCapUsd"`
	TotalVolumeUSD      decimal.Decimal `json:"totalVolumeUsd"`
	BTCDominance        decimal.Decimal `json:"btcDominance"`
	ETHDominance        decimal.Decimal `json:"ethDominance"`
	MarketCapChange24hP decimal.Decimal `json:"marketCapChange24hPercent"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}
