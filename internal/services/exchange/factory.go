package exchange

import (
	"net/http"

	"premium-market/internal/config"
	"premium-market/internal/models"
)

// NewAdapters builds an adapter for every enabled exchange, in EnabledExchanges order.
// Each validating exchange gets its own request window.
func NewAdapters(cfg *config.ExchangeConfig, httpClient *http.Client) []Adapter {
	var adapters []Adapter
	for _, name := range cfg.EnabledExchanges() {
		switch name {
		case models.ExchangeUpbit:
			adapters = append(adapters, NewUpbit(httpClient))
		case models.ExchangeBinance:
			adapters = append(adapters, NewBinance(cfg.BinanceQuote, newValidationWindow(cfg), cfg.ValidationBatch))
		case models.ExchangeBithumb:
			adapters = append(adapters, NewBithumb(httpClient))
		case models.ExchangeCoinone:
			adapters = append(adapters, NewCoinone(httpClient))
		case models.ExchangeOKX:
			adapters = append(adapters, NewOKX(cfg.OKXQuote, newValidationWindow(cfg), cfg.ValidationBatch, httpClient))
		}
	}
	return adapters
}

func newValidationWindow(cfg *config.ExchangeConfig) *WindowLimiter {
	return NewWindowLimiter(cfg.ValidationLimit, cfg.ValidationWindow)
}

// MaxAttemptsFor returns the reconnect budget for exchange; 0 retries forever
func MaxAttemptsFor(cfg *config.ExchangeConfig, exchange string) int {
	if exchange == models.ExchangeBinance {
		return cfg.BinanceMaxReconnect
	}
	return 0
}
