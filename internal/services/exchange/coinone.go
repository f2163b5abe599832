package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"premium-market/internal/models"

	"github.com/shopspring/decimal"
)

const (
	coinoneWSURL      = "wss://stream.coinone.co.kr"
	coinoneMarketsURL = "https://api.coinone.co.kr/public/v2/markets/KRW"
)

type coinoneMessage struct {
	ResponseType string         `json:"response_type"`
	Channel      string         `json:"channel"`
	Data         *coinoneTicker `json:"data"`
}

type coinoneTicker struct {
	QuoteCurrency  string          `json:"quote_currency"`
	TargetCurrency string          `json:"target_currency"`
	Timestamp      int64           `json:"timestamp"`
	Last           decimal.Decimal `json:"last"`
	YesterdayLast  decimal.Decimal `json:"yesterday_last"`
	QuoteVolume    decimal.Decimal `json:"quote_volume"`
}

type Coinone struct {
	WSURL      string
	MarketsURL string
	httpClient *http.Client
}

func NewCoinone(httpClient *http.Client) *Coinone {
	return &Coinone{
		WSURL:      coinoneWSURL,
		MarketsURL: coinoneMarketsURL,
		httpClient: defaultHTTPClient(httpClient),
	}
}

func (c *Coinone) Exchange() string { return models.ExchangeCoinone }
func (c *Coinone) Endpoint() string { return c.WSURL }

// Coinone drops connections idle for 30 minutes
func (c *Coinone) Heartbeat() Heartbeat {
	return Heartbeat{
		Kind:     HeartbeatText,
		Interval: 25 * time.Minute,
		Payload:  []byte(`{"request_type":"PING"}`),
	}
}

func (c *Coinone) SubscribeFrames(symbols []models.MarketSymbol) ([][]byte, error) {
	frames := make([][]byte, 0, len(symbols))
	for _, s := range symbols {
		frame, err := json.Marshal(map[string]interface{}{
			"request_type": "SUBSCRIBE",
			"channel":      "TICKER",
			"topic": map[string]string{
				"quote_currency":  s.Quote,
				"target_currency": s.Base,
			},
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (c *Coinone) Normalize(raw []byte, _ SymbolLookup, receivedAt time.Time) ([]models.TickerSnapshot, error) {
	var msg coinoneMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	// CONNECTED, SUBSCRIBED and PONG frames carry no ticker
	if msg.ResponseType != "DATA" || msg.Data == nil {
		return nil, nil
	}

	d := msg.Data
	if d.TargetCurrency == "" || d.QuoteCurrency == "" {
		return nil, fmt.Errorf("coinone: ticker without currency pair")
	}
	base, quote := strings.ToUpper(d.TargetCurrency), strings.ToUpper(d.QuoteCurrency)
	sym := newSymbol(models.ExchangeCoinone, base, quote, base+"-"+quote, models.SymbolValidated)
	snap, err := snapshot(models.ExchangeCoinone, sym, d.Last, d.QuoteVolume, percentChange(d.Last, d.YesterdayLast), d.Timestamp, receivedAt)
	if err != nil {
		return nil, err
	}
	return []models.TickerSnapshot{snap}, nil
}

func (c *Coinone) Discover(ctx context.Context) ([]models.MarketSymbol, error) {
	var resp struct {
		Result    string `json:"result"`
		ErrorCode string `json:"error_code"`
		Markets   []struct {
			QuoteCurrency  string `json:"quote_currency"`
			TargetCurrency string `json:"target_currency"`
			TradeStatus    int    `json:"trade_status"`
		} `json:"markets"`
	}
	if err := getJSON(ctx, c.httpClient, c.MarketsURL, &resp); err != nil {
		return nil, err
	}
	if resp.Result != "success" {
		return nil, fmt.Errorf("coinone markets: error code %s", resp.ErrorCode)
	}

	out := make([]models.MarketSymbol, 0, len(resp.Markets))
	for _, m := range resp.Markets {
		if m.TradeStatus != 1 {
			continue
		}
		base, quote := strings.ToUpper(m.TargetCurrency), strings.ToUpper(m.QuoteCurrency)
		out = append(out, newSymbol(models.ExchangeCoinone, base, quote, base+"-"+quote, models.SymbolValidated))
	}
	return out, nil
}
