package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"premium-market/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	upbitWSURL      = "wss://api.upbit.com/websocket/v1"
	upbitMarketsURL = "https://api.upbit.com/v1/market/all"
)

type upbitTicker struct {
	Type             string          `json:"type"`
	Code             string          `json:"code"` // KRW-BTC
	TradePrice       decimal.Decimal `json:"trade_price"`
	AccTradePrice24h decimal.Decimal `json:"acc_trade_price_24h"`
	SignedChangeRate decimal.Decimal `json:"signed_change_rate"`
	Timestamp        int64           `json:"timestamp"`
}

type upbitMarket struct {
	Market string `json:"market"`
}

// Upbit is the primary KRW price source. Its listing needs no live validation.
type Upbit struct {
	WSURL      string
	MarketsURL string
	httpClient *http.Client
}

func NewUpbit(httpClient *http.Client) *Upbit {
	return &Upbit{
		WSURL:      upbitWSURL,
		MarketsURL: upbitMarketsURL,
		httpClient: defaultHTTPClient(httpClient),
	}
}

func (u *Upbit) Exchange() string { return models.ExchangeUpbit }
func (u *Upbit) Endpoint() string { return u.WSURL }

func (u *Upbit) Heartbeat() Heartbeat {
	return Heartbeat{Kind: HeartbeatProtocolPing, Interval: 30 * time.Second}
}

func (u *Upbit) SubscribeFrames(symbols []models.MarketSymbol) ([][]byte, error) {
	codes := make([]string, 0, len(symbols))
	for _, s := range symbols {
		codes = append(codes, s.NativeCode)
	}
	frame, err := json.Marshal([]interface{}{
		map[string]string{"ticket": uuid.NewString()},
		map[string]interface{}{"type": "ticker", "codes": codes},
		map[string]string{"format": "DEFAULT"},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (u *Upbit) Normalize(raw []byte, _ SymbolLookup, receivedAt time.Time) ([]models.TickerSnapshot, error) {
	var msg upbitTicker
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Type != "ticker" {
		return nil, nil
	}

	quote, base, ok := strings.Cut(msg.Code, "-")
	if !ok || quote == "" || base == "" {
		return nil, fmt.Errorf("upbit: unexpected code %q", msg.Code)
	}
	sym := newSymbol(models.ExchangeUpbit, base, quote, msg.Code, models.SymbolValidated)
	snap, err := snapshot(models.ExchangeUpbit, sym,
		msg.TradePrice,
		msg.AccTradePrice24h,
		msg.SignedChangeRate.Mul(decimal.NewFromInt(100)),
		msg.Timestamp, receivedAt)
	if err != nil {
		return nil, err
	}
	return []models.TickerSnapshot{snap}, nil
}

// Discover lists KRW markets from the market/all endpoint
func (u *Upbit) Discover(ctx context.Context) ([]models.MarketSymbol, error) {
	var markets []upbitMarket
	if err := getJSON(ctx, u.httpClient, u.MarketsURL, &markets); err != nil {
		return nil, err
	}

	out := make([]models.MarketSymbol, 0, len(markets))
	for _, m := range markets {
		quote, base, ok := strings.Cut(m.Market, "-")
		if !ok || quote != "KRW" {
			continue
		}
		out = append(out, newSymbol(models.ExchangeUpbit, base, quote, m.Market, models.SymbolValidated))
	}
	return out, nil
}
