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
	bithumbWSURL     = "wss://pubwss.bithumb.com/pub/ws"
	bithumbTickerURL = "https://api.bithumb.com/public/ticker/ALL_KRW"
)

var kst = time.FixedZone("KST", 9*3600)

type bithumbMessage struct {
	Type    string          `json:"type"`
	Status  string          `json:"status"`
	Content *bithumbContent `json:"content"`
}

type bithumbContent struct {
	Symbol     string          `json:"symbol"` // BTC_KRW
	ClosePrice decimal.Decimal `json:"closePrice"`
	Value      decimal.Decimal `json:"value"`
	ChgRate    decimal.Decimal `json:"chgRate"`
	Date       string          `json:"date"` // YYYYMMDD
	Time       string          `json:"time"` // HHMMSS
}

type Bithumb struct {
	WSURL      string
	TickerURL  string
	httpClient *http.Client
}

func NewBithumb(httpClient *http.Client) *Bithumb {
	return &Bithumb{
		WSURL:      bithumbWSURL,
		TickerURL:  bithumbTickerURL,
		httpClient: defaultHTTPClient(httpClient),
	}
}

func (b *Bithumb) Exchange() string     { return models.ExchangeBithumb }
func (b *Bithumb) Endpoint() string     { return b.WSURL }
func (b *Bithumb) Heartbeat() Heartbeat { return Heartbeat{Kind: HeartbeatNone} }

func (b *Bithumb) SubscribeFrames(symbols []models.MarketSymbol) ([][]byte, error) {
	codes := make([]string, 0, len(symbols))
	for _, s := range symbols {
		codes = append(codes, s.NativeCode)
	}
	frame, err := json.Marshal(map[string]interface{}{
		"type":      "ticker",
		"symbols":   codes,
		"tickTypes": []string{"24H"},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (b *Bithumb) Normalize(raw []byte, _ SymbolLookup, receivedAt time.Time) ([]models.TickerSnapshot, error) {
	var msg bithumbMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	// {"status":"0000","resmsg":"..."} acknowledges connect and filter frames
	if msg.Type != "ticker" || msg.Content == nil {
		return nil, nil
	}

	c := msg.Content
	base, quote, ok := strings.Cut(c.Symbol, "_")
	if !ok || base == "" || quote == "" {
		return nil, fmt.Errorf("bithumb: unexpected symbol %q", c.Symbol)
	}

	ts := receivedAt.UnixMilli()
	if t, err := time.ParseInLocation("20060102150405", c.Date+c.Time, kst); err == nil {
		ts = t.UnixMilli()
	}

	sym := newSymbol(models.ExchangeBithumb, base, quote, c.Symbol, models.SymbolValidated)
	snap, err := snapshot(models.ExchangeBithumb, sym, c.ClosePrice, c.Value, c.ChgRate, ts, receivedAt)
	if err != nil {
		return nil, err
	}
	return []models.TickerSnapshot{snap}, nil
}

// Discover reads the market set from the ALL_KRW ticker; every key of data
// except "date" is a base currency
func (b *Bithumb) Discover(ctx context.Context) ([]models.MarketSymbol, error) {
	var resp struct {
		Status string                     `json:"status"`
		Data   map[string]json.RawMessage `json:"data"`
	}
	if err := getJSON(ctx, b.httpClient, b.TickerURL, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "0000" {
		return nil, fmt.Errorf("bithumb ticker status %s", resp.Status)
	}

	out := make([]models.MarketSymbol, 0, len(resp.Data))
	for base := range resp.Data {
		if base == "date" {
			continue
		}
		base = strings.ToUpper(base)
		out = append(out, newSymbol(models.ExchangeBithumb, base, "KRW", base+"_KRW", models.SymbolValidated))
	}
	return out, nil
}
