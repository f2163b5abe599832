package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"premium-market/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	binanceStreamURL = "wss://stream.binance.com:9443/stream"
	binanceWSAPIURL  = "wss://ws-api.binance.com:443/ws-api/v3"

	// Binance caps one SUBSCRIBE frame well above this; smaller frames keep acks fast
	binanceStreamsPerFrame = 200

	binanceInvalidSymbol = -1121
)

type binanceStreamEnvelope struct {
	Stream string           `json:"stream"`
	Data   *binanceTicker24 `json:"data"`
}

type binanceTicker24 struct {
	EventType   string          `json:"e"`
	EventTime   int64           `json:"E"`
	Symbol      string          `json:"s"`
	LastPrice   decimal.Decimal `json:"c"`
	BaseVolume  decimal.Decimal `json:"v"`
	QuoteVolume decimal.Decimal `json:"q"`
	ChangePct   decimal.Decimal `json:"P"`
}

// binanceResponse is the WebSocket API reply envelope
type binanceResponse struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// Binance streams 24h tickers and validates symbols through the WebSocket API
type Binance struct {
	StreamURL string
	WSAPIURL  string
	Quote     string
	BatchSize int
	Timeout   time.Duration

	limiter *WindowLimiter
	dialer  *websocket.Dialer
	rest    *binance.Client
}

func NewBinance(quote string, limiter *WindowLimiter, batchSize int) *Binance {
	if batchSize < 1 {
		batchSize = 50
	}
	return &Binance{
		StreamURL: binanceStreamURL,
		WSAPIURL:  binanceWSAPIURL,
		Quote:     strings.ToUpper(quote),
		BatchSize: batchSize,
		Timeout:   10 * time.Second,
		limiter:   limiter,
		dialer:    &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		rest:      binance.NewClient("", ""),
	}
}

func (b *Binance) Exchange() string { return models.ExchangeBinance }
func (b *Binance) Endpoint() string { return b.StreamURL }

// Binance pings the client; gorilla's default ping handler answers with pong
func (b *Binance) Heartbeat() Heartbeat { return Heartbeat{Kind: HeartbeatNone} }

func (b *Binance) SubscribeFrames(symbols []models.MarketSymbol) ([][]byte, error) {
	var frames [][]byte
	for i, batch := range chunk(symbols, binanceStreamsPerFrame) {
		streams := make([]string, 0, len(batch))
		for _, s := range batch {
			streams = append(streams, strings.ToLower(s.NativeCode)+"@ticker")
		}
		frame, err := json.Marshal(map[string]interface{}{
			"method": "SUBSCRIBE",
			"params": streams,
			"id":     i + 1,
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (b *Binance) Normalize(raw []byte, lookup SymbolLookup, receivedAt time.Time) ([]models.TickerSnapshot, error) {
	var env binanceStreamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	// Subscription acks carry {"result":null,"id":n}
	if env.Data == nil || env.Data.EventType != "24hrTicker" {
		return nil, nil
	}

	msg := env.Data
	sym, ok := lookup(msg.Symbol)
	if !ok {
		return nil, fmt.Errorf("binance: unknown symbol %q", msg.Symbol)
	}
	snap, err := snapshot(models.ExchangeBinance, sym, msg.LastPrice, msg.QuoteVolume, msg.ChangePct, msg.EventTime, receivedAt)
	if err != nil {
		return nil, err
	}
	return []models.TickerSnapshot{snap}, nil
}

// Discover lists trading spot pairs for the configured quote via exchangeInfo
func (b *Binance) Discover(ctx context.Context) ([]models.MarketSymbol, error) {
	info, err := b.rest.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance exchangeInfo: %w", err)
	}

	out := make([]models.MarketSymbol, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || !s.IsSpotTradingAllowed || s.QuoteAsset != b.Quote {
			continue
		}
		out = append(out, newSymbol(models.ExchangeBinance, s.BaseAsset, s.QuoteAsset, s.Symbol, models.SymbolListed))
	}
	return out, nil
}

// Validate asks the WebSocket API for exchangeInfo on each batch. Binance
// rejects the whole request with -1121 when any symbol is unknown, so
// rejected batches are bisected.
func (b *Binance) Validate(ctx context.Context, symbols []models.MarketSymbol) ([]models.MarketSymbol, []models.MarketSymbol, error) {
	if len(symbols) == 0 {
		return nil, nil, nil
	}

	conn, err := dialRPC(ctx, b.dialer, b.WSAPIURL)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()

	probe := func(ctx context.Context, batch []models.MarketSymbol) error {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		codes := make([]string, 0, len(batch))
		for _, s := range batch {
			codes = append(codes, s.NativeCode)
		}
		id := uuid.NewString()
		replies, err := conn.call(id, 1, map[string]interface{}{
			"id":     id,
			"method": "exchangeInfo",
			"params": map[string]interface{}{"symbols": codes},
		})
		if err != nil {
			return err
		}
		defer conn.tracker.Cancel(id)

		raw, err := conn.await(ctx, replies, b.Timeout)
		if err != nil {
			return err
		}

		var resp binanceResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("decode exchangeInfo reply: %w", err)
		}
		if resp.Error == nil && resp.Status == 200 {
			return nil
		}
		if resp.Error != nil && resp.Error.Code == binanceInvalidSymbol {
			return errBatchRejected
		}
		if resp.Error != nil {
			return fmt.Errorf("exchangeInfo status %d: %d %s", resp.Status, resp.Error.Code, resp.Error.Msg)
		}
		return fmt.Errorf("exchangeInfo status %d", resp.Status)
	}

	return bisectValidate(ctx, symbols, b.BatchSize, probe)
}
