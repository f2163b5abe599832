package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"premium-market/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	okxWSURL          = "wss://ws.okx.com:8443/ws/v5/public"
	okxInstrumentsURL = "https://www.okx.com/api/v5/public/instruments?instType=SPOT"

	okxArgsPerFrame = 100
)

type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxMessage struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   *okxArg         `json:"arg"`
	Data  []okxTickerData `json:"data"`
}

type okxTickerData struct {
	InstID    string          `json:"instId"` // BTC-USDT
	Last      decimal.Decimal `json:"last"`
	Open24h   decimal.Decimal `json:"open24h"`
	VolCcy24h decimal.Decimal `json:"volCcy24h"`
	Ts        string          `json:"ts"`
}

// OKX streams the tickers channel. Unknown instruments are only reported as
// error events after a subscribe, so validation runs on a throwaway connection.
type OKX struct {
	WSURL          string
	InstrumentsURL string
	Quote          string
	BatchSize      int
	Timeout        time.Duration

	limiter    *WindowLimiter
	dialer     *websocket.Dialer
	httpClient *http.Client
}

func NewOKX(quote string, limiter *WindowLimiter, batchSize int, httpClient *http.Client) *OKX {
	if batchSize < 1 {
		batchSize = 50
	}
	return &OKX{
		WSURL:          okxWSURL,
		InstrumentsURL: okxInstrumentsURL,
		Quote:          strings.ToUpper(quote),
		BatchSize:      batchSize,
		Timeout:        10 * time.Second,
		limiter:        limiter,
		dialer:         &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		httpClient:     defaultHTTPClient(httpClient),
	}
}

func (o *OKX) Exchange() string { return models.ExchangeOKX }
func (o *OKX) Endpoint() string { return o.WSURL }

// OKX closes connections silent for 30s; the "pong" reply is dropped by Normalize
func (o *OKX) Heartbeat() Heartbeat {
	return Heartbeat{Kind: HeartbeatText, Interval: 20 * time.Second, Payload: []byte("ping")}
}

func okxSubscribeFrame(id string, symbols []models.MarketSymbol) ([]byte, error) {
	args := make([]okxArg, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, okxArg{Channel: "tickers", InstID: s.NativeCode})
	}
	frame := map[string]interface{}{"op": "subscribe", "args": args}
	if id != "" {
		frame["id"] = id
	}
	return json.Marshal(frame)
}

func (o *OKX) SubscribeFrames(symbols []models.MarketSymbol) ([][]byte, error) {
	var frames [][]byte
	for _, batch := range chunk(symbols, okxArgsPerFrame) {
		frame, err := okxSubscribeFrame("", batch)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (o *OKX) Normalize(raw []byte, _ SymbolLookup, receivedAt time.Time) ([]models.TickerSnapshot, error) {
	if string(raw) == "pong" {
		return nil, nil
	}

	var msg okxMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Event == "error" {
		return nil, fmt.Errorf("okx error %s: %s", msg.Code, msg.Msg)
	}
	if msg.Event != "" || msg.Arg == nil || msg.Arg.Channel != "tickers" {
		return nil, nil
	}

	out := make([]models.TickerSnapshot, 0, len(msg.Data))
	for _, d := range msg.Data {
		base, quote, ok := strings.Cut(d.InstID, "-")
		if !ok || base == "" || quote == "" {
			return out, fmt.Errorf("okx: unexpected instId %q", d.InstID)
		}
		ts, err := strconv.ParseInt(d.Ts, 10, 64)
		if err != nil {
			ts = receivedAt.UnixMilli()
		}
		sym := newSymbol(models.ExchangeOKX, base, quote, d.InstID, models.SymbolValidated)
		snap, err := snapshot(models.ExchangeOKX, sym, d.Last, d.VolCcy24h, percentChange(d.Last, d.Open24h), ts, receivedAt)
		if err != nil {
			return out, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (o *OKX) Discover(ctx context.Context) ([]models.MarketSymbol, error) {
	var resp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			InstID   string `json:"instId"`
			BaseCcy  string `json:"baseCcy"`
			QuoteCcy string `json:"quoteCcy"`
			State    string `json:"state"`
		} `json:"data"`
	}
	if err := getJSON(ctx, o.httpClient, o.InstrumentsURL, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("okx instruments: %s %s", resp.Code, resp.Msg)
	}

	out := make([]models.MarketSymbol, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.State != "live" || strings.ToUpper(d.QuoteCcy) != o.Quote {
			continue
		}
		out = append(out, newSymbol(models.ExchangeOKX, d.BaseCcy, d.QuoteCcy, d.InstID, models.SymbolListed))
	}
	return out, nil
}

// Validate subscribes each batch with a request id and counts the acks. An
// error event for the id means at least one instrument does not exist.
func (o *OKX) Validate(ctx context.Context, symbols []models.MarketSymbol) ([]models.MarketSymbol, []models.MarketSymbol, error) {
	if len(symbols) == 0 {
		return nil, nil, nil
	}

	conn, err := dialRPC(ctx, o.dialer, o.WSURL)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()

	probe := func(ctx context.Context, batch []models.MarketSymbol) error {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		id := strings.ReplaceAll(uuid.NewString(), "-", "")
		frame, err := okxSubscribeFrame(id, batch)
		if err != nil {
			return err
		}
		replies, err := conn.call(id, len(batch), json.RawMessage(frame))
		if err != nil {
			return err
		}
		defer conn.tracker.Cancel(id)

		acked := 0
		for acked < len(batch) {
			raw, err := conn.await(ctx, replies, o.Timeout)
			if err != nil {
				return err
			}
			var msg okxMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				return fmt.Errorf("decode okx reply: %w", err)
			}
			switch msg.Event {
			case "subscribe":
				acked++
			case "error":
				return errors.Join(errBatchRejected, fmt.Errorf("okx %s: %s", msg.Code, msg.Msg))
			}
		}
		return nil
	}

	return bisectValidate(ctx, symbols, o.BatchSize, probe)
}
