// Package exchange holds the per-exchange ticker clients. Each exchange is an
// Adapter that knows its wire format; Client owns the connection lifecycle.
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

// HeartbeatKind selects how a client keeps its connection alive
type HeartbeatKind int

const (
	HeartbeatNone HeartbeatKind = iota
	// HeartbeatProtocolPing sends WebSocket ping control frames
	HeartbeatProtocolPing
	// HeartbeatText sends Payload as an application text frame
	HeartbeatText
)

type Heartbeat struct {
	Kind     HeartbeatKind
	Interval time.Duration
	Payload  []byte
}

// readTimeout is how long a connection may stay silent before it is presumed dead
func (h Heartbeat) readTimeout() time.Duration {
	if h.Kind == HeartbeatNone || h.Interval <= 0 {
		return 90 * time.Second
	}
	return 3 * h.Interval
}

// SymbolLookup resolves an exchange-native market code to a registry symbol
type SymbolLookup func(nativeCode string) (models.MarketSymbol, bool)

// Adapter translates one exchange's wire protocol
type Adapter interface {
	Exchange() string
	Endpoint() string
	Heartbeat() Heartbeat
	// SubscribeFrames builds the text frames that subscribe to symbols
	SubscribeFrames(symbols []models.MarketSymbol) ([][]byte, error)
	// Normalize parses one inbound frame. Control frames (acks, pongs)
	// yield no snapshots and no error.
	Normalize(raw []byte, lookup SymbolLookup, receivedAt time.Time) ([]models.TickerSnapshot, error)
	// Discover lists the exchange's tradable markets
	Discover(ctx context.Context) ([]models.MarketSymbol, error)
}

// Validator is implemented by adapters that must check symbols against the
// live API before subscribing
type Validator interface {
	Validate(ctx context.Context, symbols []models.MarketSymbol) (valid, invalid []models.MarketSymbol, err error)
}

func newSymbol(exchange, base, quote, native string, status models.SymbolStatus) models.MarketSymbol {
	base, quote = strings.ToUpper(base), strings.ToUpper(quote)
	return models.MarketSymbol{
		Exchange:   exchange,
		Symbol:     models.FormatSymbol(base, quote),
		Base:       base,
		Quote:      quote,
		NativeCode: native,
		Status:     status,
	}
}

func snapshot(exchange string, sym models.MarketSymbol, price, volume, change decimal.Decimal, ts int64, receivedAt time.Time) (models.TickerSnapshot, error) {
	if !price.IsPositive() {
		return models.TickerSnapshot{}, fmt.Errorf("%s %s: non-positive price %s", exchange, sym.NativeCode, price)
	}
	return models.TickerSnapshot{
		Exchange:   exchange,
		Base:       sym.Base,
		Quote:      sym.Quote,
		Price:      price,
		Volume:     volume,
		Change24h:  change,
		Timestamp:  ts,
		ReceivedAt: receivedAt.UnixMilli(),
	}, nil
}

// percentChange returns (last-ref)/ref*100, or zero when ref is not positive
func percentChange(last, ref decimal.Decimal) decimal.Decimal {
	if !ref.IsPositive() {
		return decimal.Zero
	}
	return last.Sub(ref).Div(ref).Mul(decimal.NewFromInt(100))
}

func getJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func chunk(symbols []models.MarketSymbol, size int) [][]models.MarketSymbol {
	var out [][]models.MarketSymbol
	for i := 0; i < len(symbols); i += size {
		end := i + size
		if end > len(symbols) {
			end = len(symbols)
		}
		out = append(out, symbols[i:end])
	}
	return out
}
