package exchange_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"premium-market/internal/models"
	"premium-market/internal/services/exchange"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// fakeAdapter speaks a trivial protocol: {"symbols":[...]} to subscribe,
// {"code":"BTC","price":"1"} per tick
type fakeAdapter struct {
	endpoint string
	valid    map[string]bool
}

func (f *fakeAdapter) Exchange() string { return "fake" }
func (f *fakeAdapter) Endpoint() string { return f.endpoint }

func (f *fakeAdapter) Heartbeat() exchange.Heartbeat {
	return exchange.Heartbeat{Kind: exchange.HeartbeatNone}
}

func (f *fakeAdapter) Discover(context.Context) ([]models.MarketSymbol, error) { return nil, nil }

func (f *fakeAdapter) SubscribeFrames(symbols []models.MarketSymbol) ([][]byte, error) {
	codes := make([]string, 0, len(symbols))
	for _, s := range symbols {
		codes = append(codes, s.NativeCode)
	}
	frame, err := json.Marshal(map[string]interface{}{"symbols": codes})
	return [][]byte{frame}, err
}

func (f *fakeAdapter) Normalize(raw []byte, lookup exchange.SymbolLookup, receivedAt time.Time) ([]models.TickerSnapshot, error) {
	var msg struct {
		Code  string          `json:"code"`
		Price decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	sym, ok := lookup(msg.Code)
	if !ok {
		return nil, nil
	}
	return []models.TickerSnapshot{{
		Exchange: "fake", Base: sym.Base, Quote: sym.Quote, Price: msg.Price,
		Timestamp: receivedAt.UnixMilli(), ReceivedAt: receivedAt.UnixMilli(),
	}}, nil
}

type validatingAdapter struct {
	*fakeAdapter
}

func (v validatingAdapter) Validate(_ context.Context, symbols []models.MarketSymbol) ([]models.MarketSymbol, []models.MarketSymbol, error) {
	var valid, invalid []models.MarketSymbol
	for _, s := range symbols {
		if v.valid[s.NativeCode] {
			valid = append(valid, s)
		} else {
			invalid = append(invalid, s)
		}
	}
	return valid, invalid, nil
}

type stubSource struct {
	mu      sync.Mutex
	symbols []models.MarketSymbol
	valid   []string
	invalid []string
}

func (s *stubSource) Load(context.Context, string) ([]models.MarketSymbol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.MarketSymbol(nil), s.symbols...), nil
}

func (s *stubSource) MarkValidated(_ context.Context, _ string, valid, invalid []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = append(s.valid, valid...)
	s.invalid = append(s.invalid, invalid...)
	return nil
}

type chanWriter chan models.TickerSnapshot

func (c chanWriter) Write(_ context.Context, snap *models.TickerSnapshot) error {
	c <- *snap
	return nil
}

func listed(code string) models.MarketSymbol {
	return models.MarketSymbol{Exchange: "fake", Symbol: code + "-KRW", Base: code, Quote: "KRW", NativeCode: code, Status: models.SymbolListed}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientValidatesSubscribesAndWritesTickers(t *testing.T) {
	subscribed := make(chan []string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub struct {
			Symbols []string `json:"symbols"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub.Symbols

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{broken`))
		_ = conn.WriteJSON(map[string]string{"code": "BTC", "price": "95000000"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	adapter := validatingAdapter{&fakeAdapter{endpoint: wsURL(srv), valid: map[string]bool{"BTC": true}}}
	source := &stubSource{symbols: []models.MarketSymbol{listed("BTC"), listed("DEAD")}}
	writer := make(chanWriter, 4)

	client := exchange.NewClient(adapter, source, writer, nil, nil, exchange.ClientConfig{ReconnectBase: 10 * time.Millisecond}, quietLogger())
	client.Start(context.Background())
	defer client.Stop()

	select {
	case got := <-subscribed:
		if len(got) != 1 || got[0] != "BTC" {
			t.Fatalf("subscribed to %v, want [BTC]", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client never subscribed")
	}

	select {
	case snap := <-writer:
		if snap.Symbol() != "BTC-KRW" || !snap.Price.Equal(decimal.NewFromInt(95000000)) {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no ticker written")
	}

	waitFor(t, func() bool { return client.State() == exchange.StateSubscribed })
	stats := client.Stats()
	if stats.Symbols != 1 || stats.ParseErrors != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	source.mu.Lock()
	defer source.mu.Unlock()
	if len(source.valid) != 1 || len(source.invalid) != 1 || source.invalid[0] != "DEAD-KRW" {
		t.Fatalf("validation recorded valid=%v invalid=%v", source.valid, source.invalid)
	}
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	adapter := &fakeAdapter{endpoint: wsURL(srv)}
	source := &stubSource{symbols: []models.MarketSymbol{listed("BTC")}}
	client := exchange.NewClient(adapter, source, make(chanWriter, 1), nil, nil, exchange.ClientConfig{
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  10 * time.Millisecond,
		MaxAttempts:   2,
	}, quietLogger())

	client.Start(context.Background())
	defer client.Stop()

	waitFor(t, client.GaveUp)
	if got := client.Stats().Reconnects; got != 3 {
		t.Fatalf("reconnects = %d, want 3", got)
	}
	if client.State() != exchange.StateDisconnected {
		t.Fatalf("state = %s", client.State())
	}
}

func TestClientStopWhileConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	adapter := &fakeAdapter{endpoint: wsURL(srv)}
	source := &stubSource{symbols: []models.MarketSymbol{listed("BTC")}}
	client := exchange.NewClient(adapter, source, make(chanWriter, 1), nil, nil, exchange.ClientConfig{}, quietLogger())

	client.Start(context.Background())
	waitFor(t, func() bool { return client.State() == exchange.StateSubscribed })

	done := make(chan struct{})
	go func() {
		client.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	if client.State() != exchange.StateDisconnected {
		t.Fatalf("state after stop = %s", client.State())
	}
}
