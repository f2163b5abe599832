package exchange_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"premium-market/internal/models"
	"premium-market/internal/services/exchange"
)

func serveJSON(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func symbolsOf(list []models.MarketSymbol) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.Symbol+"|"+s.NativeCode+"|"+string(s.Status))
	}
	sort.Strings(out)
	return out
}

func assertSymbols(t *testing.T, got []models.MarketSymbol, want ...string) {
	t.Helper()
	g := symbolsOf(got)
	sort.Strings(want)
	if len(g) != len(want) {
		t.Fatalf("got %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("got %v, want %v", g, want)
		}
	}
}

func TestUpbitDiscoverKeepsKRWMarkets(t *testing.T) {
	srv := serveJSON(t, `[{"market":"KRW-BTC","korean_name":"비트코인"},{"market":"BTC-ETH"},{"market":"KRW-XRP"}]`)
	u := exchange.NewUpbit(srv.Client())
	u.MarketsURL = srv.URL

	got, err := u.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assertSymbols(t, got, "BTC-KRW|KRW-BTC|validated", "XRP-KRW|KRW-XRP|validated")
}

func TestBithumbDiscoverSkipsDateKey(t *testing.T) {
	srv := serveJSON(t, `{"status":"0000","data":{"BTC":{"closing_price":"1"},"ETH":{"closing_price":"2"},"date":"1700000000000"}}`)
	b := exchange.NewBithumb(srv.Client())
	b.TickerURL = srv.URL

	got, err := b.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assertSymbols(t, got, "BTC-KRW|BTC_KRW|validated", "ETH-KRW|ETH_KRW|validated")
}

func TestBithumbDiscoverRejectsErrorStatus(t *testing.T) {
	srv := serveJSON(t, `{"status":"5600","message":"maintenance"}`)
	b := exchange.NewBithumb(srv.Client())
	b.TickerURL = srv.URL

	if _, err := b.Discover(context.Background()); err == nil {
		t.Fatal("expected error status to fail discovery")
	}
}

func TestCoinoneDiscoverFiltersHaltedMarkets(t *testing.T) {
	srv := serveJSON(t, `{"result":"success","error_code":"0","markets":[
		{"quote_currency":"KRW","target_currency":"BTC","trade_status":1},
		{"quote_currency":"KRW","target_currency":"OLD","trade_status":0}]}`)
	c := exchange.NewCoinone(srv.Client())
	c.MarketsURL = srv.URL

	got, err := c.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assertSymbols(t, got, "BTC-KRW|BTC-KRW|validated")
}

func TestOKXDiscoverFiltersQuoteAndState(t *testing.T) {
	srv := serveJSON(t, `{"code":"0","msg":"","data":[
		{"instId":"BTC-USDT","baseCcy":"BTC","quoteCcy":"USDT","state":"live"},
		{"instId":"ETH-USDC","baseCcy":"ETH","quoteCcy":"USDC","state":"live"},
		{"instId":"NEW-USDT","baseCcy":"NEW","quoteCcy":"USDT","state":"preopen"}]}`)
	o := exchange.NewOKX("usdt", nil, 50, srv.Client())
	o.InstrumentsURL = srv.URL

	got, err := o.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assertSymbols(t, got, "BTC-USDT|BTC-USDT|listed")
}

func TestDiscoverHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer srv.Close()

	u := exchange.NewUpbit(srv.Client())
	u.MarketsURL = srv.URL
	if _, err := u.Discover(context.Background()); err == nil {
		t.Fatal("expected non-200 to fail discovery")
	}
}
