package predict_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"premium-market/internal/cache"
	"premium-market/internal/models"
	"premium-market/internal/pubsub"
	"premium-market/internal/services/predict"
	"premium-market/internal/store"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	now    time.Time
	cache  *cache.MemoryCache
	market *cache.MarketCache
	store  *store.MemoryStore
	sink   *pubsub.Recorder
	engine *predict.Engine
	logs   *logtest.Hook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith lets a test wrap the cache the engine sees
func newFixtureWith(t *testing.T, wrap func(cache.Cache) cache.Cache) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()

	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		cache: cache.NewMemoryCache(),
		store: store.NewMemoryStore(),
		sink:  &pubsub.Recorder{},
		logs:  hook,
	}
	clock := func() time.Time { return f.now }
	f.cache.SetClock(clock)
	f.market = cache.NewMarketCache(f.cache, logger)
	f.store.SeedVault("u1", decimal.NewFromInt(1000))

	var engineCache cache.Cache = f.cache
	if wrap != nil {
		engineCache = wrap(f.cache)
	}
	f.engine = predict.NewEngine(engineCache, f.store, f.sink, predict.Config{
		LockTTL:      5 * time.Second,
		Grace:        10 * time.Second,
		Leverages:    []int{10, 20, 50, 100},
		Durations:    []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second, 180 * time.Second},
		CheckInBonus: decimal.NewFromInt(500),
	}, logger)
	f.engine.SetClock(clock)
	return f
}

// setPrice publishes a one-ticker consolidated market and returns it
func (f *fixture) setPrice(exchange string, price int64) models.ConsolidatedMarket {
	f.t.Helper()
	m := models.ConsolidatedMarket{}
	m.Put(models.TickerSnapshot{Exchange: exchange, Base: "BTC", Quote: "KRW", Price: decimal.NewFromInt(price)})
	if err := f.market.SetMarket(f.ctx, m); err != nil {
		f.t.Fatal(err)
	}
	return m
}

func (f *fixture) balance(userID string) decimal.Decimal {
	f.t.Helper()
	v, err := f.store.GetVault(f.ctx, userID)
	if err != nil {
		f.t.Fatal(err)
	}
	return v.Balance
}

func (f *fixture) open(side models.Side) *models.Position {
	f.t.Helper()
	pos, err := f.engine.Open(f.ctx, request(side))
	if err != nil {
		f.t.Fatalf("Open: %v", err)
	}
	return pos
}

func request(side models.Side) predict.OpenRequest {
	return predict.OpenRequest{
		UserID:   "u1",
		Market:   "btc-krw",
		Exchange: "UPBIT",
		Side:     side,
		Deposit:  decimal.NewFromInt(100),
		Leverage: 20,
		Duration: 30 * time.Second,
	}
}

func assertDecimal(t *testing.T, name string, got decimal.Decimal, want int64) {
	t.Helper()
	if !got.Equal(decimal.NewFromInt(want)) {
		t.Fatalf("%s = %s, want %d", name, got, want)
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		side       models.Side
		current    int64
		lr         int64
		profit     int64
		credit     int64
		outcome    models.Outcome
		liquidated bool
	}{
		{"long liquidated at -100%", models.SideLong, 95, -100, -100, 0, models.OutcomeLoss, true},
		{"long loss short of liquidation", models.SideLong, 96, -80, -80, 20, models.OutcomeLoss, false},
		{"long win", models.SideLong, 110, 200, 200, 300, models.OutcomeWin, false},
		{"unchanged is a draw", models.SideLong, 100, 0, 0, 100, models.OutcomeDraw, false},
		{"short liquidated at +100%", models.SideShort, 105, 100, -100, 0, models.OutcomeLoss, true},
		{"short loss", models.SideShort, 104, 80, -80, 20, models.OutcomeLoss, false},
		{"short win", models.SideShort, 90, -200, 200, 300, models.OutcomeWin, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := &models.Position{
				Side:       tt.side,
				EntryPrice: decimal.NewFromInt(100),
				Deposit:    decimal.NewFromInt(100),
				Leverage:   20,
			}
			ev := predict.Evaluate(pos, decimal.NewFromInt(tt.current))
			assertDecimal(t, "leveraged return", ev.LeveragedReturn, tt.lr)
			assertDecimal(t, "profit", ev.Profit, tt.profit)
			assertDecimal(t, "credit", ev.Credit, tt.credit)
			if ev.Outcome != tt.outcome || ev.Liquidated != tt.liquidated {
				t.Fatalf("outcome = %s liquidated = %v, want %s %v", ev.Outcome, ev.Liquidated, tt.outcome, tt.liquidated)
			}
		})
	}
}

func TestOpenDebitsVaultAndIndexesPosition(t *testing.T) {
	f := newFixture(t)
	f.setPrice("upbit", 100)

	pos := f.open(models.SideLong)
	if pos.Market != "BTC-KRW" || pos.Exchange != "upbit" {
		t.Fatalf("request not normalized: %s %s", pos.Market, pos.Exchange)
	}
	assertDecimal(t, "entry", pos.EntryPrice, 100)
	if !pos.FinishedAt.Equal(f.now.Add(30 * time.Second)) {
		t.Fatalf("FinishedAt = %v", pos.FinishedAt)
	}
	assertDecimal(t, "balance", f.balance("u1"), 900)

	if _, err := f.cache.Get(f.ctx, cache.PositionKey("u1")); err != nil {
		t.Fatalf("position not cached: %v", err)
	}
	ratio, err := f.engine.Ratio(f.ctx, "BTC-KRW")
	if err != nil {
		t.Fatal(err)
	}
	if ratio.Long != 1 || ratio.Short != 0 {
		t.Fatalf("ratio = %+v", ratio)
	}

	// the lock now lives as long as the position
	f.now = f.now.Add(20 * time.Second)
	if _, err := f.cache.Get(f.ctx, cache.LockKey("u1")); err != nil {
		t.Fatalf("lock expired with the position still open: %v", err)
	}
}

func TestOpenRejectsSecondPosition(t *testing.T) {
	f := newFixture(t)
	f.setPrice("upbit", 100)
	f.open(models.SideLong)

	if _, err := f.engine.Open(f.ctx, request(models.SideShort)); !errors.Is(err, predict.ErrAlreadyInProgress) {
		t.Fatalf("got %v, want ErrAlreadyInProgress", err)
	}
	assertDecimal(t, "balance", f.balance("u1"), 900)
}

func TestOpenValidation(t *testing.T) {
	f := newFixture(t)
	f.setPrice("upbit", 100)

	mutations := map[string]func(*predict.OpenRequest){
		"leverage": func(r *predict.OpenRequest) { r.Leverage = 7 },
		"duration": func(r *predict.OpenRequest) { r.Duration = 45 * time.Second },
		"deposit":  func(r *predict.OpenRequest) { r.Deposit = decimal.Zero },
		"side":     func(r *predict.OpenRequest) { r.Side = "sideways" },
		"market":   func(r *predict.OpenRequest) { r.Market = "BTCKRW" },
		"user":     func(r *predict.OpenRequest) { r.UserID = "" },
		"exchange": func(r *predict.OpenRequest) { r.Exchange = " " },
	}
	for name, mutate := range mutations {
		req := request(models.SideLong)
		mutate(&req)
		if _, err := f.engine.Open(f.ctx, req); !errors.Is(err, predict.ErrInvalidRequest) {
			t.Errorf("%s: got %v, want ErrInvalidRequest", name, err)
		}
	}

	// rejected requests never took the lock
	f.open(models.SideLong)
}

func TestOpenReleasesLockOnFailure(t *testing.T) {
	f := newFixture(t)
	f.setPrice("bithumb", 100)

	if _, err := f.engine.Open(f.ctx, request(models.SideLong)); !errors.Is(err, predict.ErrPriceUnavailable) {
		t.Fatalf("got %v, want ErrPriceUnavailable", err)
	}
	if _, err := f.cache.Get(f.ctx, cache.LockKey("u1")); !cache.IsMiss(err) {
		t.Fatalf("lock still held after failure: %v", err)
	}

	req := request(models.SideLong)
	req.Deposit = decimal.NewFromInt(5000)
	req.Exchange = "bithumb"
	if _, err := f.engine.Open(f.ctx, req); !errors.Is(err, predict.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	req = request(models.SideLong)
	req.UserID = "stranger"
	req.Exchange = "bithumb"
	if _, err := f.engine.Open(f.ctx, req); !errors.Is(err, predict.ErrInsufficientBalance) {
		t.Fatalf("unfunded user: got %v, want ErrInsufficientBalance", err)
	}
}

func TestSweepSettlesExpiredPosition(t *testing.T) {
	f := newFixture(t)
	f.setPrice("upbit", 100)
	if err := f.market.SetExchangeRate(f.ctx, &models.ExchangeRate{Pair: "USD/KRW", Rate: decimal.NewFromInt(1350)}, time.Minute); err != nil {
		t.Fatal(err)
	}
	pos := f.open(models.SideLong)

	f.now = f.now.Add(10 * time.Second)
	if n := f.engine.Sweep(f.ctx, f.setPrice("upbit", 101), f.now); n != 0 {
		t.Fatalf("settled %d positions before expiry", n)
	}

	f.now = pos.FinishedAt
	if n := f.engine.Sweep(f.ctx, f.setPrice("upbit", 110), f.now); n != 1 {
		t.Fatalf("settled %d positions, want 1", n)
	}

	assertDecimal(t, "balance", f.balance("u1"), 1200)
	logs := f.store.Logs()
	if len(logs) != 1 || logs[0].Outcome != models.OutcomeWin || logs[0].PositionID != pos.ID {
		t.Fatalf("logs = %+v", logs)
	}

	emits := f.sink.Emits()
	if len(emits) != 1 || emits[0].Target != "u1" {
		t.Fatalf("emits = %+v", emits)
	}
	result, ok := emits[0].Payload.(models.SettlementResult)
	if !ok {
		t.Fatalf("payload type %T", emits[0].Payload)
	}
	assertDecimal(t, "credit", result.VaultCredit, 300)
	assertDecimal(t, "usdkrw", result.UsdKrw, 1350)

	for _, key := range []string{cache.LockKey("u1"), cache.PositionKey("u1")} {
		if _, err := f.cache.Get(f.ctx, key); !cache.IsMiss(err) {
			t.Fatalf("%s not cleared: %v", key, err)
		}
	}
	if fields, _ := f.cache.HGetAll(f.ctx, cache.RatioKey("BTC-KRW")); len(fields) != 0 {
		t.Fatalf("ratio not deleted at zero: %v", fields)
	}

	// the user may open again right away
	f.open(models.SideShort)
}

func TestSweepLiquidatesBeforeExpiry(t *testing.T) {
	f := newFixture(t)
	f.setPrice("upbit", 100)
	f.open(models.SideLong)

	f.now = f.now.Add(2 * time.Second)
	if n := f.engine.Sweep(f.ctx, f.setPrice("upbit", 96), f.now); n != 0 {
		t.Fatal("-80% must not liquidate")
	}
	if n := f.engine.Sweep(f.ctx, f.setPrice("upbit", 95), f.now); n != 1 {
		t.Fatal("-100% must liquidate")
	}

	assertDecimal(t, "balance", f.balance("u1"), 900)
	if logs := f.store.Logs(); len(logs) != 1 || !logs[0].Liquidated || logs[0].Outcome != models.OutcomeLoss {
		t.Fatalf("logs = %+v", logs)
	}
}

func TestSweepSkipsPositionsWithoutPrice(t *testing.T) {
	f := newFixture(t)
	f.setPrice("upbit", 100)
	pos := f.open(models.SideLong)

	f.now = pos.FinishedAt.Add(time.Second)
	if n := f.engine.Sweep(f.ctx, f.setPrice("bithumb", 110), f.now); n != 0 {
		t.Fatalf("settled %d positions without a price", n)
	}
	if _, err := f.cache.Get(f.ctx, cache.PositionKey("u1")); err != nil {
		t.Fatalf("position dropped: %v", err)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.setPrice("upbit", 100)
	pos := f.open(models.SideLong)
	stale, err := f.cache.Get(f.ctx, cache.PositionKey("u1"))
	if err != nil {
		t.Fatal(err)
	}

	f.now = pos.FinishedAt
	market := f.setPrice("upbit", 110)
	f.engine.Sweep(f.ctx, market, f.now)

	// a stale copy reappears, as if a cache delete had been lost
	if err := f.cache.Set(f.ctx, cache.PositionKey("u1"), stale, time.Minute); err != nil {
		t.Fatal(err)
	}
	f.engine.Sweep(f.ctx, market, f.now)

	assertDecimal(t, "balance", f.balance("u1"), 1200)
	if n := len(f.store.Logs()); n != 1 {
		t.Fatalf("logs = %d, want 1", n)
	}
	if n := len(f.sink.Emits()); n != 1 {
		t.Fatalf("emits = %d, want 1", n)
	}
	if _, err := f.cache.Get(f.ctx, cache.PositionKey("u1")); !cache.IsMiss(err) {
		t.Fatal("stale copy not cleaned up")
	}
}

func TestStaleResettleKeepsNewerPosition(t *testing.T) {
	f := newFixture(t)
	f.setPrice("upbit", 100)
	first := f.open(models.SideLong)
	stale, err := f.cache.Get(f.ctx, cache.PositionKey("u1"))
	if err != nil {
		t.Fatal(err)
	}

	f.now = first.FinishedAt
	market := f.setPrice("upbit", 110)
	if n := f.engine.Sweep(f.ctx, market, f.now); n != 1 {
		t.Fatalf("settled %d positions, want 1", n)
	}
	second := f.open(models.SideLong)

	// a leftover copy of the first position under an unrelated key
	shadow := cache.PositionKey("shadow")
	if err := f.cache.Set(f.ctx, shadow, stale, time.Minute); err != nil {
		t.Fatal(err)
	}
	if n := f.engine.Sweep(f.ctx, market, f.now); n != 0 {
		t.Fatalf("settled %d positions, want 0", n)
	}

	raw, err := f.cache.Get(f.ctx, cache.PositionKey("u1"))
	if err != nil {
		t.Fatalf("newer position evicted: %v", err)
	}
	var cached models.Position
	if err := json.Unmarshal(raw, &cached); err != nil || cached.ID != second.ID {
		t.Fatalf("cached position = %s (%v), want %s", cached.ID, err, second.ID)
	}
	if _, err := f.cache.Get(f.ctx, cache.LockKey("u1")); err != nil {
		t.Fatalf("lock of newer position removed: %v", err)
	}
	if _, err := f.cache.Get(f.ctx, shadow); !cache.IsMiss(err) {
		t.Fatalf("stale copy not dropped: %v", err)
	}
	ratio, err := f.engine.Ratio(f.ctx, "BTC-KRW")
	if err != nil {
		t.Fatal(err)
	}
	if ratio.Long != 1 {
		t.Fatalf("ratio = %+v, want one long", ratio)
	}
	if n := len(f.store.Logs()); n != 1 {
		t.Fatalf("logs = %d, want 1", n)
	}
	assertDecimal(t, "balance", f.balance("u1"), 1100)
}

// ratioDeleteFails rejects deletes of long/short ratio keys
type ratioDeleteFails struct {
	cache.Cache
}

func (c ratioDeleteFails) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if strings.HasPrefix(k, cache.RatioPrefix) {
			return errors.New("delete refused")
		}
	}
	return c.Cache.Delete(ctx, keys...)
}

func TestRatioDeleteFailureIsLogged(t *testing.T) {
	f := newFixtureWith(t, func(c cache.Cache) cache.Cache { return ratioDeleteFails{c} })
	f.setPrice("upbit", 100)
	pos := f.open(models.SideLong)

	f.now = pos.FinishedAt
	if n := f.engine.Sweep(f.ctx, f.setPrice("upbit", 100), f.now); n != 1 {
		t.Fatalf("settled %d positions, want 1", n)
	}

	for _, entry := range f.logs.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "Failed to delete empty long/short ratio" {
			return
		}
	}
	t.Fatal("ratio delete failure was not logged")
}

func TestRecoverSettlesEvictedPosition(t *testing.T) {
	f := newFixture(t)
	f.setPrice("upbit", 100)
	pos := f.open(models.SideLong)
	if err := f.cache.Delete(f.ctx, cache.PositionKey("u1")); err != nil {
		t.Fatal(err)
	}

	// within grace nothing happens
	f.now = pos.FinishedAt.Add(5 * time.Second)
	if res, err := f.engine.Recover(f.ctx, f.now); err != nil || res.Positions != 0 {
		t.Fatalf("early recover: %+v %v", res, err)
	}

	f.now = pos.FinishedAt.Add(11 * time.Second)
	f.setPrice("upbit", 110)
	res, err := f.engine.Recover(f.ctx, f.now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Positions != 1 {
		t.Fatalf("recovered %d positions, want 1", res.Positions)
	}
	assertDecimal(t, "balance", f.balance("u1"), 1200)
}

func TestRecoverRefundsWhenMarketHasNoPrice(t *testing.T) {
	f := newFixture(t)
	f.setPrice("upbit", 100)
	pos := f.open(models.SideShort)
	_ = f.cache.Delete(f.ctx, cache.PositionKey("u1"))

	f.setPrice("okx", 100)
	f.now = pos.FinishedAt.Add(time.Minute)
	if _, err := f.engine.Recover(f.ctx, f.now); err != nil {
		t.Fatal(err)
	}

	assertDecimal(t, "balance", f.balance("u1"), 1000)
	if logs := f.store.Logs(); len(logs) != 1 || logs[0].Outcome != models.OutcomeDraw {
		t.Fatalf("logs = %+v", logs)
	}
}

func TestRecoverRemovesOrphanLocks(t *testing.T) {
	f := newFixture(t)
	f.setPrice("upbit", 100)
	f.open(models.SideLong)

	stamp := func(at time.Time) []byte { return []byte(strconv.FormatInt(at.UnixMilli(), 10)) }
	if err := f.cache.Set(f.ctx, cache.LockKey("ghost"), stamp(f.now), 0); err != nil {
		t.Fatal(err)
	}

	f.now = f.now.Add(10 * time.Second)
	if err := f.cache.Set(f.ctx, cache.LockKey("fresh"), stamp(f.now), 0); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.Recover(f.ctx, f.now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Locks != 1 {
		t.Fatalf("removed %d locks, want 1", res.Locks)
	}
	if _, err := f.cache.Get(f.ctx, cache.LockKey("ghost")); !cache.IsMiss(err) {
		t.Fatal("orphan lock survived")
	}
	for _, user := range []string{"fresh", "u1"} {
		if _, err := f.cache.Get(f.ctx, cache.LockKey(user)); err != nil {
			t.Fatalf("lock for %s removed: %v", user, err)
		}
	}
}

func TestCheckInOncePerDay(t *testing.T) {
	f := newFixture(t)

	v, err := f.engine.CheckIn(f.ctx, "u2")
	if err != nil {
		t.Fatal(err)
	}
	assertDecimal(t, "balance", v.Balance, 500)

	if _, err := f.engine.CheckIn(f.ctx, "u2"); !errors.Is(err, store.ErrAlreadyCheckedIn) {
		t.Fatalf("got %v, want ErrAlreadyCheckedIn", err)
	}

	f.now = f.now.Add(24 * time.Hour)
	if _, err := f.engine.CheckIn(f.ctx, "u2"); err != nil {
		t.Fatalf("next day check-in: %v", err)
	}
}
