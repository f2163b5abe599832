// Package predict runs the prediction lifecycle: opening leveraged bets on a
// market's direction, settling them on expiry or liquidation, and recovering
// positions the cache lost.
package predict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"premium-market/internal/cache"
	"premium-market/internal/metrics"
	"premium-market/internal/models"
	"premium-market/internal/pubsub"
	"premium-market/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Config struct {
	LockTTL            time.Duration
	Grace              time.Duration
	OrphanScanInterval time.Duration
	Leverages          []int
	Durations          []time.Duration
	CheckInBonus       decimal.Decimal
}

// OpenRequest is a user's request to open a position
type OpenRequest struct {
	UserID   string
	Market   string // BASE-QUOTE
	Exchange string
	Side     models.Side
	Deposit  decimal.Decimal
	Leverage int
	Duration time.Duration
}

// Engine coordinates the cache (locks, ephemeral positions, ratios), the
// durable store and the user fan-out
type Engine struct {
	cache  cache.Cache
	market *cache.MarketCache
	store  store.Store
	sink   pubsub.Sink
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time
}

func NewEngine(c cache.Cache, st store.Store, sink pubsub.Sink, cfg Config, logger *logrus.Logger) *Engine {
	return &Engine{
		cache:  c,
		market: cache.NewMarketCache(c, logger),
		store:  st,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the wall clock used for lock stamps and position times
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) validate(req *OpenRequest) error {
	req.Market = strings.ToUpper(strings.TrimSpace(req.Market))
	req.Exchange = strings.ToLower(strings.TrimSpace(req.Exchange))

	switch {
	case req.UserID == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	case !req.Side.Valid():
		return fmt.Errorf("%w: position must be long or short", ErrInvalidRequest)
	case !req.Deposit.IsPositive():
		return fmt.Errorf("%w: deposit must be positive", ErrInvalidRequest)
	case !slices.Contains(e.cfg.Leverages, req.Leverage):
		return fmt.Errorf("%w: leverage %d not offered", ErrInvalidRequest, req.Leverage)
	case !slices.Contains(e.cfg.Durations, req.Duration):
		return fmt.Errorf("%w: duration %v not offered", ErrInvalidRequest, req.Duration)
	case req.Exchange == "":
		return fmt.Errorf("%w: exchange is required", ErrInvalidRequest)
	}
	if _, _, err := models.ParseSymbol(req.Market); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Open places a position at the current cached price. The per-user lock is
// taken first and kept for the life of the position; every failure releases it.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (*models.Position, error) {
	if err := e.validate(&req); err != nil {
		metrics.OpenRejections.WithLabelValues("invalid").Inc()
		return nil, err
	}

	now := e.now()
	lockKey := cache.LockKey(req.UserID)
	acquired, err := e.cache.SetNX(ctx, lockKey, []byte(strconv.FormatInt(now.UnixMilli(), 10)), e.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire prediction lock: %w", err)
	}
	if !acquired {
		metrics.OpenRejections.WithLabelValues("in_progress").Inc()
		return nil, ErrAlreadyInProgress
	}

	release := true
	defer func() {
		if release {
			if err := e.cache.Delete(context.WithoutCancel(ctx), lockKey); err != nil {
				e.logger.WithError(err).WithField("user_id", req.UserID).Warn("Failed to release prediction lock")
			}
		}
	}()

	pos, err := e.open(ctx, req, now)
	if err != nil {
		return nil, err
	}

	// the durable row exists from here on; cache failures are repaired by recovery
	release = false
	ttl := req.Duration + e.cfg.Grace
	data, err := json.Marshal(pos)
	if err == nil {
		err = e.cache.Set(ctx, cache.PositionKey(pos.UserID), data, ttl)
	}
	if err != nil {
		e.logger.WithError(err).WithField("position_id", pos.ID).Warn("Failed to cache position, recovery will settle it")
	}
	if err := e.cache.Expire(ctx, lockKey, ttl); err != nil {
		e.logger.WithError(err).WithField("user_id", pos.UserID).Warn("Failed to extend prediction lock")
	}
	if _, err := e.cache.HIncrBy(ctx, cache.RatioKey(pos.Market), string(pos.Side), 1); err != nil {
		e.logger.WithError(err).WithField("market", pos.Market).Warn("Failed to update long/short ratio")
	}

	metrics.PositionsOpened.WithLabelValues(string(pos.Side)).Inc()
	e.logger.WithFields(logrus.Fields{
		"user_id":  pos.UserID,
		"market":   pos.Market,
		"exchange": pos.Exchange,
		"position": pos.Side,
		"leverage": pos.Leverage,
		"entry":    pos.EntryPrice.String(),
	}).Info("🎯 Position opened")
	return pos, nil
}

// open checks the remaining preconditions under the lock and writes the durable row
func (e *Engine) open(ctx context.Context, req OpenRequest, now time.Time) (*models.Position, error) {
	if _, err := e.cache.Get(ctx, cache.PositionKey(req.UserID)); err == nil {
		metrics.OpenRejections.WithLabelValues("in_progress").Inc()
		return nil, ErrAlreadyInProgress
	} else if !cache.IsMiss(err) {
		return nil, fmt.Errorf("read cached position: %w", err)
	}

	market, err := e.market.GetMarket(ctx)
	if err != nil && !cache.IsMiss(err) {
		return nil, fmt.Errorf("read market: %w", err)
	}
	price, ok := market.Price(req.Market, req.Exchange)
	if !ok {
		metrics.OpenRejections.WithLabelValues("no_price").Inc()
		return nil, ErrPriceUnavailable
	}

	vault, err := e.store.GetVault(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && vault.Balance.LessThan(req.Deposit)) {
		metrics.OpenRejections.WithLabelValues("balance").Inc()
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}

	pos := &models.Position{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		Market:     req.Market,
		Exchange:   req.Exchange,
		Side:       req.Side,
		EntryPrice: price,
		Deposit:    req.Deposit,
		Leverage:   req.Leverage,
		Duration:   req.Duration,
		CreatedAt:  now,
		FinishedAt: now.Add(req.Duration),
	}

	switch err := e.store.OpenPosition(ctx, pos); {
	case errors.Is(err, store.ErrOpenPositionExists):
		metrics.OpenRejections.WithLabelValues("in_progress").Inc()
		return nil, ErrAlreadyInProgress
	case errors.Is(err, store.ErrInsufficientBalance):
		metrics.OpenRejections.WithLabelValues("balance").Inc()
		return nil, ErrInsufficientBalance
	case err != nil:
		return nil, fmt.Errorf("open position: %w", err)
	}
	return pos, nil
}

// Sweep settles every cached position that expired or was liquidated at this
// tick's prices and returns how many settled. Positions whose market has no
// price this tick are left for the next one.
func (e *Engine) Sweep(ctx context.Context, market models.ConsolidatedMarket, now time.Time) int {
	positions, err := e.cachedPositions(ctx)
	if err != nil {
		metrics.SettlementErrors.Inc()
		e.logger.WithError(err).Warn("Failed to list cached positions")
		return 0
	}

	settled := 0
	for i := range positions {
		pos := &positions[i].pos
		price, ok := market.Price(pos.Market, pos.Exchange)
		if !ok {
			continue
		}
		ev := Evaluate(pos, price)
		if !ev.Liquidated && now.Before(pos.FinishedAt) {
			continue
		}
		applied, err := e.settle(ctx, pos, positions[i].key, price, ev, now)
		if err != nil {
			metrics.SettlementErrors.Inc()
			e.logger.WithError(err).WithField("position_id", pos.ID).Error("Failed to settle position")
			continue
		}
		if applied {
			settled++
		}
	}
	return settled
}

// cachedPosition is a position together with the cache key it was read from
type cachedPosition struct {
	key string
	pos models.Position
}

func (e *Engine) cachedPositions(ctx context.Context) ([]cachedPosition, error) {
	keys, err := e.cache.Keys(ctx, cache.PositionPrefix)
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	values, err := e.cache.GetMany(ctx, keys...)
	if err != nil {
		return nil, err
	}

	positions := make([]cachedPosition, 0, len(values))
	for i, raw := range values {
		if raw == nil {
			continue
		}
		var pos models.Position
		if err := json.Unmarshal(raw, &pos); err != nil {
			e.logger.WithError(err).WithField("key", keys[i]).Warn("Skipping undecodable cached position")
			continue
		}
		positions = append(positions, cachedPosition{key: keys[i], pos: pos})
	}
	return positions, nil
}

// settle records the outcome durably, then cleans up the cache and notifies
// the user. A position the store already settled is only cleaned up: source,
// the key it was read from, is dropped, and the user's lock and index are
// cleared only while they still belong to pos. It reports whether this call
// settled the position.
func (e *Engine) settle(ctx context.Context, pos *models.Position, source string, price decimal.Decimal, ev Evaluation, now time.Time) (bool, error) {
	entry := &models.PredictLog{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		UserID:     pos.UserID,
		Market:     pos.Market,
		Exchange:   pos.Exchange,
		Side:       pos.Side,
		Leverage:   pos.Leverage,
		Deposit:    pos.Deposit,
		EntryPrice: pos.EntryPrice,
		ClosePrice: price,
		Profit:     ev.Profit,
		Outcome:    ev.Outcome,
		Liquidated: ev.Liquidated,
		EnteredAt:  pos.CreatedAt,
		ExitedAt:   now,
	}

	applied, err := e.store.SettlePosition(ctx, entry, ev.Credit)
	if err != nil {
		return false, fmt.Errorf("settle %s: %w", pos.ID, err)
	}

	if !applied {
		e.dropStale(ctx, pos, source)
		return false, nil
	}

	e.decrementRatio(ctx, pos)
	if err := e.cache.Delete(ctx, cache.LockKey(pos.UserID), cache.PositionKey(pos.UserID)); err != nil {
		e.logger.WithError(err).WithField("user_id", pos.UserID).Warn("Failed to clear settled position from cache")
	}

	label := string(ev.Outcome)
	if ev.Liquidated {
		label = "liquidated"
	}
	metrics.PositionsSettled.WithLabelValues(label).Inc()

	result := models.SettlementResult{
		Position:        *pos,
		ClosePrice:      price,
		LeveragedReturn: ev.LeveragedReturn,
		Profit:          ev.Profit,
		VaultCredit:     ev.Credit,
		Outcome:         ev.Outcome,
		Liquidated:      ev.Liquidated,
		SettledAt:       now,
	}
	if rate, err := e.market.GetExchangeRate(ctx); err == nil {
		result.UsdKrw = rate.Rate
	}
	if e.sink != nil {
		if err := e.sink.EmitToUser(ctx, pos.UserID, result); err != nil {
			e.logger.WithError(err).WithField("user_id", pos.UserID).Debug("Failed to push settlement result")
		}
	}

	e.logger.WithFields(logrus.Fields{
		"user_id":    pos.UserID,
		"market":     pos.Market,
		"outcome":    ev.Outcome,
		"liquidated": ev.Liquidated,
		"profit":     ev.Profit.String(),
	}).Info("💰 Position settled")
	return true, nil
}

// dropStale removes a copy of an already settled position without touching
// a newer position the user may have opened since
func (e *Engine) dropStale(ctx context.Context, pos *models.Position, source string) {
	var keys []string
	if source != "" && source != cache.PositionKey(pos.UserID) {
		keys = append(keys, source)
	}
	if e.isCached(ctx, pos) {
		keys = append(keys, cache.LockKey(pos.UserID), cache.PositionKey(pos.UserID))
	}
	if len(keys) > 0 {
		if err := e.cache.Delete(ctx, keys...); err != nil {
			e.logger.WithError(err).WithField("user_id", pos.UserID).Warn("Failed to clear stale position from cache")
		}
	}
	e.logger.WithField("position_id", pos.ID).Debug("Position already settled, stale copy dropped")
}

func (e *Engine) decrementRatio(ctx context.Context, pos *models.Position) {
	key := cache.RatioKey(pos.Market)
	if _, err := e.cache.HIncrBy(ctx, key, string(pos.Side), -1); err != nil {
		e.logger.WithError(err).WithField("market", pos.Market).Warn("Failed to update long/short ratio")
		return
	}
	ratio, err := e.Ratio(ctx, pos.Market)
	if err != nil {
		return
	}
	if ratio.Long <= 0 && ratio.Short <= 0 {
		if err := e.cache.Delete(ctx, key); err != nil {
			e.logger.WithError(err).WithField("market", pos.Market).Warn("Failed to delete empty long/short ratio")
		}
	}
}

// Ratio returns the open long/short counts for market
func (e *Engine) Ratio(ctx context.Context, market string) (*models.LongShortRatio, error) {
	market = strings.ToUpper(market)
	fields, err := e.cache.HGetAll(ctx, cache.RatioKey(market))
	if err != nil {
		return nil, err
	}
	ratio := &models.LongShortRatio{Market: market}
	ratio.Long, _ = strconv.ParseInt(fields[string(models.SideLong)], 10, 64)
	ratio.Short, _ = strconv.ParseInt(fields[string(models.SideShort)], 10, 64)
	return ratio, nil
}

// Vault returns the user's balance and record
func (e *Engine) Vault(ctx context.Context, userID string) (*models.Vault, error) {
	return e.store.GetVault(ctx, userID)
}

// CheckIn credits the daily bonus
func (e *Engine) CheckIn(ctx context.Context, userID string) (*models.Vault, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	return e.store.CheckIn(ctx, userID, e.cfg.CheckInBonus, e.now())
}

// History returns the user's latest settlements
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]models.PredictLog, error) {
	switch {
	case limit <= 0:
		limit = 20
	case limit > 100:
		limit = 100
	}
	return e.store.ListPredictLogs(ctx, userID, limit)
}
