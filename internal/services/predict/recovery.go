package predict

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"premium-market/internal/cache"
	"premium-market/internal/metrics"
	"premium-market/internal/models"
	"premium-market/internal/store"
)

// RecoveryResult counts what one recovery pass repaired
type RecoveryResult struct {
	Positions int
	Locks     int
}

// Start runs recovery every OrphanScanInterval until ctx ends
func (e *Engine) Start(ctx context.Context) {
	interval := e.cfg.OrphanScanInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Infof("🩺 Prediction recovery running every %v", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := e.Recover(ctx, e.now())
			if err != nil {
				e.logger.WithError(err).Warn("Prediction recovery pass failed")
				continue
			}
			if res.Positions > 0 || res.Locks > 0 {
				e.logger.Infof("🩹 Recovered %d positions and %d locks", res.Positions, res.Locks)
			}
		}
	}
}

// Recover settles durable positions that are overdue past the grace period
// but no longer cached, and removes locks that guard nothing.
func (e *Engine) Recover(ctx context.Context, now time.Time) (RecoveryResult, error) {
	var res RecoveryResult

	overdue, err := e.store.ListOverduePositions(ctx, now.Add(-e.cfg.Grace))
	if err != nil {
		return res, err
	}

	var market models.ConsolidatedMarket
	if len(overdue) > 0 {
		market, err = e.market.GetMarket(ctx)
		if err != nil && !cache.IsMiss(err) {
			return res, err
		}
	}

	for i := range overdue {
		pos := &overdue[i]
		if e.isCached(ctx, pos) {
			continue
		}
		// with no price the deposit is refunded as a draw
		price, ok := market.Price(pos.Market, pos.Exchange)
		if !ok {
			price = pos.EntryPrice
		}
		applied, err := e.settle(ctx, pos, "", price, Evaluate(pos, price), now)
		if err != nil {
			metrics.SettlementErrors.Inc()
			e.logger.WithError(err).WithField("position_id", pos.ID).Error("Failed to settle orphaned position")
			continue
		}
		if !applied {
			continue
		}
		metrics.OrphansRecovered.WithLabelValues("position").Inc()
		res.Positions++
	}

	locks, err := e.orphanLocks(ctx, now)
	if err != nil {
		return res, err
	}
	if len(locks) > 0 {
		if err := e.cache.Delete(ctx, locks...); err != nil {
			return res, err
		}
		metrics.OrphansRecovered.WithLabelValues("lock").Add(float64(len(locks)))
		res.Locks = len(locks)
	}
	return res, nil
}

func (e *Engine) isCached(ctx context.Context, pos *models.Position) bool {
	raw, err := e.cache.Get(ctx, cache.PositionKey(pos.UserID))
	if err != nil {
		return false
	}
	var cached models.Position
	return json.Unmarshal(raw, &cached) == nil && cached.ID == pos.ID
}

// orphanLocks returns lock keys older than LockTTL whose user has neither a
// cached nor a durable open position. Younger locks may belong to an Open in flight.
func (e *Engine) orphanLocks(ctx context.Context, now time.Time) ([]string, error) {
	keys, err := e.cache.Keys(ctx, cache.LockPrefix)
	if err != nil {
		return nil, err
	}

	var orphans []string
	for _, key := range keys {
		raw, err := e.cache.Get(ctx, key)
		if err != nil {
			continue
		}
		if ms, err := strconv.ParseInt(string(raw), 10, 64); err == nil && now.Sub(time.UnixMilli(ms)) < e.cfg.LockTTL {
			continue
		}

		userID := strings.TrimPrefix(key, cache.LockPrefix)
		if _, err := e.cache.Get(ctx, cache.PositionKey(userID)); err == nil {
			continue
		}
		if _, err := e.store.GetOpenPosition(ctx, userID); !errors.Is(err, store.ErrNotFound) {
			continue
		}
		orphans = append(orphans, key)
	}
	return orphans, nil
}
