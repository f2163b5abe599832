package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"premium-market/internal/models"

	"github.com/shopspring/decimal"
)

type memoryPosition struct {
	models.Position
	settled bool
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	vaults    map[string]*models.Vault
	positions map[string]*memoryPosition
	logs      []models.PredictLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vaults:    make(map[string]*models.Vault),
		positions: make(map[string]*memoryPosition),
	}
}

// SeedVault creates or replaces a vault with the given balance.
func (s *MemoryStore) SeedVault(userID string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vaults[userID] = &models.Vault{UserID: userID, Balance: balance}
}

// Logs returns a copy of every settlement row.
func (s *MemoryStore) Logs() []models.PredictLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.PredictLog(nil), s.logs...)
}

func (s *MemoryStore) GetVault(_ context.Context, userID string) (*models.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vaults[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) CheckIn(_ context.Context, userID string, bonus decimal.Decimal, now time.Time) (*models.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vaults[userID]
	if !ok {
		v = &models.Vault{UserID: userID}
		s.vaults[userID] = v
	}
	if v.LastCheckInAt != nil && !v.LastCheckInAt.Before(startOfDay(now)) {
		return nil, ErrAlreadyCheckedIn
	}
	v.Balance = v.Balance.Add(bonus)
	at := now
	v.LastCheckInAt = &at
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) OpenPosition(_ context.Context, p *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vaults[p.UserID]
	if !ok || v.Balance.LessThan(p.Deposit) {
		return ErrInsufficientBalance
	}
	for _, existing := range s.positions {
		if existing.UserID == p.UserID && !existing.settled {
			return ErrOpenPositionExists
		}
	}

	v.Balance = v.Balance.Sub(p.Deposit)
	at := p.CreatedAt
	v.LastPredictAt = &at
	s.positions[p.ID] = &memoryPosition{Position: *p}
	return nil
}

func (s *MemoryStore) SettlePosition(_ context.Context, l *models.PredictLog, credit decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[l.PositionID]
	if !ok || p.settled {
		return false, nil
	}
	p.settled = true
	s.logs = append(s.logs, *l)

	if v, ok := s.vaults[l.UserID]; ok {
		v.Balance = v.Balance.Add(credit)
		switch l.Outcome {
		case models.OutcomeWin:
			v.Wins++
		case models.OutcomeLoss:
			v.Losses++
		case models.OutcomeDraw:
			v.Draws++
		}
	}
	return true, nil
}

func (s *MemoryStore) GetOpenPosition(_ context.Context, userID string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.positions {
		if p.UserID == userID && !p.settled {
			cp := p.Position
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListOverduePositions(_ context.Context, cutoff time.Time) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Position
	for _, p := range s.positions {
		if !p.settled && p.FinishedAt.Before(cutoff) {
			out = append(out, p.Position)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.Before(out[j].FinishedAt) })
	return out, nil
}

func (s *MemoryStore) ListPredictLogs(_ context.Context, userID string, limit int) ([]models.PredictLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PredictLog
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.logs[i].UserID == userID {
			out = append(out, s.logs[i])
		}
	}
	return out, nil
}
