package repository

import (
	"context"
	"sort"
	"sync"

	"premium-market/internal/models"
)

// MemorySymbolRepository keeps the registry in process; used by tests and
// when ClickHouse is unavailable.
type MemorySymbolRepository struct {
	mu   sync.RWMutex
	rows map[string]map[string]models.MarketSymbol
}

func NewMemorySymbolRepository() *MemorySymbolRepository {
	return &MemorySymbolRepository{rows: make(map[string]map[string]models.MarketSymbol)}
}

func (r *MemorySymbolRepository) Upsert(_ context.Context, symbols []models.MarketSymbol) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range symbols {
		bucket, ok := r.rows[s.Exchange]
		if !ok {
			bucket = make(map[string]models.MarketSymbol)
			r.rows[s.Exchange] = bucket
		}
		bucket[s.Symbol] = s
	}
	return nil
}

func (r *MemorySymbolRepository) List(_ context.Context, exchange string) ([]models.MarketSymbol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.MarketSymbol, 0, len(r.rows[exchange]))
	for _, s := range r.rows[exchange] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
