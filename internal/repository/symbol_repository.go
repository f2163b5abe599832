package repository

import (
	"context"
	"fmt"
	"time"

	"premium-market/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"
)

// SymbolsTableDDL creates the market symbol registry. ReplacingMergeTree keeps
// the newest row per (exchange, symbol), so every insert acts as an upsert.
const SymbolsTableDDL = `
	CREATE TABLE IF NOT EXISTS market_symbols (
		exchange LowCardinality(String),
		symbol String,
		base LowCardinality(String),
		quote LowCardinality(String),
		native_code String,
		status LowCardinality(String),
		updated_at DateTime64(3)
	)
	ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY (exchange, symbol)
	SETTINGS index_granularity = 8192
`

// SymbolsTableIndexes are applied after SymbolsTableDDL; failures are not fatal
var SymbolsTableIndexes = []string{
	"ALTER TABLE market_symbols ADD INDEX IF NOT EXISTS status_idx (status) TYPE set(8) GRANULARITY 1",
	"ALTER TABLE market_symbols ADD INDEX IF NOT EXISTS native_code_idx (native_code) TYPE bloom_filter() GRANULARITY 1",
}

// SymbolRepository persists the market symbol registry
type SymbolRepository interface {
	// Upsert writes rows keyed by (exchange, symbol); later rows win
	Upsert(ctx context.Context, symbols []models.MarketSymbol) error
	// List returns the current row per symbol for exchange
	List(ctx context.Context, exchange string) ([]models.MarketSymbol, error)
}

type ClickHouseSymbolRepository struct {
	clickhouse driver.Conn
	logger     *logrus.Logger
}

func NewClickHouseSymbolRepository(clickhouse driver.Conn, logger *logrus.Logger) *ClickHouseSymbolRepository {
	return &ClickHouseSymbolRepository{
		clickhouse: clickhouse,
		logger:     logger,
	}
}

// Upsert inserts symbols in one batch
func (r *ClickHouseSymbolRepository) Upsert(ctx context.Context, symbols []models.MarketSymbol) error {
	if len(symbols) == 0 {
		return nil
	}

	batch, err := r.clickhouse.PrepareBatch(ctx, `
		INSERT INTO market_symbols (
			exchange, symbol, base, quote, native_code, status, updated_at
		)`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	now := time.Now()
	for _, s := range symbols {
		updatedAt := s.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		if err := batch.Append(
			s.Exchange, s.Symbol, s.Base, s.Quote, s.NativeCode, string(s.Status), updatedAt,
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// List reads the deduplicated registry for one exchange
func (r *ClickHouseSymbolRepository) List(ctx context.Context, exchange string) ([]models.MarketSymbol, error) {
	rows, err := r.clickhouse.Query(ctx, `
		SELECT exchange, symbol, base, quote, native_code, status, updated_at
		FROM market_symbols FINAL
		WHERE exchange = ?
		ORDER BY symbol`, exchange)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()

	var symbols []models.MarketSymbol
	for rows.Next() {
		var s models.MarketSymbol
		var status string
		if err := rows.Scan(&s.Exchange, &s.Symbol, &s.Base, &s.Quote, &s.NativeCode, &status, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		s.Status = models.SymbolStatus(status)
		symbols = append(symbols, s)
	}

	return symbols, rows.Err()
}

// GetStats returns per-status counts across the registry
func (r *ClickHouseSymbolRepository) GetStats(ctx context.Context) (map[string]uint64, error) {
	rows, err := r.clickhouse.Query(ctx, `
		SELECT status, count() FROM market_symbols FINAL GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]uint64)
	for rows.Next() {
		var status string
		var n uint64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
