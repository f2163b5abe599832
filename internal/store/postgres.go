package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"premium-market/internal/config"
	"premium-market/internal/metrics"
	"premium-market/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// PostgresStore implements Store on PostgreSQL. Monetary values travel as
// NUMERIC text so no precision is lost in either direction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPool connects to cfg.URL and pings it
func OpenPool(ctx context.Context, cfg *config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetVault(ctx context.Context, userID string) (*models.Vault, error) {
	defer metrics.TrackLatency(time.Now(), metrics.DatabaseQueryLatency.WithLabelValues("get_vault"))

	var v models.Vault
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, wins, losses, draws, last_predict_at, last_check_in_at
		 FROM vaults WHERE user_id = $1`, userID).
		Scan(&v.UserID, &balance, &v.Wins, &v.Losses, &v.Draws, &v.LastPredictAt, &v.LastCheckInAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vault %s: %w", userID, err)
	}
	v.Balance, _ = decimal.NewFromString(balance)
	return &v, nil
}

func (s *PostgresStore) CheckIn(ctx context.Context, userID string, bonus decimal.Decimal, now time.Time) (*models.Vault, error) {
	defer metrics.TrackLatency(time.Now(), metrics.DatabaseQueryLatency.WithLabelValues("check_in"))

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO vaults (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE vaults SET balance = balance + $2::NUMERIC, last_check_in_at = $3
			 WHERE user_id = $1 AND (last_check_in_at IS NULL OR last_check_in_at < $4)`,
			userID, bonus.String(), now, startOfDay(now))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyCheckedIn
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyCheckedIn) {
			return nil, err
		}
		return nil, fmt.Errorf("check in %s: %w", userID, err)
	}
	return s.GetVault(ctx, userID)
}

func (s *PostgresStore) OpenPosition(ctx context.Context, p *models.Position) error {
	defer metrics.TrackLatency(time.Now(), metrics.DatabaseQueryLatency.WithLabelValues("open_position"))

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE vaults SET balance = balance - $2::NUMERIC, last_predict_at = $3
			 WHERE user_id = $1 AND balance >= $2::NUMERIC`,
			p.UserID, p.Deposit.String(), p.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrInsufficientBalance
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO predict_positions
			   (id, user_id, market, exchange, side, entry_price, deposit, leverage, duration_ms, created_at, finished_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)`,
			p.ID, p.UserID, p.Market, p.Exchange, string(p.Side),
			p.EntryPrice.String(), p.Deposit.String(), p.Leverage,
			p.Duration.Milliseconds(), p.CreatedAt, p.FinishedAt)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrOpenPositionExists
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrOpenPositionExists) {
			return err
		}
		return fmt.Errorf("open position for %s: %w", p.UserID, err)
	}
	return nil
}

func (s *PostgresStore) SettlePosition(ctx context.Context, l *models.PredictLog, credit decimal.Decimal) (bool, error) {
	defer metrics.TrackLatency(time.Now(), metrics.DatabaseQueryLatency.WithLabelValues("settle_position"))

	applied := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE predict_positions SET settled_at = $2 WHERE id = $1 AND settled_at IS NULL`,
			l.PositionID, l.ExitedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO predict_logs
			   (id, position_id, user_id, market, exchange, side, leverage, deposit, entry_price,
			    close_price, profit, outcome, liquidated, entered_at, exited_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC,
			         $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15)`,
			l.ID, l.PositionID, l.UserID, l.Market, l.Exchange, string(l.Side), l.Leverage,
			l.Deposit.String(), l.EntryPrice.String(), l.ClosePrice.String(), l.Profit.String(),
			string(l.Outcome), l.Liquidated, l.EnteredAt, l.ExitedAt); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE vaults SET
			   balance = balance + $2::NUMERIC,
			   wins    = wins   + CASE WHEN $3 = 'win'  THEN 1 ELSE 0 END,
			   losses  = losses + CASE WHEN $3 = 'loss' THEN 1 ELSE 0 END,
			   draws   = draws  + CASE WHEN $3 = 'draw' THEN 1 ELSE 0 END
			 WHERE user_id = $1`,
			l.UserID, credit.String(), string(l.Outcome)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("settle position %s: %w", l.PositionID, err)
	}
	return applied, nil
}

const positionColumns = `id::TEXT, user_id, market, exchange, side, entry_price::TEXT, deposit::TEXT,
	leverage, duration_ms, created_at, finished_at`

func (s *PostgresStore) GetOpenPosition(ctx context.Context, userID string) (*models.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM predict_positions
		 WHERE user_id = $1 AND settled_at IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("get open position %s: %w", userID, err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, ErrNotFound
	}
	return &positions[0], nil
}

func (s *PostgresStore) ListOverduePositions(ctx context.Context, cutoff time.Time) ([]models.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM predict_positions
		 WHERE settled_at IS NULL AND finished_at < $1
		 ORDER BY finished_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list overdue positions: %w", err)
	}
	return scanPositions(rows)
}

func (s *PostgresStore) ListPredictLogs(ctx context.Context, userID string, limit int) ([]models.PredictLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, position_id::TEXT, user_id, market, exchange, side, leverage,
		        deposit::TEXT, entry_price::TEXT, close_price::TEXT, profit::TEXT,
		        outcome, liquidated, entered_at, exited_at
		 FROM predict_logs WHERE user_id = $1
		 ORDER BY exited_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list predict logs %s: %w", userID, err)
	}
	defer rows.Close()

	var logs []models.PredictLog
	for rows.Next() {
		var l models.PredictLog
		var side, outcome, deposit, entry, closePrice, profit string
		if err := rows.Scan(&l.ID, &l.PositionID, &l.UserID, &l.Market, &l.Exchange, &side, &l.Leverage,
			&deposit, &entry, &closePrice, &profit, &outcome, &l.Liquidated, &l.EnteredAt, &l.ExitedAt); err != nil {
			return nil, err
		}
		l.Side = models.Side(side)
		l.Outcome = models.Outcome(outcome)
		l.Deposit, _ = decimal.NewFromString(deposit)
		l.EntryPrice, _ = decimal.NewFromString(entry)
		l.ClosePrice, _ = decimal.NewFromString(closePrice)
		l.Profit, _ = decimal.NewFromString(profit)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func scanPositions(rows pgx.Rows) ([]models.Position, error) {
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var p models.Position
		var side, entry, deposit string
		var durationMs int64
		if err := rows.Scan(&p.ID, &p.UserID, &p.Market, &p.Exchange, &side, &entry, &deposit,
			&p.Leverage, &durationMs, &p.CreatedAt, &p.FinishedAt); err != nil {
			return nil, err
		}
		p.Side = models.Side(side)
		p.EntryPrice, _ = decimal.NewFromString(entry)
		p.Deposit, _ = decimal.NewFromString(deposit)
		p.Duration = time.Duration(durationMs) * time.Millisecond
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
