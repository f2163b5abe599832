// Package store defines the durable persistence for vaults, positions and
// settlement logs. PostgreSQL is the source of truth for whether a position
// is open; the cache only indexes it.
package store

import (
	"context"
	"errors"
	"time"

	"premium-market/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("store: not found")
	ErrInsufficientBalance = errors.New("store: insufficient balance")
	ErrOpenPositionExists  = errors.New("store: user already has an open position")
	ErrAlreadyCheckedIn    = errors.New("store: already checked in today")
)

// Store is the persistence interface.
type Store interface {
	// GetVault returns ErrNotFound for users that never funded a vault.
	GetVault(ctx context.Context, userID string) (*models.Vault, error)

	// CheckIn credits the daily bonus, creating the vault on first use.
	// A second check-in on the same UTC day returns ErrAlreadyCheckedIn.
	CheckIn(ctx context.Context, userID string, bonus decimal.Decimal, now time.Time) (*models.Vault, error)

	// OpenPosition debits the deposit and inserts the position in one
	// transaction. The debit never takes the balance below zero.
	OpenPosition(ctx context.Context, pos *models.Position) error

	// SettlePosition marks the position settled, appends the log row and
	// credits the vault in one transaction. applied is false when the
	// position had already been settled, in which case nothing changes.
	SettlePosition(ctx context.Context, log *models.PredictLog, credit decimal.Decimal) (applied bool, err error)

	// GetOpenPosition returns the user's unsettled position or ErrNotFound.
	GetOpenPosition(ctx context.Context, userID string) (*models.Position, error)

	// ListOverduePositions returns unsettled positions whose FinishedAt is before cutoff.
	ListOverduePositions(ctx context.Context, cutoff time.Time) ([]models.Position, error)

	// ListPredictLogs returns the user's most recent settlements, newest first.
	ListPredictLogs(ctx context.Context, userID string, limit int) ([]models.PredictLog, error)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
