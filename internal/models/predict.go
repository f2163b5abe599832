package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a prediction
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Outcome of a settled prediction
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomeDraw Outcome = "draw"
)

// Position is a user's open leveraged bet on price direction
type Position struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Market     string          `json:"market"` // BASE-QUOTE
	Exchange   string          `json:"exchange"`
	Side       Side            `json:"position"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Deposit    decimal.Decimal `json:"deposit"`
	Leverage   int             `json:"leverage"`
	Duration   time.Duration   `json:"duration"`
	CreatedAt  time.Time       `json:"createdAt"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// PredictLog is the append-only record of one settled position
type PredictLog struct {
	ID         string          `json:"id"`
	PositionID string          `json:"positionId"`
	UserID     string          `json:"userId"`
	Market     string          `json:"market"`
	Exchange   string          `json:"exchange"`
	Side       Side            `json:"position"`
	Leverage   int             `json:"leverage"`
	Deposit    decimal.Decimal `json:"deposit"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ClosePrice decimal.Decimal `json:"closePrice"`
	Profit     decimal.Decimal `json:"profit"`
	Outcome    Outcome         `json:"outcome"`
	Liquidated bool            `json:"liquidated"`
	EnteredAt  time.Time       `json:"enteredAt"`
	ExitedAt   time.Time       `json:"exitedAt"`
}

// Vault is a user's virtual balance
type Vault struct {
	UserID        string          `json:"userId"`
	Balance       decimal.Decimal `json:"balance"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	Draws         int             `json:"draws"`
	LastPredictAt *time.Time      `json:"lastPredictAt,omitempty"`
	LastCheckInAt *time.Time      `json:"lastCheckInAt,omitempty"`
}

// LongShortRatio counts open positions per side for one market
type LongShortRatio struct {
	Market string `json:"market"`
	Long   int64  `json:"long"`
	Short  int64  `json:"short"`
}

// SettlementResult is pushed to the user once a position settles
type SettlementResult struct {
	Position        Position        `json:"position"`
	ClosePrice      decimal.Decimal `json:"closePrice"`
	LeveragedReturn decimal.Decimal `json:"leveragedReturn"`
	Profit          decimal.Decimal `json:"profit"`
	VaultCredit     decimal.Decimal `json:"vaultCredit"`
	Outcome         Outcome         `json:"outcome"`
	Liquidated      bool            `json:"liquidated"`
	SettledAt       time.Time       `json:"settledAt"`
	UsdKrw          decimal.Decimal `json:"usdKrw,omitempty"`
}
