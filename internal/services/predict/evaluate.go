package predict

import (
	"errors"

	"premium-market/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRequest      = errors.New("invalid prediction request")
	ErrAlreadyInProgress   = errors.New("a prediction is already in progress")
	ErrPriceUnavailable    = errors.New("price unavailable for market")
	ErrInsufficientBalance = errors.New("insufficient vault balance")
)

var hundred = decimal.NewFromInt(100)

// Evaluation is the mark-to-market of a position at a given price
type Evaluation struct {
	LeveragedReturn decimal.Decimal
	Profit          decimal.Decimal
	Credit          decimal.Decimal
	Outcome         models.Outcome
	Liquidated      bool
}

// Evaluate marks p at current. A long is liquidated once the leveraged return
// reaches -100%, a short once it reaches +100%; the deposit is then forfeit.
func Evaluate(p *models.Position, current decimal.Decimal) Evaluation {
	change := decimal.Zero
	if p.EntryPrice.IsPositive() {
		change = current.Sub(p.EntryPrice).Div(p.EntryPrice)
	}
	lr := change.Mul(decimal.NewFromInt(int64(p.Leverage))).Mul(hundred)

	ev := Evaluation{LeveragedReturn: lr}
	switch p.Side {
	case models.SideLong:
		ev.Liquidated = lr.LessThanOrEqual(hundred.Neg())
	case models.SideShort:
		ev.Liquidated = lr.GreaterThanOrEqual(hundred)
	}

	pnl := lr
	if p.Side == models.SideShort {
		pnl = lr.Neg()
	}

	if ev.Liquidated {
		ev.Profit = p.Deposit.Neg()
		ev.Credit = decimal.Zero
		ev.Outcome = models.OutcomeLoss
		return ev
	}

	ev.Profit = p.Deposit.Mul(pnl).Div(hundred)
	ev.Credit = ev.Profit.Add(p.Deposit)

	rose := current.GreaterThan(p.EntryPrice)
	fell := current.LessThan(p.EntryPrice)
	switch {
	case !rose && !fell:
		ev.Outcome = models.OutcomeDraw
	case (p.Side == models.SideLong && rose) || (p.Side == models.SideShort && fell):
		ev.Outcome = models.OutcomeWin
	default:
		ev.Outcome = models.OutcomeLoss
	}
	return ev
}
