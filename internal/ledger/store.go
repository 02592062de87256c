package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"prediction-exchange/internal/model"
)

// Store is the persistence the ledger needs. Each Apply* call must execute
// as one transaction: either every row it names changes, or none do. The
// postgres implementation lives in internal/db; tests use an in-memory one.
type Store interface {
	// Boot reads.
	AllMarkets(ctx context.Context) ([]model.Market, error)
	PredictionsForMarket(ctx context.Context, marketID int64) ([]model.Prediction, error)

	// InsertMarket persists a freshly created market under its assigned id.
	InsertMarket(ctx context.Context, m *model.Market) error

	// ApplyStake moves Amount from the staker's wallet into escrow, writes
	// the prediction row (insert on first stake, amount bump after), sets
	// the market totals, and records membership on first stake. Returns
	// ErrInsufficientFunds when the wallet cannot cover the stake.
	ApplyStake(ctx context.Context, a StakeApply) error

	// ApplyResolution marks the market resolved with its outcome.
	ApplyResolution(ctx context.Context, a ResolutionApply) error

	// ApplyClaim flips the claimed flag and disburses: net to the winner's
	// wallet, fee to the platform fee balance, both out of escrow. The flag
	// flip and the disbursement are one transaction, so no second claim can
	// observe claimed == false after a payout.
	ApplyClaim(ctx context.Context, a ClaimApply) error
}

type StakeApply struct {
	MarketID    int64
	UserID      string
	Side        model.Side
	Amount      decimal.Decimal
	NewPosition bool
	// Post-stake running totals for the market row.
	TotalYes decimal.Decimal
	TotalNo  decimal.Decimal
	At       time.Time
}

type ResolutionApply struct {
	MarketID int64
	Outcome  model.Side
	At       time.Time
}

type ClaimApply struct {
	MarketID int64
	UserID   string
	Gross    decimal.Decimal // stake + losing-pool share, debited from escrow
	Fee      decimal.Decimal // retained by the platform
	Net      decimal.Decimal // credited to the winner
	At       time.Time
}
