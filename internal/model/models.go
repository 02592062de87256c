package model

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// All staked value is denominated in wei (integer decimals, never float64).

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Opposite returns the other side of a binary market.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// ── Domain Objects ───────────────────────────────────

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

type Wallet struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance_wei"`
}

// Market is a single yes/no proposition with a staking window and a
// one-time resolution. Totals equal the sum of prediction amounts per side
// at all times.
type Market struct {
	ID            int64           `json:"id"`
	Question      string          `json:"question"`
	Description   string          `json:"description"`
	Category      string          `json:"category"`
	CreatorID     string          `json:"creator_id"`
	EndTime       time.Time       `json:"end_time"`
	CreatedAt     time.Time       `json:"created_at"`
	TotalYesStake decimal.Decimal `json:"total_yes_stake"`
	TotalNoStake  decimal.Decimal `json:"total_no_stake"`
	Resolved      bool            `json:"resolved"`
	Outcome       Side            `json:"outcome,omitempty"` // empty until resolved
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

func (m Market) TotalStake() decimal.Decimal {
	return m.TotalYesStake.Add(m.TotalNoStake)
}

// PoolFor returns (winningPool, losingPool) for the given outcome.
func (m Market) PoolFor(outcome Side) (decimal.Decimal, decimal.Decimal) {
	if outcome == SideYes {
		return m.TotalYesStake, m.TotalNoStake
	}
	return m.TotalNoStake, m.TotalYesStake
}

// Prediction is one user's position on one market: at most one record per
// (market, user) pair. Side is fixed on first stake; Amount only grows and
// only before resolution; Claimed flips once.
type Prediction struct {
	MarketID  int64           `json:"market_id"`
	UserID    string          `json:"user_id"`
	Side      Side            `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	Claimed   bool            `json:"claimed"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Exists reports whether this is a real position rather than the zero
// sentinel returned for users who never staked.
func (p Prediction) Exists() bool { return p.Amount.Sign() > 0 }

type EventLog struct {
	ID          int64     `json:"id"`
	MarketID    *int64    `json:"market_id,omitempty"`
	Type        string    `json:"type"`
	PayloadJSON any       `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── API Types ────────────────────────────────────────

type CreateMarketReq struct {
	Question        string `json:"question"`
	Description     string `json:"description"`
	DurationSeconds int64  `json:"duration_seconds"`
	Category        string `json:"category"`
}

type PlacePredictionReq struct {
	Side   Side            `json:"side"`
	Amount decimal.Decimal `json:"amount"` // wei
}

type ResolveMarketReq struct {
	Outcome Side `json:"outcome"`
}

type OddsSnapshot struct {
	MarketID int64 `json:"market_id"`
	YesPct   int   `json:"yes_pct"`
	NoPct    int   `json:"no_pct"`
}

type ClaimResult struct {
	MarketID int64           `json:"market_id"`
	Gross    decimal.Decimal `json:"gross"`
	Fee      decimal.Decimal `json:"fee"`
	Net      decimal.Decimal `json:"net"`
}

// ── Settlement Arithmetic ────────────────────────────

// Odds converts the two stake pools into integer percentages that always
// sum to exactly 100. An empty market reads 50/50. The yes side takes the
// floor, the remainder goes to no.
func Odds(yes, no decimal.Decimal) (yesPct, noPct int) {
	total := yes.Add(no)
	if total.Sign() == 0 {
		return 50, 50
	}
	yesPct = int(mulDiv(yes, decimal.NewFromInt(100), total).IntPart())
	return yesPct, 100 - yesPct
}

// WinnerPayout computes a winning claimant's settlement.
//
//	share = floor(stake * losingPool / winningPool)
//	fee   = floor(share * feeBps / 10000)   (fee applies to the share only)
//	net   = stake + share - fee             (principal returns fee-free)
//
// A winner implies winningPool >= stake > 0, so the division is safe.
func WinnerPayout(stake, winningPool, losingPool decimal.Decimal, feeBps int64) (share, fee, net decimal.Decimal) {
	share = mulDiv(stake, losingPool, winningPool)
	fee = mulDiv(share, decimal.NewFromInt(feeBps), decimal.NewFromInt(10000))
	net = stake.Add(share).Sub(fee)
	return share, fee, net
}

// mulDiv returns floor(a*b/c) computed exactly over big integers, so
// wei-scale values never lose precision to decimal division settings.
func mulDiv(a, b, c decimal.Decimal) decimal.Decimal {
	num := new(big.Int).Mul(a.BigInt(), b.BigInt())
	return decimal.NewFromBigInt(new(big.Int).Quo(num, c.BigInt()), 0)
}
