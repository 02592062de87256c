package ledger

import "errors"

// Every mutation rejects as a whole: one of these sentinels means no state
// changed. The HTTP layer maps them to status codes.
var (
	ErrInvalidDuration   = errors.New("duration must be positive")
	ErrInvalidStake      = errors.New("stake must be positive")
	ErrStakeTooLow       = errors.New("stake below minimum")
	ErrMarketNotFound    = errors.New("market not found")
	ErrMarketClosed      = errors.New("market closed for staking")
	ErrSideMismatch      = errors.New("position already held on the other side")
	ErrRepeatStake       = errors.New("position already placed on this market")
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
	ErrNotAuthorized     = errors.New("only the market creator may resolve")
	ErrMarketNotYetEnded = errors.New("market has not ended yet")
	ErrAlreadyResolved   = errors.New("market already resolved")
	ErrMarketNotResolved = errors.New("market not resolved")
	ErrNoPosition        = errors.New("no position on this market")
	ErrNotWinner         = errors.New("position is on the losing side")
	ErrAlreadyClaimed    = errors.New("reward already claimed")
)
