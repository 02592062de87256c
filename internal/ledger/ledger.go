package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"prediction-exchange/internal/model"
)

// PublishFunc broadcasts a WS message for a market.
type PublishFunc func(marketID int64, msgType string, data any)

// Params are fixed constants of the deployed exchange, not per market.
type Params struct {
	MinStake decimal.Decimal // wei
	FeeBps   int64           // platform fee on the losing-pool share
	// AllowRepeatStakes permits topping up an existing position on the same
	// side. When false any second stake is rejected outright.
	AllowRepeatStakes bool
}

// ── Ledger ───────────────────────────────────────────

// Ledger owns all market state. Every mutation funnels through a per-market
// engine goroutine, so two calls can never interleave on the same market.
type Ledger struct {
	mu      sync.RWMutex
	engines map[int64]*marketEngine
	lastID  int64
	store   Store
	publish PublishFunc
	params  Params
	now     func() time.Time
}

func New(store Store, pub PublishFunc, params Params) *Ledger {
	return &Ledger{
		engines: make(map[int64]*marketEngine),
		store:   store,
		publish: pub,
		params:  params,
		now:     time.Now,
	}
}

// Boot loads every market and its predictions, resolved markets included:
// winners claim long after resolution.
func (l *Ledger) Boot(ctx context.Context) error {
	markets, err := l.store.AllMarkets(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, mkt := range markets {
		preds, err := l.store.PredictionsForMarket(ctx, mkt.ID)
		if err != nil {
			return fmt.Errorf("boot market %d: %w", mkt.ID, err)
		}
		eng := newMarketEngine(mkt, preds, l.store, l.publish, l.params, l.now)
		l.engines[mkt.ID] = eng
		if mkt.ID > l.lastID {
			l.lastID = mkt.ID
		}
		go eng.run(context.Background())
	}
	log.Printf("[ledger] booted %d market engines, last id %d", len(markets), l.lastID)
	return nil
}

// CreateMarket allocates the next sequential id and opens the market. No
// payment is required to create.
func (l *Ledger) CreateMarket(ctx context.Context, creatorID, question, description string, durationSeconds int64, category string) (int64, error) {
	if durationSeconds <= 0 {
		return 0, ErrInvalidDuration
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	m := model.Market{
		ID:            l.lastID + 1,
		Question:      question,
		Description:   description,
		Category:      category,
		CreatorID:     creatorID,
		EndTime:       now.Add(time.Duration(durationSeconds) * time.Second),
		CreatedAt:     now,
		TotalYesStake: decimal.Zero,
		TotalNoStake:  decimal.Zero,
	}
	if err := l.store.InsertMarket(ctx, &m); err != nil {
		return 0, err
	}
	l.lastID = m.ID

	eng := newMarketEngine(m, nil, l.store, l.publish, l.params, l.now)
	l.engines[m.ID] = eng
	go eng.run(context.Background())

	if l.publish != nil {
		l.publish(m.ID, "market_created", m)
	}
	return m.ID, nil
}

// MarketCount is the id of the most recently created market.
func (l *Ledger) MarketCount() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastID
}

func (l *Ledger) engine(marketID int64) *marketEngine {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.engines[marketID]
}

func (l *Ledger) PlacePrediction(marketID int64, userID string, side model.Side, amount decimal.Decimal) error {
	eng := l.engine(marketID)
	if eng == nil {
		return ErrMarketNotFound
	}
	return eng.Stake(userID, side, amount)
}

func (l *Ledger) ResolveMarket(marketID int64, callerID string, outcome model.Side) error {
	eng := l.engine(marketID)
	if eng == nil {
		return ErrMarketNotFound
	}
	return eng.Resolve(callerID, outcome)
}

func (l *Ledger) ClaimReward(marketID int64, userID string) (model.ClaimResult, error) {
	eng := l.engine(marketID)
	if eng == nil {
		return model.ClaimResult{}, ErrMarketNotFound
	}
	return eng.Claim(userID)
}

// GetMarket returns a consistent snapshot of the market.
func (l *Ledger) GetMarket(marketID int64) (model.Market, error) {
	eng := l.engine(marketID)
	if eng == nil {
		return model.Market{}, ErrMarketNotFound
	}
	return eng.Snapshot(), nil
}

// GetMarketOdds returns the integer percentage split, 50/50 when empty.
func (l *Ledger) GetMarketOdds(marketID int64) (model.OddsSnapshot, error) {
	eng := l.engine(marketID)
	if eng == nil {
		return model.OddsSnapshot{}, ErrMarketNotFound
	}
	m := eng.Snapshot()
	yes, no := model.Odds(m.TotalYesStake, m.TotalNoStake)
	return model.OddsSnapshot{MarketID: marketID, YesPct: yes, NoPct: no}, nil
}

// GetUserPrediction returns the position, or a zero sentinel when the user
// never staked on the market.
func (l *Ledger) GetUserPrediction(marketID int64, userID string) (model.Prediction, error) {
	eng := l.engine(marketID)
	if eng == nil {
		return model.Prediction{}, ErrMarketNotFound
	}
	return eng.Prediction(userID), nil
}

// ── MarketEngine ─────────────────────────────────────

// marketEngine is the single writer for one market. It holds the
// authoritative in-memory snapshot, persists each mutation through the
// store, and only updates the snapshot after the transaction commits.
type marketEngine struct {
	mkt     model.Market
	preds   map[string]*model.Prediction
	cmdCh   chan command
	store   Store
	publish PublishFunc
	params  Params
	now     func() time.Time
}

func newMarketEngine(mkt model.Market, preds []model.Prediction, store Store, pub PublishFunc, params Params, now func() time.Time) *marketEngine {
	byUser := make(map[string]*model.Prediction, len(preds))
	for i := range preds {
		p := preds[i]
		byUser[p.UserID] = &p
	}
	return &marketEngine{
		mkt:     mkt,
		preds:   byUser,
		cmdCh:   make(chan command, 64),
		store:   store,
		publish: pub,
		params:  params,
		now:     now,
	}
}

func (e *marketEngine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		}
	}
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(e *marketEngine) }

type stakeCmd struct {
	userID string
	side   model.Side
	amount decimal.Decimal
	ch     chan<- error
}

type resolveCmd struct {
	callerID string
	outcome  model.Side
	ch       chan<- error
}

type claimCmd struct {
	userID string
	ch     chan<- claimReply
}

type claimReply struct {
	result model.ClaimResult
	err    error
}

type snapshotCmd struct{ ch chan<- model.Market }

type predictionCmd struct {
	userID string
	ch     chan<- model.Prediction
}

func (c stakeCmd) exec(e *marketEngine)   { c.ch <- e.stake(c.userID, c.side, c.amount) }
func (c resolveCmd) exec(e *marketEngine) { c.ch <- e.resolve(c.callerID, c.outcome) }
func (c claimCmd) exec(e *marketEngine) {
	res, err := e.claim(c.userID)
	c.ch <- claimReply{result: res, err: err}
}
func (c snapshotCmd) exec(e *marketEngine) { c.ch <- e.mkt }
func (c predictionCmd) exec(e *marketEngine) {
	if p, ok := e.preds[c.userID]; ok {
		c.ch <- *p
		return
	}
	c.ch <- model.Prediction{MarketID: e.mkt.ID, UserID: c.userID, Amount: decimal.Zero}
}

// Stake sends a stake command to the market goroutine and waits.
func (e *marketEngine) Stake(userID string, side model.Side, amount decimal.Decimal) error {
	ch := make(chan error, 1)
	e.cmdCh <- stakeCmd{userID: userID, side: side, amount: amount, ch: ch}
	return <-ch
}

func (e *marketEngine) Resolve(callerID string, outcome model.Side) error {
	ch := make(chan error, 1)
	e.cmdCh <- resolveCmd{callerID: callerID, outcome: outcome, ch: ch}
	return <-ch
}

func (e *marketEngine) Claim(userID string) (model.ClaimResult, error) {
	ch := make(chan claimReply, 1)
	e.cmdCh <- claimCmd{userID: userID, ch: ch}
	r := <-ch
	return r.result, r.err
}

func (e *marketEngine) Snapshot() model.Market {
	ch := make(chan model.Market, 1)
	e.cmdCh <- snapshotCmd{ch: ch}
	return <-ch
}

func (e *marketEngine) Prediction(userID string) model.Prediction {
	ch := make(chan model.Prediction, 1)
	e.cmdCh <- predictionCmd{userID: userID, ch: ch}
	return <-ch
}

// ── Staking ──────────────────────────────────────────

func (e *marketEngine) stake(userID string, side model.Side, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidStake
	}
	if amount.LessThan(e.params.MinStake) {
		return ErrStakeTooLow
	}
	now := e.now()
	if e.mkt.Resolved || !now.Before(e.mkt.EndTime) {
		return ErrMarketClosed
	}

	existing := e.preds[userID]
	if existing != nil {
		if existing.Side != side {
			return ErrSideMismatch
		}
		if !e.params.AllowRepeatStakes {
			return ErrRepeatStake
		}
	}

	totalYes, totalNo := e.mkt.TotalYesStake, e.mkt.TotalNoStake
	if side == model.SideYes {
		totalYes = totalYes.Add(amount)
	} else {
		totalNo = totalNo.Add(amount)
	}

	err := e.store.ApplyStake(context.Background(), StakeApply{
		MarketID:    e.mkt.ID,
		UserID:      userID,
		Side:        side,
		Amount:      amount,
		NewPosition: existing == nil,
		TotalYes:    totalYes,
		TotalNo:     totalNo,
		At:          now,
	})
	if err != nil {
		return err
	}

	// Committed: apply to the snapshot.
	e.mkt.TotalYesStake = totalYes
	e.mkt.TotalNoStake = totalNo
	if existing != nil {
		existing.Amount = existing.Amount.Add(amount)
		existing.UpdatedAt = now
	} else {
		e.preds[userID] = &model.Prediction{
			MarketID:  e.mkt.ID,
			UserID:    userID,
			Side:      side,
			Amount:    amount,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if e.publish != nil {
		e.publish(e.mkt.ID, "prediction_placed", map[string]any{
			"user_id":         userID,
			"side":            side,
			"amount":          amount,
			"total_yes_stake": totalYes,
			"total_no_stake":  totalNo,
		})
		yes, no := model.Odds(totalYes, totalNo)
		e.publish(e.mkt.ID, "odds", model.OddsSnapshot{MarketID: e.mkt.ID, YesPct: yes, NoPct: no})
	}
	return nil
}

// ── Resolution ───────────────────────────────────────

func (e *marketEngine) resolve(callerID string, outcome model.Side) error {
	if callerID != e.mkt.CreatorID {
		return ErrNotAuthorized
	}
	now := e.now()
	if now.Before(e.mkt.EndTime) {
		return ErrMarketNotYetEnded
	}
	if e.mkt.Resolved {
		return ErrAlreadyResolved
	}

	err := e.store.ApplyResolution(context.Background(), ResolutionApply{
		MarketID: e.mkt.ID,
		Outcome:  outcome,
		At:       now,
	})
	if err != nil {
		return err
	}

	e.mkt.Resolved = true
	e.mkt.Outcome = outcome
	e.mkt.ResolvedAt = &now

	if e.publish != nil {
		e.publish(e.mkt.ID, "market_resolved", map[string]any{
			"outcome":     outcome,
			"resolved_at": now,
		})
	}
	log.Printf("[ledger] market %d resolved %s", e.mkt.ID, outcome)
	return nil
}

// ── Claims ───────────────────────────────────────────

func (e *marketEngine) claim(userID string) (model.ClaimResult, error) {
	if !e.mkt.Resolved {
		return model.ClaimResult{}, ErrMarketNotResolved
	}
	p := e.preds[userID]
	if p == nil || !p.Exists() {
		return model.ClaimResult{}, ErrNoPosition
	}
	if p.Claimed {
		return model.ClaimResult{}, ErrAlreadyClaimed
	}
	if p.Side != e.mkt.Outcome {
		return model.ClaimResult{}, ErrNotWinner
	}

	winning, losing := e.mkt.PoolFor(e.mkt.Outcome)
	share, fee, net := model.WinnerPayout(p.Amount, winning, losing, e.params.FeeBps)
	gross := p.Amount.Add(share)
	now := e.now()

	err := e.store.ApplyClaim(context.Background(), ClaimApply{
		MarketID: e.mkt.ID,
		UserID:   userID,
		Gross:    gross,
		Fee:      fee,
		Net:      net,
		At:       now,
	})
	if err != nil {
		return model.ClaimResult{}, err
	}

	p.Claimed = true
	p.UpdatedAt = now

	if e.publish != nil {
		e.publish(e.mkt.ID, "reward_claimed", map[string]any{
			"user_id": userID,
			"net":     net,
			"fee":     fee,
		})
	}
	return model.ClaimResult{MarketID: e.mkt.ID, Gross: gross, Fee: fee, Net: net}, nil
}
