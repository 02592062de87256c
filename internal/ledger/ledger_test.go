package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"prediction-exchange/internal/model"
)

// ── In-memory Store ──────────────────────────────────

type memStore struct {
	mu          sync.Mutex
	markets     map[int64]*model.Market
	preds       map[int64]map[string]*model.Prediction
	balances    map[string]decimal.Decimal
	escrow      decimal.Decimal
	fees        decimal.Decimal
	memberships map[string][]int64
}

func newMemStore() *memStore {
	return &memStore{
		markets:     make(map[int64]*model.Market),
		preds:       make(map[int64]map[string]*model.Prediction),
		balances:    make(map[string]decimal.Decimal),
		memberships: make(map[string][]int64),
	}
}

func (s *memStore) fund(userID string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = s.balances[userID].Add(amount)
}

func (s *memStore) balance(userID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID]
}

func (s *memStore) AllMarkets(ctx context.Context) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Market
	for i := int64(1); i <= int64(len(s.markets)); i++ {
		if m, ok := s.markets[i]; ok {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *memStore) PredictionsForMarket(ctx context.Context, marketID int64) ([]model.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Prediction
	for _, p := range s.preds[marketID] {
		out = append(out, *p)
	}
	return out, nil
}

func (s *memStore) InsertMarket(ctx context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.markets[m.ID] = &cp
	s.preds[m.ID] = make(map[string]*model.Prediction)
	return nil
}

func (s *memStore) ApplyStake(ctx context.Context, a StakeApply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[a.UserID].LessThan(a.Amount) {
		return ErrInsufficientFunds
	}
	s.balances[a.UserID] = s.balances[a.UserID].Sub(a.Amount)
	s.escrow = s.escrow.Add(a.Amount)

	m := s.markets[a.MarketID]
	m.TotalYesStake, m.TotalNoStake = a.TotalYes, a.TotalNo

	if a.NewPosition {
		s.preds[a.MarketID][a.UserID] = &model.Prediction{
			MarketID: a.MarketID, UserID: a.UserID, Side: a.Side,
			Amount: a.Amount, CreatedAt: a.At, UpdatedAt: a.At,
		}
		s.memberships[a.UserID] = append(s.memberships[a.UserID], a.MarketID)
	} else {
		p := s.preds[a.MarketID][a.UserID]
		p.Amount = p.Amount.Add(a.Amount)
		p.UpdatedAt = a.At
	}
	return nil
}

func (s *memStore) ApplyResolution(ctx context.Context, a ResolutionApply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.markets[a.MarketID]
	at := a.At
	m.Resolved = true
	m.Outcome = a.Outcome
	m.ResolvedAt = &at
	return nil
}

func (s *memStore) ApplyClaim(ctx context.Context, a ClaimApply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.preds[a.MarketID][a.UserID]
	if p == nil || p.Claimed {
		return ErrAlreadyClaimed
	}
	p.Claimed = true
	p.UpdatedAt = a.At
	s.escrow = s.escrow.Sub(a.Gross)
	s.fees = s.fees.Add(a.Fee)
	s.balances[a.UserID] = s.balances[a.UserID].Add(a.Net)
	return nil
}

// ── Helpers ──────────────────────────────────────────

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func wei(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var (
	oneUnit  = wei("1000000000000000000") // 1.0
	halfUnit = wei("500000000000000000")  // 0.5
	minStake = wei("1000000000000000")    // 0.001
)

func defaultParams() Params {
	return Params{MinStake: minStake, FeeBps: 200, AllowRepeatStakes: true}
}

func newTestLedger(t *testing.T, params Params) (*Ledger, *memStore, *fakeClock) {
	t.Helper()
	st := newMemStore()
	l := New(st, nil, params)
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l.now = clk.Now
	return l, st, clk
}

func mustCreate(t *testing.T, l *Ledger, creator string, durationSeconds int64) int64 {
	t.Helper()
	id, err := l.CreateMarket(context.Background(), creator, "Will ETH hit 10k?", "Price prediction", durationSeconds, "Crypto")
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	return id
}

// ── Tests ────────────────────────────────────────────

func TestCreateMarketSequentialIDs(t *testing.T) {
	l, _, clk := newTestLedger(t, defaultParams())

	id1 := mustCreate(t, l, "alice", 86400)
	id2 := mustCreate(t, l, "alice", 3600)
	if id1 != 1 || id2 != 2 {
		t.Fatalf("expected ids 1,2 got %d,%d", id1, id2)
	}
	if l.MarketCount() != 2 {
		t.Fatalf("expected count 2, got %d", l.MarketCount())
	}

	m, err := l.GetMarket(id1)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if m.Question != "Will ETH hit 10k?" || m.Category != "Crypto" || m.CreatorID != "alice" {
		t.Fatalf("market fields wrong: %+v", m)
	}
	if !m.EndTime.Equal(clk.Now().Add(86400 * time.Second)) {
		t.Fatalf("end time %v, want created+86400s", m.EndTime)
	}
	if m.Resolved || m.TotalYesStake.Sign() != 0 || m.TotalNoStake.Sign() != 0 {
		t.Fatal("new market must be open and empty")
	}
}

func TestCreateMarketInvalidDuration(t *testing.T) {
	l, _, _ := newTestLedger(t, defaultParams())
	for _, d := range []int64{0, -1} {
		if _, err := l.CreateMarket(context.Background(), "alice", "q", "d", d, "Other"); !errors.Is(err, ErrInvalidDuration) {
			t.Fatalf("duration %d: got %v, want ErrInvalidDuration", d, err)
		}
	}
	if l.MarketCount() != 0 {
		t.Fatal("rejected creation must not consume an id")
	}
}

func TestStakeAccumulatesTotals(t *testing.T) {
	l, st, _ := newTestLedger(t, defaultParams())
	st.fund("alice", oneUnit.Mul(decimal.NewFromInt(10)))
	st.fund("bob", oneUnit.Mul(decimal.NewFromInt(10)))
	id := mustCreate(t, l, "carol", 86400)

	if err := l.PlacePrediction(id, "alice", model.SideYes, oneUnit); err != nil {
		t.Fatalf("stake: %v", err)
	}
	m, _ := l.GetMarket(id)
	if !m.TotalYesStake.Equal(oneUnit) || m.TotalNoStake.Sign() != 0 {
		t.Fatalf("totals after first stake: %s/%s", m.TotalYesStake, m.TotalNoStake)
	}

	if err := l.PlacePrediction(id, "bob", model.SideNo, halfUnit); err != nil {
		t.Fatalf("stake: %v", err)
	}
	// Repeat stake on the same side is additive.
	if err := l.PlacePrediction(id, "alice", model.SideYes, halfUnit); err != nil {
		t.Fatalf("repeat stake: %v", err)
	}

	m, _ = l.GetMarket(id)
	wantYes := oneUnit.Add(halfUnit)
	if !m.TotalYesStake.Equal(wantYes) || !m.TotalNoStake.Equal(halfUnit) {
		t.Fatalf("totals %s/%s, want %s/%s", m.TotalYesStake, m.TotalNoStake, wantYes, halfUnit)
	}
	if !m.TotalStake().Equal(wei("2000000000000000000")) {
		t.Fatalf("total stake %s, want sum of all accepted stakes", m.TotalStake())
	}

	p, _ := l.GetUserPrediction(id, "alice")
	if p.Side != model.SideYes || !p.Amount.Equal(wantYes) {
		t.Fatalf("alice position %+v", p)
	}

	// Custody: everything staked sits in escrow.
	if !st.escrow.Equal(m.TotalStake()) {
		t.Fatalf("escrow %s != staked %s", st.escrow, m.TotalStake())
	}
	// Membership recorded once per market, insertion order.
	if got := st.memberships["alice"]; len(got) != 1 || got[0] != id {
		t.Fatalf("alice memberships %v", got)
	}
}

func TestStakeRejections(t *testing.T) {
	params := defaultParams()
	l, st, _ := newTestLedger(t, params)
	st.fund("alice", oneUnit.Mul(decimal.NewFromInt(10)))
	id := mustCreate(t, l, "carol", 86400)

	if err := l.PlacePrediction(99, "alice", model.SideYes, oneUnit); !errors.Is(err, ErrMarketNotFound) {
		t.Fatalf("unknown market: got %v", err)
	}
	if err := l.PlacePrediction(id, "alice", model.SideYes, decimal.Zero); !errors.Is(err, ErrInvalidStake) {
		t.Fatalf("zero stake: got %v", err)
	}
	// 100 wei is far below the 0.001-unit minimum.
	if err := l.PlacePrediction(id, "alice", model.SideYes, wei("100")); !errors.Is(err, ErrStakeTooLow) {
		t.Fatalf("dust stake: got %v", err)
	}
	// Exactly the minimum is accepted.
	if err := l.PlacePrediction(id, "alice", model.SideYes, minStake); err != nil {
		t.Fatalf("minimum stake: %v", err)
	}
	// Opposite side is rejected, position intact.
	if err := l.PlacePrediction(id, "alice", model.SideNo, oneUnit); !errors.Is(err, ErrSideMismatch) {
		t.Fatalf("side switch: got %v", err)
	}
	p, _ := l.GetUserPrediction(id, "alice")
	if p.Side != model.SideYes || !p.Amount.Equal(minStake) {
		t.Fatalf("position mutated by rejected stake: %+v", p)
	}
	// Wallet can't cover it.
	if err := l.PlacePrediction(id, "bob", model.SideNo, oneUnit); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("broke staker: got %v", err)
	}
	m, _ := l.GetMarket(id)
	if !m.TotalStake().Equal(minStake) {
		t.Fatalf("rejected stakes leaked into totals: %s", m.TotalStake())
	}
}

func TestRepeatStakeDisabled(t *testing.T) {
	params := defaultParams()
	params.AllowRepeatStakes = false
	l, st, _ := newTestLedger(t, params)
	st.fund("alice", oneUnit.Mul(decimal.NewFromInt(10)))
	id := mustCreate(t, l, "carol", 86400)

	if err := l.PlacePrediction(id, "alice", model.SideYes, oneUnit); err != nil {
		t.Fatalf("first stake: %v", err)
	}
	if err := l.PlacePrediction(id, "alice", model.SideYes, oneUnit); !errors.Is(err, ErrRepeatStake) {
		t.Fatalf("second stake: got %v, want ErrRepeatStake", err)
	}
}

func TestStakeClosedMarket(t *testing.T) {
	l, st, clk := newTestLedger(t, defaultParams())
	st.fund("alice", oneUnit.Mul(decimal.NewFromInt(10)))
	id := mustCreate(t, l, "carol", 3600)

	clk.Advance(3600 * time.Second) // now == endTime counts as closed
	if err := l.PlacePrediction(id, "alice", model.SideYes, oneUnit); !errors.Is(err, ErrMarketClosed) {
		t.Fatalf("past end: got %v", err)
	}

	if err := l.ResolveMarket(id, "carol", model.SideYes); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := l.PlacePrediction(id, "alice", model.SideYes, oneUnit); !errors.Is(err, ErrMarketClosed) {
		t.Fatalf("resolved market: got %v", err)
	}
}

func TestResolveGuards(t *testing.T) {
	l, _, clk := newTestLedger(t, defaultParams())
	id := mustCreate(t, l, "carol", 3600)

	if err := l.ResolveMarket(99, "carol", model.SideYes); !errors.Is(err, ErrMarketNotFound) {
		t.Fatalf("unknown market: got %v", err)
	}
	if err := l.ResolveMarket(id, "mallory", model.SideYes); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("non-creator: got %v", err)
	}
	if err := l.ResolveMarket(id, "carol", model.SideYes); !errors.Is(err, ErrMarketNotYetEnded) {
		t.Fatalf("before end: got %v", err)
	}

	clk.Advance(3601 * time.Second)
	if err := l.ResolveMarket(id, "carol", model.SideNo); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m, _ := l.GetMarket(id)
	if !m.Resolved || m.Outcome != model.SideNo || m.ResolvedAt == nil {
		t.Fatalf("market after resolve: %+v", m)
	}
	if err := l.ResolveMarket(id, "carol", model.SideYes); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second resolve: got %v", err)
	}
	m, _ = l.GetMarket(id)
	if m.Outcome != model.SideNo {
		t.Fatal("outcome changed by rejected re-resolution")
	}
}

func TestClaimFlow(t *testing.T) {
	l, st, clk := newTestLedger(t, defaultParams())
	st.fund("alice", oneUnit.Mul(decimal.NewFromInt(10)))
	st.fund("bob", oneUnit.Mul(decimal.NewFromInt(10)))
	id := mustCreate(t, l, "carol", 3600)

	if err := l.PlacePrediction(id, "alice", model.SideYes, oneUnit); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := l.PlacePrediction(id, "bob", model.SideNo, halfUnit); err != nil {
		t.Fatalf("stake: %v", err)
	}

	if _, err := l.ClaimReward(id, "alice"); !errors.Is(err, ErrMarketNotResolved) {
		t.Fatalf("claim before resolution: got %v", err)
	}

	clk.Advance(3601 * time.Second)
	if err := l.ResolveMarket(id, "carol", model.SideYes); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := l.ClaimReward(id, "bob"); !errors.Is(err, ErrNotWinner) {
		t.Fatalf("losing claim: got %v", err)
	}
	if _, err := l.ClaimReward(id, "dave"); !errors.Is(err, ErrNoPosition) {
		t.Fatalf("stranger claim: got %v", err)
	}

	aliceBefore := st.balance("alice")
	res, err := l.ClaimReward(id, "alice")
	if err != nil {
		t.Fatalf("winning claim: %v", err)
	}
	// 1.0 + 1.0*0.5/1.0, 2% fee on the 0.5 share.
	wantNet := wei("1490000000000000000")
	wantFee := wei("10000000000000000")
	if !res.Net.Equal(wantNet) || !res.Fee.Equal(wantFee) || !res.Gross.Equal(wei("1500000000000000000")) {
		t.Fatalf("claim result %+v", res)
	}
	if !st.balance("alice").Sub(aliceBefore).Equal(wantNet) {
		t.Fatalf("wallet credited %s, want %s", st.balance("alice").Sub(aliceBefore), wantNet)
	}
	if !st.fees.Equal(wantFee) {
		t.Fatalf("platform fees %s, want %s", st.fees, wantFee)
	}

	if _, err := l.ClaimReward(id, "alice"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("second claim: got %v", err)
	}
	if !st.balance("alice").Sub(aliceBefore).Equal(wantNet) {
		t.Fatal("second claim must not pay")
	}
}

func TestClaimConservation(t *testing.T) {
	l, st, clk := newTestLedger(t, defaultParams())
	stakes := map[string]struct {
		side   model.Side
		amount decimal.Decimal
	}{
		"alice": {model.SideYes, wei("3333333333333333333")},
		"bob":   {model.SideYes, wei("1111111111111111111")},
		"carol": {model.SideYes, wei("777777777777777777")},
		"dave":  {model.SideNo, wei("2999999999999999999")},
		"erin":  {model.SideNo, wei("123456789123456789")},
	}
	for u := range stakes {
		st.fund(u, oneUnit.Mul(decimal.NewFromInt(100)))
	}
	id := mustCreate(t, l, "frank", 3600)
	total := decimal.Zero
	for u, s := range stakes {
		if err := l.PlacePrediction(id, u, s.side, s.amount); err != nil {
			t.Fatalf("stake %s: %v", u, err)
		}
		total = total.Add(s.amount)
	}

	clk.Advance(3601 * time.Second)
	if err := l.ResolveMarket(id, "frank", model.SideYes); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	paid := decimal.Zero
	fees := decimal.Zero
	winners := 0
	for u, s := range stakes {
		res, err := l.ClaimReward(id, u)
		if s.side != model.SideYes {
			if !errors.Is(err, ErrNotWinner) {
				t.Fatalf("loser %s: got %v", u, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("winner %s: %v", u, err)
		}
		paid = paid.Add(res.Net)
		fees = fees.Add(res.Fee)
		winners++
	}

	// No value created or destroyed: payouts + retained fees + escrow dust
	// account for every wei staked.
	if !st.escrow.Add(paid).Add(fees).Equal(total) {
		t.Fatalf("escrow %s + paid %s + fees %s != staked %s", st.escrow, paid, fees, total)
	}
	if st.escrow.Sign() < 0 || st.escrow.GreaterThan(decimal.NewFromInt(int64(winners))) {
		t.Fatalf("rounding dust out of bounds: %s", st.escrow)
	}
	if !st.fees.Equal(fees) {
		t.Fatalf("store fees %s != summed fees %s", st.fees, fees)
	}
}

func TestOddsQuery(t *testing.T) {
	l, st, _ := newTestLedger(t, defaultParams())
	st.fund("alice", oneUnit.Mul(decimal.NewFromInt(10)))
	st.fund("bob", oneUnit.Mul(decimal.NewFromInt(10)))
	id := mustCreate(t, l, "carol", 86400)

	odds, err := l.GetMarketOdds(id)
	if err != nil {
		t.Fatalf("odds: %v", err)
	}
	if odds.YesPct != 50 || odds.NoPct != 50 {
		t.Fatalf("empty market odds %d/%d, want 50/50", odds.YesPct, odds.NoPct)
	}

	l.PlacePrediction(id, "alice", model.SideYes, oneUnit.Mul(decimal.NewFromInt(3)))
	l.PlacePrediction(id, "bob", model.SideNo, oneUnit)

	odds, _ = l.GetMarketOdds(id)
	if odds.YesPct != 75 || odds.NoPct != 25 {
		t.Fatalf("3:1 odds %d/%d, want 75/25", odds.YesPct, odds.NoPct)
	}
	if odds.YesPct+odds.NoPct != 100 {
		t.Fatal("odds must sum to 100")
	}

	if _, err := l.GetMarketOdds(99); !errors.Is(err, ErrMarketNotFound) {
		t.Fatalf("unknown market odds: got %v", err)
	}
}

func TestUserPredictionSentinel(t *testing.T) {
	l, _, _ := newTestLedger(t, defaultParams())
	id := mustCreate(t, l, "carol", 86400)

	p, err := l.GetUserPrediction(id, "nobody")
	if err != nil {
		t.Fatalf("sentinel lookup: %v", err)
	}
	if p.Exists() || p.Claimed || p.MarketID != id {
		t.Fatalf("expected zero sentinel, got %+v", p)
	}
}

func TestBootRestoresState(t *testing.T) {
	l, st, clk := newTestLedger(t, defaultParams())
	st.fund("alice", oneUnit.Mul(decimal.NewFromInt(10)))
	st.fund("bob", oneUnit.Mul(decimal.NewFromInt(10)))
	id := mustCreate(t, l, "carol", 3600)
	l.PlacePrediction(id, "alice", model.SideYes, oneUnit)
	l.PlacePrediction(id, "bob", model.SideNo, halfUnit)
	clk.Advance(3601 * time.Second)
	l.ResolveMarket(id, "carol", model.SideYes)

	// A fresh ledger over the same store picks up where the old one left off.
	l2 := New(st, nil, defaultParams())
	l2.now = clk.Now
	if err := l2.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if l2.MarketCount() != 1 {
		t.Fatalf("count after boot: %d", l2.MarketCount())
	}
	m, err := l2.GetMarket(id)
	if err != nil {
		t.Fatalf("get after boot: %v", err)
	}
	if !m.Resolved || m.Outcome != model.SideYes || !m.TotalYesStake.Equal(oneUnit) {
		t.Fatalf("state lost across boot: %+v", m)
	}

	// Claims still work after a restart.
	res, err := l2.ClaimReward(id, "alice")
	if err != nil {
		t.Fatalf("claim after boot: %v", err)
	}
	if !res.Net.Equal(wei("1490000000000000000")) {
		t.Fatalf("net after boot %s", res.Net)
	}
	// And the claim is visible to yet another boot.
	l3 := New(st, nil, defaultParams())
	l3.now = clk.Now
	if err := l3.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if _, err := l3.ClaimReward(id, "alice"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("double claim across boots: got %v", err)
	}
}

func TestConcurrentStakesSerialize(t *testing.T) {
	l, st, _ := newTestLedger(t, defaultParams())
	const n = 20
	users := make([]string, n)
	for i := range users {
		users[i] = string(rune('a'+i%26)) + string(rune('0'+i/26))
		st.fund(users[i], oneUnit)
	}
	id := mustCreate(t, l, "carol", 86400)

	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		side := model.SideYes
		if i%2 == 1 {
			side = model.SideNo
		}
		go func(u string, side model.Side) {
			defer wg.Done()
			if err := l.PlacePrediction(id, u, side, oneUnit); err != nil {
				t.Errorf("stake %s: %v", u, err)
			}
		}(u, side)
	}
	wg.Wait()

	m, _ := l.GetMarket(id)
	want := oneUnit.Mul(decimal.NewFromInt(n))
	if !m.TotalStake().Equal(want) {
		t.Fatalf("total %s, want %s", m.TotalStake(), want)
	}
	if !st.escrow.Equal(want) {
		t.Fatalf("escrow %s, want %s", st.escrow, want)
	}
}
