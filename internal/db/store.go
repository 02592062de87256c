package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"prediction-exchange/internal/ledger"
	"prediction-exchange/internal/model"
)

// ErrFaucetCooldown is returned when a user hits the faucet again too soon.
var ErrFaucetCooldown = errors.New("faucet cooldown active")

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// ── Users ────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, email, hash string, role model.Role) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (id, email, password_hash, role) VALUES ($1,$2,$3,$4)
		 RETURNING id, email, password_hash, role, created_at`, uuid.New().String(), email, hash, role,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE email=$1`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// ── Wallets ──────────────────────────────────────────

func (s *Store) CreateWallet(ctx context.Context, userID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO wallets (user_id) VALUES ($1)`, userID)
	return err
}

func (s *Store) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT user_id, balance_wei FROM wallets WHERE user_id=$1`, userID,
	).Scan(&w.UserID, &w.Balance)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *Store) DepositWallet(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := s.DB.QueryRowContext(ctx,
		`UPDATE wallets SET balance_wei = balance_wei + $1 WHERE user_id=$2
		 RETURNING user_id, balance_wei`, amount, userID,
	).Scan(&w.UserID, &w.Balance)
	return w, err
}

// Faucet credits a fixed test-funding amount, at most once per cooldown
// window per user.
func (s *Store) Faucet(ctx context.Context, userID string, amount decimal.Decimal, cooldown time.Duration) (*model.Wallet, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var last time.Time
	err = tx.QueryRow(`SELECT last_claim_at FROM faucet_claims WHERE user_id=$1 FOR UPDATE`, userID).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	now := time.Now()
	if err == nil && now.Before(last.Add(cooldown)) {
		return nil, ErrFaucetCooldown
	}

	if _, err := tx.Exec(
		`INSERT INTO faucet_claims (user_id, last_claim_at) VALUES ($1,$2)
		 ON CONFLICT (user_id) DO UPDATE SET last_claim_at=$2`, userID, now); err != nil {
		return nil, err
	}
	w := &model.Wallet{}
	if err := tx.QueryRow(
		`UPDATE wallets SET balance_wei = balance_wei + $1 WHERE user_id=$2
		 RETURNING user_id, balance_wei`, amount, userID,
	).Scan(&w.UserID, &w.Balance); err != nil {
		return nil, err
	}
	appendEvent(tx, nil, "FaucetClaimed", map[string]any{"user_id": userID, "amount": amount})
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

// ── Markets ──────────────────────────────────────────

const marketCols = `id, question, description, category, creator_id, end_time, created_at,
	 total_yes_stake, total_no_stake, resolved, outcome, resolved_at`

func scanMarket(row interface{ Scan(...any) error }) (model.Market, error) {
	var m model.Market
	var outcome sql.NullString
	err := row.Scan(&m.ID, &m.Question, &m.Description, &m.Category, &m.CreatorID,
		&m.EndTime, &m.CreatedAt, &m.TotalYesStake, &m.TotalNoStake, &m.Resolved, &outcome, &m.ResolvedAt)
	if outcome.Valid {
		m.Outcome = model.Side(outcome.String)
	}
	return m, err
}

// AllMarkets returns every market in id order, for ledger boot.
func (s *Store) AllMarkets(ctx context.Context) ([]model.Market, error) {
	return s.queryMarkets(ctx, `SELECT `+marketCols+` FROM markets ORDER BY id`)
}

// ListMarkets returns markets newest-first for the listing endpoint.
func (s *Store) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.queryMarkets(ctx, `SELECT `+marketCols+` FROM markets ORDER BY id DESC`)
}

func (s *Store) queryMarkets(ctx context.Context, q string) ([]model.Market, error) {
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) InsertMarket(ctx context.Context, m *model.Market) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO markets (id, question, description, category, creator_id, end_time, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.Question, m.Description, m.Category, m.CreatorID, m.EndTime, m.CreatedAt,
	)
	if err != nil {
		return err
	}
	appendEvent(tx, &m.ID, "MarketCreated", map[string]any{
		"question": m.Question, "category": m.Category, "creator_id": m.CreatorID,
		"end_time": m.EndTime,
	})
	return tx.Commit()
}

// ── Predictions ──────────────────────────────────────

func (s *Store) PredictionsForMarket(ctx context.Context, marketID int64) ([]model.Prediction, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT market_id, user_id, side, amount, claimed, created_at, updated_at
		 FROM predictions WHERE market_id=$1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Prediction
	for rows.Next() {
		var p model.Prediction
		if err := rows.Scan(&p.MarketID, &p.UserID, &p.Side, &p.Amount, &p.Claimed, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UserMarkets returns the ids of markets the user ever staked on, in
// insertion order. The set never shrinks.
func (s *Store) UserMarkets(ctx context.Context, userID string) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT market_id FROM user_markets WHERE user_id=$1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ── Ledger transactions ──────────────────────────────

// ApplyStake is one transaction: wallet debit, escrow credit, prediction
// upsert, market totals, membership, event. Any failure rolls back all of it.
func (s *Store) ApplyStake(ctx context.Context, a ledger.StakeApply) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var balance decimal.Decimal
	if err := tx.QueryRow(
		`SELECT balance_wei FROM wallets WHERE user_id=$1 FOR UPDATE`, a.UserID,
	).Scan(&balance); err != nil {
		if err == sql.ErrNoRows {
			return ledger.ErrInsufficientFunds
		}
		return err
	}
	if balance.LessThan(a.Amount) {
		return ledger.ErrInsufficientFunds
	}

	if _, err := tx.Exec(
		`UPDATE wallets SET balance_wei = balance_wei - $1 WHERE user_id=$2`, a.Amount, a.UserID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE platform_wallets SET balance_wei = balance_wei + $1 WHERE name='escrow'`, a.Amount); err != nil {
		return err
	}

	if a.NewPosition {
		if _, err := tx.Exec(
			`INSERT INTO predictions (market_id, user_id, side, amount, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$5)`,
			a.MarketID, a.UserID, a.Side, a.Amount, a.At); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO user_markets (user_id, market_id) VALUES ($1,$2)
			 ON CONFLICT (user_id, market_id) DO NOTHING`, a.UserID, a.MarketID); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(
			`UPDATE predictions SET amount = amount + $1, updated_at=$2 WHERE market_id=$3 AND user_id=$4`,
			a.Amount, a.At, a.MarketID, a.UserID); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(
		`UPDATE markets SET total_yes_stake=$1, total_no_stake=$2 WHERE id=$3`,
		a.TotalYes, a.TotalNo, a.MarketID); err != nil {
		return err
	}

	appendEvent(tx, &a.MarketID, "PredictionPlaced", map[string]any{
		"user_id": a.UserID, "side": a.Side, "amount": a.Amount,
	})
	return tx.Commit()
}

func (s *Store) ApplyResolution(ctx context.Context, a ledger.ResolutionApply) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE markets SET resolved=TRUE, outcome=$1, resolved_at=$2 WHERE id=$3 AND NOT resolved`,
		a.Outcome, a.At, a.MarketID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrAlreadyResolved
	}

	appendEvent(tx, &a.MarketID, "MarketResolved", map[string]any{"outcome": a.Outcome})
	return tx.Commit()
}

// ApplyClaim flips the claimed flag and disburses in the same transaction.
// The guarded UPDATE means a claim can never pay twice even if callers
// raced past the engine's own check.
func (s *Store) ApplyClaim(ctx context.Context, a ledger.ClaimApply) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE predictions SET claimed=TRUE, paid_net=$1, paid_fee=$2, updated_at=$3
		 WHERE market_id=$4 AND user_id=$5 AND NOT claimed`,
		a.Net, a.Fee, a.At, a.MarketID, a.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrAlreadyClaimed
	}

	if _, err := tx.Exec(
		`UPDATE platform_wallets SET balance_wei = balance_wei - $1 WHERE name='escrow'`, a.Gross); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE platform_wallets SET balance_wei = balance_wei + $1 WHERE name='fees'`, a.Fee); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE wallets SET balance_wei = balance_wei + $1 WHERE user_id=$2`, a.Net, a.UserID); err != nil {
		return err
	}

	appendEvent(tx, &a.MarketID, "RewardClaimed", map[string]any{
		"user_id": a.UserID, "net": a.Net, "fee": a.Fee,
	})
	return tx.Commit()
}

// ── Event Log ────────────────────────────────────────

func appendEvent(tx *sql.Tx, marketID *int64, evType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO event_log (market_id, type, payload_json) VALUES ($1,$2,$3)`,
		marketID, evType, b,
	)
	return err
}

func (s *Store) ListEvents(ctx context.Context, marketID *int64, limit int) ([]model.EventLog, error) {
	q := `SELECT id, market_id, type, payload_json, created_at FROM event_log`
	var args []any
	if marketID != nil {
		q += ` WHERE market_id=$1`
		args = append(args, *marketID)
	}
	q += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EventLog
	for rows.Next() {
		var e model.EventLog
		var raw []byte
		if err := rows.Scan(&e.ID, &e.MarketID, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(raw, &e.PayloadJSON)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Platform custody ─────────────────────────────────

// CustodyAudit compares escrow held by the exchange against the value still
// owed into markets. Dust from floor division stays in escrow, so a healthy
// ledger reads balanced.
type CustodyAudit struct {
	Escrow      decimal.Decimal `json:"escrow_wei"`
	Fees        decimal.Decimal `json:"fees_wei"`
	Outstanding decimal.Decimal `json:"outstanding_wei"` // staked minus disbursed
	Balanced    bool            `json:"balanced"`
}

func (s *Store) Audit(ctx context.Context) (CustodyAudit, error) {
	var a CustodyAudit
	if err := s.DB.QueryRowContext(ctx,
		`SELECT balance_wei FROM platform_wallets WHERE name='escrow'`).Scan(&a.Escrow); err != nil {
		return a, err
	}
	if err := s.DB.QueryRowContext(ctx,
		`SELECT balance_wei FROM platform_wallets WHERE name='fees'`).Scan(&a.Fees); err != nil {
		return a, err
	}
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount - paid_net - paid_fee), 0) FROM predictions`).Scan(&a.Outstanding); err != nil {
		return a, err
	}
	a.Balanced = a.Escrow.Equal(a.Outstanding)
	return a, nil
}

// ── Admin listings ───────────────────────────────────

type UserWallet struct {
	model.User
	Balance decimal.Decimal `json:"balance_wei"`
}

func (s *Store) ListUsersWithWallets(ctx context.Context) ([]UserWallet, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT u.id, u.email, u.role, u.created_at, w.balance_wei
		 FROM users u JOIN wallets w ON w.user_id=u.id ORDER BY u.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserWallet
	for rows.Next() {
		var uw UserWallet
		if err := rows.Scan(&uw.User.ID, &uw.User.Email, &uw.User.Role, &uw.User.CreatedAt, &uw.Balance); err != nil {
			return nil, err
		}
		out = append(out, uw)
	}
	return out, rows.Err()
}
