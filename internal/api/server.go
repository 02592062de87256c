package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"prediction-exchange/internal/db"
	"prediction-exchange/internal/ledger"
	"prediction-exchange/internal/model"
	"prediction-exchange/internal/ws"
)

type Server struct {
	store          *db.Store
	ledger         *ledger.Ledger
	hub            *ws.Hub
	secret         []byte
	faucetAmount   decimal.Decimal
	faucetCooldown time.Duration
}

func NewServer(store *db.Store, l *ledger.Ledger, hub *ws.Hub, secret string, faucetAmount decimal.Decimal, faucetCooldown time.Duration) *Server {
	return &Server{
		store:          store,
		ledger:         l,
		hub:            hub,
		secret:         []byte(secret),
		faucetAmount:   faucetAmount,
		faucetCooldown: faucetCooldown,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	// Health
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	// Auth (public)
	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	// WebSocket
	r.Get("/ws", s.hub.HandleWS)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Wallet
		r.Get("/api/wallet", s.getWallet)
		r.Post("/api/faucet", s.faucet)

		// Markets
		r.Get("/api/markets", s.listMarkets)
		r.Post("/api/markets", s.createMarket)
		r.Get("/api/markets/count", s.marketCount)
		r.Get("/api/markets/{id}", s.getMarket)
		r.Get("/api/markets/{id}/odds", s.getOdds)
		r.Get("/api/markets/{id}/prediction", s.getPrediction)

		// Staking & settlement
		r.Post("/api/markets/{id}/predictions", s.placePrediction)
		r.Post("/api/markets/{id}/resolve", s.resolveMarket)
		r.Post("/api/markets/{id}/claim", s.claimReward)

		// Per-user views
		r.Get("/api/me/markets", s.myMarkets)

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/deposit", s.adminDeposit)
			r.Get("/api/admin/users", s.listUsers)
			r.Get("/api/admin/events", s.listEvents)
			r.Get("/api/admin/metrics", s.metrics)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "email and password (min 6 chars) required")
		return
	}

	existing, _ := s.store.GetUserByEmail(r.Context(), req.Email)
	if existing != nil {
		jsonErr(w, 409, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, string(hash), model.RoleUser)
	if err != nil {
		jsonErr(w, 500, "create user failed: "+err.Error())
		return
	}
	if err := s.store.CreateWallet(r.Context(), user.ID); err != nil {
		jsonErr(w, 500, "create wallet failed")
		return
	}

	token := s.makeToken(user.ID, user.Role)
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || user == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}

	token := s.makeToken(user.ID, user.Role)
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) makeToken(userID string, role model.Role) string {
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  time.Now().Add(72 * time.Hour).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Wallet ───────────────────────────────────────────

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	wallet, err := s.store.GetWallet(r.Context(), uid)
	if err != nil || wallet == nil {
		jsonErr(w, 404, "wallet not found")
		return
	}
	json200(w, wallet)
}

func (s *Server) faucet(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	wallet, err := s.store.Faucet(r.Context(), uid, s.faucetAmount, s.faucetCooldown)
	if err != nil {
		if errors.Is(err, db.ErrFaucetCooldown) {
			jsonErr(w, 429, "faucet cooldown active")
			return
		}
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, wallet)
}

// ── Markets ──────────────────────────────────────────

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	json200(w, markets)
}

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)

	var req model.CreateMarketReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Question == "" {
		jsonErr(w, 400, "question required")
		return
	}

	id, err := s.ledger.CreateMarket(r.Context(), uid, req.Question, req.Description, req.DurationSeconds, req.Category)
	if err != nil {
		jsonErr(w, ledgerStatus(err), err.Error())
		return
	}
	mkt, err := s.ledger.GetMarket(id)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(mkt)
}

func (s *Server) marketCount(w http.ResponseWriter, r *http.Request) {
	json200(w, map[string]int64{"count": s.ledger.MarketCount()})
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	mkt, err := s.ledger.GetMarket(id)
	if err != nil {
		jsonErr(w, ledgerStatus(err), err.Error())
		return
	}
	json200(w, mkt)
}

func (s *Server) getOdds(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	odds, err := s.ledger.GetMarketOdds(id)
	if err != nil {
		jsonErr(w, ledgerStatus(err), err.Error())
		return
	}
	json200(w, odds)
}

func (s *Server) getPrediction(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	uid := r.Context().Value(ctxUserID).(string)
	pred, err := s.ledger.GetUserPrediction(id, uid)
	if err != nil {
		jsonErr(w, ledgerStatus(err), err.Error())
		return
	}
	json200(w, pred)
}

// ── Staking & Settlement ─────────────────────────────

func (s *Server) placePrediction(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	uid := r.Context().Value(ctxUserID).(string)

	var req model.PlacePredictionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if !req.Side.Valid() {
		jsonErr(w, 400, "side must be YES or NO")
		return
	}

	if err := s.ledger.PlacePrediction(id, uid, req.Side, req.Amount); err != nil {
		jsonErr(w, ledgerStatus(err), err.Error())
		return
	}
	pred, err := s.ledger.GetUserPrediction(id, uid)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, pred)
}

func (s *Server) resolveMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	uid := r.Context().Value(ctxUserID).(string)

	var req model.ResolveMarketReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if !req.Outcome.Valid() {
		jsonErr(w, 400, "outcome must be YES or NO")
		return
	}

	if err := s.ledger.ResolveMarket(id, uid, req.Outcome); err != nil {
		jsonErr(w, ledgerStatus(err), err.Error())
		return
	}
	json200(w, map[string]any{"status": "resolved", "outcome": req.Outcome})
}

func (s *Server) claimReward(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	uid := r.Context().Value(ctxUserID).(string)

	result, err := s.ledger.ClaimReward(id, uid)
	if err != nil {
		jsonErr(w, ledgerStatus(err), err.Error())
		return
	}
	json200(w, result)
}

// ── Per-user views ───────────────────────────────────

func (s *Server) myMarkets(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	ids, err := s.store.UserMarkets(r.Context(), uid)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, map[string]any{"market_ids": ids})
}

// ── Admin ────────────────────────────────────────────

func (s *Server) adminDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string          `json:"user_id"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.UserID == "" || !req.Amount.IsPositive() {
		jsonErr(w, 400, "user_id and amount > 0 required")
		return
	}
	wallet, err := s.store.DepositWallet(r.Context(), req.UserID, req.Amount)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, wallet)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsersWithWallets(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	type userRow struct {
		ID         string          `json:"id"`
		Email      string          `json:"email"`
		Role       string          `json:"role"`
		CreatedAt  time.Time       `json:"created_at"`
		BalanceWei decimal.Decimal `json:"balance_wei"`
	}
	out := make([]userRow, len(users))
	for i, u := range users {
		out[i] = userRow{
			ID: u.User.ID, Email: u.User.Email, Role: string(u.User.Role),
			CreatedAt: u.User.CreatedAt, BalanceWei: u.Balance,
		}
	}
	json200(w, out)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limitStr := r.URL.Query().Get("limit")
	limit := 100
	if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 500 {
		limit = n
	}
	var mp *int64
	if raw := r.URL.Query().Get("market_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			jsonErr(w, 400, "invalid market_id")
			return
		}
		mp = &id
	}
	events, err := s.store.ListEvents(r.Context(), mp, limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if events == nil {
		events = []model.EventLog{}
	}
	json200(w, events)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	markets, _ := s.store.ListMarkets(ctx)
	audit, err := s.store.Audit(ctx)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}

	openMarkets := 0
	for _, m := range markets {
		if !m.Resolved {
			openMarkets++
		}
	}

	json200(w, map[string]any{
		"total_markets":   len(markets),
		"open_markets":    openMarkets,
		"escrow_wei":      audit.Escrow,
		"fees_wei":        audit.Fees,
		"outstanding_wei": audit.Outstanding,
		"custody_ok":      audit.Balanced,
	})
}

// ── Helpers ──────────────────────────────────────────

func marketID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		jsonErr(w, 400, "invalid market id")
		return 0, false
	}
	return id, true
}

// ledgerStatus maps settlement errors onto HTTP status codes. Unknown
// errors read as a bad request rather than a server fault: every path in
// the ledger that can fail for internal reasons surfaces a wrapped error,
// which callers see as 500 via the explicit checks above.
func ledgerStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrMarketNotFound):
		return 404
	case errors.Is(err, ledger.ErrNotAuthorized):
		return 403
	case errors.Is(err, ledger.ErrAlreadyResolved),
		errors.Is(err, ledger.ErrAlreadyClaimed):
		return 409
	default:
		return 400
	}
}

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
