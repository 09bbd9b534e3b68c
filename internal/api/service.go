// Package api provides the HTTP handlers for creating bets, staking credits,
// settling bets and querying balances.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/bet"
	"github.com/atmx/wager-engine/internal/engine"
	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/idempotency"
	"github.com/atmx/wager-engine/internal/model"
)

// IdempotencyHeader carries the client's retry key on stake requests.
const IdempotencyHeader = "Idempotency-Key"

// ReplayedHeader is set on responses served from the idempotency cache.
const ReplayedHeader = "Idempotent-Replayed"

// Service exposes the engine over HTTP.
type Service struct {
	engine *engine.Engine
	guard  *idempotency.Guard // optional; nil disables Idempotency-Key handling
	wsHub  *events.WSHub      // optional live event feed
}

// NewService creates the HTTP service. guard and hub may be nil.
func NewService(eng *engine.Engine, guard *idempotency.Guard, hub *events.WSHub) *Service {
	return &Service{engine: eng, guard: guard, wsHub: hub}
}

// Mount registers the /api/v1 routes on r.
func (s *Service) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if s.wsHub != nil {
			r.Get("/ws", s.wsHub.HandleWS)
		}

		r.Get("/bets", s.ListBets)
		r.Post("/bets", s.CreateBet)
		r.Get("/bets/{betID}", s.GetBet)
		r.Post("/bets/{betID}/stakes", s.PlaceStake)
		r.Post("/bets/{betID}/withdrawals", s.WithdrawStake)
		r.Post("/bets/{betID}/lock", s.LockBet)
		r.Post("/bets/{betID}/cancel", s.CancelBet)
		r.Post("/bets/{betID}/resolve", s.ResolveBet)

		r.Get("/users/{userID}/balance", s.GetBalance)
		r.Post("/users/{userID}/deposits", s.Deposit)
		r.Post("/users/{userID}/purchases", s.Spend)
	})
}

// --- Request types ---

// CreateBetRequest is the JSON body for POST /bets.
type CreateBetRequest struct {
	CreatorID          string          `json:"creator_id"`
	GroupID            string          `json:"group_id"`
	Title              string          `json:"title"`
	Outcomes           []string        `json:"outcomes"`
	MinimumStake       decimal.Decimal `json:"minimum_stake"`
	BettingDeadline    time.Time       `json:"betting_deadline"`
	ResolutionDeadline *time.Time      `json:"resolution_deadline,omitempty"`
	ResolverID         string          `json:"resolver_id,omitempty"` // empty: creator resolves
}

// StakeRequest is the JSON body for POST /bets/{betID}/stakes.
type StakeRequest struct {
	UserID  string          `json:"user_id"`
	Outcome string          `json:"outcome"`
	Amount  decimal.Decimal `json:"amount"`
}

// WithdrawRequest is the JSON body for POST /bets/{betID}/withdrawals.
type WithdrawRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// ActionRequest is the JSON body for lock and cancel.
type ActionRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

// ResolveRequest is the JSON body for POST /bets/{betID}/resolve.
type ResolveRequest struct {
	ResolverID     string `json:"resolver_id"`
	WinningOutcome string `json:"winning_outcome"`
}

// AmountRequest is the JSON body for deposits and purchases.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// --- HTTP Handlers ---

// CreateBet handles POST /api/v1/bets
func (s *Service) CreateBet(w http.ResponseWriter, r *http.Request) {
	var req CreateBetRequest
	if !decode(w, r, &req) {
		return
	}
	sum, err := s.engine.CreateBet(r.Context(), bet.Params{
		CreatorID:          req.CreatorID,
		GroupID:            req.GroupID,
		Title:              req.Title,
		Outcomes:           req.Outcomes,
		MinimumStake:       req.MinimumStake,
		BettingDeadline:    req.BettingDeadline,
		ResolutionDeadline: req.ResolutionDeadline,
		ResolverID:         req.ResolverID,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

// ListBets handles GET /api/v1/bets
// Optional filters: ?group=<groupID>&state=<OPEN|LOCKED|RESOLVED|CANCELLED>.
func (s *Service) ListBets(w http.ResponseWriter, r *http.Request) {
	f := engine.ListFilter{GroupID: r.URL.Query().Get("group")}
	if st := r.URL.Query().Get("state"); st != "" {
		switch state := model.BetState(st); state {
		case model.StateOpen, model.StateLocked, model.StateResolved, model.StateCancelled:
			f.State = state
		default:
			writeError(w, "unknown state: "+st, http.StatusBadRequest)
			return
		}
	}
	bets := s.engine.ListBets(r.Context(), f)
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

// GetBet handles GET /api/v1/bets/{betID}
func (s *Service) GetBet(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.GetBetSummary(r.Context(), chi.URLParam(r, "betID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// PlaceStake handles POST /api/v1/bets/{betID}/stakes
// A request carrying an Idempotency-Key is executed at most once per user;
// retries get the first response back.
func (s *Service) PlaceStake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if !decode(w, r, &req) {
		return
	}
	betID := chi.URLParam(r, "betID")

	run := func() ([]byte, error) {
		p, err := s.engine.PlaceStake(r.Context(), betID, req.UserID, req.Outcome, req.Amount)
		if err != nil {
			return nil, err
		}
		return json.Marshal(p)
	}

	key := r.Header.Get(IdempotencyHeader)
	if key == "" || s.guard == nil {
		body, err := run()
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeRaw(w, http.StatusOK, body)
		return
	}

	body, replayed, err := s.guard.Do(r.Context(), req.UserID+":"+betID+":"+key, run)
	switch {
	case errors.Is(err, idempotency.ErrInFlight):
		writeError(w, "a request with this idempotency key is in progress", http.StatusConflict)
		return
	case err != nil:
		writeEngineError(w, err)
		return
	}
	if replayed {
		w.Header().Set(ReplayedHeader, "true")
	}
	writeRaw(w, http.StatusOK, body)
}

// WithdrawStake handles POST /api/v1/bets/{betID}/withdrawals
func (s *Service) WithdrawStake(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.engine.WithdrawStake(r.Context(), chi.URLParam(r, "betID"), req.UserID, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// LockBet handles POST /api/v1/bets/{betID}/lock
func (s *Service) LockBet(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if !decode(w, r, &req) {
		return
	}
	sum, err := s.engine.LockBet(r.Context(), chi.URLParam(r, "betID"), req.ActorID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// CancelBet handles POST /api/v1/bets/{betID}/cancel
func (s *Service) CancelBet(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if !decode(w, r, &req) {
		return
	}
	sum, err := s.engine.CancelBet(r.Context(), chi.URLParam(r, "betID"), req.ActorID, req.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ResolveBet handles POST /api/v1/bets/{betID}/resolve
func (s *Service) ResolveBet(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	sum, err := s.engine.ResolveBet(r.Context(), chi.URLParam(r, "betID"), req.WinningOutcome, req.ResolverID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetBalance handles GET /api/v1/users/{userID}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetUserBalance(chi.URLParam(r, "userID")))
}

// Deposit handles POST /api/v1/users/{userID}/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	bal, err := s.engine.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// Spend handles POST /api/v1/users/{userID}/purchases
// Only available credits can be spent.
func (s *Service) Spend(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	bal, err := s.engine.Spend(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// StatusFor maps an engine error kind to an HTTP status code.
func StatusFor(k engine.Kind) int {
	switch k {
	case engine.KindNone:
		return http.StatusOK
	case engine.KindInvalid:
		return http.StatusBadRequest
	case engine.KindInsufficientCredits:
		return http.StatusPaymentRequired
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindUnauthorized:
		return http.StatusForbidden
	case engine.KindConflict:
		return http.StatusConflict
	case engine.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError hides internal error detail from clients.
func writeEngineError(w http.ResponseWriter, err error) {
	kind := engine.Classify(err)
	status := StatusFor(kind)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "kind", kind.String(), "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
