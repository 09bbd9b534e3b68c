package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/api"
	"github.com/atmx/wager-engine/internal/engine"
	"github.com/atmx/wager-engine/internal/idempotency"
	"github.com/atmx/wager-engine/internal/ledger"
	"github.com/atmx/wager-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

// newTestEnv creates a Service over an in-memory engine with chi routes.
func newTestEnv(t *testing.T) chi.Router {
	t.Helper()
	eng := engine.New(ledger.New(), engine.WithClock(func() time.Time { return t0 }))
	guard := idempotency.NewGuard(idempotency.NewMemoryBackend(), 0, 0)
	svc := api.NewService(eng, guard, nil)

	r := chi.NewRouter()
	svc.Mount(r)
	return r
}

func do(t *testing.T, router chi.Router, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func deposit(t *testing.T, router chi.Router, user string, amount float64) {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/users/"+user+"/deposits", api.AmountRequest{Amount: d(amount)})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func createBet(t *testing.T, router chi.Router, creator string) model.BetSummary {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/bets", api.CreateBetRequest{
		CreatorID:       creator,
		GroupID:         "g1",
		Title:           "Will it rain on Friday?",
		Outcomes:        []string{"YES", "NO"},
		MinimumStake:    d(1),
		BettingDeadline: t0.Add(time.Hour),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create bet: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var sum model.BetSummary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode bet: %v", err)
	}
	return sum
}

func balance(t *testing.T, router chi.Router, user string) model.Balance {
	t.Helper()
	w := do(t, router, "GET", "/api/v1/users/"+user+"/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", w.Code)
	}
	var b model.Balance
	json.Unmarshal(w.Body.Bytes(), &b)
	return b
}

// --- Lifecycle ---

func TestBetLifecycle_ResolvePaysWinner(t *testing.T) {
	router := newTestEnv(t)
	deposit(t, router, "alice", 100)
	deposit(t, router, "bob", 100)
	sum := createBet(t, router, "alice")
	base := "/api/v1/bets/" + sum.Bet.ID

	if sum.Bet.State != model.StateOpen {
		t.Fatalf("new bet should be OPEN, got %s", sum.Bet.State)
	}

	for _, s := range []api.StakeRequest{
		{UserID: "alice", Outcome: "YES", Amount: d(60)},
		{UserID: "bob", Outcome: "NO", Amount: d(60)},
	} {
		if w := do(t, router, "POST", base+"/stakes", s); w.Code != http.StatusOK {
			t.Fatalf("stake %s: expected 200, got %d: %s", s.UserID, w.Code, w.Body.String())
		}
	}

	if b := balance(t, router, "alice"); !b.Frozen.Equal(d(60)) || !b.Available.Equal(d(40)) {
		t.Errorf("alice after stake: available %s frozen %s, want 40/60", b.Available, b.Frozen)
	}

	// Still open for stakes.
	w := do(t, router, "POST", base+"/resolve", api.ResolveRequest{ResolverID: "alice", WinningOutcome: "YES"})
	if w.Code != http.StatusConflict {
		t.Fatalf("resolve while open: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	if w := do(t, router, "POST", base+"/lock", api.ActionRequest{ActorID: "alice"}); w.Code != http.StatusOK {
		t.Fatalf("lock: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", base+"/resolve", api.ResolveRequest{ResolverID: "alice", WinningOutcome: "YES"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resolved model.BetSummary
	json.Unmarshal(w.Body.Bytes(), &resolved)
	if resolved.Bet.State != model.StateResolved || resolved.Bet.WinningOutcome != "YES" {
		t.Errorf("expected RESOLVED/YES, got %s/%s", resolved.Bet.State, resolved.Bet.WinningOutcome)
	}

	if b := balance(t, router, "alice"); !b.Available.Equal(d(160)) || !b.Frozen.IsZero() {
		t.Errorf("alice: available %s frozen %s, want 160/0", b.Available, b.Frozen)
	}
	if b := balance(t, router, "bob"); !b.Available.Equal(d(40)) || !b.Frozen.IsZero() {
		t.Errorf("bob: available %s frozen %s, want 40/0", b.Available, b.Frozen)
	}

	// Resolving again is a lifecycle conflict.
	w = do(t, router, "POST", base+"/resolve", api.ResolveRequest{ResolverID: "alice", WinningOutcome: "NO"})
	if w.Code != http.StatusConflict {
		t.Errorf("second resolve: expected 409, got %d", w.Code)
	}
}

func TestCancelBet_RefundsStakes(t *testing.T) {
	router := newTestEnv(t)
	deposit(t, router, "alice", 50)
	sum := createBet(t, router, "carol")
	base := "/api/v1/bets/" + sum.Bet.ID

	do(t, router, "POST", base+"/stakes", api.StakeRequest{UserID: "alice", Outcome: "NO", Amount: d(20)})

	w := do(t, router, "POST", base+"/cancel", api.ActionRequest{ActorID: "alice", Reason: "changed my mind"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-creator cancel: expected 403, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", base+"/cancel", api.ActionRequest{ActorID: "carol", Reason: "event postponed"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if b := balance(t, router, "alice"); !b.Available.Equal(d(50)) || !b.Frozen.IsZero() {
		t.Errorf("alice after cancel: available %s frozen %s, want 50/0", b.Available, b.Frozen)
	}

	// Idempotent.
	if w := do(t, router, "POST", base+"/cancel", api.ActionRequest{ActorID: "carol"}); w.Code != http.StatusOK {
		t.Errorf("second cancel: expected 200, got %d", w.Code)
	}
}

func TestWithdrawAndLock(t *testing.T) {
	router := newTestEnv(t)
	deposit(t, router, "alice", 30)
	sum := createBet(t, router, "carol")
	base := "/api/v1/bets/" + sum.Bet.ID

	do(t, router, "POST", base+"/stakes", api.StakeRequest{UserID: "alice", Outcome: "YES", Amount: d(25)})

	w := do(t, router, "POST", base+"/withdrawals", api.WithdrawRequest{UserID: "alice", Amount: d(10)})
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var p model.Participation
	json.Unmarshal(w.Body.Bytes(), &p)
	if !p.Amount.Equal(d(15)) {
		t.Errorf("remaining stake = %s, want 15", p.Amount)
	}

	w = do(t, router, "POST", base+"/lock", api.ActionRequest{ActorID: "carol"})
	if w.Code != http.StatusOK {
		t.Fatalf("lock: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", base+"/stakes", api.StakeRequest{UserID: "alice", Outcome: "YES", Amount: d(5)})
	if w.Code == http.StatusOK {
		t.Error("stake on a locked bet should fail")
	}
}

// --- Idempotency ---

func TestPlaceStake_IdempotencyKeyReplays(t *testing.T) {
	router := newTestEnv(t)
	deposit(t, router, "alice", 100)
	sum := createBet(t, router, "carol")
	path := "/api/v1/bets/" + sum.Bet.ID + "/stakes"
	req := api.StakeRequest{UserID: "alice", Outcome: "YES", Amount: d(10)}

	first := do(t, router, "POST", path, req, api.IdempotencyHeader, "k-1")
	if first.Code != http.StatusOK {
		t.Fatalf("first: expected 200, got %d: %s", first.Code, first.Body.String())
	}
	if first.Header().Get(api.ReplayedHeader) != "" {
		t.Error("first response should not be marked replayed")
	}

	second := do(t, router, "POST", path, req, api.IdempotencyHeader, "k-1")
	if second.Code != http.StatusOK {
		t.Fatalf("retry: expected 200, got %d: %s", second.Code, second.Body.String())
	}
	if second.Header().Get(api.ReplayedHeader) != "true" {
		t.Error("retry should be marked replayed")
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("retry body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	if b := balance(t, router, "alice"); !b.Frozen.Equal(d(10)) {
		t.Errorf("frozen = %s, want 10 (stake applied once)", b.Frozen)
	}

	// A new key is a new stake.
	do(t, router, "POST", path, req, api.IdempotencyHeader, "k-2")
	if b := balance(t, router, "alice"); !b.Frozen.Equal(d(20)) {
		t.Errorf("frozen = %s, want 20", b.Frozen)
	}
}

func TestPlaceStake_FailureIsNotCached(t *testing.T) {
	router := newTestEnv(t)
	sum := createBet(t, router, "carol")
	path := "/api/v1/bets/" + sum.Bet.ID + "/stakes"
	req := api.StakeRequest{UserID: "alice", Outcome: "YES", Amount: d(10)}

	w := do(t, router, "POST", path, req, api.IdempotencyHeader, "k-1")
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}

	deposit(t, router, "alice", 10)
	w = do(t, router, "POST", path, req, api.IdempotencyHeader, "k-1")
	if w.Code != http.StatusOK {
		t.Fatalf("retry after deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Error mapping ---

func TestErrorStatuses(t *testing.T) {
	router := newTestEnv(t)
	deposit(t, router, "alice", 5)
	sum := createBet(t, router, "carol")
	base := "/api/v1/bets/" + sum.Bet.ID

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown bet", "GET", "/api/v1/bets/nope", nil, http.StatusNotFound},
		{"bad json", "POST", base + "/stakes", "not an object", http.StatusBadRequest},
		{"zero stake", "POST", base + "/stakes", api.StakeRequest{UserID: "alice", Outcome: "YES", Amount: decimal.Zero}, http.StatusBadRequest},
		{"unknown outcome", "POST", base + "/stakes", api.StakeRequest{UserID: "alice", Outcome: "MAYBE", Amount: d(2)}, http.StatusBadRequest},
		{"insufficient credits", "POST", base + "/stakes", api.StakeRequest{UserID: "alice", Outcome: "YES", Amount: d(50)}, http.StatusPaymentRequired},
		{"overspend", "POST", "/api/v1/users/alice/purchases", api.AmountRequest{Amount: d(6)}, http.StatusPaymentRequired},
		{"unauthorized resolve", "POST", base + "/resolve", api.ResolveRequest{ResolverID: "alice", WinningOutcome: "YES"}, http.StatusForbidden},
		{"one outcome", "POST", "/api/v1/bets", api.CreateBetRequest{CreatorID: "c", GroupID: "g", Outcomes: []string{"A"}, MinimumStake: d(1), BettingDeadline: t0.Add(time.Hour)}, http.StatusBadRequest},
		{"bad state filter", "GET", "/api/v1/bets?state=PENDING", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Errorf("expected JSON error body, got %s", w.Body.String())
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[engine.Kind]int{
		engine.KindInvalid:             http.StatusBadRequest,
		engine.KindInsufficientCredits: http.StatusPaymentRequired,
		engine.KindNotFound:            http.StatusNotFound,
		engine.KindUnauthorized:        http.StatusForbidden,
		engine.KindConflict:            http.StatusConflict,
		engine.KindUnavailable:         http.StatusServiceUnavailable,
		engine.KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := api.StatusFor(kind); got != want {
			t.Errorf("StatusFor(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestFrozenShortfallIsServerError(t *testing.T) {
	err := fmt.Errorf("unfreeze: %w", ledger.ErrInsufficientFrozenCredits)
	if got := api.StatusFor(engine.Classify(err)); got != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", got, http.StatusInternalServerError)
	}
	if got := api.StatusFor(engine.Classify(ledger.ErrInsufficientCredits)); got != http.StatusPaymentRequired {
		t.Errorf("status = %d, want %d", got, http.StatusPaymentRequired)
	}
}

// --- Queries ---

func TestListBets_FiltersByGroupAndState(t *testing.T) {
	router := newTestEnv(t)
	a := createBet(t, router, "carol")
	createBet(t, router, "carol")
	do(t, router, "POST", "/api/v1/bets/"+a.Bet.ID+"/cancel", api.ActionRequest{ActorID: "carol"})

	w := do(t, router, "GET", "/api/v1/bets?group=g1&state=OPEN", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var bets []model.Bet
	json.Unmarshal(w.Body.Bytes(), &bets)
	if len(bets) != 1 || bets[0].ID == a.Bet.ID {
		t.Errorf("expected only the open bet, got %+v", bets)
	}

	w = do(t, router, "GET", "/api/v1/bets?group=other", nil)
	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
		t.Errorf("empty group should list [], got %s", got)
	}
}

func TestGetBet_ReturnsPools(t *testing.T) {
	router := newTestEnv(t)
	deposit(t, router, "alice", 10)
	sum := createBet(t, router, "carol")
	do(t, router, "POST", "/api/v1/bets/"+sum.Bet.ID+"/stakes", api.StakeRequest{UserID: "alice", Outcome: "NO", Amount: d(7.5)})

	w := do(t, router, "GET", "/api/v1/bets/"+sum.Bet.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got model.BetSummary
	json.Unmarshal(w.Body.Bytes(), &got)
	if !got.Bet.Pools["NO"].Equal(d(7.5)) || !got.TotalPool.Equal(d(7.5)) {
		t.Errorf("pools = %v total %s, want NO=7.5", got.Bet.Pools, got.TotalPool)
	}
	if len(got.Participations) != 1 || got.Participations[0].UserID != "alice" {
		t.Errorf("participations = %+v", got.Participations)
	}
}
