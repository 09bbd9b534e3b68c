// Package engine coordinates bets, the credit ledger and persistence. It is
// the single entry point for every state change: callers never touch a bet
// aggregate or the ledger directly.
//
// Locking: a per-bet mutex is taken before any ledger account lock, and
// store commits happen while the bet mutex is held. Events are published
// after the bet mutex is released.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/bet"
	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/ledger"
	"github.com/atmx/wager-engine/internal/limits"
	"github.com/atmx/wager-engine/internal/metrics"
	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/payout"
	"github.com/atmx/wager-engine/internal/store"
)

// entry guards one bet aggregate. groupID never changes and may be read
// without the lock.
type entry struct {
	mu      sync.Mutex
	agg     *bet.Aggregate
	groupID string
}

// Engine is the bet lifecycle coordinator.
type Engine struct {
	ledger    *ledger.Ledger
	store     store.Store
	publisher events.Publisher
	calc      *payout.Calculator
	limiter   *limits.StakeLimiter
	exposure  *exposureBook
	now       func() time.Time
	newID     func() string
	log       *slog.Logger

	mu   sync.RWMutex
	bets map[string]*entry
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the persistence backend. Defaults to an in-memory store.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithPublisher sets the event sink. Defaults to discarding events.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithCalculator sets the payout calculator, which also fixes the credit
// scale. Defaults to 2 decimal places with ascending-id remainders.
func WithCalculator(c *payout.Calculator) Option {
	return func(e *Engine) { e.calc = c }
}

// WithLimiter sets stake limits. Defaults to unlimited.
func WithLimiter(l *limits.StakeLimiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs overrides the id generator for bets and participations.
func WithIDs(next func() string) Option {
	return func(e *Engine) { e.newID = next }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an engine around a ledger.
func New(l *ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		ledger:    l,
		store:     store.NewMemoryStore(),
		publisher: events.Discard{},
		calc:      payout.NewCalculator(2, payout.AscendingID),
		limiter:   limits.Unlimited(),
		exposure:  newExposureBook(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     newV7,
		log:       slog.Default(),
		bets:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// newV7 returns a time-ordered UUID, so lexical id order is creation order.
func newV7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Scale returns the number of decimal places credits carry.
func (e *Engine) Scale() int32 { return e.calc.Scale() }

func (e *Engine) lookup(betID string) (*entry, error) {
	e.mu.RLock()
	en, ok := e.bets[betID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBetNotFound, betID)
	}
	return en, nil
}

func (e *Engine) register(agg *bet.Aggregate) *entry {
	en := &entry{agg: agg, groupID: agg.Bet().GroupID}
	e.mu.Lock()
	e.bets[agg.ID()] = en
	e.mu.Unlock()
	return en
}

func (e *Engine) entries() []*entry {
	e.mu.RLock()
	out := make([]*entry, 0, len(e.bets))
	for _, en := range e.bets {
		out = append(out, en)
	}
	e.mu.RUnlock()
	return out
}

// apply runs ops on the ledger. A frozen shortfall means the bet's stakes
// and the ledger disagree, which no caller input can cause.
func (e *Engine) apply(ctx context.Context, betID string, ops ...ledger.Op) ([]model.Account, error) {
	accts, err := e.ledger.Apply(ctx, ops...)
	if errors.Is(err, ledger.ErrInsufficientFrozenCredits) {
		e.log.Error("frozen credits out of step with stakes", "bet", betID, "err", err)
	}
	return accts, err
}

// persist commits c. When the commit fails the aggregate is rolled back to
// snapshot and the ledger ops are compensated with their inverse. A failed
// compensation yields ErrSettlementFailed.
func (e *Engine) persist(ctx context.Context, en *entry, snapshot *bet.Aggregate, ops []ledger.Op, c store.Change) error {
	err := e.store.Commit(ctx, c)
	if err == nil {
		return nil
	}
	if en != nil {
		en.agg = snapshot
	}
	err = fmt.Errorf("engine: persist: %w", err)
	if len(ops) == 0 {
		return err
	}
	e.log.Warn("commit failed, compensating ledger", "bet", betIDOf(c), "err", err)
	return e.compensate(ctx, ops, err)
}

// compensate reverts ops applied to the ledger after a later step failed.
// It runs even if the caller's context is gone.
func (e *Engine) compensate(ctx context.Context, ops []ledger.Op, cause error) error {
	ctx = context.WithoutCancel(ctx)
	accts, err := e.ledger.Apply(ctx, ledger.Invert(ops)...)
	if err != nil {
		metrics.SettlementFailures.Inc()
		e.log.Error("ledger compensation failed", "cause", cause, "compensate_err", err, "ops", len(ops))
		return fmt.Errorf("%w: %v; compensate: %v", ErrSettlementFailed, cause, err)
	}
	// Other bets may have committed these accounts while the ops were
	// applied; write the restored balances so the store does not keep them.
	if err := e.store.Commit(ctx, store.Change{Accounts: accts}); err != nil {
		e.log.Warn("compensated balances not persisted", "accounts", len(accts), "err", err)
	}
	return cause
}

func betIDOf(c store.Change) string {
	if c.Bet == nil {
		return ""
	}
	return c.Bet.ID
}

func (e *Engine) publish(ctx context.Context, evs []events.Event) {
	for _, ev := range evs {
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.log.Warn("event publish failed", "type", ev.Kind(), "bet", ev.Bet(), "err", err)
		}
	}
}

func header(b *model.Bet, at time.Time) events.Header {
	return events.Header{BetID: b.ID, Version: b.Version, OccurredAt: at}
}

// --- Balances ---

// GetUserBalance returns a snapshot of the user's credits. It never blocks
// on account locks. Unknown users read as zero.
func (e *Engine) GetUserBalance(userID string) model.Balance {
	return toBalance(e.ledger.Balance(userID))
}

func toBalance(a model.Account) model.Balance {
	return model.Balance{
		UserID:    a.UserID,
		Available: a.Available,
		Frozen:    a.Frozen,
		Total:     a.Total(),
	}
}

// Deposit grants credits to a user.
func (e *Engine) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (model.Balance, error) {
	return e.adjust(ctx, ledger.Deposit(userID, amount))
}

// Spend debits available credits, e.g. for a store purchase. Frozen credits
// are never spendable.
func (e *Engine) Spend(ctx context.Context, userID string, amount decimal.Decimal) (model.Balance, error) {
	return e.adjust(ctx, ledger.Debit(userID, amount))
}

func (e *Engine) adjust(ctx context.Context, op ledger.Op) (model.Balance, error) {
	if !e.calc.Quantized(op.Amount) {
		return model.Balance{}, fmt.Errorf("%w: %s has more than %d decimal places", ledger.ErrInvalidAmount, op.Amount, e.calc.Scale())
	}
	accts, err := e.ledger.Apply(ctx, op)
	if err != nil {
		return model.Balance{}, err
	}
	ops := []ledger.Op{op}
	if err := e.persist(ctx, nil, nil, ops, store.Change{Accounts: accts}); err != nil {
		return model.Balance{}, err
	}
	e.log.Info("balance adjusted",
		"user", op.UserID,
		"op", op.Kind.String(),
		"amount", op.Amount.String(),
		"available", accts[0].Available.String(),
	)
	return toBalance(accts[0]), nil
}

// --- Reads ---

// GetBetSummary returns the bet with its pools and participations. An OPEN
// bet past its deadline is locked first.
func (e *Engine) GetBetSummary(ctx context.Context, betID string) (model.BetSummary, error) {
	en, err := e.lookup(betID)
	if err != nil {
		return model.BetSummary{}, err
	}
	en.mu.Lock()
	evs := e.lockIfDue(ctx, en, e.now())
	sum := en.agg.Summary()
	en.mu.Unlock()

	e.publish(ctx, evs)
	return sum, nil
}

// ListFilter narrows ListBets. Zero fields match everything.
type ListFilter struct {
	GroupID string
	State   model.BetState
}

// ListBets returns bets matching f, newest first.
func (e *Engine) ListBets(ctx context.Context, f ListFilter) []model.Bet {
	now := e.now()
	var out []model.Bet
	var evs []events.Event
	for _, en := range e.entries() {
		if f.GroupID != "" && en.groupID != f.GroupID {
			continue
		}
		en.mu.Lock()
		evs = append(evs, e.lockIfDue(ctx, en, now)...)
		b := en.agg.Bet()
		en.mu.Unlock()
		if f.State != "" && b.State != f.State {
			continue
		}
		out = append(out, *b)
	}
	e.publish(ctx, evs)

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// --- Startup ---

// Restore loads accounts and bets from the store. Call once before serving.
func (e *Engine) Restore(ctx context.Context) error {
	accounts, err := e.store.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("restore accounts: %w", err)
	}
	if err := e.ledger.Restore(accounts); err != nil {
		return fmt.Errorf("restore accounts: %w", err)
	}

	bets, err := e.store.LoadBets(ctx)
	if err != nil {
		return fmt.Errorf("restore bets: %w", err)
	}
	open := 0
	for i := range bets {
		b := &bets[i]
		parts, err := e.store.LoadParticipations(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("restore bet %s: %w", b.ID, err)
		}
		agg, err := bet.Restore(b, parts, e.calc.Scale())
		if err != nil {
			return fmt.Errorf("restore bet %s: %w", b.ID, err)
		}
		e.register(agg)
		if b.State == model.StateOpen {
			open++
		}
		if !b.State.Terminal() {
			for _, p := range parts {
				if !p.Settled {
					e.exposure.set(b.GroupID, p.UserID, b.ID, p.Amount)
				}
			}
		}
	}
	metrics.OpenBets.Set(float64(open))

	violations := e.Audit(ctx)
	for _, v := range violations {
		e.log.Error("restored state violates invariant", "subject", v.Subject, "detail", v.Detail)
	}
	e.log.Info("engine restored", "accounts", len(accounts), "bets", len(bets), "violations", len(violations))
	if len(violations) > 0 {
		return errors.New("engine: restored state is inconsistent")
	}
	return nil
}
