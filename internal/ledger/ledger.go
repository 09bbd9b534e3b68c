// Package ledger owns per-user credit state: available and frozen balances.
//
// Every mutation goes through Apply, which locks the touched accounts in
// ascending user-id order, validates the whole batch against working copies
// and then commits all of it or none of it. Reads are served from an
// atomically published snapshot and never block writers.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/metrics"
	"github.com/atmx/wager-engine/internal/model"
)

var (
	// ErrInsufficientCredits is returned when available balance cannot cover
	// a freeze or debit.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")

	// ErrInsufficientFrozenCredits is returned when frozen balance cannot
	// cover an unfreeze or settlement. Reaching it through normal flow means
	// an invariant was already broken upstream.
	ErrInsufficientFrozenCredits = errors.New("ledger: insufficient frozen credits")

	// ErrInvalidAmount is returned for non-positive amounts or negative payouts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInvalidOp is returned for malformed operations.
	ErrInvalidOp = errors.New("ledger: invalid operation")

	// ErrContention is returned when an account lock could not be acquired
	// within the retry budget. It is transient.
	ErrContention = errors.New("ledger: account lock contention")
)

const (
	defaultLockAttempts = 20
	defaultLockBackoff  = 100 * time.Microsecond
	maxLockBackoff      = 10 * time.Millisecond
)

type account struct {
	mu    sync.Mutex
	state model.Account // guarded by mu
	snap  atomic.Pointer[model.Account]
}

func (a *account) publish() {
	s := a.state
	a.snap.Store(&s)
}

// Ledger is the single writer of balance state.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account

	attempts int
	backoff  time.Duration
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLockRetry sets how many times an account lock is tried and the base
// delay of the exponential backoff between tries.
func WithLockRetry(attempts int, backoff time.Duration) Option {
	return func(l *Ledger) {
		if attempts > 0 {
			l.attempts = attempts
		}
		if backoff > 0 {
			l.backoff = backoff
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		accounts: make(map[string]*account),
		attempts: defaultLockAttempts,
		backoff:  defaultLockBackoff,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Restore loads persisted balances. Existing accounts are overwritten.
func (l *Ledger) Restore(accounts []model.Account) error {
	for _, a := range accounts {
		if a.UserID == "" {
			return fmt.Errorf("%w: restore with empty user id", ErrInvalidOp)
		}
		if a.Available.IsNegative() || a.Frozen.IsNegative() {
			return fmt.Errorf("ledger: restore %s: negative balance", a.UserID)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range accounts {
		acc := &account{state: a}
		acc.publish()
		l.accounts[a.UserID] = acc
	}
	return nil
}

// Balance returns the latest committed snapshot. Unknown users read as zero.
func (l *Ledger) Balance(userID string) model.Account {
	l.mu.RLock()
	acc, ok := l.accounts[userID]
	l.mu.RUnlock()
	if !ok {
		return model.Account{UserID: userID}
	}
	if s := acc.snap.Load(); s != nil {
		return *s
	}
	return model.Account{UserID: userID}
}

// Snapshot returns every known account, ordered by user id.
func (l *Ledger) Snapshot() []model.Account {
	l.mu.RLock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)

	out := make([]model.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.Balance(id))
	}
	return out
}

// Freeze moves amount from available to frozen.
func (l *Ledger) Freeze(ctx context.Context, userID string, amount decimal.Decimal) (model.Account, error) {
	return l.applyOne(ctx, Freeze(userID, amount))
}

// Unfreeze moves amount from frozen back to available.
func (l *Ledger) Unfreeze(ctx context.Context, userID string, amount decimal.Decimal) (model.Account, error) {
	return l.applyOne(ctx, Unfreeze(userID, amount))
}

// SettleWin removes stake from frozen and adds payout to available.
func (l *Ledger) SettleWin(ctx context.Context, userID string, stake, payout decimal.Decimal) (model.Account, error) {
	return l.applyOne(ctx, SettleWin(userID, stake, payout))
}

// SettleLoss removes stake from frozen; nothing returns to available.
func (l *Ledger) SettleLoss(ctx context.Context, userID string, stake decimal.Decimal) (model.Account, error) {
	return l.applyOne(ctx, SettleLoss(userID, stake))
}

// Deposit grants credits to available.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (model.Account, error) {
	return l.applyOne(ctx, Deposit(userID, amount))
}

// Debit spends credits from available.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal) (model.Account, error) {
	return l.applyOne(ctx, Debit(userID, amount))
}

func (l *Ledger) applyOne(ctx context.Context, op Op) (model.Account, error) {
	accts, err := l.Apply(ctx, op)
	if err != nil {
		return model.Account{}, err
	}
	return accts[0], nil
}

// Apply executes ops as one atomic batch and returns the resulting state of
// every touched account, ordered by user id. On error nothing is changed.
func (l *Ledger) Apply(ctx context.Context, ops ...Op) ([]model.Account, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	for _, op := range ops {
		if err := op.validate(); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(ops))
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if !seen[op.UserID] {
			seen[op.UserID] = true
			ids = append(ids, op.UserID)
		}
	}
	sort.Strings(ids)

	accts := make([]*account, len(ids))
	for i, id := range ids {
		accts[i] = l.slot(id)
	}

	// Ascending id order keeps concurrent batches deadlock-free.
	locked := 0
	defer func() {
		for i := 0; i < locked; i++ {
			accts[i].mu.Unlock()
		}
	}()
	for i, acc := range accts {
		if err := l.lock(ctx, ids[i], acc); err != nil {
			return nil, err
		}
		locked++
	}

	work := make(map[string]model.Account, len(ids))
	for i, id := range ids {
		work[id] = accts[i].state
	}
	for _, op := range ops {
		a := work[op.UserID]
		if err := op.apply(&a); err != nil {
			return nil, err
		}
		work[op.UserID] = a
	}

	now := l.now()
	out := make([]model.Account, len(ids))
	for i, id := range ids {
		a := work[id]
		a.UpdatedAt = now
		a.Version++
		accts[i].state = a
		accts[i].publish()
		out[i] = a
	}
	return out, nil
}

func (l *Ledger) slot(userID string) *account {
	l.mu.RLock()
	acc, ok := l.accounts[userID]
	l.mu.RUnlock()
	if ok {
		return acc
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok := l.accounts[userID]; ok {
		return acc
	}
	acc = &account{state: model.Account{UserID: userID}}
	acc.publish()
	l.accounts[userID] = acc
	return acc
}

// lock acquires acc.mu, retrying with exponential backoff.
func (l *Ledger) lock(ctx context.Context, userID string, acc *account) error {
	delay := l.backoff
	for i := 0; i < l.attempts; i++ {
		if acc.mu.TryLock() {
			return nil
		}
		metrics.LedgerLockRetries.Inc()

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > maxLockBackoff {
			delay = maxLockBackoff
		}
	}
	metrics.LedgerLockFailures.Inc()
	return fmt.Errorf("%w: user %s after %d attempts", ErrContention, userID, l.attempts)
}
