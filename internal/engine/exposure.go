package engine

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/limits"
)

// exposureBook indexes unsettled stakes by group and user so the stake
// limiter can see a user's group exposure without locking other bets.
// Callers may hold a bet lock while calling in; the book never calls out
// except to the limiter, which is pure.
type exposureBook struct {
	mu sync.Mutex
	// group → user → bet → stake, including in-flight reservations
	byGroup map[string]map[string]map[string]decimal.Decimal
}

func newExposureBook() *exposureBook {
	return &exposureBook{byGroup: make(map[string]map[string]map[string]decimal.Decimal)}
}

// of returns a copy of the user's stakes across the group.
func (b *exposureBook) of(groupID, userID string) map[string]decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.byGroup[groupID][userID]
	out := make(map[string]decimal.Decimal, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// reserve checks delta against the limiter and, when it passes, adds it to
// the user's stake on the bet in the same critical section. A stake that
// later fails must give the reservation back with release.
func (b *exposureBook) reserve(groupID, userID, betID string, delta decimal.Decimal, l *limits.StakeLimiter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := l.CheckLimit(betID, delta, b.byGroup[groupID][userID]); err != nil {
		return err
	}
	b.setLocked(groupID, userID, betID, b.byGroup[groupID][userID][betID].Add(delta))
	return nil
}

// release subtracts delta from the user's stake on the bet.
func (b *exposureBook) release(groupID, userID, betID string, delta decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(groupID, userID, betID, b.byGroup[groupID][userID][betID].Sub(delta))
}

// set records the user's current stake on a bet. Zero removes it.
func (b *exposureBook) set(groupID, userID, betID string, stake decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(groupID, userID, betID, stake)
}

func (b *exposureBook) setLocked(groupID, userID, betID string, stake decimal.Decimal) {
	users, ok := b.byGroup[groupID]
	if !ok {
		if !stake.IsPositive() {
			return
		}
		users = make(map[string]map[string]decimal.Decimal)
		b.byGroup[groupID] = users
	}
	bets, ok := users[userID]
	if !ok {
		if !stake.IsPositive() {
			return
		}
		bets = make(map[string]decimal.Decimal)
		users[userID] = bets
	}
	if stake.IsPositive() {
		bets[betID] = stake
		return
	}
	delete(bets, betID)
	if len(bets) == 0 {
		delete(users, userID)
	}
	if len(users) == 0 {
		delete(b.byGroup, groupID)
	}
}

// clearBet drops every stake on a settled bet.
func (b *exposureBook) clearBet(groupID, betID string, users []string) {
	for _, u := range users {
		b.set(groupID, u, betID, decimal.Zero)
	}
}
