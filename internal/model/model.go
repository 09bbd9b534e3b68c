// Package model defines the core domain types shared across the wager engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SystemActor identifies scheduled sweeps and operator tooling. It may lock,
// cancel and resolve any bet.
const SystemActor = "system"

// BetState is the lifecycle state of a bet.
type BetState string

const (
	StateOpen      BetState = "OPEN"
	StateLocked    BetState = "LOCKED"
	StateResolved  BetState = "RESOLVED"
	StateCancelled BetState = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s BetState) Terminal() bool {
	return s == StateResolved || s == StateCancelled
}

// Account is a user's credit state. Owned exclusively by the ledger.
// Version increases with every ledger change so stores can keep the newest
// snapshot when commits arrive out of order.
type Account struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Available decimal.Decimal `json:"available" db:"available"`
	Frozen    decimal.Decimal `json:"frozen" db:"frozen"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
	Version   int64           `json:"version" db:"version"`
}

// Total is available plus frozen credit.
func (a Account) Total() decimal.Decimal {
	return a.Available.Add(a.Frozen)
}

// Bet is the persisted record of a wager.
type Bet struct {
	ID                 string                     `json:"id" db:"id"`
	CreatorID          string                     `json:"creator_id" db:"creator_id"`
	GroupID            string                     `json:"group_id" db:"group_id"`
	Title              string                     `json:"title" db:"title"`
	Outcomes           []string                   `json:"outcomes" db:"outcomes"`
	MinimumStake       decimal.Decimal            `json:"minimum_stake" db:"minimum_stake"`
	BettingDeadline    time.Time                  `json:"betting_deadline" db:"betting_deadline"`
	ResolutionDeadline *time.Time                 `json:"resolution_deadline,omitempty" db:"resolution_deadline"`
	State              BetState                   `json:"state" db:"state"`
	WinningOutcome     string                     `json:"winning_outcome,omitempty" db:"winning_outcome"`
	Pools              map[string]decimal.Decimal `json:"pools" db:"pools"`
	ResolverID         string                     `json:"resolver_id,omitempty" db:"resolver_id"`
	CancelReason       string                     `json:"cancel_reason,omitempty" db:"cancel_reason"`
	SettledBy          string                     `json:"settled_by,omitempty" db:"settled_by"`
	CreatedAt          time.Time                  `json:"created_at" db:"created_at"`
	LockedAt           *time.Time                 `json:"locked_at,omitempty" db:"locked_at"`
	SettledAt          *time.Time                 `json:"settled_at,omitempty" db:"settled_at"`
	Version            int64                      `json:"version" db:"version"`
}

// TotalPool sums every outcome pool.
func (b *Bet) TotalPool() decimal.Decimal {
	total := decimal.Zero
	for _, v := range b.Pools {
		total = total.Add(v)
	}
	return total
}

// HasOutcome reports whether label is one of the bet's outcomes.
func (b *Bet) HasOutcome(label string) bool {
	for _, o := range b.Outcomes {
		if o == label {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share pool maps or deadlines.
func (b *Bet) Clone() *Bet {
	c := *b
	c.Outcomes = append([]string(nil), b.Outcomes...)
	c.Pools = make(map[string]decimal.Decimal, len(b.Pools))
	for k, v := range b.Pools {
		c.Pools[k] = v
	}
	c.ResolutionDeadline = cloneTime(b.ResolutionDeadline)
	c.LockedAt = cloneTime(b.LockedAt)
	c.SettledAt = cloneTime(b.SettledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Participation is one user's stake on one bet. Once the bet leaves OPEN
// only the settlement fields change.
type Participation struct {
	ID        string          `json:"id" db:"id"`
	BetID     string          `json:"bet_id" db:"bet_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Outcome   string          `json:"outcome" db:"outcome"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
	Settled   bool            `json:"settled" db:"settled"`
	Payout    decimal.Decimal `json:"payout" db:"payout"`
}

// BetSummary is the read model returned to callers.
type BetSummary struct {
	Bet            Bet             `json:"bet"`
	TotalPool      decimal.Decimal `json:"total_pool"`
	Participations []Participation `json:"participations"`
}

// Balance is a read-only snapshot of a user's credit state.
type Balance struct {
	UserID    string          `json:"user_id"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
	Total     decimal.Decimal `json:"total"`
}
