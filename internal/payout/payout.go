// Package payout computes parimutuel payouts for a resolved bet.
//
// Every winning stake s receives floor(s * P / W) at the credit scale, where
// P is the total pool and W the winning pool. The truncation remainder
// R = P - Σ payouts is handed out one minor unit at a time in policy order,
// so Σ payouts == P exactly. Losing stakes receive zero.
//
// The package is stateless: stakes are passed in as values.
package payout

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoWinners is returned when the winning outcome carries no stake.
	ErrNoWinners = errors.New("payout: no stake on winning outcome")

	// ErrInvalidStake is returned for non-positive or mis-scaled stakes.
	ErrInvalidStake = errors.New("payout: invalid stake")

	// ErrUnknownPolicy is returned by ParsePolicy for unrecognised names.
	ErrUnknownPolicy = errors.New("payout: unknown remainder policy")
)

// Policy decides which winners receive the truncation remainder first.
type Policy string

const (
	// AscendingID hands remainder units to winners by ascending stake id.
	AscendingID Policy = "ascending-id"
	// LargestStake favours the largest winning stakes, ties by ascending id.
	LargestStake Policy = "largest-stake"
)

// ParsePolicy maps a configuration value to a Policy. Empty means AscendingID.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", AscendingID:
		return AscendingID, nil
	case LargestStake:
		return LargestStake, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Stake is the input for one participation.
type Stake struct {
	ID      string
	UserID  string
	Outcome string
	Amount  decimal.Decimal
}

// Allocation is the computed result for one participation.
type Allocation struct {
	ID      string
	UserID  string
	Stake   decimal.Decimal
	Payout  decimal.Decimal
	Winner  bool
	Bonus   decimal.Decimal // remainder units included in Payout
}

// Calculator computes allocations at a fixed credit scale.
type Calculator struct {
	scale  int32
	policy Policy
	unit   decimal.Decimal
}

// NewCalculator creates a calculator. scale is the number of decimal places
// of one credit minor unit (2 → 0.01).
func NewCalculator(scale int32, policy Policy) *Calculator {
	if scale < 0 {
		scale = 0
	}
	if policy == "" {
		policy = AscendingID
	}
	return &Calculator{
		scale:  scale,
		policy: policy,
		unit:   decimal.New(1, -scale),
	}
}

// Scale returns the number of decimal places of a minor unit.
func (c *Calculator) Scale() int32 { return c.scale }

// Unit returns one minor unit.
func (c *Calculator) Unit() decimal.Decimal { return c.unit }

// Policy returns the remainder policy.
func (c *Calculator) Policy() Policy { return c.policy }

// Quantized reports whether amount is expressible in whole minor units.
func (c *Calculator) Quantized(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(c.scale))
}

// Compute returns one allocation per stake, in the input order.
func (c *Calculator) Compute(stakes []Stake, winning string) ([]Allocation, error) {
	total := decimal.Zero
	winPool := decimal.Zero
	for _, s := range stakes {
		if !s.Amount.IsPositive() || !c.Quantized(s.Amount) {
			return nil, fmt.Errorf("%w: %s amount %s", ErrInvalidStake, s.ID, s.Amount)
		}
		total = total.Add(s.Amount)
		if s.Outcome == winning {
			winPool = winPool.Add(s.Amount)
		}
	}
	if !winPool.IsPositive() {
		return nil, fmt.Errorf("%w: %q", ErrNoWinners, winning)
	}

	allocs := make([]Allocation, len(stakes))
	var winners []int
	distributed := decimal.Zero

	for i, s := range stakes {
		allocs[i] = Allocation{ID: s.ID, UserID: s.UserID, Stake: s.Amount, Payout: decimal.Zero}
		if s.Outcome != winning {
			continue
		}
		// QuoRem truncates toward zero at the credit scale; all terms are
		// positive so this is floor(s * P / W).
		q, _ := s.Amount.Mul(total).QuoRem(winPool, c.scale)
		allocs[i].Payout = q
		allocs[i].Winner = true
		distributed = distributed.Add(q)
		winners = append(winners, i)
	}

	remainder := total.Sub(distributed)
	if remainder.IsPositive() {
		c.order(allocs, winners)
		for k := 0; remainder.GreaterThanOrEqual(c.unit); k = (k + 1) % len(winners) {
			a := &allocs[winners[k]]
			a.Payout = a.Payout.Add(c.unit)
			a.Bonus = a.Bonus.Add(c.unit)
			remainder = remainder.Sub(c.unit)
		}
	}
	return allocs, nil
}

func (c *Calculator) order(allocs []Allocation, winners []int) {
	switch c.policy {
	case LargestStake:
		sort.SliceStable(winners, func(i, j int) bool {
			a, b := allocs[winners[i]], allocs[winners[j]]
			if cmp := a.Stake.Cmp(b.Stake); cmp != 0 {
				return cmp > 0
			}
			return a.ID < b.ID
		})
	default:
		sort.SliceStable(winners, func(i, j int) bool {
			return allocs[winners[i]].ID < allocs[winners[j]].ID
		})
	}
}

// Sum adds every payout.
func Sum(allocs []Allocation) decimal.Decimal {
	total := decimal.Zero
	for _, a := range allocs {
		total = total.Add(a.Payout)
	}
	return total
}
