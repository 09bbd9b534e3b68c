// Package limits caps how much credit a user can escrow on one bet and
// across the open bets of one group.
//
// A group's bets tend to be about the same event or the same people, so a
// user spreading stakes over many bets in one group carries correlated risk.
// The group cap bounds that aggregate exposure.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerBetLimitExceeded is returned when a stake would push the user's
	// stake on a single bet beyond the per-bet maximum.
	ErrPerBetLimitExceeded = errors.New("limits: per-bet stake limit exceeded")

	// ErrGroupLimitExceeded is returned when a stake would push the user's
	// unsettled stakes across one group beyond the group maximum.
	ErrGroupLimitExceeded = errors.New("limits: group exposure limit exceeded")
)

// StakeLimiter enforces stake limits with group awareness. A zero limit
// disables that check.
type StakeLimiter struct {
	// MaxPerBet is the maximum total stake of one user on one bet.
	MaxPerBet decimal.Decimal

	// MaxPerGroup is the maximum aggregate unsettled stake of one user
	// across all bets of a group.
	MaxPerGroup decimal.Decimal
}

// NewStakeLimiter creates a limiter with the given per-bet and per-group
// limits.
func NewStakeLimiter(maxPerBet, maxPerGroup decimal.Decimal) *StakeLimiter {
	return &StakeLimiter{
		MaxPerBet:   maxPerBet,
		MaxPerGroup: maxPerGroup,
	}
}

// Unlimited returns a limiter that accepts every stake.
func Unlimited() *StakeLimiter {
	return &StakeLimiter{}
}

// CheckLimit validates whether a stake respects the limits.
//
// Parameters:
//   - betID: the bet being staked on
//   - delta: the additional stake
//   - groupExposures: bet id → current unsettled stake of this user, for
//     every bet in the same group (the target bet included if staked)
//
// Returns nil if the stake is within limits.
func (l *StakeLimiter) CheckLimit(
	betID string,
	delta decimal.Decimal,
	groupExposures map[string]decimal.Decimal,
) error {
	if l == nil {
		return nil
	}

	// 1. Per-bet limit.
	newStake := groupExposures[betID].Add(delta)
	if l.MaxPerBet.IsPositive() && newStake.GreaterThan(l.MaxPerBet) {
		return ErrPerBetLimitExceeded
	}

	// 2. Group exposure: sum of stakes across the group's other bets.
	if !l.MaxPerGroup.IsPositive() {
		return nil
	}
	total := newStake
	for id, exposure := range groupExposures {
		if id == betID {
			continue // already counted via newStake above
		}
		total = total.Add(exposure)
	}
	if total.GreaterThan(l.MaxPerGroup) {
		return ErrGroupLimitExceeded
	}

	return nil
}
