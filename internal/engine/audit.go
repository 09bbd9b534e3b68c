package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Violation is one broken invariant found by Audit.
type Violation struct {
	Subject string `json:"subject"` // "account:<user>" or "bet:<id>"
	Detail  string `json:"detail"`
}

// Audit recomputes the escrow invariants:
//   - no account has negative available or frozen credit
//   - each user's frozen credit equals their unsettled stakes
//   - each bet's pools equal the sum of its participations
//
// Bets are inspected one at a time, so the result is exact only when no
// operation runs concurrently.
func (e *Engine) Audit(_ context.Context) []Violation {
	var out []Violation
	stakes := make(map[string]decimal.Decimal)

	for _, en := range e.entries() {
		en.mu.Lock()
		agg := en.agg
		if err := agg.CheckPools(); err != nil {
			out = append(out, Violation{Subject: "bet:" + agg.ID(), Detail: err.Error()})
		}
		if !agg.State().Terminal() {
			for _, p := range agg.Unsettled() {
				stakes[p.UserID] = stakes[p.UserID].Add(p.Amount)
			}
		} else if n := len(agg.Unsettled()); n > 0 {
			out = append(out, Violation{
				Subject: "bet:" + agg.ID(),
				Detail:  fmt.Sprintf("%s bet has %d unsettled participations", agg.State(), n),
			})
		}
		en.mu.Unlock()
	}

	seen := make(map[string]bool)
	for _, a := range e.ledger.Snapshot() {
		seen[a.UserID] = true
		if a.Available.IsNegative() || a.Frozen.IsNegative() {
			out = append(out, Violation{
				Subject: "account:" + a.UserID,
				Detail:  fmt.Sprintf("negative balance: available %s, frozen %s", a.Available, a.Frozen),
			})
		}
		if want := stakes[a.UserID]; !a.Frozen.Equal(want) {
			out = append(out, Violation{
				Subject: "account:" + a.UserID,
				Detail:  fmt.Sprintf("frozen %s, unsettled stakes %s", a.Frozen, want),
			})
		}
	}
	for user, s := range stakes {
		if !seen[user] && s.IsPositive() {
			out = append(out, Violation{
				Subject: "account:" + user,
				Detail:  fmt.Sprintf("no account, unsettled stakes %s", s),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}
