// Package bet holds the bet aggregate: lifecycle state, per-outcome pools and
// the participations that feed them.
//
// An Aggregate is not safe for concurrent use; the engine serializes access
// per bet. Check* methods never mutate, Apply* methods assume the matching
// check passed and the ledger side of the operation already succeeded.
package bet

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/model"
)

var (
	// ErrCreation is returned for an invalid bet configuration.
	ErrCreation = errors.New("bet: invalid bet configuration")

	// ErrParticipation is returned when a stake or withdrawal is not allowed.
	ErrParticipation = errors.New("bet: participation rejected")

	// ErrResolution is returned when a bet cannot be resolved as requested.
	ErrResolution = errors.New("bet: resolution rejected")

	// ErrInvalidTransition is returned for lifecycle moves the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("bet: invalid state transition")
)

// Params describes a bet to create.
type Params struct {
	CreatorID          string
	GroupID            string
	Title              string
	Outcomes           []string
	MinimumStake       decimal.Decimal
	BettingDeadline    time.Time
	ResolutionDeadline *time.Time
	ResolverID         string
}

// Aggregate is one bet with its participations, keyed by user.
type Aggregate struct {
	bet   *model.Bet
	parts map[string]*model.Participation
	scale int32
}

// New validates p and returns an OPEN bet with empty pools.
func New(id string, p Params, scale int32, now time.Time) (*Aggregate, error) {
	if p.CreatorID == "" || p.GroupID == "" {
		return nil, fmt.Errorf("%w: creator and group are required", ErrCreation)
	}
	if len(p.Outcomes) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 outcomes, got %d", ErrCreation, len(p.Outcomes))
	}
	seen := make(map[string]bool, len(p.Outcomes))
	for _, o := range p.Outcomes {
		if strings.TrimSpace(o) == "" {
			return nil, fmt.Errorf("%w: empty outcome label", ErrCreation)
		}
		if seen[o] {
			return nil, fmt.Errorf("%w: duplicate outcome %q", ErrCreation, o)
		}
		seen[o] = true
	}
	if !p.MinimumStake.IsPositive() {
		return nil, fmt.Errorf("%w: minimum stake must be positive, got %s", ErrCreation, p.MinimumStake)
	}
	if !quantized(p.MinimumStake, scale) {
		return nil, fmt.Errorf("%w: minimum stake %s has more than %d decimal places", ErrCreation, p.MinimumStake, scale)
	}
	if !p.BettingDeadline.After(now) {
		return nil, fmt.Errorf("%w: betting deadline %s is not in the future", ErrCreation, p.BettingDeadline.Format(time.RFC3339))
	}
	if p.ResolutionDeadline != nil && !p.ResolutionDeadline.After(p.BettingDeadline) {
		return nil, fmt.Errorf("%w: resolution deadline must be after betting deadline", ErrCreation)
	}

	pools := make(map[string]decimal.Decimal, len(p.Outcomes))
	for _, o := range p.Outcomes {
		pools[o] = decimal.Zero
	}

	b := &model.Bet{
		ID:              id,
		CreatorID:       p.CreatorID,
		GroupID:         p.GroupID,
		Title:           p.Title,
		Outcomes:        append([]string(nil), p.Outcomes...),
		MinimumStake:    p.MinimumStake,
		BettingDeadline: p.BettingDeadline.UTC(),
		State:           model.StateOpen,
		Pools:           pools,
		ResolverID:      p.ResolverID,
		CreatedAt:       now,
		Version:         1,
	}
	if p.ResolutionDeadline != nil {
		rd := p.ResolutionDeadline.UTC()
		b.ResolutionDeadline = &rd
	}

	return &Aggregate{
		bet:   b,
		parts: make(map[string]*model.Participation),
		scale: scale,
	}, nil
}

// Restore rebuilds an aggregate from persisted records. Pools are checked
// against the unsettled participations.
func Restore(b *model.Bet, parts []model.Participation, scale int32) (*Aggregate, error) {
	a := &Aggregate{
		bet:   b.Clone(),
		parts: make(map[string]*model.Participation, len(parts)),
		scale: scale,
	}
	for i := range parts {
		p := parts[i]
		if p.BetID != b.ID {
			return nil, fmt.Errorf("bet: restore %s: participation %s belongs to %s", b.ID, p.ID, p.BetID)
		}
		if _, dup := a.parts[p.UserID]; dup {
			return nil, fmt.Errorf("bet: restore %s: duplicate participation for %s", b.ID, p.UserID)
		}
		a.parts[p.UserID] = &p
	}
	if err := a.CheckPools(); err != nil {
		return nil, err
	}
	return a, nil
}

// Clone deep-copies the aggregate.
func (a *Aggregate) Clone() *Aggregate {
	c := &Aggregate{
		bet:   a.bet.Clone(),
		parts: make(map[string]*model.Participation, len(a.parts)),
		scale: a.scale,
	}
	for k, p := range a.parts {
		cp := *p
		c.parts[k] = &cp
	}
	return c
}

// ID returns the bet id.
func (a *Aggregate) ID() string { return a.bet.ID }

// State returns the lifecycle state.
func (a *Aggregate) State() model.BetState { return a.bet.State }

// Bet returns a copy of the bet record.
func (a *Aggregate) Bet() *model.Bet { return a.bet.Clone() }

// Participations returns copies ordered by participation id.
func (a *Aggregate) Participations() []model.Participation {
	out := make([]model.Participation, 0, len(a.parts))
	for _, p := range a.parts {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Participation returns the user's participation, if any.
func (a *Aggregate) Participation(userID string) (model.Participation, bool) {
	p, ok := a.parts[userID]
	if !ok {
		return model.Participation{}, false
	}
	return *p, true
}

// Summary builds the read model.
func (a *Aggregate) Summary() model.BetSummary {
	return model.BetSummary{
		Bet:            *a.Bet(),
		TotalPool:      a.bet.TotalPool(),
		Participations: a.Participations(),
	}
}

// CanActOn reports whether actor may lock, cancel or resolve the bet.
func (a *Aggregate) CanActOn(actor string) bool {
	if actor == "" {
		return false
	}
	return actor == model.SystemActor || actor == a.bet.CreatorID ||
		(a.bet.ResolverID != "" && actor == a.bet.ResolverID)
}

// Expired reports whether the betting deadline has passed.
func (a *Aggregate) Expired(now time.Time) bool {
	return !now.Before(a.bet.BettingDeadline)
}

// Abandoned reports whether the resolution deadline has passed.
func (a *Aggregate) Abandoned(now time.Time) bool {
	rd := a.bet.ResolutionDeadline
	return rd != nil && !now.Before(*rd)
}

// NeedsLock reports whether an OPEN bet has passed its betting deadline.
func (a *Aggregate) NeedsLock(now time.Time) bool {
	return a.bet.State == model.StateOpen && a.Expired(now)
}

// --- Stakes ---

// CheckStake validates a stake without mutating anything.
func (a *Aggregate) CheckStake(now time.Time, userID, outcome string, amount decimal.Decimal) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrParticipation)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrParticipation, amount)
	}
	if !quantized(amount, a.scale) {
		return fmt.Errorf("%w: amount %s has more than %d decimal places", ErrParticipation, amount, a.scale)
	}
	if a.bet.State != model.StateOpen {
		return fmt.Errorf("%w: bet %s is %s", ErrParticipation, a.bet.ID, a.bet.State)
	}
	if a.Expired(now) {
		return fmt.Errorf("%w: betting deadline passed for bet %s", ErrParticipation, a.bet.ID)
	}
	if !a.bet.HasOutcome(outcome) {
		return fmt.Errorf("%w: unknown outcome %q", ErrParticipation, outcome)
	}
	if amount.LessThan(a.bet.MinimumStake) {
		return fmt.Errorf("%w: amount %s below minimum stake %s", ErrParticipation, amount, a.bet.MinimumStake)
	}
	if p, ok := a.parts[userID]; ok && p.Outcome != outcome {
		return fmt.Errorf("%w: user %s already staked on %q", ErrParticipation, userID, p.Outcome)
	}
	return nil
}

// ApplyStake records a stake that passed CheckStake and whose credits are
// already frozen. id is used only when the user has no participation yet.
func (a *Aggregate) ApplyStake(now time.Time, id, userID, outcome string, amount decimal.Decimal) model.Participation {
	p, ok := a.parts[userID]
	if !ok {
		p = &model.Participation{
			ID:        id,
			BetID:     a.bet.ID,
			UserID:    userID,
			Outcome:   outcome,
			Amount:    decimal.Zero,
			CreatedAt: now,
			Payout:    decimal.Zero,
		}
		a.parts[userID] = p
	}
	p.Amount = p.Amount.Add(amount)
	p.UpdatedAt = now
	a.bet.Pools[outcome] = a.bet.Pools[outcome].Add(amount)
	a.bet.Version++
	return *p
}

// CheckWithdraw validates reducing a user's stake by amount.
func (a *Aggregate) CheckWithdraw(now time.Time, userID string, amount decimal.Decimal) (model.Participation, error) {
	if !amount.IsPositive() {
		return model.Participation{}, fmt.Errorf("%w: amount must be positive, got %s", ErrParticipation, amount)
	}
	if !quantized(amount, a.scale) {
		return model.Participation{}, fmt.Errorf("%w: amount %s has more than %d decimal places", ErrParticipation, amount, a.scale)
	}
	if a.bet.State != model.StateOpen {
		return model.Participation{}, fmt.Errorf("%w: bet %s is %s", ErrParticipation, a.bet.ID, a.bet.State)
	}
	if a.Expired(now) {
		return model.Participation{}, fmt.Errorf("%w: betting deadline passed for bet %s", ErrParticipation, a.bet.ID)
	}
	p, ok := a.parts[userID]
	if !ok {
		return model.Participation{}, fmt.Errorf("%w: user %s has no stake on bet %s", ErrParticipation, userID, a.bet.ID)
	}
	if amount.GreaterThan(p.Amount) {
		return model.Participation{}, fmt.Errorf("%w: withdraw %s exceeds stake %s", ErrParticipation, amount, p.Amount)
	}
	rest := p.Amount.Sub(amount)
	if rest.IsPositive() && rest.LessThan(a.bet.MinimumStake) {
		return model.Participation{}, fmt.Errorf("%w: remaining stake %s below minimum %s", ErrParticipation, rest, a.bet.MinimumStake)
	}
	return *p, nil
}

// ApplyWithdraw reduces a stake that passed CheckWithdraw. A participation
// reduced to zero is removed and reported with removed=true.
func (a *Aggregate) ApplyWithdraw(now time.Time, userID string, amount decimal.Decimal) (p model.Participation, removed bool) {
	cur := a.parts[userID]
	cur.Amount = cur.Amount.Sub(amount)
	cur.UpdatedAt = now
	a.bet.Pools[cur.Outcome] = a.bet.Pools[cur.Outcome].Sub(amount)
	a.bet.Version++
	if cur.Amount.IsZero() {
		delete(a.parts, userID)
		return *cur, true
	}
	return *cur, false
}

// --- Lifecycle ---

// Lock moves OPEN → LOCKED.
func (a *Aggregate) Lock(now time.Time) error {
	next, err := Next(a.bet.State, TransitionLock)
	if err != nil {
		return err
	}
	a.bet.State = next
	a.bet.LockedAt = &now
	a.bet.Version++
	return nil
}

// CheckCancel validates cancellation. Cancelling a CANCELLED bet is not an
// error; callers detect it with State.
func (a *Aggregate) CheckCancel() error {
	if a.bet.State == model.StateCancelled {
		return nil
	}
	_, err := Next(a.bet.State, TransitionCancel)
	return err
}

// Unsettled returns participations not yet settled, by participation id.
func (a *Aggregate) Unsettled() []model.Participation {
	var out []model.Participation
	for _, p := range a.Participations() {
		if !p.Settled {
			out = append(out, p)
		}
	}
	return out
}

// ApplyCancel refunds every unsettled participation in full and moves the
// bet to CANCELLED. Pools keep their totals for audit.
func (a *Aggregate) ApplyCancel(now time.Time, actor, reason string) {
	for _, p := range a.parts {
		if p.Settled {
			continue
		}
		p.Settled = true
		p.Payout = p.Amount
		p.UpdatedAt = now
	}
	a.bet.State = model.StateCancelled
	a.bet.CancelReason = reason
	a.bet.SettledBy = actor
	a.bet.SettledAt = &now
	a.bet.Version++
}

// CheckResolve validates resolution. An OPEN bet past its deadline is
// accepted; the caller locks it before applying.
func (a *Aggregate) CheckResolve(now time.Time, outcome string) error {
	switch a.bet.State {
	case model.StateResolved, model.StateCancelled:
		return fmt.Errorf("%w: bet %s is already %s", ErrResolution, a.bet.ID, a.bet.State)
	case model.StateOpen:
		if !a.Expired(now) {
			return fmt.Errorf("%w: bet %s is still open for stakes", ErrResolution, a.bet.ID)
		}
	}
	if !a.bet.HasOutcome(outcome) {
		return fmt.Errorf("%w: unknown outcome %q", ErrResolution, outcome)
	}
	if a.Abandoned(now) {
		return fmt.Errorf("%w: resolution deadline passed for bet %s", ErrResolution, a.bet.ID)
	}
	if !a.bet.Pools[outcome].IsPositive() {
		return fmt.Errorf("%w: no stake on winning outcome %q, cancel instead", ErrResolution, outcome)
	}
	return nil
}

// ApplyResolution records payouts (participation id → payout) and moves the
// bet to RESOLVED. Every participation is marked settled.
func (a *Aggregate) ApplyResolution(now time.Time, outcome, resolver string, payouts map[string]decimal.Decimal) error {
	next, err := Next(a.bet.State, TransitionResolve)
	if err != nil {
		return err
	}
	for _, p := range a.parts {
		p.Settled = true
		p.Payout = payouts[p.ID]
		p.UpdatedAt = now
	}
	a.bet.State = next
	a.bet.WinningOutcome = outcome
	a.bet.SettledBy = resolver
	a.bet.SettledAt = &now
	a.bet.Version++
	return nil
}

// CheckPools verifies that each pool equals the sum of its unsettled
// participations (or of all participations once the bet is terminal).
func (a *Aggregate) CheckPools() error {
	sums := make(map[string]decimal.Decimal, len(a.bet.Outcomes))
	for _, p := range a.parts {
		if p.Settled && !a.bet.State.Terminal() {
			continue
		}
		sums[p.Outcome] = sums[p.Outcome].Add(p.Amount)
	}
	for _, o := range a.bet.Outcomes {
		pool := a.bet.Pools[o]
		if pool.IsNegative() {
			return fmt.Errorf("bet: %s pool %q is negative: %s", a.bet.ID, o, pool)
		}
		if !pool.Equal(sums[o]) {
			return fmt.Errorf("bet: %s pool %q is %s, participations sum to %s", a.bet.ID, o, pool, sums[o])
		}
	}
	return nil
}

// ExposureOf returns the user's unsettled stake on this bet.
func (a *Aggregate) ExposureOf(userID string) decimal.Decimal {
	p, ok := a.parts[userID]
	if !ok || p.Settled {
		return decimal.Zero
	}
	return p.Amount
}

func quantized(amount decimal.Decimal, scale int32) bool {
	return amount.Equal(amount.Truncate(scale))
}
