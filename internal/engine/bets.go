package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/bet"
	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/ledger"
	"github.com/atmx/wager-engine/internal/metrics"
	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/payout"
	"github.com/atmx/wager-engine/internal/store"
)

// CreateBet validates and persists a new OPEN bet with zeroed pools.
func (e *Engine) CreateBet(ctx context.Context, p bet.Params) (model.BetSummary, error) {
	now := e.now()
	agg, err := bet.New(e.newID(), p, e.calc.Scale(), now)
	if err != nil {
		return model.BetSummary{}, err
	}
	b := agg.Bet()
	if err := e.store.Commit(ctx, store.Change{Bet: b}); err != nil {
		return model.BetSummary{}, fmt.Errorf("engine: persist: %w", err)
	}
	e.register(agg)

	metrics.BetsCreated.Inc()
	metrics.OpenBets.Inc()
	e.log.Info("bet created",
		"bet", b.ID,
		"creator", b.CreatorID,
		"group", b.GroupID,
		"outcomes", len(b.Outcomes),
		"minimum_stake", b.MinimumStake.String(),
		"deadline", b.BettingDeadline,
	)

	e.publish(ctx, []events.Event{events.BetCreated{
		Header:          header(b, now),
		CreatorID:       b.CreatorID,
		GroupID:         b.GroupID,
		Title:           b.Title,
		Outcomes:        b.Outcomes,
		MinimumStake:    b.MinimumStake,
		BettingDeadline: b.BettingDeadline,
	}})
	return agg.Summary(), nil
}

// PlaceStake escrows amount from the user's available credits and adds it
// to the chosen outcome's pool. A user who already staked on this bet can
// only add to the same outcome. A failed call changes nothing.
func (e *Engine) PlaceStake(ctx context.Context, betID, userID, outcome string, amount decimal.Decimal) (model.Participation, error) {
	start := time.Now()
	p, err := e.placeStake(ctx, betID, userID, outcome, amount)
	metrics.StakeLatency.Observe(time.Since(start).Seconds())
	metrics.StakesPlaced.WithLabelValues(Classify(err).String()).Inc()
	return p, err
}

func (e *Engine) placeStake(ctx context.Context, betID, userID, outcome string, amount decimal.Decimal) (model.Participation, error) {
	// Reject malformed amounts before any lock or ledger call.
	if !amount.IsPositive() {
		return model.Participation{}, fmt.Errorf("%w: amount must be positive, got %s", bet.ErrParticipation, amount)
	}
	if !e.calc.Quantized(amount) {
		return model.Participation{}, fmt.Errorf("%w: amount %s has more than %d decimal places", bet.ErrParticipation, amount, e.calc.Scale())
	}

	en, err := e.lookup(betID)
	if err != nil {
		return model.Participation{}, err
	}

	en.mu.Lock()
	now := e.now()
	evs := e.lockIfDue(ctx, en, now)
	p, ev, err := e.stakeLocked(ctx, en, now, userID, outcome, amount)
	en.mu.Unlock()

	if ev != nil {
		evs = append(evs, ev)
	}
	e.publish(ctx, evs)
	return p, err
}

func (e *Engine) stakeLocked(ctx context.Context, en *entry, now time.Time, userID, outcome string, amount decimal.Decimal) (model.Participation, events.Event, error) {
	agg := en.agg
	if err := agg.CheckStake(now, userID, outcome, amount); err != nil {
		return model.Participation{}, nil, err
	}
	// The reservation stays in the book while the stake is in flight, so
	// concurrent stakes on other bets of the group see it.
	if err := e.exposure.reserve(en.groupID, userID, agg.ID(), amount, e.limiter); err != nil {
		return model.Participation{}, nil, fmt.Errorf("%w: user %s on bet %s", err, userID, agg.ID())
	}

	ops := []ledger.Op{ledger.Freeze(userID, amount)}
	accts, err := e.apply(ctx, agg.ID(), ops...)
	if err != nil {
		e.exposure.release(en.groupID, userID, agg.ID(), amount)
		return model.Participation{}, nil, err
	}

	snapshot := agg.Clone()
	p := agg.ApplyStake(now, e.newID(), userID, outcome, amount)
	b := agg.Bet()
	change := store.Change{Bet: b, Participations: []model.Participation{p}, Accounts: accts}
	if err := e.persist(ctx, en, snapshot, ops, change); err != nil {
		e.exposure.release(en.groupID, userID, b.ID, amount)
		return model.Participation{}, nil, err
	}

	e.log.Info("stake placed",
		"bet", b.ID,
		"user", userID,
		"outcome", outcome,
		"amount", amount.String(),
		"total_stake", p.Amount.String(),
		"pool", b.Pools[outcome].String(),
	)
	return p, events.StakePlaced{
		Header:          header(b, now),
		ParticipationID: p.ID,
		UserID:          userID,
		Outcome:         outcome,
		Amount:          amount,
		TotalStake:      p.Amount,
		Pool:            b.Pools[outcome],
	}, nil
}

// WithdrawStake returns part or all of a user's stake while the bet is
// OPEN. A stake reduced to zero removes the participation.
func (e *Engine) WithdrawStake(ctx context.Context, betID, userID string, amount decimal.Decimal) (model.Participation, error) {
	if !amount.IsPositive() {
		return model.Participation{}, fmt.Errorf("%w: amount must be positive, got %s", bet.ErrParticipation, amount)
	}
	en, err := e.lookup(betID)
	if err != nil {
		return model.Participation{}, err
	}

	en.mu.Lock()
	now := e.now()
	evs := e.lockIfDue(ctx, en, now)
	p, ev, err := e.withdrawLocked(ctx, en, now, userID, amount)
	en.mu.Unlock()

	if ev != nil {
		evs = append(evs, ev)
	}
	e.publish(ctx, evs)
	return p, err
}

func (e *Engine) withdrawLocked(ctx context.Context, en *entry, now time.Time, userID string, amount decimal.Decimal) (model.Participation, events.Event, error) {
	agg := en.agg
	if _, err := agg.CheckWithdraw(now, userID, amount); err != nil {
		return model.Participation{}, nil, err
	}

	ops := []ledger.Op{ledger.Unfreeze(userID, amount)}
	accts, err := e.apply(ctx, agg.ID(), ops...)
	if err != nil {
		return model.Participation{}, nil, err
	}

	snapshot := agg.Clone()
	p, removed := agg.ApplyWithdraw(now, userID, amount)
	b := agg.Bet()
	change := store.Change{Bet: b, Accounts: accts}
	if removed {
		change.Removed = []string{p.ID}
	} else {
		change.Participations = []model.Participation{p}
	}
	if err := e.persist(ctx, en, snapshot, ops, change); err != nil {
		return model.Participation{}, nil, err
	}
	e.exposure.release(en.groupID, userID, b.ID, amount)

	e.log.Info("stake withdrawn",
		"bet", b.ID,
		"user", userID,
		"amount", amount.String(),
		"remaining", p.Amount.String(),
	)
	return p, events.StakeWithdrawn{
		Header:          header(b, now),
		ParticipationID: p.ID,
		UserID:          userID,
		Outcome:         p.Outcome,
		Amount:          amount,
		Remaining:       p.Amount,
	}, nil
}

// LockBet closes an OPEN bet to new stakes. Before the betting deadline only
// the creator, the designated resolver or the system actor may lock; after
// it anyone may. Locking a LOCKED bet is a no-op.
func (e *Engine) LockBet(ctx context.Context, betID, actor string) (model.BetSummary, error) {
	en, err := e.lookup(betID)
	if err != nil {
		return model.BetSummary{}, err
	}

	en.mu.Lock()
	now := e.now()
	ev, err := e.lockLocked(ctx, en, now, actor)
	sum := en.agg.Summary()
	en.mu.Unlock()

	if err != nil {
		return model.BetSummary{}, err
	}
	if ev != nil {
		e.publish(ctx, []events.Event{ev})
	}
	return sum, nil
}

func (e *Engine) lockLocked(ctx context.Context, en *entry, now time.Time, actor string) (events.Event, error) {
	agg := en.agg
	if agg.State() == model.StateLocked {
		return nil, nil
	}
	if agg.State() != model.StateOpen {
		_, err := bet.Next(agg.State(), bet.TransitionLock)
		return nil, err
	}
	if !agg.Expired(now) && !agg.CanActOn(actor) {
		return nil, fmt.Errorf("%w: %q may not lock bet %s before its deadline", ErrUnauthorized, actor, agg.ID())
	}

	snapshot := agg.Clone()
	if err := agg.Lock(now); err != nil {
		return nil, err
	}
	b := agg.Bet()
	if err := e.persist(ctx, en, snapshot, nil, store.Change{Bet: b}); err != nil {
		return nil, err
	}

	metrics.OpenBets.Dec()
	metrics.Transitions.WithLabelValues(string(model.StateLocked)).Inc()
	e.log.Info("bet locked", "bet", b.ID, "actor", actor, "pool", b.TotalPool().String())
	return events.BetLocked{Header: header(b, now), ActorID: actor}, nil
}

// lockIfDue locks an OPEN bet whose deadline has passed. Failures are
// logged; the bet stays OPEN and stake checks still reject late stakes.
func (e *Engine) lockIfDue(ctx context.Context, en *entry, now time.Time) []events.Event {
	if !en.agg.NeedsLock(now) {
		return nil
	}
	ev, err := e.lockLocked(ctx, en, now, model.SystemActor)
	if err != nil {
		e.log.Warn("deadline lock failed", "bet", en.agg.ID(), "err", err)
		return nil
	}
	return []events.Event{ev}
}

// CancelBet refunds every unsettled stake in full and moves the bet to
// CANCELLED. Cancelling a CANCELLED bet returns its summary unchanged.
func (e *Engine) CancelBet(ctx context.Context, betID, actor, reason string) (model.BetSummary, error) {
	en, err := e.lookup(betID)
	if err != nil {
		return model.BetSummary{}, err
	}

	en.mu.Lock()
	if !en.agg.CanActOn(actor) {
		en.mu.Unlock()
		return model.BetSummary{}, fmt.Errorf("%w: %q may not cancel bet %s", ErrUnauthorized, actor, betID)
	}
	ev, err := e.cancelLocked(ctx, en, e.now(), actor, reason)
	sum := en.agg.Summary()
	en.mu.Unlock()

	if err != nil {
		return model.BetSummary{}, err
	}
	if ev != nil {
		e.publish(ctx, []events.Event{ev})
	}
	return sum, nil
}

func (e *Engine) cancelLocked(ctx context.Context, en *entry, now time.Time, actor, reason string) (events.Event, error) {
	agg := en.agg
	if err := agg.CheckCancel(); err != nil {
		return nil, err
	}
	if agg.State() == model.StateCancelled {
		return nil, nil
	}

	unsettled := agg.Unsettled()
	ops := make([]ledger.Op, 0, len(unsettled))
	users := make([]string, 0, len(unsettled))
	refunds := make([]events.Settlement, 0, len(unsettled))
	total := decimal.Zero
	for _, p := range unsettled {
		ops = append(ops, ledger.Unfreeze(p.UserID, p.Amount))
		users = append(users, p.UserID)
		refunds = append(refunds, events.Settlement{UserID: p.UserID, Stake: p.Amount, Payout: p.Amount})
		total = total.Add(p.Amount)
	}

	accts, err := e.apply(ctx, agg.ID(), ops...)
	if err != nil {
		return nil, err
	}

	wasOpen := agg.State() == model.StateOpen
	snapshot := agg.Clone()
	agg.ApplyCancel(now, actor, reason)
	b := agg.Bet()
	change := store.Change{Bet: b, Participations: agg.Participations(), Accounts: accts}
	if err := e.persist(ctx, en, snapshot, ops, change); err != nil {
		return nil, err
	}
	e.exposure.clearBet(en.groupID, b.ID, users)

	if wasOpen {
		metrics.OpenBets.Dec()
	}
	metrics.Transitions.WithLabelValues(string(model.StateCancelled)).Inc()
	metrics.CreditsSettled.WithLabelValues("refund").Add(total.InexactFloat64())
	e.log.Info("bet cancelled",
		"bet", b.ID,
		"actor", actor,
		"reason", reason,
		"refunds", len(refunds),
		"refunded", total.String(),
	)
	return events.BetCancelled{
		Header:  header(b, now),
		ActorID: actor,
		Reason:  reason,
		Refunds: refunds,
	}, nil
}

// ResolveBet settles a LOCKED bet (or an OPEN one past its deadline) in
// favour of winning. Every winner receives floor(stake·P/W) plus its share
// of the remainder; losers forfeit their stake. The ledger batch and the
// store commit succeed together or neither takes effect.
func (e *Engine) ResolveBet(ctx context.Context, betID, winning, resolver string) (model.BetSummary, error) {
	en, err := e.lookup(betID)
	if err != nil {
		return model.BetSummary{}, err
	}

	en.mu.Lock()
	if !en.agg.CanActOn(resolver) {
		en.mu.Unlock()
		return model.BetSummary{}, fmt.Errorf("%w: %q may not resolve bet %s", ErrUnauthorized, resolver, betID)
	}
	ev, err := e.resolveLocked(ctx, en, e.now(), winning, resolver)
	sum := en.agg.Summary()
	en.mu.Unlock()

	if err != nil {
		return model.BetSummary{}, err
	}
	e.publish(ctx, []events.Event{ev})
	return sum, nil
}

func (e *Engine) resolveLocked(ctx context.Context, en *entry, now time.Time, winning, resolver string) (events.Event, error) {
	agg := en.agg
	if err := agg.CheckResolve(now, winning); err != nil {
		return nil, err
	}

	unsettled := agg.Unsettled()
	stakes := make([]payout.Stake, len(unsettled))
	users := make([]string, len(unsettled))
	for i, p := range unsettled {
		stakes[i] = payout.Stake{ID: p.ID, UserID: p.UserID, Outcome: p.Outcome, Amount: p.Amount}
		users[i] = p.UserID
	}
	allocs, err := e.calc.Compute(stakes, winning)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bet.ErrResolution, err)
	}

	ops := make([]ledger.Op, len(allocs))
	payouts := make(map[string]decimal.Decimal, len(allocs))
	settlements := make([]events.Settlement, len(allocs))
	for i, a := range allocs {
		if a.Winner {
			ops[i] = ledger.SettleWin(a.UserID, a.Stake, a.Payout)
		} else {
			ops[i] = ledger.SettleLoss(a.UserID, a.Stake)
		}
		payouts[a.ID] = a.Payout
		settlements[i] = events.Settlement{UserID: a.UserID, Stake: a.Stake, Payout: a.Payout}
	}

	accts, err := e.apply(ctx, agg.ID(), ops...)
	if err != nil {
		return nil, err
	}

	wasOpen := agg.State() == model.StateOpen
	snapshot := agg.Clone()
	if wasOpen {
		if err := agg.Lock(now); err != nil {
			en.agg = snapshot
			return nil, e.compensate(ctx, ops, err)
		}
	}
	if err := agg.ApplyResolution(now, winning, resolver, payouts); err != nil {
		en.agg = snapshot
		return nil, e.compensate(ctx, ops, err)
	}
	b := agg.Bet()
	change := store.Change{Bet: b, Participations: agg.Participations(), Accounts: accts}
	if err := e.persist(ctx, en, snapshot, ops, change); err != nil {
		return nil, err
	}
	e.exposure.clearBet(en.groupID, b.ID, users)

	total := payout.Sum(allocs)
	if wasOpen {
		metrics.OpenBets.Dec()
		metrics.Transitions.WithLabelValues(string(model.StateLocked)).Inc()
	}
	metrics.Transitions.WithLabelValues(string(model.StateResolved)).Inc()
	metrics.CreditsSettled.WithLabelValues("payout").Add(total.InexactFloat64())
	e.log.Info("bet resolved",
		"bet", b.ID,
		"resolver", resolver,
		"winner", winning,
		"pool", total.String(),
		"participants", len(allocs),
		"policy", string(e.calc.Policy()),
	)
	return events.BetResolved{
		Header:         header(b, now),
		ResolverID:     resolver,
		WinningOutcome: winning,
		TotalPool:      total,
		Payouts:        settlements,
	}, nil
}
