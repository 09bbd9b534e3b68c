package engine

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/model"
)

// AbandonedReason is recorded on bets cancelled by CancelAbandoned.
const AbandonedReason = "resolution deadline passed"

// LockExpired locks every OPEN bet whose betting deadline has passed and
// returns how many were locked.
func (e *Engine) LockExpired(ctx context.Context) (int, error) {
	var (
		n    int
		errs []error
		evs  []events.Event
	)
	for _, en := range e.entries() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		en.mu.Lock()
		now := e.now()
		if en.agg.NeedsLock(now) {
			ev, err := e.lockLocked(ctx, en, now, model.SystemActor)
			if err != nil {
				errs = append(errs, err)
			} else if ev != nil {
				evs = append(evs, ev)
				n++
			}
		}
		en.mu.Unlock()
	}
	e.publish(ctx, evs)
	return n, errors.Join(errs...)
}

// CancelAbandoned cancels every unsettled bet whose resolution deadline has
// passed, refunding all stakes, and returns how many were cancelled.
func (e *Engine) CancelAbandoned(ctx context.Context) (int, error) {
	var (
		n    int
		errs []error
		evs  []events.Event
	)
	for _, en := range e.entries() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		en.mu.Lock()
		now := e.now()
		if !en.agg.State().Terminal() && en.agg.Abandoned(now) {
			ev, err := e.cancelLocked(ctx, en, now, model.SystemActor, AbandonedReason)
			if err != nil {
				errs = append(errs, err)
			} else if ev != nil {
				evs = append(evs, ev)
				n++
			}
		}
		en.mu.Unlock()
	}
	e.publish(ctx, evs)
	return n, errors.Join(errs...)
}

// RunSweeper calls LockExpired and CancelAbandoned every interval until ctx
// is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			locked, err := e.LockExpired(ctx)
			if err != nil {
				e.log.Warn("sweep: lock expired", "err", err)
			}
			cancelled, err := e.CancelAbandoned(ctx)
			if err != nil {
				e.log.Warn("sweep: cancel abandoned", "err", err)
			}
			if locked > 0 || cancelled > 0 {
				e.log.Info("sweep complete", "locked", locked, "cancelled", cancelled)
			}
		}
	}
}
