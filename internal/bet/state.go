package bet

import (
	"fmt"

	"github.com/atmx/wager-engine/internal/model"
)

// Transition is a lifecycle event applied to a bet.
type Transition string

const (
	TransitionLock    Transition = "lock"
	TransitionResolve Transition = "resolve"
	TransitionCancel  Transition = "cancel"
)

// Next returns the state reached from cur by t. Illegal transitions return
// cur and ErrInvalidTransition.
//
//	OPEN   --lock-->    LOCKED
//	LOCKED --resolve--> RESOLVED
//	OPEN   --cancel-->  CANCELLED
//	LOCKED --cancel-->  CANCELLED
//
// Resolving an OPEN bet past its deadline is an implicit lock followed by
// resolve; callers perform the lock first.
func Next(cur model.BetState, t Transition) (model.BetState, error) {
	switch cur {
	case model.StateOpen:
		switch t {
		case TransitionLock:
			return model.StateLocked, nil
		case TransitionCancel:
			return model.StateCancelled, nil
		}
	case model.StateLocked:
		switch t {
		case TransitionResolve:
			return model.StateResolved, nil
		case TransitionCancel:
			return model.StateCancelled, nil
		}
	case model.StateResolved, model.StateCancelled:
	}
	return cur, fmt.Errorf("%w: %s --%s--> ?", ErrInvalidTransition, cur, t)
}
