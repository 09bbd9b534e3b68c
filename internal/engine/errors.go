package engine

import (
	"context"
	"errors"

	"github.com/atmx/wager-engine/internal/bet"
	"github.com/atmx/wager-engine/internal/ledger"
	"github.com/atmx/wager-engine/internal/limits"
	"github.com/atmx/wager-engine/internal/store"
)

var (
	// ErrBetNotFound is returned for an unknown bet id.
	ErrBetNotFound = errors.New("engine: bet not found")

	// ErrUnauthorized is returned when the actor may not perform the
	// operation on the bet.
	ErrUnauthorized = errors.New("engine: actor not permitted")

	// ErrSettlementFailed is returned when a persistence failure could not
	// be compensated in the ledger. The bet and the ledger disagree and
	// need manual reconciliation.
	ErrSettlementFailed = errors.New("engine: settlement failed, reconciliation required")
)

// Kind is the coarse category of an engine error, used by transport
// layers to pick a status code.
type Kind int

const (
	KindNone Kind = iota
	KindInvalid
	KindInsufficientCredits
	KindNotFound
	KindUnauthorized
	KindConflict
	KindUnavailable
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInvalid:
		return "invalid"
	case KindInsufficientCredits:
		return "insufficient_credits"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Classify maps any error returned by the engine to a Kind. Unknown errors
// are KindInternal.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrSettlementFailed),
		errors.Is(err, ledger.ErrInsufficientFrozenCredits):
		return KindInternal
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return KindInsufficientCredits
	case errors.Is(err, ErrBetNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, bet.ErrInvalidTransition),
		errors.Is(err, bet.ErrResolution),
		errors.Is(err, store.ErrVersionConflict):
		return KindConflict
	case errors.Is(err, bet.ErrCreation),
		errors.Is(err, bet.ErrParticipation),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidOp),
		errors.Is(err, limits.ErrPerBetLimitExceeded),
		errors.Is(err, limits.ErrGroupLimitExceeded):
		return KindInvalid
	case errors.Is(err, ledger.ErrContention),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindUnavailable
	default:
		return KindInternal
	}
}
