// Package events defines the domain events emitted after a bet changes state
// and the publishers that carry them to chat and notification services.
//
// Event is a closed set: every variant lives in this file and implements the
// unexported sealed method, so a type switch over Event can be exhaustive.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Kind names an event variant on the wire.
type Kind string

const (
	KindBetCreated     Kind = "bet_created"
	KindStakePlaced    Kind = "stake_placed"
	KindStakeWithdrawn Kind = "stake_withdrawn"
	KindBetLocked      Kind = "bet_locked"
	KindBetCancelled   Kind = "bet_cancelled"
	KindBetResolved    Kind = "bet_resolved"
)

// Event is a domain event.
type Event interface {
	Kind() Kind
	Bet() string
	At() time.Time
	sealed()
}

// Header carries the fields shared by every event.
type Header struct {
	BetID      string    `json:"bet_id"`
	Version    int64     `json:"version"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (h Header) Bet() string   { return h.BetID }
func (h Header) At() time.Time { return h.OccurredAt }
func (Header) sealed()         {}

// Settlement is one user's result inside a cancel or resolve event.
type Settlement struct {
	UserID string          `json:"user_id"`
	Stake  decimal.Decimal `json:"stake"`
	Payout decimal.Decimal `json:"payout"`
}

type BetCreated struct {
	Header
	CreatorID       string          `json:"creator_id"`
	GroupID         string          `json:"group_id"`
	Title           string          `json:"title,omitempty"`
	Outcomes        []string        `json:"outcomes"`
	MinimumStake    decimal.Decimal `json:"minimum_stake"`
	BettingDeadline time.Time       `json:"betting_deadline"`
}

type StakePlaced struct {
	Header
	ParticipationID string          `json:"participation_id"`
	UserID          string          `json:"user_id"`
	Outcome         string          `json:"outcome"`
	Amount          decimal.Decimal `json:"amount"`
	TotalStake      decimal.Decimal `json:"total_stake"`
	Pool            decimal.Decimal `json:"pool"`
}

type StakeWithdrawn struct {
	Header
	ParticipationID string          `json:"participation_id"`
	UserID          string          `json:"user_id"`
	Outcome         string          `json:"outcome"`
	Amount          decimal.Decimal `json:"amount"`
	Remaining       decimal.Decimal `json:"remaining"`
}

type BetLocked struct {
	Header
	ActorID string `json:"actor_id"`
}

type BetCancelled struct {
	Header
	ActorID string       `json:"actor_id"`
	Reason  string       `json:"reason,omitempty"`
	Refunds []Settlement `json:"refunds"`
}

type BetResolved struct {
	Header
	ResolverID     string          `json:"resolver_id"`
	WinningOutcome string          `json:"winning_outcome"`
	TotalPool      decimal.Decimal `json:"total_pool"`
	Payouts        []Settlement    `json:"payouts"`
}

func (BetCreated) Kind() Kind     { return KindBetCreated }
func (StakePlaced) Kind() Kind    { return KindStakePlaced }
func (StakeWithdrawn) Kind() Kind { return KindStakeWithdrawn }
func (BetLocked) Kind() Kind      { return KindBetLocked }
func (BetCancelled) Kind() Kind   { return KindBetCancelled }
func (BetResolved) Kind() Kind    { return KindBetResolved }

// Envelope is the transport form of an event.
type Envelope struct {
	Type       Kind            `json:"type"`
	BetID      string          `json:"bet_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Marshal wraps e in an Envelope and encodes it as JSON.
func Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:       e.Kind(),
		BetID:      e.Bet(),
		OccurredAt: e.At(),
		Data:       data,
	})
}

// Publisher delivers events to an external collaborator.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
