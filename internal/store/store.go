// Package store defines the persistence interface for the wager engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and development).
package store

import (
	"context"
	"errors"

	"github.com/atmx/wager-engine/internal/model"
)

var (
	// ErrVersionConflict is returned when a bet is committed with a version
	// not newer than the stored one.
	ErrVersionConflict = errors.New("store: bet version conflict")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")
)

// Change is everything one engine operation mutates. It is persisted
// atomically: all of it or none of it.
type Change struct {
	// Bet is the full bet record after the operation. Nil for
	// balance-only changes such as deposits.
	Bet *model.Bet

	// Participations are upserted by id.
	Participations []model.Participation

	// Removed lists participation ids to delete.
	Removed []string

	// Accounts are the post-operation balances of every touched user.
	Accounts []model.Account
}

// Empty reports whether the change carries nothing to persist.
func (c Change) Empty() bool {
	return c.Bet == nil && len(c.Participations) == 0 && len(c.Removed) == 0 && len(c.Accounts) == 0
}

// Store is the persistence interface. The engine keeps its working state in
// memory and writes through on every mutation; loads happen at startup.
type Store interface {
	// Commit persists a change atomically.
	Commit(ctx context.Context, c Change) error

	// LoadAccounts returns every persisted account.
	LoadAccounts(ctx context.Context) ([]model.Account, error)

	// LoadBets returns every persisted bet.
	LoadBets(ctx context.Context) ([]model.Bet, error)

	// LoadParticipations returns the participations of one bet.
	LoadParticipations(ctx context.Context, betID string) ([]model.Participation, error)
}
