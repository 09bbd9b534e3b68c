package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/wager-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]model.Account
	bets     map[string]*model.Bet
	parts    map[string]model.Participation // by participation id
	commits  int
	failWith error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]model.Account),
		bets:     make(map[string]*model.Bet),
		parts:    make(map[string]model.Participation),
	}
}

// FailWith makes every subsequent Commit return err without applying
// anything. Pass nil to restore normal behaviour.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Commits returns the number of successful commits.
func (s *MemoryStore) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

func (s *MemoryStore) Commit(_ context.Context, c Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}

	// Validate before touching anything so a rejected commit leaves no trace.
	if c.Bet != nil {
		if cur, ok := s.bets[c.Bet.ID]; ok && cur.Version >= c.Bet.Version {
			return fmt.Errorf("%w: bet %s stored at v%d, got v%d", ErrVersionConflict, c.Bet.ID, cur.Version, c.Bet.Version)
		}
	}
	for _, p := range c.Participations {
		if c.Bet != nil && p.BetID != c.Bet.ID {
			return fmt.Errorf("store: participation %s belongs to %s, not %s", p.ID, p.BetID, c.Bet.ID)
		}
	}

	if c.Bet != nil {
		s.bets[c.Bet.ID] = c.Bet.Clone()
	}
	for _, p := range c.Participations {
		s.parts[p.ID] = p
	}
	for _, id := range c.Removed {
		delete(s.parts, id)
	}
	for _, a := range c.Accounts {
		// Ledger changes on one user can commit out of order across bets.
		if cur, ok := s.accounts[a.UserID]; ok && cur.Version >= a.Version {
			continue
		}
		s.accounts[a.UserID] = a
	}
	s.commits++
	return nil
}

func (s *MemoryStore) LoadAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) LoadBets(_ context.Context) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Bet, 0, len(s.bets))
	for _, b := range s.bets {
		out = append(out, *b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) LoadParticipations(_ context.Context, betID string) ([]model.Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Participation
	for _, p := range s.parts {
		if p.BetID == betID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetBet returns a copy of a stored bet.
func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[id]
	if !ok {
		return nil, fmt.Errorf("%w: bet %s", ErrNotFound, id)
	}
	return b.Clone(), nil
}

// GetAccount returns a stored account.
func (s *MemoryStore) GetAccount(_ context.Context, userID string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return model.Account{}, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	return a, nil
}
