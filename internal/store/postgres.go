package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/model"
)

// Schema creates the tables used by PostgresStore. Monetary columns are
// NUMERIC for exact decimal precision; pools are a JSONB map of decimal
// strings.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id    TEXT PRIMARY KEY,
	available  NUMERIC NOT NULL CHECK (available >= 0),
	frozen     NUMERIC NOT NULL CHECK (frozen >= 0),
	updated_at TIMESTAMPTZ NOT NULL,
	version    BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bets (
	id                  TEXT PRIMARY KEY,
	creator_id          TEXT NOT NULL,
	group_id            TEXT NOT NULL,
	title               TEXT NOT NULL DEFAULT '',
	outcomes            TEXT[] NOT NULL,
	minimum_stake       NUMERIC NOT NULL,
	betting_deadline    TIMESTAMPTZ NOT NULL,
	resolution_deadline TIMESTAMPTZ,
	state               TEXT NOT NULL,
	winning_outcome     TEXT NOT NULL DEFAULT '',
	pools               JSONB NOT NULL,
	resolver_id         TEXT NOT NULL DEFAULT '',
	cancel_reason       TEXT NOT NULL DEFAULT '',
	settled_by          TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	locked_at           TIMESTAMPTZ,
	settled_at          TIMESTAMPTZ,
	version             BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS participations (
	id         TEXT PRIMARY KEY,
	bet_id     TEXT NOT NULL REFERENCES bets(id),
	user_id    TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	amount     NUMERIC NOT NULL CHECK (amount > 0),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	settled    BOOLEAN NOT NULL DEFAULT FALSE,
	payout     NUMERIC NOT NULL DEFAULT 0,
	UNIQUE (bet_id, user_id)
);

CREATE INDEX IF NOT EXISTS participations_bet_id_idx ON participations (bet_id);

ALTER TABLE accounts ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0;
ALTER TABLE bets ADD COLUMN IF NOT EXISTS settled_by TEXT NOT NULL DEFAULT '';
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Commit writes the change in one transaction. Bet and account rows are
// only updated when the incoming version is newer than the stored one.
func (s *PostgresStore) Commit(ctx context.Context, c Change) error {
	if c.Empty() {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("commit: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if c.Bet != nil {
		if err := upsertBet(ctx, tx, c.Bet); err != nil {
			return err
		}
	}
	for _, id := range c.Removed {
		if _, err := tx.Exec(ctx, `DELETE FROM participations WHERE id = $1`, id); err != nil {
			return fmt.Errorf("commit: delete participation %s: %w", id, err)
		}
	}
	for i := range c.Participations {
		if err := upsertParticipation(ctx, tx, &c.Participations[i]); err != nil {
			return err
		}
	}
	for _, a := range c.Accounts {
		// A stale snapshot matches no row and is dropped.
		_, err := tx.Exec(ctx,
			`INSERT INTO accounts (user_id, available, frozen, updated_at, version)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)
			 ON CONFLICT (user_id) DO UPDATE
			 SET available = EXCLUDED.available, frozen = EXCLUDED.frozen,
			     updated_at = EXCLUDED.updated_at, version = EXCLUDED.version
			 WHERE accounts.version < EXCLUDED.version`,
			a.UserID, a.Available.String(), a.Frozen.String(), a.UpdatedAt, a.Version,
		)
		if err != nil {
			return fmt.Errorf("commit: account %s: %w", a.UserID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsertBet(ctx context.Context, tx pgx.Tx, b *model.Bet) error {
	pools, err := json.Marshal(b.Pools)
	if err != nil {
		return fmt.Errorf("commit: encode pools: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO bets (id, creator_id, group_id, title, outcomes, minimum_stake,
		                   betting_deadline, resolution_deadline, state, winning_outcome,
		                   pools, resolver_id, cancel_reason, settled_by, created_at, locked_at, settled_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (id) DO UPDATE
		 SET state = EXCLUDED.state, winning_outcome = EXCLUDED.winning_outcome,
		     pools = EXCLUDED.pools, resolver_id = EXCLUDED.resolver_id,
		     cancel_reason = EXCLUDED.cancel_reason, settled_by = EXCLUDED.settled_by,
		     locked_at = EXCLUDED.locked_at,
		     settled_at = EXCLUDED.settled_at, version = EXCLUDED.version
		 WHERE bets.version < EXCLUDED.version`,
		b.ID, b.CreatorID, b.GroupID, b.Title, b.Outcomes, b.MinimumStake.String(),
		b.BettingDeadline, b.ResolutionDeadline, string(b.State), b.WinningOutcome,
		pools, b.ResolverID, b.CancelReason, b.SettledBy, b.CreatedAt, b.LockedAt, b.SettledAt, b.Version,
	)
	if err != nil {
		return fmt.Errorf("commit: bet %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: bet %s v%d", ErrVersionConflict, b.ID, b.Version)
	}
	return nil
}

func upsertParticipation(ctx context.Context, tx pgx.Tx, p *model.Participation) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO participations (id, bet_id, user_id, outcome, amount, created_at, updated_at, settled, payout)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9::NUMERIC)
		 ON CONFLICT (id) DO UPDATE
		 SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at,
		     settled = EXCLUDED.settled, payout = EXCLUDED.payout`,
		p.ID, p.BetID, p.UserID, p.Outcome, p.Amount.String(),
		p.CreatedAt, p.UpdatedAt, p.Settled, p.Payout.String(),
	)
	if err != nil {
		return fmt.Errorf("commit: participation %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) LoadAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, available::TEXT, frozen::TEXT, updated_at, version
		 FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var availS, frozenS string
		if err := rows.Scan(&a.UserID, &availS, &frozenS, &a.UpdatedAt, &a.Version); err != nil {
			return nil, err
		}
		if a.Available, err = decimal.NewFromString(availS); err != nil {
			return nil, fmt.Errorf("account %s available: %w", a.UserID, err)
		}
		if a.Frozen, err = decimal.NewFromString(frozenS); err != nil {
			return nil, fmt.Errorf("account %s frozen: %w", a.UserID, err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) LoadBets(ctx context.Context) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, creator_id, group_id, title, outcomes, minimum_stake::TEXT,
		        betting_deadline, resolution_deadline, state, winning_outcome,
		        pools, resolver_id, cancel_reason, settled_by, created_at, locked_at, settled_at, version
		 FROM bets ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var minS, state string
		var pools []byte
		if err := rows.Scan(&b.ID, &b.CreatorID, &b.GroupID, &b.Title, &b.Outcomes, &minS,
			&b.BettingDeadline, &b.ResolutionDeadline, &state, &b.WinningOutcome,
			&pools, &b.ResolverID, &b.CancelReason, &b.SettledBy, &b.CreatedAt, &b.LockedAt, &b.SettledAt, &b.Version); err != nil {
			return nil, err
		}
		if b.MinimumStake, err = decimal.NewFromString(minS); err != nil {
			return nil, fmt.Errorf("bet %s minimum stake: %w", b.ID, err)
		}
		if err := json.Unmarshal(pools, &b.Pools); err != nil {
			return nil, fmt.Errorf("bet %s pools: %w", b.ID, err)
		}
		b.State = model.BetState(state)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) LoadParticipations(ctx context.Context, betID string) ([]model.Participation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, bet_id, user_id, outcome, amount::TEXT, created_at, updated_at, settled, payout::TEXT
		 FROM participations WHERE bet_id = $1 ORDER BY id`, betID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanParticipations(rows)
}

// pgxRows is the subset of pgx.Rows read by scanParticipations.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanParticipations(rows pgxRows) ([]model.Participation, error) {
	var parts []model.Participation
	for rows.Next() {
		var p model.Participation
		var amountS, payoutS string

		if err := rows.Scan(&p.ID, &p.BetID, &p.UserID, &p.Outcome, &amountS,
			&p.CreatedAt, &p.UpdatedAt, &p.Settled, &payoutS); err != nil {
			return nil, err
		}

		var err error
		if p.Amount, err = decimal.NewFromString(amountS); err != nil {
			return nil, fmt.Errorf("participation %s amount: %w", p.ID, err)
		}
		if p.Payout, err = decimal.NewFromString(payoutS); err != nil {
			return nil, fmt.Errorf("participation %s payout: %w", p.ID, err)
		}

		parts = append(parts, p)
	}
	return parts, rows.Err()
}
