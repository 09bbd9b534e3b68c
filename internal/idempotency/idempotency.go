// Package idempotency makes retried requests safe: the first request for a
// key runs, concurrent duplicates are turned away while it is in flight, and
// later duplicates receive the cached result of the first success.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInFlight is returned when a request with the same key is still
	// being processed.
	ErrInFlight = errors.New("idempotency: duplicate request in flight")

	// ErrEmptyKey is returned for a blank key.
	ErrEmptyKey = errors.New("idempotency: key is required")
)

// Defaults for Guard TTLs.
const (
	DefaultLockTTL   = 45 * time.Second
	DefaultResultTTL = 24 * time.Hour
)

// Backend stores in-flight locks and cached results.
type Backend interface {
	// Result returns the cached result for key, if any.
	Result(ctx context.Context, key string) ([]byte, bool, error)

	// Acquire takes the in-flight lock for key, owned by token.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Release drops the lock only if token still owns it.
	Release(ctx context.Context, key, token string) error

	// Save caches the result for key.
	Save(ctx context.Context, key string, result []byte, ttl time.Duration) error
}

// Guard runs functions at most once per key.
type Guard struct {
	backend   Backend
	lockTTL   time.Duration
	resultTTL time.Duration
}

// NewGuard creates a guard. Non-positive TTLs fall back to the defaults.
func NewGuard(b Backend, lockTTL, resultTTL time.Duration) *Guard {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	return &Guard{backend: b, lockTTL: lockTTL, resultTTL: resultTTL}
}

// Do runs fn unless a result for key is already cached. replayed reports
// whether the returned bytes came from the cache. Only successful results
// are cached; a failed fn releases the key so the client can retry.
func (g *Guard) Do(ctx context.Context, key string, fn func() ([]byte, error)) (result []byte, replayed bool, err error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	if b, ok, err := g.backend.Result(ctx, key); err != nil {
		return nil, false, fmt.Errorf("idempotency: read result: %w", err)
	} else if ok {
		return b, true, nil
	}

	token := uuid.New().String()
	ok, err := g.backend.Acquire(ctx, key, token, g.lockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: acquire: %w", err)
	}
	if !ok {
		// The holder may have finished between our two reads.
		if b, ok, _ := g.backend.Result(ctx, key); ok {
			return b, true, nil
		}
		return nil, false, ErrInFlight
	}
	defer func() {
		if err := g.backend.Release(context.WithoutCancel(ctx), key, token); err != nil {
			slog.Warn("idempotency lock release failed", "key", key, "err", err)
		}
	}()

	result, err = fn()
	if err != nil {
		return nil, false, err
	}
	if err := g.backend.Save(context.WithoutCancel(ctx), key, result, g.resultTTL); err != nil {
		slog.Warn("idempotency result not cached", "key", key, "err", err)
	}
	return result, false, nil
}
