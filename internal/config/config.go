// Package config reads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/payout"
)

// Config holds every tunable of the server. Zero limits mean unlimited.
type Config struct {
	Port         string
	DatabaseURL  string // empty: in-memory store
	RedisURL     string // empty: in-process idempotency cache
	KafkaBrokers []string
	KafkaTopic   string

	CreditScale     int32
	RemainderPolicy payout.Policy
	SweepInterval   time.Duration

	LedgerLockAttempts int
	LedgerLockBackoff  time.Duration

	MaxStakePerBet      decimal.Decimal
	MaxExposurePerGroup decimal.Decimal

	IdempotencyTTL time.Duration
}

// Load reads the environment. Unset variables take their defaults; malformed
// ones are an error.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	e := env{get: getenv}
	cfg := Config{
		Port:                e.str("PORT", "8080"),
		DatabaseURL:         e.str("DATABASE_URL", ""),
		RedisURL:            e.str("REDIS_URL", ""),
		KafkaBrokers:        e.list("KAFKA_BROKERS"),
		KafkaTopic:          e.str("KAFKA_TOPIC", "wager.bet-events"),
		CreditScale:         int32(e.integer("CREDIT_SCALE", 2)),
		SweepInterval:       e.duration("SWEEP_INTERVAL", 30*time.Second),
		LedgerLockAttempts:  e.integer("LEDGER_LOCK_ATTEMPTS", 20),
		LedgerLockBackoff:   e.duration("LEDGER_LOCK_BACKOFF", 100*time.Microsecond),
		MaxStakePerBet:      e.amount("MAX_STAKE_PER_BET"),
		MaxExposurePerGroup: e.amount("MAX_EXPOSURE_PER_GROUP"),
		IdempotencyTTL:      e.duration("IDEMPOTENCY_TTL", 24*time.Hour),
	}
	policy, err := payout.ParsePolicy(e.str("REMAINDER_POLICY", ""))
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("REMAINDER_POLICY: %v", err))
	}
	cfg.RemainderPolicy = policy

	if cfg.CreditScale < 0 || cfg.CreditScale > 8 {
		e.errs = append(e.errs, fmt.Sprintf("CREDIT_SCALE: %d out of range 0..8", cfg.CreditScale))
	}
	if len(e.errs) > 0 {
		return Config{}, fmt.Errorf("config: %s", strings.Join(e.errs, "; "))
	}
	return cfg, nil
}

// env collects parse errors so every bad variable is reported at once.
type env struct {
	get  func(string) string
	errs []string
}

func (e *env) str(key, fallback string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return fallback
}

func (e *env) integer(key string, fallback int) int {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return fallback
	}
	return n
}

func (e *env) duration(key string, fallback time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a positive duration", key, v))
		return fallback
	}
	return d
}

func (e *env) amount(key string) decimal.Decimal {
	v := e.str(key, "")
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a non-negative amount", key, v))
		return decimal.Zero
	}
	return d
}

func (e *env) list(key string) []string {
	var out []string
	for _, part := range strings.Split(e.str(key, ""), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
