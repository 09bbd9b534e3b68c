package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/wager-engine/internal/api"
	"github.com/atmx/wager-engine/internal/config"
	"github.com/atmx/wager-engine/internal/engine"
	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/idempotency"
	"github.com/atmx/wager-engine/internal/ledger"
	"github.com/atmx/wager-engine/internal/limits"
	"github.com/atmx/wager-engine/internal/metrics"
	"github.com/atmx/wager-engine/internal/payout"
	"github.com/atmx/wager-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Idempotency keys ---
	var backend idempotency.Backend
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		backend = idempotency.NewRedisBackend(rdb)
		slog.Info("Redis idempotency cache enabled")
	} else {
		backend = idempotency.NewMemoryBackend()
	}
	guard := idempotency.NewGuard(backend, idempotency.DefaultLockTTL, cfg.IdempotencyTTL)

	// --- Event sinks ---
	wsHub := events.NewWSHub()
	go wsHub.Run(ctx)
	sinks := events.Multi{wsHub}

	if len(cfg.KafkaBrokers) > 0 {
		kw := events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup = append(cleanup, func() {
			if err := kw.Close(); err != nil {
				slog.Warn("kafka writer close failed", "err", err)
			}
		})
		sinks = append(sinks, events.NewKafkaPublisher(kw))
		slog.Info("publishing bet events to Kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// --- Engine ---
	led := ledger.New(ledger.WithLockRetry(cfg.LedgerLockAttempts, cfg.LedgerLockBackoff))
	eng := engine.New(led,
		engine.WithStore(st),
		engine.WithPublisher(sinks),
		engine.WithCalculator(payout.NewCalculator(cfg.CreditScale, cfg.RemainderPolicy)),
		engine.WithLimiter(limits.NewStakeLimiter(cfg.MaxStakePerBet, cfg.MaxExposurePerGroup)),
		engine.WithLogger(logger),
	)
	if err := eng.Restore(ctx); err != nil {
		slog.Error("engine restore failed", "err", err)
		os.Exit(1)
	}
	go eng.RunSweeper(ctx, cfg.SweepInterval)

	svc := api.NewService(eng, guard, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.IdempotencyHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"wager-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc.Mount(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("wager-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down wager-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("wager-engine stopped")
}
