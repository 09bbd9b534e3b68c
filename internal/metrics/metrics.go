// Package metrics provides Prometheus instrumentation for the wager engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BetsCreated counts bets accepted by the coordinator.
	BetsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wager_bets_created_total",
		Help: "Total number of bets created",
	})

	// OpenBets tracks bets that still accept stakes.
	OpenBets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wager_open_bets",
		Help: "Number of bets currently in OPEN state",
	})

	// StakesPlaced counts accepted stakes, partitioned by result.
	StakesPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_stakes_total",
		Help: "Stake placement attempts by result",
	}, []string{"result"})

	// StakeLatency tracks stake placement latency.
	StakeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wager_stake_latency_seconds",
		Help:    "Stake placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Transitions counts lifecycle transitions by target state.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_bet_transitions_total",
		Help: "Bet lifecycle transitions by target state",
	}, []string{"state"})

	// CreditsSettled tracks cumulative credit paid out or refunded, by kind.
	CreditsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_credits_settled_total",
		Help: "Cumulative credits paid out or refunded",
	}, []string{"kind"})

	// SettlementFailures counts resolutions that could not be completed nor
	// rolled back. Any non-zero value needs manual reconciliation.
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wager_settlement_failures_total",
		Help: "Settlements left inconsistent, requiring manual reconciliation",
	})

	// LedgerLockRetries counts failed TryLock attempts on account locks.
	LedgerLockRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wager_ledger_lock_retries_total",
		Help: "Account lock attempts that had to back off",
	})

	// LedgerLockFailures counts ledger operations that gave up on a lock.
	LedgerLockFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wager_ledger_lock_failures_total",
		Help: "Ledger operations rejected after exhausting lock retries",
	})

	// EventsPublished counts domain events handed to publishers, by sink and result.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_events_published_total",
		Help: "Domain events published by sink and result",
	}, []string{"sink", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wager_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wager_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
