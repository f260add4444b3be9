// Package ratelimit implements a durable fixed-window request limiter keyed
// by (identifier, endpoint). Windows are persisted so the limit holds across
// restarts and across processes sharing the same database.
//
// Known weakness: when the window store is unreachable the limiter fails
// open and admits the request. During a store outage a caller can exceed the
// configured limit; this is an availability-over-strictness tradeoff.
//
// There is no exclusive lock around check-then-increment, so concurrent
// requests in the same window may slightly over-admit.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-payment-queue/internal/domain"
	"github.com/tbourn/go-payment-queue/internal/repo"
)

var decisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "payqueue_rate_limit_decisions_total",
		Help: "Rate limiter decisions by endpoint and outcome (allowed, rejected, fail_open).",
	},
	[]string{"endpoint", "outcome"},
)

func init() {
	prometheus.MustRegister(decisions)
}

// Store persists rate-limit windows.
type Store interface {
	CurrentWindow(ctx context.Context, identifier, endpoint string, window time.Duration, now time.Time) (*domain.RateLimitWindow, error)
	CreateWindow(ctx context.Context, identifier, endpoint string, start time.Time) (*domain.RateLimitWindow, error)
	IncrementWindow(ctx context.Context, id string) (int, error)
}

// Decision is the outcome of one CheckAndConsume call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter admits or rejects requests against a Store.
type Limiter struct {
	Store Store
	Now   func() time.Time
}

// New returns a Limiter over store using the wall clock.
func New(store Store) *Limiter {
	return &Limiter{Store: store, Now: time.Now}
}

// CheckAndConsume counts one request for (identifier, endpoint) and reports
// whether it is within maxRequests per window. A rejected request is not
// counted. Store failures admit the request.
func (l *Limiter) CheckAndConsume(ctx context.Context, identifier, endpoint string, maxRequests int, window time.Duration) Decision {
	now := l.now()

	cur, err := l.Store.CurrentWindow(ctx, identifier, endpoint, window, now)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if _, err := l.Store.CreateWindow(ctx, identifier, endpoint, now); err != nil {
			return l.failOpen(endpoint, identifier, maxRequests, now, window, err)
		}
		decisions.WithLabelValues(endpoint, "allowed").Inc()
		return Decision{Allowed: true, Remaining: nonNegative(maxRequests - 1), ResetAt: now.Add(window)}
	case err != nil:
		return l.failOpen(endpoint, identifier, maxRequests, now, window, err)
	}

	resetAt := cur.WindowStart.Add(window)
	if cur.RequestCount >= maxRequests {
		decisions.WithLabelValues(endpoint, "rejected").Inc()
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}

	count, err := l.Store.IncrementWindow(ctx, cur.ID)
	if err != nil {
		return l.failOpen(endpoint, identifier, maxRequests, now, window, err)
	}
	decisions.WithLabelValues(endpoint, "allowed").Inc()
	return Decision{Allowed: true, Remaining: nonNegative(maxRequests - count), ResetAt: resetAt}
}

func (l *Limiter) failOpen(endpoint, identifier string, maxRequests int, now time.Time, window time.Duration, err error) Decision {
	decisions.WithLabelValues(endpoint, "fail_open").Inc()
	log.Warn().Err(err).
		Str("identifier", identifier).
		Str("endpoint", endpoint).
		Msg("rate limit store unavailable; admitting request")
	return Decision{Allowed: true, Remaining: nonNegative(maxRequests - 1), ResetAt: now.Add(window)}
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// GormStore is the database-backed Store.
type GormStore struct {
	DB *gorm.DB
}

func (s GormStore) CurrentWindow(ctx context.Context, identifier, endpoint string, window time.Duration, now time.Time) (*domain.RateLimitWindow, error) {
	return repo.CurrentWindow(ctx, s.DB, identifier, endpoint, window, now)
}

func (s GormStore) CreateWindow(ctx context.Context, identifier, endpoint string, start time.Time) (*domain.RateLimitWindow, error) {
	return repo.CreateWindow(ctx, s.DB, identifier, endpoint, start)
}

func (s GormStore) IncrementWindow(ctx context.Context, id string) (int, error) {
	return repo.IncrementWindow(ctx, s.DB, id)
}
