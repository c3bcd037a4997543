// Package ratelimit implements a fixed-window rate limiter over the
// remote store. Fixed windows trade precision for two remote calls per
// check: a caller can burst up to limit requests just before a window
// boundary and again just after. Known behavior, not a bug.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/contentpulse/datacore/internal/infra/kvstore"
	"github.com/contentpulse/datacore/internal/metrics"
)

const counterPrefix = "ratelimit:"

// Result of one rate-limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Current   int64
}

// Limiter counts requests per identity in fixed TTL windows. The
// counter resets only when the store's TTL expiry fires — never by
// explicit logic, so there is no check/reset race.
type Limiter struct {
	store kvstore.Store
	log   *slog.Logger
}

// New creates a limiter over the given store.
func New(store kvstore.Store) *Limiter {
	return &Limiter{
		store: store,
		log:   slog.Default().With("component", "ratelimit"),
	}
}

// CheckAndIncrement counts one request for identity and reports whether
// it fits within limit for the current window. The first increment in a
// window sets the window TTL; incr and expire are two separate remote
// calls (a crash in between can leave an un-expiring counter — rare
// enough to accept).
func (l *Limiter) CheckAndIncrement(
	ctx context.Context,
	identity string,
	limit int,
	window time.Duration,
) (Result, error) {
	key := counterPrefix + identity

	current, err := l.store.Incr(ctx, key)
	if err != nil {
		return Result{}, err
	}

	if current == 1 {
		if _, err := l.store.Expire(ctx, key, window); err != nil {
			return Result{}, err
		}
	}

	remaining := limit - int(current)
	if remaining < 0 {
		remaining = 0
	}

	allowed := current <= int64(limit)
	if !allowed {
		metrics.RateLimitDenialsTotal.WithLabelValues(identity).Inc()
		l.log.Debug("Rate limit exceeded", "identity", identity, "count", current, "limit", limit)
	}

	return Result{Allowed: allowed, Remaining: remaining, Current: current}, nil
}
