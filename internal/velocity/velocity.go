// Package velocity limits per-subscriber request velocity over cache counters.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/billscope/internal/domain"
)

// Limiter counts requests per user and scope in fixed windows.
type Limiter struct {
	cache    domain.Cache
	requests int64
	window   time.Duration
}

// NewLimiter creates a limiter allowing requests per window.
func NewLimiter(cache domain.Cache, cfg domain.RateLimitConfig) *Limiter {
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		cache:    cache,
		requests: cfg.Requests,
		window:   window,
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Count     int64
	Limit     int64
	Remaining int64
}

// Allow counts a request and reports whether it is within the limit.
func (l *Limiter) Allow(ctx context.Context, scope, userID string) (Decision, error) {
	if userID == "" {
		return Decision{}, fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}
	if l.requests <= 0 {
		return Decision{Allowed: true}, nil
	}

	count, err := l.cache.IncrementCounter(ctx, Key(scope, userID), l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count requests: %w", err)
	}

	d := Decision{
		Allowed: count <= l.requests,
		Count:   count,
		Limit:   l.requests,
	}
	if d.Allowed {
		d.Remaining = l.requests - count
	}
	return d, nil
}

// Window returns the counting window.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Key is the counter key for a scope and user.
func Key(scope, userID string) string {
	return "velocity:" + scope + ":" + userID
}
