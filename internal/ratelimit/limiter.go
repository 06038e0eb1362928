package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/ortsguide/server/internal/repo"
)

// Rule bounds how often one identity may perform an action: at most Max
// attempts per fixed Window.
type Rule struct {
	Window time.Duration
	Max    int
}

// Decision is the outcome of a limit check. RetryAfter is only meaningful
// when Allowed is false.
type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// LimitExceededError reports a rejected attempt with the time until the
// window rolls over.
type LimitExceededError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Action, e.RetryAfter.Round(time.Second))
}

// Limiter counts attempts in fixed windows backed by atomically upserted
// bucket rows, so the threshold holds under concurrent requests for the
// same key.
type Limiter struct {
	buckets repo.BucketRepo
	now     func() time.Time
}

// New creates a Limiter over the given bucket store.
func New(buckets repo.BucketRepo) *Limiter {
	return &Limiter{buckets: buckets, now: time.Now}
}

// Allow records one attempt of action by identity and reports whether it is
// within the rule. The identity axis is a normalized email or a hashed
// network key; callers build it, the limiter only scopes it by action.
func (l *Limiter) Allow(ctx context.Context, action, identity string, rule Rule) (Decision, error) {
	now := l.now()
	windowStart := now.Truncate(rule.Window)
	windowEnd := windowStart.Add(rule.Window)
	key := action + ":" + identity

	count, err := l.buckets.Increment(ctx, key, windowStart, windowEnd)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check for %s: %w", action, err)
	}

	if count > rule.Max {
		return Decision{Allowed: false, Count: count, RetryAfter: windowEnd.Sub(now)}, nil
	}
	return Decision{Allowed: true, Count: count}, nil
}
