package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBuckets counts increments in memory with the same semantics as the
// conditional upsert: one counter per (key, windowStart).
type fakeBuckets struct {
	counts map[string]int
	err    error
}

func newFakeBuckets() *fakeBuckets {
	return &fakeBuckets{counts: make(map[string]int)}
}

func (f *fakeBuckets) Increment(_ context.Context, key string, windowStart, _ time.Time) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	k := key + "@" + windowStart.UTC().Format(time.RFC3339)
	f.counts[k]++
	return f.counts[k], nil
}

func (f *fakeBuckets) PurgeExpired(context.Context) (int64, error) { return 0, nil }

func TestLimiter_allowsUpToMax(t *testing.T) {
	limiter := New(newFakeBuckets())
	rule := Rule{Window: 10 * time.Minute, Max: 3}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := limiter.Allow(ctx, "otp_request", "email:user@example.com", rule)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "attempt %d should pass", i)
		assert.Equal(t, i, d.Count)
	}

	d, err := limiter.Allow(ctx, "otp_request", "email:user@example.com", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "attempt past the threshold must be rejected")
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, rule.Window)
}

func TestLimiter_identitiesAreIsolated(t *testing.T) {
	limiter := New(newFakeBuckets())
	rule := Rule{Window: 10 * time.Minute, Max: 1}
	ctx := context.Background()

	d, err := limiter.Allow(ctx, "otp_request", "email:a@example.com", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Same action, different identity: fresh bucket.
	d, err = limiter.Allow(ctx, "otp_request", "email:b@example.com", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Same identity, different action: fresh bucket too.
	d, err = limiter.Allow(ctx, "otp_verify", "email:a@example.com", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_newWindowResets(t *testing.T) {
	buckets := newFakeBuckets()
	limiter := New(buckets)
	rule := Rule{Window: 10 * time.Minute, Max: 1}
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 3, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	d, err := limiter.Allow(ctx, "otp_request", "email:a@example.com", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, "otp_request", "email:a@example.com", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	// Window started at 12:00, rolls at 12:10; 7 minutes remain.
	assert.Equal(t, 7*time.Minute, d.RetryAfter)

	limiter.now = func() time.Time { return base.Add(10 * time.Minute) }
	d, err = limiter.Allow(ctx, "otp_request", "email:a@example.com", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a new window should start a fresh count")
}

func TestLimiter_storeErrorSurfaces(t *testing.T) {
	buckets := newFakeBuckets()
	buckets.err = errors.New("db down")
	limiter := New(buckets)

	_, err := limiter.Allow(context.Background(), "otp_request", "email:a@example.com", Rule{Window: time.Minute, Max: 1})
	assert.Error(t, err)
}

func TestLimitExceededError_message(t *testing.T) {
	err := &LimitExceededError{Action: "otp_request", RetryAfter: 90 * time.Second}
	assert.Contains(t, err.Error(), "otp_request")
	assert.Contains(t, err.Error(), "1m30s")
}
