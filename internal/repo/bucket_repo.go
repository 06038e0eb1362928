package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BucketRepo defines the interface for rate-limit bucket repository operations
type BucketRepo interface {
	Increment(ctx context.Context, key string, windowStart, expiresAt time.Time) (int, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

type bucketRepo struct {
	db *sql.DB
}

// NewBucketRepo creates a new BucketRepo instance
func NewBucketRepo(db *sql.DB) BucketRepo {
	return &bucketRepo{db: db}
}

// Increment atomically creates-or-increments the bucket for (key, windowStart)
// and returns the resulting count. The conditional upsert is the race-safety
// boundary: two concurrent requests for the same key each get a distinct
// count, so a threshold check passes for at most the configured number.
func (r *bucketRepo) Increment(ctx context.Context, key string, windowStart, expiresAt time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_buckets (bucket_key, window_start, count, expires_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (bucket_key, window_start)
		DO UPDATE SET count = rate_limit_buckets.count + 1
		RETURNING count
	`, key, windowStart, expiresAt).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment bucket: %w", err)
	}
	return count, nil
}

// PurgeExpired removes buckets whose window has long passed. Buckets expire
// naturally for correctness; this only reclaims space.
func (r *bucketRepo) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM rate_limit_buckets WHERE expires_at < now()
	`)
	if err != nil {
		return 0, fmt.Errorf("purge buckets: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
