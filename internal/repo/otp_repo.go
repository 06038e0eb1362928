package repo

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ortsguide/server/internal/model"
)

// OtpRepo defines the interface for passcode challenge repository operations
type OtpRepo interface {
	Replace(ctx context.Context, email, codeHashHex string, expiresAt time.Time) (uuid.UUID, error)
	GetActive(ctx context.Context, email string) (model.OtpChallenge, error)
	IncrementAttempts(ctx context.Context, challengeID uuid.UUID) (int, error)
	Consume(ctx context.Context, challengeID uuid.UUID) error
}

type otpRepo struct {
	db *sql.DB
}

// NewOtpRepo creates a new OtpRepo instance
func NewOtpRepo(db *sql.DB) OtpRepo {
	return &otpRepo{db: db}
}

// Replace ensures only one open challenge per email: atomically consumes any
// existing open challenge and inserts a new one (latest challenge wins).
// An advisory lock serializes concurrent requests for the same email so the
// partial unique index on (email) WHERE consumed_at IS NULL never trips.
func (r *otpRepo) Replace(ctx context.Context, email, codeHashHex string, expiresAt time.Time) (uuid.UUID, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(1, hashtext($1))`, email)
	if err != nil {
		return uuid.Nil, fmt.Errorf("advisory lock: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE otp_challenges
		SET consumed_at = now()
		WHERE email = $1 AND consumed_at IS NULL
	`, email)
	if err != nil {
		return uuid.Nil, fmt.Errorf("consume existing challenges: %w", err)
	}

	var id uuid.UUID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO otp_challenges (email, code_hash, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, email, codeHashHex, expiresAt).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert challenge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// GetActive returns the latest unconsumed, unexpired challenge for the email.
// Attempt counts are not filtered here; the service distinguishes a locked
// challenge from a missing one.
func (r *otpRepo) GetActive(ctx context.Context, email string) (model.OtpChallenge, error) {
	var ch model.OtpChallenge
	var codeHashHex string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, code_hash, expires_at, consumed_at, attempts, created_at
		FROM otp_challenges
		WHERE email = $1
		  AND consumed_at IS NULL
		  AND expires_at > now()
		ORDER BY created_at DESC
		LIMIT 1
	`, email).Scan(
		&ch.ID,
		&ch.Email,
		&codeHashHex,
		&ch.ExpiresAt,
		&ch.ConsumedAt,
		&ch.Attempts,
		&ch.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OtpChallenge{}, ErrNotFound
		}
		return model.OtpChallenge{}, fmt.Errorf("query challenge: %w", err)
	}

	ch.CodeHash, err = hex.DecodeString(codeHashHex)
	if err != nil {
		return model.OtpChallenge{}, fmt.Errorf("decode code_hash: %w", err)
	}
	return ch, nil
}

// IncrementAttempts bumps the failed-attempt counter and returns the new value.
func (r *otpRepo) IncrementAttempts(ctx context.Context, challengeID uuid.UUID) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx, `
		UPDATE otp_challenges
		SET attempts = attempts + 1
		WHERE id = $1
		RETURNING attempts
	`, challengeID).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// Consume marks the challenge spent. The WHERE guard keeps a challenge from
// being consumed twice: exactly one concurrent verify wins.
func (r *otpRepo) Consume(ctx context.Context, challengeID uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE otp_challenges
		SET consumed_at = now()
		WHERE id = $1 AND consumed_at IS NULL
	`, challengeID)
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
