package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ortsguide/server/internal/model"
)

// InviteRepo defines the interface for invite token repository operations
type InviteRepo interface {
	CreateReplacing(ctx context.Context, email string, role model.Role, token string, expiresAt time.Time, createdBy string) (model.InviteToken, error)
	GetByToken(ctx context.Context, token string) (model.InviteToken, error)
	Activate(ctx context.Context, inviteID uuid.UUID) (model.InviteToken, error)
	MarkExpired(ctx context.Context, inviteID uuid.UUID) error
	ListRecent(ctx context.Context, limit int) ([]model.InviteToken, error)
}

type inviteRepo struct {
	db *sql.DB
}

// NewInviteRepo creates a new InviteRepo instance
func NewInviteRepo(db *sql.DB) InviteRepo {
	return &inviteRepo{db: db}
}

const inviteColumns = "id, token, email, role, status, expires_at, created_by_email, created_at, activated_at"

func scanInvite(scan func(dest ...any) error) (model.InviteToken, error) {
	var inv model.InviteToken
	var role, status string
	err := scan(
		&inv.ID,
		&inv.Token,
		&inv.Email,
		&role,
		&status,
		&inv.ExpiresAt,
		&inv.CreatedByEmail,
		&inv.CreatedAt,
		&inv.ActivatedAt,
	)
	if err != nil {
		return model.InviteToken{}, err
	}
	inv.Role, err = model.ParseRole(role)
	if err != nil {
		return model.InviteToken{}, err
	}
	inv.Status = model.InviteStatus(status)
	return inv, nil
}

// CreateReplacing inserts a new open invite for the email, transitioning any
// existing open invite to replaced in the same transaction. An advisory lock
// serializes concurrent creates per email so the partial unique index on
// (email) WHERE status = 'open' never trips.
func (r *inviteRepo) CreateReplacing(ctx context.Context, email string, role model.Role, token string, expiresAt time.Time, createdBy string) (model.InviteToken, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.InviteToken{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, email)
	if err != nil {
		return model.InviteToken{}, fmt.Errorf("advisory lock: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE invite_tokens
		SET status = 'replaced'
		WHERE email = $1 AND status = 'open'
	`, email)
	if err != nil {
		return model.InviteToken{}, fmt.Errorf("replace open invite: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO invite_tokens (token, email, role, expires_at, created_by_email)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+inviteColumns+`
	`, token, email, string(role), expiresAt, createdBy)
	inv, err := scanInvite(row.Scan)
	if err != nil {
		return model.InviteToken{}, fmt.Errorf("insert invite: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.InviteToken{}, fmt.Errorf("commit: %w", err)
	}
	return inv, nil
}

// GetByToken looks up an invite by its opaque token.
func (r *inviteRepo) GetByToken(ctx context.Context, token string) (model.InviteToken, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+inviteColumns+` FROM invite_tokens WHERE token = $1
	`, token)
	inv, err := scanInvite(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.InviteToken{}, ErrNotFound
		}
		return model.InviteToken{}, fmt.Errorf("query invite: %w", err)
	}
	return inv, nil
}

// Activate transitions the invite from open to activated. The status guard
// makes activation single-use: a lost race or an already-terminal invite
// returns ErrNotFound.
func (r *inviteRepo) Activate(ctx context.Context, inviteID uuid.UUID) (model.InviteToken, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE invite_tokens
		SET status = 'activated', activated_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING `+inviteColumns+`
	`, inviteID)
	inv, err := scanInvite(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.InviteToken{}, ErrNotFound
		}
		return model.InviteToken{}, fmt.Errorf("activate invite: %w", err)
	}
	return inv, nil
}

// MarkExpired settles an open invite past its deadline.
func (r *inviteRepo) MarkExpired(ctx context.Context, inviteID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE invite_tokens
		SET status = 'expired'
		WHERE id = $1 AND status = 'open'
	`, inviteID)
	if err != nil {
		return fmt.Errorf("expire invite: %w", err)
	}
	return nil
}

// ListRecent returns invites most-recent first, bounded by limit.
func (r *inviteRepo) ListRecent(ctx context.Context, limit int) ([]model.InviteToken, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+inviteColumns+` FROM invite_tokens
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()

	var invites []model.InviteToken
	for rows.Next() {
		inv, err := scanInvite(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		invites = append(invites, inv)
	}
	return invites, rows.Err()
}
