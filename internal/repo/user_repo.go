package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/ortsguide/server/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// UserRepo defines the interface for roster repository operations
type UserRepo interface {
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetOrCreate(ctx context.Context, email string) (model.User, error)
	Upsert(ctx context.Context, email string, role model.Role, isActive bool) (model.User, error)
	UpsertBulk(ctx context.Context, emails []string, role model.Role) (int, error)
	UpdateRole(ctx context.Context, email string, role model.Role) error
	MoveToDeleted(ctx context.Context, email string) error
	List(ctx context.Context, limit int) ([]model.User, error)
	ListDeleted(ctx context.Context, limit int) ([]model.DeletedUser, error)
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

const userColumns = "email, role, is_active, created_at, updated_at"

func scanUser(row *sql.Row) (model.User, error) {
	var u model.User
	var role string
	err := row.Scan(&u.Email, &role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.Role, err = model.ParseRole(role)
	if err != nil {
		return model.User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// GetByEmail retrieves a user by normalized email.
func (r *userRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE email = $1
	`, email)
	return scanUser(row)
}

// GetOrCreate retrieves a user or inserts a visitor row if none exists.
func (r *userRepo) GetOrCreate(ctx context.Context, email string) (model.User, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (email) VALUES ($1)
		ON CONFLICT (email) DO NOTHING
	`, email)
	if err != nil {
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}
	return r.GetByEmail(ctx, email)
}

// Upsert inserts or updates a user with the given role and active flag.
func (r *userRepo) Upsert(ctx context.Context, email string, role model.Role, isActive bool) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (email, role, is_active)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE
		SET role = EXCLUDED.role, is_active = EXCLUDED.is_active, updated_at = now()
		RETURNING `+userColumns+`
	`, email, string(role), isActive)
	return scanUser(row)
}

// UpsertBulk inserts or updates a batch of emails with one role. Idempotent:
// existing rows get the role and are reactivated. Returns the rows written.
func (r *userRepo) UpsertBulk(ctx context.Context, emails []string, role model.Role) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO users (email, role, is_active)
		SELECT e, $2, true FROM unnest($1::text[]) AS e
		ON CONFLICT (email) DO UPDATE
		SET role = EXCLUDED.role, is_active = true, updated_at = now()
	`, pq.Array(emails), string(role))
	if err != nil {
		return 0, fmt.Errorf("bulk upsert users: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// UpdateRole changes the role of an existing user.
func (r *userRepo) UpdateRole(ctx context.Context, email string, role model.Role) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET role = $2, updated_at = now() WHERE email = $1
	`, email, string(role))
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MoveToDeleted copies the row into the deleted ledger and removes it from
// the active roster in one transaction, so the roster never holds tombstones.
func (r *userRepo) MoveToDeleted(ctx context.Context, email string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO deleted_users (email, role, is_active, created_at)
		SELECT email, role, is_active, created_at FROM users WHERE email = $1
	`, email)
	if err != nil {
		return fmt.Errorf("copy to deleted ledger: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE email = $1`, email); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List returns the active roster, most recently created first.
func (r *userRepo) List(ctx context.Context, limit int) ([]model.User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var role string
		if err := rows.Scan(&u.Email, &role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if u.Role, err = model.ParseRole(role); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListDeleted returns the deleted ledger, most recently deleted first.
func (r *userRepo) ListDeleted(ctx context.Context, limit int) ([]model.DeletedUser, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, email, role, is_active, created_at, deleted_at
		FROM deleted_users
		ORDER BY deleted_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deleted users: %w", err)
	}
	defer rows.Close()

	var users []model.DeletedUser
	for rows.Next() {
		var u model.DeletedUser
		var role string
		if err := rows.Scan(&u.ID, &u.Email, &role, &u.IsActive, &u.CreatedAt, &u.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan deleted user: %w", err)
		}
		if u.Role, err = model.ParseRole(role); err != nil {
			return nil, fmt.Errorf("scan deleted user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
