package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ortsguide/server/internal/audit"
	"github.com/ortsguide/server/internal/model"
	"github.com/ortsguide/server/internal/repo"
)

// MaxBatchSize caps one bulk whitelist call.
const MaxBatchSize = 500

var (
	// ErrNotFound means the email has no row in the active roster.
	ErrNotFound = errors.New("user not found")
	// ErrBatchTooLarge means a bulk upsert exceeded MaxBatchSize.
	ErrBatchTooLarge = fmt.Errorf("batch exceeds %d emails", MaxBatchSize)
	// ErrUnavailable wraps infrastructure failures.
	ErrUnavailable = errors.New("directory service unavailable")
)

// Service is administrative CRUD over the user roster. It is a pure
// data-access layer: rejecting an actor's edits to their own account is the
// caller's job, using this service's read results.
type Service struct {
	users    repo.UserRepo
	auditLog *audit.Log
}

// NewService creates the directory service.
func NewService(users repo.UserRepo, auditLog *audit.Log) *Service {
	return &Service{users: users, auditLog: auditLog}
}

// UpdateRole changes a user's role.
func (s *Service) UpdateRole(ctx context.Context, email string, role model.Role, actorEmail string) error {
	email, err := model.NormalizeEmail(email)
	if err != nil {
		return err
	}
	if _, err := model.ParseRole(string(role)); err != nil {
		return err
	}

	if err := s.users.UpdateRole(ctx, email, role); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("update role: %w", ErrUnavailable)
	}

	s.auditLog.Record(ctx, audit.Event{
		EventType:   audit.EventUserRoleChanged,
		ActorEmail:  actorEmail,
		TargetEmail: email,
		Outcome:     audit.OutcomeOK,
		Metadata:    map[string]string{"role": string(role)},
	})
	return nil
}

// Delete moves the user's row to the deleted ledger, preserving an audit
// trail of who once had access. The active roster never holds tombstones.
func (s *Service) Delete(ctx context.Context, email, actorEmail string) error {
	email, err := model.NormalizeEmail(email)
	if err != nil {
		return err
	}

	if err := s.users.MoveToDeleted(ctx, email); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete user: %w", ErrUnavailable)
	}

	s.auditLog.Record(ctx, audit.Event{
		EventType:   audit.EventUserDeleted,
		ActorEmail:  actorEmail,
		TargetEmail: email,
		Outcome:     audit.OutcomeOK,
	})
	return nil
}

// Upsert bulk-whitelists emails with one role. Idempotent: existing rows get
// the role and are reactivated. Returns the number of rows written.
func (s *Service) Upsert(ctx context.Context, emails []string, role model.Role, actorEmail string) (int, error) {
	if len(emails) > MaxBatchSize {
		return 0, ErrBatchTooLarge
	}
	if _, err := model.ParseRole(string(role)); err != nil {
		return 0, err
	}

	normalized := make([]string, 0, len(emails))
	seen := make(map[string]bool, len(emails))
	for _, e := range emails {
		n, err := model.NormalizeEmail(e)
		if err != nil {
			return 0, fmt.Errorf("email %q: %w", e, err)
		}
		if !seen[n] {
			seen[n] = true
			normalized = append(normalized, n)
		}
	}

	count, err := s.users.UpsertBulk(ctx, normalized, role)
	if err != nil {
		return 0, fmt.Errorf("bulk upsert: %w", ErrUnavailable)
	}

	s.auditLog.Record(ctx, audit.Event{
		EventType:  audit.EventUsersWhitelisted,
		ActorEmail: actorEmail,
		Outcome:    audit.OutcomeOK,
		Metadata: map[string]string{
			"role":  string(role),
			"count": strconv.Itoa(count),
		},
	})
	return count, nil
}

// List returns the active roster, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]model.User, error) {
	users, err := s.users.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", ErrUnavailable)
	}
	return users, nil
}

// ListDeleted returns the deleted ledger, newest first.
func (s *Service) ListDeleted(ctx context.Context, limit int) ([]model.DeletedUser, error) {
	users, err := s.users.ListDeleted(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list deleted users: %w", ErrUnavailable)
	}
	return users, nil
}

// Get returns one roster row; handlers use it for self-edit checks.
func (s *Service) Get(ctx context.Context, email string) (model.User, error) {
	email, err := model.NormalizeEmail(email)
	if err != nil {
		return model.User{}, err
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("get user: %w", ErrUnavailable)
	}
	return user, nil
}
