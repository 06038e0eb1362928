package invite

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/ortsguide/server/internal/audit"
	"github.com/ortsguide/server/internal/model"
	"github.com/ortsguide/server/internal/repo"
	"github.com/ortsguide/server/internal/session"
)

const (
	tokenBytes    = 32
	defaultExpiry = 72 * time.Hour
	maxExpiry     = 720 * time.Hour // 30 days
)

var (
	// ErrNotFound means the token does not exist or is no longer open.
	// Callers collapse this and ErrExpired into one message outward.
	ErrNotFound = errors.New("invite not found")
	// ErrExpired means the invite existed but its deadline passed.
	ErrExpired = errors.New("invite expired")
	// ErrUnavailable wraps infrastructure failures.
	ErrUnavailable = errors.New("invite service unavailable")
)

// Service issues, replaces and activates invite tokens.
type Service struct {
	invites  repo.InviteRepo
	users    repo.UserRepo
	codec    *session.Codec
	auditLog *audit.Log
	now      func() time.Time
}

// NewService creates the invite service.
func NewService(invites repo.InviteRepo, users repo.UserRepo, codec *session.Codec, auditLog *audit.Log) *Service {
	return &Service{
		invites:  invites,
		users:    users,
		codec:    codec,
		auditLog: auditLog,
		now:      time.Now,
	}
}

// CreateInput parameterizes invite issuance.
type CreateInput struct {
	Email          string
	Role           model.Role
	ExpiresIn      time.Duration // zero means the default; bounded to maxExpiry
	CreatedByEmail string
}

// Create issues a new open invite for the email. Any prior open invite for
// the same email becomes replaced in the same atomic step, so at most one
// open invite per email exists at any instant. The raw token lives only in
// the returned row.
func (s *Service) Create(ctx context.Context, in CreateInput) (model.InviteToken, error) {
	email, err := model.NormalizeEmail(in.Email)
	if err != nil {
		return model.InviteToken{}, err
	}
	role, err := model.ParseRole(string(in.Role))
	if err != nil {
		return model.InviteToken{}, err
	}

	expiresIn := in.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiry
	}
	if expiresIn > maxExpiry {
		expiresIn = maxExpiry
	}

	token, err := generateToken()
	if err != nil {
		return model.InviteToken{}, fmt.Errorf("generate invite token: %w", ErrUnavailable)
	}

	inv, err := s.invites.CreateReplacing(ctx, email, role, token, s.now().Add(expiresIn), in.CreatedByEmail)
	if err != nil {
		return model.InviteToken{}, fmt.Errorf("store invite: %w", ErrUnavailable)
	}

	s.auditLog.Record(ctx, audit.Event{
		EventType:   audit.EventInviteCreated,
		ActorEmail:  in.CreatedByEmail,
		TargetEmail: email,
		Outcome:     audit.OutcomeOK,
		Metadata:    map[string]string{"role": string(role)},
	})
	return inv, nil
}

// Activate consumes an open invite: marks it activated, upserts the user with
// the invite's role, and mints a fresh session token. Activation is only
// valid from open; the status guard in the store makes it single-use.
func (s *Service) Activate(ctx context.Context, token string) (model.Role, string, error) {
	inv, err := s.invites.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.auditActivate(ctx, "", audit.OutcomeNotFound)
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("load invite: %w", ErrUnavailable)
	}

	now := s.now()
	switch inv.EffectiveStatus(now) {
	case model.InviteOpen:
	case model.InviteExpired:
		// Settle the stored status; best effort, expiry holds regardless.
		_ = s.invites.MarkExpired(ctx, inv.ID)
		s.auditActivate(ctx, inv.Email, audit.OutcomeExpired)
		return "", "", ErrExpired
	default:
		s.auditActivate(ctx, inv.Email, audit.OutcomeNotFound)
		return "", "", ErrNotFound
	}

	activated, err := s.invites.Activate(ctx, inv.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// A concurrent activation or replacement won.
			s.auditActivate(ctx, inv.Email, audit.OutcomeNotFound)
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("activate invite: %w", ErrUnavailable)
	}
	inv = activated

	if _, err := s.users.Upsert(ctx, inv.Email, inv.Role, true); err != nil {
		return "", "", fmt.Errorf("upsert user: %w", ErrUnavailable)
	}

	sessionToken, err := s.codec.Create(inv.Role, session.Identity{Email: inv.Email, AuthMethod: model.AuthMethodOTP})
	if err != nil {
		return "", "", fmt.Errorf("mint session token: %w", ErrUnavailable)
	}

	s.auditLog.Record(ctx, audit.Event{
		EventType:   audit.EventInviteActivated,
		ActorEmail:  inv.Email,
		TargetEmail: inv.Email,
		Outcome:     audit.OutcomeOK,
		Metadata:    map[string]string{"role": string(inv.Role)},
	})
	return inv.Role, sessionToken, nil
}

// History partitions recent invites by effective status, most-recent first.
type History struct {
	Open      []model.InviteToken
	Activated []model.InviteToken
	Replaced  []model.InviteToken
	Expired   []model.InviteToken
}

// History returns up to limit recent invites grouped by status. Open invites
// past their deadline are reported as expired without waiting for a write.
func (s *Service) History(ctx context.Context, limit int) (History, error) {
	invites, err := s.invites.ListRecent(ctx, limit)
	if err != nil {
		return History{}, fmt.Errorf("list invites: %w", ErrUnavailable)
	}

	var h History
	now := s.now()
	for _, inv := range invites {
		switch inv.EffectiveStatus(now) {
		case model.InviteOpen:
			h.Open = append(h.Open, inv)
		case model.InviteActivated:
			h.Activated = append(h.Activated, inv)
		case model.InviteReplaced:
			h.Replaced = append(h.Replaced, inv)
		case model.InviteExpired:
			h.Expired = append(h.Expired, inv)
		}
	}
	return h, nil
}

func (s *Service) auditActivate(ctx context.Context, email, outcome string) {
	s.auditLog.Record(ctx, audit.Event{
		EventType:   audit.EventInviteActivated,
		TargetEmail: email,
		Outcome:     outcome,
	})
}

// generateToken returns a random Base64URL token (32 bytes).
func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
