package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is the access level attached to a user and to session tokens.
type Role string

const (
	RoleVisitor     Role = "visitor"
	RoleWhitelisted Role = "whitelisted"
	RoleAdmin       Role = "admin"
)

// ParseRole validates a role string coming from the outside (API input, DB rows).
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleVisitor, RoleWhitelisted, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// AuthMethod identifies how a session was established. Accounts are
// passwordless; OTP is the only member.
type AuthMethod string

const AuthMethodOTP AuthMethod = "otp"

// User is a row in the active roster. Soft-deleted users live in a separate
// deleted ledger, never as tombstones here.
type User struct {
	Email     string
	Role      Role
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeletedUser is a row in the deleted ledger, preserving who once had access.
type DeletedUser struct {
	ID        uuid.UUID
	Email     string
	Role      Role
	IsActive  bool
	CreatedAt time.Time
	DeletedAt time.Time
}

// OtpChallenge is one outstanding email passcode. Only the keyed hash of the
// code is stored, never the code itself.
type OtpChallenge struct {
	ID         uuid.UUID
	Email      string
	CodeHash   []byte
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	Attempts   int
	CreatedAt  time.Time
}

// InviteStatus is the lifecycle state of an invite token.
type InviteStatus string

const (
	InviteOpen      InviteStatus = "open"
	InviteActivated InviteStatus = "activated"
	InviteReplaced  InviteStatus = "replaced"
	InviteExpired   InviteStatus = "expired"
)

// InviteToken grants its role to whoever activates it, once, before expiry.
// At most one open invite exists per email at any instant.
type InviteToken struct {
	ID             uuid.UUID
	Token          string
	Email          string
	Role           Role
	Status         InviteStatus
	ExpiresAt      time.Time
	CreatedByEmail string
	CreatedAt      time.Time
	ActivatedAt    *time.Time
}

// EffectiveStatus folds wall-clock expiry into the stored status: an open
// invite past its deadline reads as expired even before any write touches it.
func (i InviteToken) EffectiveStatus(now time.Time) InviteStatus {
	if i.Status == InviteOpen && now.After(i.ExpiresAt) {
		return InviteExpired
	}
	return i.Status
}

// SecurityAuditEvent is one append-only audit row. Network identities are
// stored as salted hashes only.
type SecurityAuditEvent struct {
	ID            int64
	EventType     string
	ActorEmail    string
	TargetEmail   string
	IPKeyHash     string
	SubnetKeyHash string
	Outcome       string
	Metadata      map[string]string
	CreatedAt     time.Time
}
