package audit

import (
	"context"
	"log"
	"strings"

	"github.com/ortsguide/server/internal/model"
	"github.com/ortsguide/server/internal/repo"
)

// Event types recorded by the auth subsystem.
const (
	EventOtpRequested     = "otp_requested"
	EventOtpVerified      = "otp_verified"
	EventInviteCreated    = "invite_created"
	EventInviteActivated  = "invite_activated"
	EventUserRoleChanged  = "user_role_changed"
	EventUserDeleted      = "user_deleted"
	EventUsersWhitelisted = "users_whitelisted"
)

// Outcomes recorded alongside events.
const (
	OutcomeOK              = "ok"
	OutcomeRateLimited     = "rate_limited"
	OutcomeInvalidCode     = "invalid_code"
	OutcomeTooManyAttempts = "too_many_attempts"
	OutcomeNotFound        = "not_found"
	OutcomeExpired         = "expired"
	OutcomeSendFailed      = "send_failed"
	OutcomeError           = "error"
)

// Event is one security-relevant occurrence. Network keys must already be
// hashed by the caller; Record never sees raw addresses.
type Event struct {
	EventType     string
	ActorEmail    string
	TargetEmail   string
	IPKeyHash     string
	SubnetKeyHash string
	Outcome       string
	Metadata      map[string]string
}

// Log records security events: always a redacted line to process output,
// plus a best-effort durable insert when persistence is configured.
type Log struct {
	events repo.AuditRepo // nil means process output only
}

// New creates an audit log. Pass nil to log to process output only.
func New(events repo.AuditRepo) *Log {
	return &Log{events: events}
}

// Record writes the event. Persistence failures are logged and swallowed:
// auditing is observability, and must never fail the action it describes.
func (l *Log) Record(ctx context.Context, event Event) {
	log.Printf("audit event=%s outcome=%s actor=%s target=%s ip=%s subnet=%s",
		event.EventType, event.Outcome,
		RedactEmail(event.ActorEmail), RedactEmail(event.TargetEmail),
		shortHash(event.IPKeyHash), shortHash(event.SubnetKeyHash))

	if l.events == nil {
		return
	}
	err := l.events.Insert(ctx, model.SecurityAuditEvent{
		EventType:     event.EventType,
		ActorEmail:    event.ActorEmail,
		TargetEmail:   event.TargetEmail,
		IPKeyHash:     event.IPKeyHash,
		SubnetKeyHash: event.SubnetKeyHash,
		Outcome:       event.Outcome,
		Metadata:      event.Metadata,
	})
	if err != nil {
		log.Printf("audit insert failed for event=%s: %v", event.EventType, err)
	}
}

// Recent returns the newest persisted events, bounded by limit. Without
// persistence there is nothing to read back.
func (l *Log) Recent(ctx context.Context, limit int) ([]model.SecurityAuditEvent, error) {
	if l.events == nil {
		return nil, nil
	}
	return l.events.ListRecent(ctx, limit)
}

// RedactEmail masks an email for process output: first character plus domain
// (e.g. "a***@example.com"). Non-address strings mask entirely.
func RedactEmail(email string) string {
	if email == "" {
		return "-"
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// shortHash keeps log lines readable; the full hash stays in the DB row.
func shortHash(h string) string {
	if h == "" {
		return "-"
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
