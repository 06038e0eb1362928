package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ortsguide/server/internal/model"
)

// AuditRepo defines the interface for audit event repository operations
type AuditRepo interface {
	Insert(ctx context.Context, event model.SecurityAuditEvent) error
	ListRecent(ctx context.Context, limit int) ([]model.SecurityAuditEvent, error)
}

type auditRepo struct {
	db *sql.DB
}

// NewAuditRepo creates a new AuditRepo instance
func NewAuditRepo(db *sql.DB) AuditRepo {
	return &auditRepo{db: db}
}

// Insert appends one audit row. Rows are never updated or deleted.
func (r *auditRepo) Insert(ctx context.Context, event model.SecurityAuditEvent) error {
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO security_audit_events
			(event_type, actor_email, target_email, ip_key_hash, subnet_key_hash, outcome, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.EventType, event.ActorEmail, event.TargetEmail,
		event.IPKeyHash, event.SubnetKeyHash, event.Outcome, metadataJSON)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListRecent returns audit events newest first, bounded by limit.
func (r *auditRepo) ListRecent(ctx context.Context, limit int) ([]model.SecurityAuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_type, actor_email, target_email,
		       ip_key_hash, subnet_key_hash, outcome, metadata, created_at
		FROM security_audit_events
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []model.SecurityAuditEvent
	for rows.Next() {
		var ev model.SecurityAuditEvent
		var metadataJSON []byte
		err := rows.Scan(
			&ev.ID,
			&ev.EventType,
			&ev.ActorEmail,
			&ev.TargetEmail,
			&ev.IPKeyHash,
			&ev.SubnetKeyHash,
			&ev.Outcome,
			&metadataJSON,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
