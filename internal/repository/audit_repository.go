package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kkkkikiki/activation/internal/model"
)

// AuditRepository is the append-only audit log.
// It has no update or delete operations.
type AuditRepository struct{}

// NewAuditRepository creates a new audit repository
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Append inserts one audit entry, assigning ID and timestamp when unset
func (r *AuditRepository) Append(ctx context.Context, db DBExecutor, entry *model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := db.Rebind(`
		INSERT INTO audit_entries (id, activation_id, campaign_id, event, actor, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)

	if _, err := db.ExecContext(ctx, query,
		entry.ID, entry.ActivationID, entry.CampaignID, entry.Event, entry.Actor, entry.Metadata, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListByActivation returns the audit trail of one activation, oldest first
func (r *AuditRepository) ListByActivation(ctx context.Context, db DBExecutor, activationID string) ([]model.AuditEntry, error) {
	query := db.Rebind(`
		SELECT id, activation_id, campaign_id, event, actor, metadata, created_at
		FROM audit_entries
		WHERE activation_id = ?
		ORDER BY created_at ASC, id ASC
	`)

	var entries []model.AuditEntry
	if err := db.SelectContext(ctx, &entries, query, activationID); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}
