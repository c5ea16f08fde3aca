package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/foxzi/outreach/internal/models"
)

type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Log adds an audit log entry
func (r *AuditRepository) Log(ctx context.Context, actor, action, entityType, entityID, details string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, entity_type, entity_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		actor, action, entityType, entityID, nullString(details), time.Now().UTC(),
	)
	return err
}

// ListForEntity returns the most recent entries for one entity
func (r *AuditRepository) ListForEntity(ctx context.Context, entityType, entityID string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, COALESCE(actor, ''), action, COALESCE(entity_type, ''), COALESCE(entity_id, ''),
			COALESCE(details, ''), created_at
		FROM audit_log WHERE entity_type = ? AND entity_id = ?
		ORDER BY id DESC LIMIT ?`, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.EntityType, &e.EntityID, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
