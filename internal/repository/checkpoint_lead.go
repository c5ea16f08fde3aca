package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/models"
	"github.com/google/uuid"
)

const checkpointLeadColumns = `cl.id, cl.checkpoint_id, cl.lead_id, cl.org_id, COALESCE(l.email, ''), cl.status, cl.scheduled_at,
	cl.sent_at, cl.delivered_at, COALESCE(cl.provider_message_id, ''), COALESCE(cl.error_message, ''), cl.attempt, cl.created_at`

func scanCheckpointLead(row rowScanner) (*models.CheckpointLead, error) {
	cl := &models.CheckpointLead{}
	var sentAt, deliveredAt sql.NullTime

	err := row.Scan(&cl.ID, &cl.CheckpointID, &cl.LeadID, &cl.OrgID, &cl.Email, &cl.Status, &cl.ScheduledAt,
		&sentAt, &deliveredAt, &cl.ProviderMessageID, &cl.ErrorMessage, &cl.Attempt, &cl.CreatedAt)
	if err != nil {
		return nil, err
	}
	if sentAt.Valid {
		cl.SentAt = &sentAt.Time
	}
	if deliveredAt.Valid {
		cl.DeliveredAt = &deliveredAt.Time
	}
	return cl, nil
}

// AttachLeads plans delivery of a checkpoint to the given leads. Leads that are
// already attached are skipped; leads of another org are rejected.
func (r *CheckpointRepository) AttachLeads(ctx context.Context, checkpointID string, leadIDs []string) (int, error) {
	cp, err := r.GetByID(ctx, checkpointID)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	attached := 0
	for _, leadID := range leadIDs {
		var orgID string
		err := tx.QueryRowContext(ctx, "SELECT org_id FROM leads WHERE id = ?", leadID).Scan(&orgID)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("lead %s: %w", leadID, ErrNotFound)
		}
		if err != nil {
			return 0, err
		}
		if orgID != cp.OrgID {
			return 0, fmt.Errorf("lead %s: %w", leadID, ErrTenantMismatch)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO checkpoint_leads (id, checkpoint_id, lead_id, org_id, status, scheduled_at, attempt, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
			uuid.New().String(), cp.ID, leadID, cp.OrgID, models.LeadPending, cp.ScheduledAt.UTC(), now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to attach lead %s: %w", leadID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			attached++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return attached, nil
}

// FindLeadsOf returns all leads planned for a checkpoint, in attach order
func (r *CheckpointRepository) FindLeadsOf(ctx context.Context, checkpointID string) ([]models.CheckpointLead, error) {
	return r.queryLeads(ctx, "SELECT "+checkpointLeadColumns+`
		FROM checkpoint_leads cl LEFT JOIN leads l ON l.id = cl.lead_id
		WHERE cl.checkpoint_id = ?
		ORDER BY cl.rowid`, checkpointID)
}

// ListFailed returns failed leads of a checkpoint
func (r *CheckpointRepository) ListFailed(ctx context.Context, checkpointID string) ([]models.CheckpointLead, error) {
	return r.queryLeads(ctx, "SELECT "+checkpointLeadColumns+`
		FROM checkpoint_leads cl LEFT JOIN leads l ON l.id = cl.lead_id
		WHERE cl.checkpoint_id = ? AND cl.status = ?
		ORDER BY cl.rowid`, checkpointID, models.LeadFailed)
}

// GetLead returns one checkpoint lead by ID
func (r *CheckpointRepository) GetLead(ctx context.Context, id string) (*models.CheckpointLead, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+checkpointLeadColumns+`
		FROM checkpoint_leads cl LEFT JOIN leads l ON l.id = cl.lead_id
		WHERE cl.id = ?`, id)
	cl, err := scanCheckpointLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cl, err
}

func (r *CheckpointRepository) queryLeads(ctx context.Context, query string, args ...any) ([]models.CheckpointLead, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leads := []models.CheckpointLead{}
	for rows.Next() {
		cl, err := scanCheckpointLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *cl)
	}
	return leads, rows.Err()
}

// MarkSent records that the provider accepted the message for a pending lead
func (r *CheckpointRepository) MarkSent(ctx context.Context, id, providerMessageID string, sentAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE checkpoint_leads SET status = ?, provider_message_id = ?, sent_at = ?, error_message = NULL
		WHERE id = ? AND status = ?`,
		models.LeadSent, nullString(providerMessageID), sentAt.UTC(), id, models.LeadPending,
	)
	if err != nil {
		return fmt.Errorf("failed to mark lead sent: %w", err)
	}
	return expectOne(res, "lead pending -> sent")
}

// MarkFailed records a delivery failure with its reason for a pending lead
func (r *CheckpointRepository) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE checkpoint_leads SET status = ?, error_message = ?
		WHERE id = ? AND status = ?`,
		models.LeadFailed, reason, id, models.LeadPending,
	)
	if err != nil {
		return fmt.Errorf("failed to mark lead failed: %w", err)
	}
	return expectOne(res, "lead pending -> failed")
}

// MarkDeliveredByMessageID confirms delivery of a sent lead identified by the provider
// message ID. It returns the updated lead, or ErrNotFound if no sent lead matches.
func (r *CheckpointRepository) MarkDeliveredByMessageID(ctx context.Context, providerMessageID string, at time.Time) (*models.CheckpointLead, error) {
	if providerMessageID == "" {
		return nil, ErrNotFound
	}

	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM checkpoint_leads WHERE provider_message_id = ? AND status = ?`,
		providerMessageID, models.LeadSent,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE checkpoint_leads SET status = ?, delivered_at = ?
		WHERE id = ? AND status = ?`,
		models.LeadDelivered, at.UTC(), id, models.LeadSent,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark lead delivered: %w", err)
	}
	if err := expectOne(res, "lead sent -> delivered"); err != nil {
		return nil, err
	}
	return r.GetLead(ctx, id)
}

// FindByMessageID returns the checkpoint lead a provider message belongs to
func (r *CheckpointRepository) FindByMessageID(ctx context.Context, providerMessageID string) (*models.CheckpointLead, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+checkpointLeadColumns+`
		FROM checkpoint_leads cl LEFT JOIN leads l ON l.id = cl.lead_id
		WHERE cl.provider_message_id = ?`, providerMessageID)
	cl, err := scanCheckpointLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cl, err
}

// LeadStats returns lead counts for a checkpoint
func (r *CheckpointRepository) LeadStats(ctx context.Context, checkpointID string) (*models.LeadStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM checkpoint_leads WHERE checkpoint_id = ? GROUP BY status`, checkpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &models.LeadStats{}
	for rows.Next() {
		var status models.LeadStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		switch status {
		case models.LeadPending:
			stats.Pending = count
		case models.LeadSent:
			stats.Sent = count
		case models.LeadDelivered:
			stats.Delivered = count
		case models.LeadFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// RetryFailed resets failed leads of a paused or partially completed checkpoint back to
// pending, bumping their attempt counter, and re-activates the checkpoint. The key makes
// the reset apply at most once. When reasons is non-empty only leads whose error
// message matches one of them are reset.
func (r *CheckpointRepository) RetryFailed(ctx context.Context, checkpointID, idempotencyKey string, reasons []string) (int, error) {
	if idempotencyKey == "" {
		return 0, errors.New("idempotency key is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var status models.CheckpointStatus
	err = tx.QueryRowContext(ctx, "SELECT status FROM checkpoints WHERE id = ?", checkpointID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if !models.CanRetryCheckpoint(status) {
		return 0, fmt.Errorf("%w: cannot retry checkpoint in status %s", ErrInvalidTransition, status)
	}

	var existing int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM checkpoint_retries WHERE idempotency_key = ?", idempotencyKey).Scan(&existing)
	if err != nil {
		return 0, err
	}
	if existing > 0 {
		return 0, ErrDuplicateRetry
	}

	query := `UPDATE checkpoint_leads SET status = ?, error_message = NULL, attempt = attempt + 1
		WHERE checkpoint_id = ? AND status = ?`
	args := []any{models.LeadPending, checkpointID, models.LeadFailed}
	if len(reasons) > 0 {
		query += " AND error_message IN (" + strings.TrimSuffix(strings.Repeat("?,", len(reasons)), ",") + ")"
		for _, reason := range reasons {
			args = append(args, reason)
		}
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed leads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint_retries (idempotency_key, checkpoint_id, reset_count, created_at) VALUES (?, ?, ?, ?)`,
		idempotencyKey, checkpointID, n, time.Now().UTC(),
	); err != nil {
		return 0, fmt.Errorf("failed to record retry: %w", err)
	}

	if n > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE checkpoints SET status = ?, completed_at = NULL, updated_at = ? WHERE id = ? AND status = ?`,
			models.CheckpointActive, time.Now().UTC(), checkpointID, status,
		); err != nil {
			return 0, fmt.Errorf("failed to reactivate checkpoint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}
