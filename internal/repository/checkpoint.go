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

type CheckpointRepository struct {
	db *sql.DB
}

func NewCheckpointRepository(db *sql.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

const checkpointColumns = `id, campaign_id, org_id, user_id, name, scheduled_date, time_of_day, scheduled_at,
	COALESCE(template_id, ''), COALESCE(provider, ''), status, COALESCE(claimed_by, ''), claimed_at, completed_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	var claimedAt, completedAt sql.NullTime

	err := row.Scan(&cp.ID, &cp.CampaignID, &cp.OrgID, &cp.UserID, &cp.Name, &cp.ScheduledDate, &cp.TimeOfDay,
		&cp.ScheduledAt, &cp.TemplateID, &cp.Provider, &cp.Status, &cp.ClaimedBy, &claimedAt, &completedAt,
		&cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if claimedAt.Valid {
		cp.ClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		cp.CompletedAt = &completedAt.Time
	}
	return cp, nil
}

// Create inserts a new checkpoint in pending status. ScheduledAt must already be resolved.
func (r *CheckpointRepository) Create(ctx context.Context, cp *models.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.ScheduledAt.IsZero() {
		return fmt.Errorf("checkpoint %s has no scheduled time", cp.ID)
	}
	cp.Status = models.CheckpointPending
	cp.CreatedAt = time.Now().UTC()
	cp.UpdatedAt = cp.CreatedAt
	cp.ScheduledAt = cp.ScheduledAt.UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, campaign_id, org_id, user_id, name, scheduled_date, time_of_day, scheduled_at,
			template_id, provider, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.CampaignID, cp.OrgID, cp.UserID, cp.Name, cp.ScheduledDate, cp.TimeOfDay, cp.ScheduledAt,
		nullString(cp.TemplateID), nullString(cp.Provider), cp.Status, cp.CreatedAt, cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	return nil
}

// GetByID returns a checkpoint by ID
func (r *CheckpointRepository) GetByID(ctx context.Context, id string) (*models.Checkpoint, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+checkpointColumns+" FROM checkpoints WHERE id = ?", id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Status returns only the current status, used between leads to observe operator pauses
func (r *CheckpointRepository) Status(ctx context.Context, id string) (models.CheckpointStatus, error) {
	var status models.CheckpointStatus
	err := r.db.QueryRowContext(ctx, "SELECT status FROM checkpoints WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}

// List returns checkpoints with optional filtering
func (r *CheckpointRepository) List(ctx context.Context, filter models.CheckpointFilter) ([]models.Checkpoint, error) {
	query := "SELECT " + checkpointColumns + " FROM checkpoints WHERE 1=1"
	args := []any{}

	if filter.CampaignID != "" {
		query += " AND campaign_id = ?"
		args = append(args, filter.CampaignID)
	}
	if filter.OrgID != "" {
		query += " AND org_id = ?"
		args = append(args, filter.OrgID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY scheduled_at"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	return r.query(ctx, query, args...)
}

// FindDueActive returns active checkpoints whose scheduled date and time are at or before now
func (r *CheckpointRepository) FindDueActive(ctx context.Context, now time.Time) ([]models.Checkpoint, error) {
	return r.query(ctx, "SELECT "+checkpointColumns+`
		FROM checkpoints
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at`, models.CheckpointActive, now.UTC())
}

func (r *CheckpointRepository) query(ctx context.Context, query string, args ...any) ([]models.Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	checkpoints := []models.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, *cp)
	}
	return checkpoints, rows.Err()
}

// Claim atomically moves an active checkpoint to in_progress on behalf of owner.
// It returns false when another execution already claimed it or it is no longer active.
func (r *CheckpointRepository) Claim(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	now = now.UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE checkpoints SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.CheckpointInProgress, owner, now, now, id, models.CheckpointActive,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Finish releases a claim and records the final status. It only applies while the
// checkpoint is still in_progress, so an operator pause during delivery wins.
func (r *CheckpointRepository) Finish(ctx context.Context, id string, status models.CheckpointStatus) error {
	if !models.CanTransitionCheckpoint(models.CheckpointInProgress, status) {
		return fmt.Errorf("%w: in_progress -> %s", ErrInvalidTransition, status)
	}
	now := time.Now().UTC()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE checkpoints SET status = ?, claimed_by = NULL, claimed_at = NULL,
			completed_at = COALESCE(?, completed_at), updated_at = ?
		WHERE id = ? AND status = ?`,
		status, completedAt, now, id, models.CheckpointInProgress,
	)
	if err != nil {
		return fmt.Errorf("failed to finish checkpoint: %w", err)
	}
	return expectOne(res, "in_progress -> "+string(status))
}

// UpdateStatus moves a checkpoint to status if its current status is a legal source
func (r *CheckpointRepository) UpdateStatus(ctx context.Context, id string, to models.CheckpointStatus) error {
	from := models.CheckpointSourcesFor(to)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing transitions to %s", ErrInvalidTransition, to)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, time.Now().UTC(), id}
	for _, s := range from {
		args = append(args, s)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE checkpoints SET status = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint status: %w", err)
	}

	if err := expectOne(res, "-> "+string(to)); err != nil {
		if _, getErr := r.GetByID(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Activate makes a pending or paused checkpoint eligible for the scheduler
func (r *CheckpointRepository) Activate(ctx context.Context, id string) error {
	return r.UpdateStatus(ctx, id, models.CheckpointActive)
}

// Pause stops a checkpoint; an in-flight delivery observes it between leads
func (r *CheckpointRepository) Pause(ctx context.Context, id string) error {
	return r.UpdateStatus(ctx, id, models.CheckpointPaused)
}

// Resume re-activates a paused checkpoint
func (r *CheckpointRepository) Resume(ctx context.Context, id string) error {
	status, err := r.Status(ctx, id)
	if err != nil {
		return err
	}
	if status != models.CheckpointPaused {
		return fmt.Errorf("%w: %s -> active (resume)", ErrInvalidTransition, status)
	}
	return r.UpdateStatus(ctx, id, models.CheckpointActive)
}

// ReleaseStaleClaims pauses in_progress checkpoints claimed before cutoff, so a crashed
// instance never leaves a checkpoint stuck or re-fires it unattended.
func (r *CheckpointRepository) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE checkpoints SET status = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = ? AND claimed_at < ?`,
		models.CheckpointPaused, time.Now().UTC(), models.CheckpointInProgress, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	return res.RowsAffected()
}

// Delete deletes a checkpoint and, by cascade, its leads
func (r *CheckpointRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus returns checkpoint counts grouped by status, optionally for one org
func (r *CheckpointRepository) CountByStatus(ctx context.Context, orgID string) ([]models.StatusCount, error) {
	query := "SELECT status, COUNT(*) FROM checkpoints"
	args := []any{}
	if orgID != "" {
		query += " WHERE org_id = ?"
		args = append(args, orgID)
	}
	query += " GROUP BY status ORDER BY status"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := []models.StatusCount{}
	for rows.Next() {
		var c models.StatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, what)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
