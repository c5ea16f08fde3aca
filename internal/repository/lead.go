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

type LeadRepository struct {
	db *sql.DB
}

func NewLeadRepository(db *sql.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

// Create inserts a lead; the email is normalized to lower case
func (r *LeadRepository) Create(ctx context.Context, l *models.Lead) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.Email = strings.ToLower(strings.TrimSpace(l.Email))
	if l.Email == "" {
		return errors.New("lead email is required")
	}
	l.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO leads (id, org_id, email, first_name, last_name, company, variables, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.OrgID, l.Email, l.FirstName, l.LastName, l.Company, nullString(l.Variables), l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create lead: %w", err)
	}
	return nil
}

// GetByID returns a lead by ID
func (r *LeadRepository) GetByID(ctx context.Context, id string) (*models.Lead, error) {
	l := &models.Lead{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, org_id, email, COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(company, ''),
			COALESCE(variables, ''), created_at
		FROM leads WHERE id = ?`, id,
	).Scan(&l.ID, &l.OrgID, &l.Email, &l.FirstName, &l.LastName, &l.Company, &l.Variables, &l.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ListByOrg returns the leads of one organization
func (r *LeadRepository) ListByOrg(ctx context.Context, orgID string, limit int) ([]models.Lead, error) {
	query := `
		SELECT id, org_id, email, COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(company, ''),
			COALESCE(variables, ''), created_at
		FROM leads WHERE org_id = ? ORDER BY email`
	args := []any{orgID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leads := []models.Lead{}
	for rows.Next() {
		var l models.Lead
		if err := rows.Scan(&l.ID, &l.OrgID, &l.Email, &l.FirstName, &l.LastName, &l.Company, &l.Variables, &l.CreatedAt); err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// Delete removes a lead. Planned checkpoint leads keep referencing it and fail with
// "lead not found" when their checkpoint fires.
func (r *LeadRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM leads WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
