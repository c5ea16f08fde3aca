// Package control holds the operator actions on checkpoints shared by the HTTP API and the CLI.
// Every state-changing action is written to the audit log.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/repository"
)

const entityCheckpoint = "checkpoint"

// Audit actions
const (
	ActionCreate   = "checkpoint.create"
	ActionActivate = "checkpoint.activate"
	ActionPause    = "checkpoint.pause"
	ActionResume   = "checkpoint.resume"
	ActionAttach   = "checkpoint.attach"
	ActionRetry    = "checkpoint.retry"
	ActionDelete   = "checkpoint.delete"
)

// Detail is a checkpoint with its lead counts and, optionally, its leads
type Detail struct {
	Checkpoint *models.Checkpoint      `json:"checkpoint"`
	Stats      *models.LeadStats       `json:"stats"`
	Leads      []models.CheckpointLead `json:"leads,omitempty"`
}

// Service applies operator actions
type Service struct {
	checkpoints *repository.CheckpointRepository
	audit       *repository.AuditRepository
	loc         *time.Location
	logger      *slog.Logger
}

// New creates a Service. loc resolves checkpoint dates and times of day.
func New(checkpoints *repository.CheckpointRepository, audit *repository.AuditRepository, loc *time.Location, logger *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		checkpoints: checkpoints,
		audit:       audit,
		loc:         loc,
		logger:      logger.With("component", "control"),
	}
}

// Create stores a new pending checkpoint scheduled at its date and time of day
func (s *Service) Create(ctx context.Context, actor string, cp *models.Checkpoint) error {
	if cp.CampaignID == "" || cp.OrgID == "" || cp.UserID == "" {
		return fmt.Errorf("campaign, org and user ids are required")
	}
	at, err := models.ResolveScheduledAt(cp.ScheduledDate, cp.TimeOfDay, s.loc)
	if err != nil {
		return err
	}
	cp.ScheduledAt = at

	if err := s.checkpoints.Create(ctx, cp); err != nil {
		return err
	}
	s.record(ctx, actor, ActionCreate, cp.ID, fmt.Sprintf("scheduled_at=%s", at.Format(time.RFC3339)))
	return nil
}

// Activate makes a pending or paused checkpoint eligible for scheduling
func (s *Service) Activate(ctx context.Context, actor, id string) error {
	if err := s.checkpoints.Activate(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actor, ActionActivate, id, "")
	return nil
}

// Pause stops a checkpoint. An in-flight delivery stops before its next lead.
func (s *Service) Pause(ctx context.Context, actor, id string) error {
	if err := s.checkpoints.Pause(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actor, ActionPause, id, "")
	return nil
}

// Resume re-activates a paused checkpoint; its pending leads go out on the next pass
func (s *Service) Resume(ctx context.Context, actor, id string) error {
	if err := s.checkpoints.Resume(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actor, ActionResume, id, "")
	return nil
}

// Attach plans delivery of the checkpoint to leads and returns how many were newly attached
func (s *Service) Attach(ctx context.Context, actor, id string, leadIDs []string) (int, error) {
	n, err := s.checkpoints.AttachLeads(ctx, id, leadIDs)
	if err != nil {
		return 0, err
	}
	s.record(ctx, actor, ActionAttach, id, fmt.Sprintf("attached=%d", n))
	return n, nil
}

// Retry resets failed leads to pending once per idempotency key. This is the only
// path that moves a lead back to pending and it is never taken automatically.
func (s *Service) Retry(ctx context.Context, actor, id, key string, reasons []string) (int, error) {
	n, err := s.checkpoints.RetryFailed(ctx, id, key, reasons)
	if err != nil {
		return 0, err
	}

	details := fmt.Sprintf("key=%s reset=%d", key, n)
	if len(reasons) > 0 {
		details += " reasons=" + strings.Join(reasons, ";")
	}
	s.record(ctx, actor, ActionRetry, id, details)
	return n, nil
}

// Delete removes a checkpoint and its leads
func (s *Service) Delete(ctx context.Context, actor, id string) error {
	if err := s.checkpoints.Delete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actor, ActionDelete, id, "")
	return nil
}

// Show returns a checkpoint with its lead counts, and its leads when withLeads is set
func (s *Service) Show(ctx context.Context, id string, withLeads bool) (*Detail, error) {
	cp, err := s.checkpoints.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.checkpoints.LeadStats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count leads: %w", err)
	}

	d := &Detail{Checkpoint: cp, Stats: stats}
	if withLeads {
		if d.Leads, err = s.checkpoints.FindLeadsOf(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to list leads: %w", err)
		}
	}
	return d, nil
}

// History returns the most recent audit entries of a checkpoint
func (s *Service) History(ctx context.Context, id string, limit int) ([]models.AuditEntry, error) {
	return s.audit.ListForEntity(ctx, entityCheckpoint, id, limit)
}

// record writes an audit entry. The action already happened, so a failed write is only logged.
func (s *Service) record(ctx context.Context, actor, action, id, details string) {
	if actor == "" {
		actor = "system"
	}
	if err := s.audit.Log(ctx, actor, action, entityCheckpoint, id, details); err != nil {
		s.logger.Warn("failed to write audit log", "action", action, "checkpoint_id", id, "error", err)
		return
	}
	s.logger.Info(action, "checkpoint_id", id, "actor", actor)
}
