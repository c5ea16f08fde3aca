// Package delivery sends one checkpoint to its planned leads.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/provider"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/repository"
)

// ErrPaused is returned internally when an operator pause is observed between leads
var ErrPaused = errors.New("checkpoint paused")

// Header names that tie a sent message back to its checkpoint lead
const (
	HeaderCheckpoint = "X-Outreach-Checkpoint"
	HeaderLead       = "X-Outreach-Lead"
)

// CheckpointStore is the part of the checkpoint store the orchestrator writes through
type CheckpointStore interface {
	FindLeadsOf(ctx context.Context, checkpointID string) ([]models.CheckpointLead, error)
	MarkSent(ctx context.Context, id, providerMessageID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
	Status(ctx context.Context, id string) (models.CheckpointStatus, error)
}

// LeadStore resolves lead records
type LeadStore interface {
	GetByID(ctx context.Context, id string) (*models.Lead, error)
}

// TemplateStore resolves message templates
type TemplateStore interface {
	GetByID(ctx context.Context, id string) (*models.Template, error)
}

// QuotaReserver holds daily quota before a send
type QuotaReserver interface {
	Reserve(ctx context.Context, userID, orgID string, n int) (*ratelimit.Reservation, error)
}

// EventRecorder appends delivery events
type EventRecorder interface {
	Record(ctx context.Context, ev *models.DeliveryEvent) (bool, error)
	RecordDelivery(ctx context.Context, ev *models.DeliveryEvent, reservation *models.UsageKey) (bool, error)
}

// ProviderSource looks up providers by name; an empty name selects the default
type ProviderSource interface {
	Get(name string) (provider.Provider, error)
}

// Config holds delivery configuration
type Config struct {
	// Parallel sends within one checkpoint
	Concurrency int `yaml:"concurrency" split_words:"true"`
	// Parallel sends per org across all checkpoints, 0 disables the cap
	OrgConcurrency int           `yaml:"org_concurrency" split_words:"true"`
	SendTimeout    time.Duration `yaml:"send_timeout" split_words:"true"`
	StoreTimeout   time.Duration `yaml:"store_timeout" split_words:"true"`
	FromEmail      string        `yaml:"from_email" split_words:"true"`
	FromName       string        `yaml:"from_name" split_words:"true"`
	// Content used when a checkpoint has no usable template
	DefaultSubject string `yaml:"default_subject" split_words:"true"`
	DefaultBody    string `yaml:"default_body" split_words:"true"`
}

// Deps are the collaborators of an Orchestrator
type Deps struct {
	Checkpoints CheckpointStore
	Leads       LeadStore
	Templates   TemplateStore
	Limiter     QuotaReserver
	Tracker     EventRecorder
	Providers   ProviderSource
	Logger      *slog.Logger
	Now         func() time.Time
}

// Outcome aggregates the lead results of one checkpoint
type Outcome struct {
	CheckpointID string                  `json:"checkpoint_id"`
	Status       models.CheckpointStatus `json:"status"`
	Total        int                     `json:"total"`
	Attempted    int                     `json:"attempted"` // pending leads processed by this run
	Sent         int                     `json:"sent"`
	Delivered    int                     `json:"delivered"`
	Failed       int                     `json:"failed"`
	Pending      int                     `json:"pending"`
	Skipped      int                     `json:"skipped"` // finished by an earlier run
	Paused       bool                    `json:"paused"`
	Reasons      map[string]int          `json:"reasons,omitempty"`
}

func (o *Outcome) add(status models.LeadStatus, reason string) {
	switch status {
	case models.LeadSent:
		o.Sent++
	case models.LeadDelivered:
		o.Delivered++
	case models.LeadFailed:
		o.Failed++
		o.Reasons[reason]++
	default:
		o.Pending++
	}
}

func (o *Outcome) finalStatus() models.CheckpointStatus {
	switch {
	case o.Paused:
		return models.CheckpointPaused
	case o.Total == 0:
		return models.CheckpointCompleted
	case o.Pending > 0:
		return models.CheckpointPaused
	case o.Failed == 0:
		return models.CheckpointCompleted
	case o.Sent+o.Delivered == 0:
		return models.CheckpointPaused
	default:
		return models.CheckpointPartiallyCompleted
	}
}

// Orchestrator delivers checkpoints
type Orchestrator struct {
	cfg         Config
	checkpoints CheckpointStore
	leads       LeadStore
	templates   TemplateStore
	limiter     QuotaReserver
	tracker     EventRecorder
	providers   ProviderSource
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// New creates an orchestrator
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Orchestrator{
		cfg:         cfg,
		checkpoints: deps.Checkpoints,
		leads:       deps.Leads,
		templates:   deps.Templates,
		limiter:     deps.Limiter,
		tracker:     deps.Tracker,
		providers:   deps.Providers,
		logger:      deps.Logger.With("component", "delivery"),
		now:         deps.Now,
		slots:       make(map[string]chan struct{}),
	}
}

type content struct {
	subject string
	html    string
	text    string
}

type leadResult struct {
	status models.LeadStatus
	reason string
}

// Deliver sends the checkpoint to every pending lead. Leads finished by an earlier
// run are counted but never sent again. The returned outcome carries the status the
// checkpoint should be finished with.
func (o *Orchestrator) Deliver(ctx context.Context, cp *models.Checkpoint) (*Outcome, error) {
	logger := o.logger.With("checkpoint_id", cp.ID, "org_id", cp.OrgID)

	leads, err := o.checkpoints.FindLeadsOf(ctx, cp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint leads: %w", err)
	}

	out := &Outcome{CheckpointID: cp.ID, Total: len(leads), Reasons: make(map[string]int)}
	if len(leads) == 0 {
		logger.Info("checkpoint has no leads")
		out.Status = out.finalStatus()
		return out, nil
	}

	var pending []models.CheckpointLead
	for _, cl := range leads {
		if cl.Status == models.LeadPending {
			pending = append(pending, cl)
			continue
		}
		out.Skipped++
		out.add(cl.Status, cl.ErrorMessage)
	}

	if len(pending) > 0 {
		p, err := o.providers.Get(cp.Provider)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", cp.ID, err)
		}
		c, err := o.resolveContent(ctx, cp, logger)
		if err != nil {
			return nil, err
		}

		err = o.sendAll(ctx, cp, p, c, pending, out, logger)
		switch {
		case errors.Is(err, ErrPaused):
			out.Paused = true
			logger.Info("checkpoint paused by operator", "remaining", out.Pending)
		case err != nil:
			out.Status = models.CheckpointPaused
			return out, err
		}
	}

	out.Status = out.finalStatus()
	logger.Info("checkpoint delivered",
		"status", out.Status,
		"total", out.Total,
		"sent", out.Sent,
		"delivered", out.Delivered,
		"failed", out.Failed,
		"skipped", out.Skipped,
	)
	return out, nil
}

func (o *Orchestrator) resolveContent(ctx context.Context, cp *models.Checkpoint, logger *slog.Logger) (*content, error) {
	c := &content{subject: o.cfg.DefaultSubject, text: o.cfg.DefaultBody}
	if cp.TemplateID == "" {
		return c, nil
	}

	tmpl, err := o.templates.GetByID(ctx, cp.TemplateID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		logger.Warn("template not found, using default content", "template_id", cp.TemplateID)
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load template %s: %w", cp.TemplateID, err)
	case tmpl.OrgID != cp.OrgID:
		logger.Warn("template belongs to another organization, using default content", "template_id", cp.TemplateID)
		return c, nil
	}

	return &content{subject: tmpl.Subject, html: tmpl.HTML, text: tmpl.Text}, nil
}

// sendAll fans pending leads out over a bounded pool. The pause signal is read
// before each lead is dispatched.
func (o *Orchestrator) sendAll(ctx context.Context, cp *models.Checkpoint, p provider.Provider, c *content,
	pending []models.CheckpointLead, out *Outcome, logger *slog.Logger) error {

	sem := make(chan struct{}, o.cfg.Concurrency)
	orgSlots := o.orgSlots(cp.OrgID)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stopErr error
		started int
	)

dispatch:
	for i := range pending {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			stopErr = ctx.Err()
			break dispatch
		}
		if orgSlots != nil {
			select {
			case orgSlots <- struct{}{}:
			case <-ctx.Done():
				<-sem
				stopErr = ctx.Err()
				break dispatch
			}
		}

		// Read after the slot is free so a pause set by an in-flight send is seen
		if err := o.checkPause(ctx, cp.ID, logger); err != nil {
			if orgSlots != nil {
				<-orgSlots
			}
			<-sem
			stopErr = err
			break
		}

		started++
		wg.Add(1)
		go func(cl models.CheckpointLead) {
			defer func() {
				if orgSlots != nil {
					<-orgSlots
				}
				<-sem
				wg.Done()
			}()

			res := o.deliverLead(ctx, cp, p, c, &cl, logger)

			mu.Lock()
			out.Attempted++
			out.add(res.status, res.reason)
			mu.Unlock()
		}(pending[i])
	}

	wg.Wait()
	out.Pending += len(pending) - started
	return stopErr
}

func (o *Orchestrator) checkPause(ctx context.Context, checkpointID string, logger *slog.Logger) error {
	status, err := o.checkpoints.Status(ctx, checkpointID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("failed to read checkpoint status", "error", err)
		return nil
	}
	if status == models.CheckpointPaused {
		return ErrPaused
	}
	return nil
}

func (o *Orchestrator) orgSlots(orgID string) chan struct{} {
	if o.cfg.OrgConcurrency <= 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.slots[orgID]
	if !ok {
		ch = make(chan struct{}, o.cfg.OrgConcurrency)
		o.slots[orgID] = ch
	}
	return ch
}

// storeContext outlives cancellation of the delivery so a send that already
// happened is always written down
func (o *Orchestrator) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StoreTimeout)
}

func (o *Orchestrator) deliverLead(ctx context.Context, cp *models.Checkpoint, p provider.Provider, c *content,
	cl *models.CheckpointLead, logger *slog.Logger) leadResult {

	logger = logger.With("checkpoint_lead_id", cl.ID, "lead_id", cl.LeadID)

	lead, err := o.leads.GetByID(ctx, cl.LeadID)
	switch {
	case err != nil && ctx.Err() != nil:
		return o.interrupted(ctx, logger)
	case errors.Is(err, repository.ErrNotFound):
		return o.fail(ctx, cl, models.ReasonLeadNotFound, "lead_not_found", logger)
	case err != nil:
		return o.fail(ctx, cl, fmt.Sprintf("lead lookup failed: %v", err), "lead_lookup", logger)
	case lead.OrgID != cp.OrgID:
		return o.fail(ctx, cl, models.ReasonTenantMismatch, "tenant_mismatch", logger)
	}

	reservation, err := o.limiter.Reserve(ctx, cp.UserID, cp.OrgID, 1)
	switch {
	case err != nil && ctx.Err() != nil:
		return o.interrupted(ctx, logger)
	case errors.Is(err, ratelimit.ErrQuotaExceeded):
		metrics.IncRateLimitDenied("exceeded")
		return o.fail(ctx, cl, models.ReasonRateLimitExceeded, "rate_limit_exceeded", logger)
	case err != nil:
		metrics.IncRateLimitDenied("unavailable")
		logger.Warn("quota unavailable, denying send", "error", err)
		return o.fail(ctx, cl, models.ReasonRateLimitUnavailable, "rate_limit_unavailable", logger)
	}

	msg := o.buildMessage(cp, cl, lead, c)

	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	start := time.Now()
	result, err := p.Send(sendCtx, msg)
	timedOut := errors.Is(sendCtx.Err(), context.DeadlineExceeded)
	cancel()
	elapsed := time.Since(start).Seconds()
	if err == nil && result == nil {
		err = errors.New("provider returned no result")
	}

	if err != nil && ctx.Err() != nil {
		// the delivery was cancelled, not the send timed out
		o.releaseReservation(ctx, reservation, logger)
		return o.interrupted(ctx, logger)
	}

	if err != nil || !result.Accepted {
		o.releaseReservation(ctx, reservation, logger)

		reason, label, resultLabel := "", "provider_rejected", "rejected"
		messageID := ""
		switch {
		case err != nil && timedOut:
			reason, label, resultLabel = models.ReasonProviderTimeout, "provider_timeout", "timeout"
		case err != nil:
			reason, label, resultLabel = err.Error(), "provider_error", "error"
		default:
			reason = result.ErrorMessage
			messageID = result.ProviderMessageID
			if reason == "" {
				reason = "rejected by provider"
			}
		}
		metrics.ObserveProviderSend(p.Name(), resultLabel, elapsed)
		logger.Debug("send failed", "email", lead.Email, "reason", reason)

		res := o.fail(ctx, cl, reason, label, logger)
		o.recordEvent(ctx, cp, models.EventReject, messageID, lead.Email, nil, logger)
		return res
	}

	metrics.ObserveProviderSend(p.Name(), "accepted", elapsed)
	metrics.IncLeadProcessed(metrics.OutcomeSent, "")

	storeCtx, cancelStore := o.storeContext(ctx)
	defer cancelStore()
	markErr := o.checkpoints.MarkSent(storeCtx, cl.ID, result.ProviderMessageID, o.now())
	key := reservation.Key
	o.recordEvent(ctx, cp, models.EventDelivery, result.ProviderMessageID, lead.Email, &key, logger)

	if markErr != nil {
		// The row is still pending, so the checkpoint must not finish as completed
		logger.Error("failed to mark lead sent", "provider_message_id", result.ProviderMessageID, "error", markErr)
		return leadResult{status: models.LeadPending}
	}

	logger.Debug("email sent", "email", lead.Email, "provider_message_id", result.ProviderMessageID)
	return leadResult{status: models.LeadSent}
}

func (o *Orchestrator) buildMessage(cp *models.Checkpoint, cl *models.CheckpointLead, lead *models.Lead, c *content) *provider.Message {
	vars := leadVariables(cp, lead)

	msg := &provider.Message{
		From:     o.cfg.FromEmail,
		FromName: o.cfg.FromName,
		To:       lead.Email,
		Subject:  renderTemplate(c.subject, vars),
		Headers: map[string]string{
			HeaderCheckpoint: cp.ID,
			HeaderLead:       cl.ID,
		},
	}

	html := renderTemplate(c.html, vars)
	text := renderTemplate(c.text, vars)
	if html != "" {
		msg.Body = html
		msg.IsHTML = true
		msg.Text = text
	} else {
		msg.Body = text
	}
	return msg
}

func (o *Orchestrator) fail(ctx context.Context, cl *models.CheckpointLead, reason, label string, logger *slog.Logger) leadResult {
	metrics.IncLeadProcessed(metrics.OutcomeFailed, label)

	storeCtx, cancel := o.storeContext(ctx)
	defer cancel()
	if err := o.checkpoints.MarkFailed(storeCtx, cl.ID, reason); err != nil {
		logger.Error("failed to mark lead failed", "reason", reason, "error", err)
		return leadResult{status: models.LeadPending}
	}
	return leadResult{status: models.LeadFailed, reason: reason}
}

// interrupted leaves the lead pending when the delivery itself was cancelled, so a
// resumed checkpoint sends it
func (o *Orchestrator) interrupted(ctx context.Context, logger *slog.Logger) leadResult {
	metrics.IncLeadProcessed(metrics.OutcomeInterrupted, "")
	logger.Info("delivery interrupted, lead left pending", "error", ctx.Err())
	return leadResult{status: models.LeadPending}
}

func (o *Orchestrator) releaseReservation(ctx context.Context, r *ratelimit.Reservation, logger *slog.Logger) {
	storeCtx, cancel := o.storeContext(ctx)
	defer cancel()
	if err := r.Release(storeCtx, 1); err != nil {
		logger.Warn("failed to release quota reservation", "error", err)
	}
}

// recordEvent writes a lifecycle event; tracker failures never fail the send
func (o *Orchestrator) recordEvent(ctx context.Context, cp *models.Checkpoint, t models.EventType, messageID, recipient string,
	reservation *models.UsageKey, logger *slog.Logger) {

	ev := &models.DeliveryEvent{
		MessageID:    messageID,
		Recipient:    recipient,
		Type:         t,
		Timestamp:    o.now(),
		CampaignID:   cp.CampaignID,
		UserID:       cp.UserID,
		OrgID:        cp.OrgID,
		CheckpointID: cp.ID,
	}

	storeCtx, cancel := o.storeContext(ctx)
	defer cancel()

	var err error
	if t == models.EventDelivery {
		_, err = o.tracker.RecordDelivery(storeCtx, ev, reservation)
	} else {
		_, err = o.tracker.Record(storeCtx, ev)
	}
	if err != nil {
		logger.Warn("failed to record delivery event", "type", t, "error", err)
	}
}
