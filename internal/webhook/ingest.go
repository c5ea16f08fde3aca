// Package webhook ingests provider delivery confirmations.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/repository"
)

// ErrUnknownSource is returned for a webhook source without a translator
var ErrUnknownSource = errors.New("unknown webhook source")

// Recorder appends delivery events
type Recorder interface {
	Record(ctx context.Context, ev *models.DeliveryEvent) (bool, error)
}

// LeadConfirmer applies sent -> delivered on the checkpoint lead of a message
type LeadConfirmer interface {
	MarkDeliveredByMessageID(ctx context.Context, providerMessageID string, at time.Time) (*models.CheckpointLead, error)
}

// Result summarizes one ingested payload
type Result struct {
	Received   int `json:"received"`
	Recorded   int `json:"recorded"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
	Confirmed  int `json:"confirmed"` // leads moved to delivered
}

// Ingestor routes webhook payloads to translators and records the events
type Ingestor struct {
	tracker Recorder
	leads   LeadConfirmer
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.RWMutex
	translators map[string]Translator
}

// NewIngestor creates an ingestor with the httpapi and generic formats registered
func NewIngestor(tracker Recorder, leads LeadConfirmer, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		tracker: tracker,
		leads:   leads,
		logger:  logger.With("component", "webhook"),
		now:     time.Now,
		translators: map[string]Translator{
			"httpapi": HTTPAPI,
			"generic": Generic,
		},
	}
}

// Register adds or replaces the translator of a source, typically a provider name
func (i *Ingestor) Register(source string, t Translator) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.translators[source] = t
}

// Sources returns the registered source names, sorted
func (i *Ingestor) Sources() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	names := make([]string, 0, len(i.translators))
	for name := range i.translators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ingest translates body and records each event. Duplicate confirmations are
// ignored by the tracker; events that cannot be attributed are counted as invalid.
func (i *Ingestor) Ingest(ctx context.Context, source string, body []byte) (*Result, error) {
	i.mu.RLock()
	t, ok := i.translators[source]
	i.mu.RUnlock()
	if !ok {
		metrics.IncWebhookReceived(source, "unknown_source")
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}

	events, err := t.Translate(body)
	if err != nil {
		metrics.IncWebhookReceived(source, "invalid")
		return nil, err
	}

	res := &Result{Received: len(events)}
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = i.now()
		}

		recorded, err := i.tracker.Record(ctx, ev)
		switch {
		case errors.Is(err, models.ErrEventScope), errors.Is(err, models.ErrEventType):
			res.Invalid++
			i.logger.Warn("dropping unattributable event", "source", source, "message_id", ev.MessageID, "type", ev.Type, "error", err)
			continue
		case err != nil:
			return res, fmt.Errorf("failed to record event: %w", err)
		case recorded:
			res.Recorded++
		default:
			res.Duplicates++
		}

		if ev.Type == models.EventDelivery && ev.MessageID != "" {
			if i.confirm(ctx, ev) {
				res.Confirmed++
			}
		}
	}

	metrics.IncWebhookReceived(source, "ok")
	i.logger.Debug("webhook ingested", "source", source, "received", res.Received, "recorded", res.Recorded, "duplicates", res.Duplicates)
	return res, nil
}

// confirm moves the lead to delivered; a lead already delivered or unknown is not an error
func (i *Ingestor) confirm(ctx context.Context, ev *models.DeliveryEvent) bool {
	if i.leads == nil {
		return false
	}
	_, err := i.leads.MarkDeliveredByMessageID(ctx, ev.MessageID, ev.Timestamp)
	if errors.Is(err, repository.ErrNotFound) {
		return false
	}
	if err != nil {
		i.logger.Warn("failed to confirm lead delivery", "message_id", ev.MessageID, "error", err)
		return false
	}
	return true
}
