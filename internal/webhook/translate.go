package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/models"
)

// ErrInvalidPayload is returned when a webhook body cannot be parsed
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Translator converts a provider-specific payload into delivery events
type Translator interface {
	Translate(body []byte) ([]*models.DeliveryEvent, error)
}

// TranslatorFunc adapts a function to Translator
type TranslatorFunc func(body []byte) ([]*models.DeliveryEvent, error)

func (f TranslatorFunc) Translate(body []byte) ([]*models.DeliveryEvent, error) {
	return f(body)
}

// decodeOneOrMany decodes a JSON object or an array of objects
func decodeOneOrMany[T any](body []byte) ([]T, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}

	if body[0] == '[' {
		var items []T
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return items, nil
	}

	var item T
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return []T{item}, nil
}

func normalizeRecipient(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// StatusCallback is the message status document the HTTP mail API posts back
type StatusCallback struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	To        []string  `json:"to"`
	UpdatedAt time.Time `json:"updated_at"`
	LastError string    `json:"last_error,omitempty"`
}

// mapAPIStatus maps the HTTP mail API status names to event types.
// In-flight states produce no event.
func mapAPIStatus(status string) (models.EventType, bool) {
	switch strings.ToLower(status) {
	case "sent", "delivered":
		return models.EventDelivery, true
	case "failed", "rejected":
		return models.EventReject, true
	case "bounced":
		return models.EventBounce, true
	case "complained", "complaint", "spam":
		return models.EventComplaint, true
	case "opened":
		return models.EventOpen, true
	case "clicked":
		return models.EventClick, true
	default:
		return "", false
	}
}

// HTTPAPI translates status callbacks of the HTTP mail API provider
var HTTPAPI = TranslatorFunc(func(body []byte) ([]*models.DeliveryEvent, error) {
	callbacks, err := decodeOneOrMany[StatusCallback](body)
	if err != nil {
		return nil, err
	}

	var events []*models.DeliveryEvent
	for _, cb := range callbacks {
		if cb.ID == "" {
			return nil, fmt.Errorf("%w: callback without id", ErrInvalidPayload)
		}
		t, ok := mapAPIStatus(cb.Status)
		if !ok {
			continue
		}
		for _, to := range cb.To {
			events = append(events, &models.DeliveryEvent{
				MessageID: cb.ID,
				Recipient: normalizeRecipient(to),
				Type:      t,
				Timestamp: cb.UpdatedAt,
			})
		}
	}
	return events, nil
})

// GenericEvent is the provider-neutral event format
type GenericEvent struct {
	Type       string    `json:"type"`
	MessageID  string    `json:"message_id"`
	Recipient  string    `json:"recipient"`
	Timestamp  time.Time `json:"timestamp"`
	URL        string    `json:"url,omitempty"`
	CampaignID string    `json:"campaign_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	OrgID      string    `json:"org_id,omitempty"`
}

type genericBatch struct {
	Events []GenericEvent `json:"events"`
}

// Generic translates {"events": [...]}, a bare array or a single event
var Generic = TranslatorFunc(func(body []byte) ([]*models.DeliveryEvent, error) {
	var items []GenericEvent

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' && bytes.Contains(trimmed, []byte(`"events"`)) {
		var batch genericBatch
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		items = batch.Events
	} else {
		var err error
		if items, err = decodeOneOrMany[GenericEvent](trimmed); err != nil {
			return nil, err
		}
	}

	events := make([]*models.DeliveryEvent, 0, len(items))
	for i, item := range items {
		t, ok := models.ParseEventType(item.Type)
		if !ok {
			return nil, fmt.Errorf("%w: event %d has unknown type %q", ErrInvalidPayload, i, item.Type)
		}
		if item.MessageID == "" {
			return nil, fmt.Errorf("%w: event %d has no message_id", ErrInvalidPayload, i)
		}
		events = append(events, &models.DeliveryEvent{
			MessageID:  item.MessageID,
			Recipient:  normalizeRecipient(item.Recipient),
			Type:       t,
			Timestamp:  item.Timestamp,
			URL:        item.URL,
			CampaignID: item.CampaignID,
			UserID:     item.UserID,
			OrgID:      item.OrgID,
		})
	}
	return events, nil
})
