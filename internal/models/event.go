package models

import (
	"errors"
	"strings"
	"time"
)

// EventType is the kind of delivery lifecycle fact
type EventType string

const (
	EventDelivery  EventType = "DELIVERY"
	EventReject    EventType = "REJECT"
	EventClick     EventType = "CLICK"
	EventOpen      EventType = "OPEN"
	EventBounce    EventType = "BOUNCE"
	EventComplaint EventType = "COMPLAINT"
)

// ParseEventType parses an event type name case-insensitively
func ParseEventType(s string) (EventType, bool) {
	t := EventType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case EventDelivery, EventReject, EventClick, EventOpen, EventBounce, EventComplaint:
		return t, true
	}
	return "", false
}

// Unique reports whether at most one event of this type is kept per message and recipient
func (t EventType) Unique() bool {
	return t != EventClick && t != EventOpen
}

// DeliveryEvent is an immutable fact about one email's lifecycle
type DeliveryEvent struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"message_id"`
	Recipient    string    `json:"recipient"`
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	CampaignID   string    `json:"campaign_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	OrgID        string    `json:"org_id,omitempty"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	URL          string    `json:"url,omitempty"`
	Processed    bool      `json:"processed,omitempty"`
}

var (
	ErrEventTimestamp = errors.New("event timestamp is required")
	ErrEventType      = errors.New("event type is invalid")
	ErrEventScope     = errors.New("event needs a campaign, user or org id")
)

// Validate checks the fields required for scoped aggregation
func (e *DeliveryEvent) Validate() error {
	if e.Timestamp.IsZero() {
		return ErrEventTimestamp
	}
	if _, ok := ParseEventType(string(e.Type)); !ok {
		return ErrEventType
	}
	if e.CampaignID == "" && e.UserID == "" && e.OrgID == "" {
		return ErrEventScope
	}
	return nil
}

// Scope narrows statistics to a campaign, user or org. The zero value is global.
type Scope struct {
	CampaignID string `json:"campaign_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	OrgID      string `json:"org_id,omitempty"`
}

// Matches reports whether the event falls inside the scope
func (s Scope) Matches(e *DeliveryEvent) bool {
	if s.CampaignID != "" && e.CampaignID != s.CampaignID {
		return false
	}
	if s.UserID != "" && e.UserID != s.UserID {
		return false
	}
	if s.OrgID != "" && e.OrgID != s.OrgID {
		return false
	}
	return true
}

// IsGlobal reports whether the scope is unrestricted
func (s Scope) IsGlobal() bool {
	return s == Scope{}
}
