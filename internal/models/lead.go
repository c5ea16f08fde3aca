package models

import "time"

// LeadStatus is the delivery state of one checkpoint lead
type LeadStatus string

const (
	LeadPending   LeadStatus = "pending"
	LeadSent      LeadStatus = "sent"
	LeadDelivered LeadStatus = "delivered"
	LeadFailed    LeadStatus = "failed"
)

// Succeeded reports whether the provider accepted the message
func (s LeadStatus) Succeeded() bool {
	return s == LeadSent || s == LeadDelivered
}

// IsTerminal reports whether the lead has reached a final outcome for this attempt
func (s LeadStatus) IsTerminal() bool {
	return s == LeadDelivered || s == LeadFailed
}

// CanTransition reports whether a checkpoint lead may move between statuses.
// Nothing ever returns to pending; failed and delivered are final.
func CanTransition(from, to LeadStatus) bool {
	switch from {
	case LeadPending:
		return to == LeadSent || to == LeadFailed
	case LeadSent:
		return to == LeadDelivered
	}
	return false
}

// Failure reasons recorded on checkpoint leads
const (
	ReasonLeadNotFound         = "lead not found"
	ReasonRateLimitExceeded    = "rate limit exceeded"
	ReasonRateLimitUnavailable = "rate limit unavailable"
	ReasonProviderTimeout      = "provider timeout"
	ReasonProviderUnavailable  = "provider unavailable"
	ReasonTenantMismatch       = "lead belongs to another organization"
)

// Lead is a contact targeted by outreach
type Lead struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Company   string    `json:"company,omitempty"`
	Variables string    `json:"variables,omitempty"` // JSON object of extra template variables
	CreatedAt time.Time `json:"created_at"`
}

// CheckpointLead is the planned delivery of a checkpoint to one lead
type CheckpointLead struct {
	ID                string     `json:"id"`
	CheckpointID      string     `json:"checkpoint_id"`
	LeadID            string     `json:"lead_id"`
	OrgID             string     `json:"org_id"`
	Email             string     `json:"email,omitempty"` // joined field
	Status            LeadStatus `json:"status"`
	ScheduledAt       time.Time  `json:"scheduled_at"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	Attempt           int        `json:"attempt"`
	CreatedAt         time.Time  `json:"created_at"`
}

// LeadStats holds aggregated lead counts for a checkpoint
type LeadStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Template is a stored message template
type Template struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	HTML      string    `json:"html,omitempty"`
	Text      string    `json:"text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
