package models

import (
	"fmt"
	"time"
)

// CheckpointStatus represents the lifecycle state of a checkpoint
type CheckpointStatus string

const (
	CheckpointPending            CheckpointStatus = "pending"
	CheckpointActive             CheckpointStatus = "active"
	CheckpointInProgress         CheckpointStatus = "in_progress" // claimed by a scheduler instance
	CheckpointPaused             CheckpointStatus = "paused"
	CheckpointCompleted          CheckpointStatus = "completed"
	CheckpointPartiallyCompleted CheckpointStatus = "partially_completed"
)

// IsTerminal reports whether the scheduler is done with the checkpoint. A partially
// completed checkpoint is only re-opened by an operator retry.
func (s CheckpointStatus) IsTerminal() bool {
	return s == CheckpointCompleted || s == CheckpointPartiallyCompleted
}

// Valid reports whether s is a known checkpoint status
func (s CheckpointStatus) Valid() bool {
	switch s {
	case CheckpointPending, CheckpointActive, CheckpointInProgress, CheckpointPaused,
		CheckpointCompleted, CheckpointPartiallyCompleted:
		return true
	}
	return false
}

var checkpointTransitions = map[CheckpointStatus][]CheckpointStatus{
	CheckpointPending:            {CheckpointActive},
	CheckpointActive:             {CheckpointInProgress, CheckpointPaused},
	CheckpointPaused:             {CheckpointActive},
	CheckpointInProgress:         {CheckpointCompleted, CheckpointPartiallyCompleted, CheckpointPaused},
	CheckpointPartiallyCompleted: {CheckpointActive}, // operator retry only, see CanRetryCheckpoint
}

// CanTransitionCheckpoint reports whether a checkpoint may move from one status to another
func CanTransitionCheckpoint(from, to CheckpointStatus) bool {
	for _, s := range checkpointTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckpointSourcesFor returns every status that may transition into to through a
// lifecycle action. Retry-only sources are left out.
func CheckpointSourcesFor(to CheckpointStatus) []CheckpointStatus {
	var from []CheckpointStatus
	for _, s := range []CheckpointStatus{CheckpointPending, CheckpointActive, CheckpointPaused, CheckpointInProgress} {
		if CanTransitionCheckpoint(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// CanRetryCheckpoint reports whether an operator retry may reset failed leads of a
// checkpoint in status s and re-activate it
func CanRetryCheckpoint(s CheckpointStatus) bool {
	return (s == CheckpointPaused || s == CheckpointPartiallyCompleted) && CanTransitionCheckpoint(s, CheckpointActive)
}

// Checkpoint is one scheduled outreach wave within a campaign
type Checkpoint struct {
	ID            string           `json:"id"`
	CampaignID    string           `json:"campaign_id"`
	OrgID         string           `json:"org_id"`
	UserID        string           `json:"user_id"` // campaign owner, rate limit key
	Name          string           `json:"name"`
	ScheduledDate string           `json:"scheduled_date"` // YYYY-MM-DD
	TimeOfDay     string           `json:"time_of_day"`    // HH:MM
	ScheduledAt   time.Time        `json:"scheduled_at"`
	TemplateID    string           `json:"template_id,omitempty"`
	Provider      string           `json:"provider,omitempty"`
	Status        CheckpointStatus `json:"status"`
	ClaimedBy     string           `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time       `json:"claimed_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// ResolveScheduledAt combines a calendar date and a time of day in loc
func ResolveScheduledAt(date, timeOfDay string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid scheduled date %q: %w", date, err)
	}
	tod, err := time.Parse(timeLayout, timeOfDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time of day %q: %w", timeOfDay, err)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), tod.Hour(), tod.Minute(), 0, 0, loc), nil
}

// CheckpointFilter for listing checkpoints
type CheckpointFilter struct {
	CampaignID string
	OrgID      string
	Status     CheckpointStatus
	Limit      int
	Offset     int
}

// StatusCount is a count of checkpoints in one status
type StatusCount struct {
	Status CheckpointStatus `json:"status"`
	Count  int              `json:"count"`
}
