package models

// UsageKey identifies one tenant's quota window
type UsageKey struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	Day    string `json:"day"` // YYYY-MM-DD in the reference timezone
}

// Usage is the quota consumption of one window
type Usage struct {
	Used     int `json:"used"`     // DELIVERY events recorded
	Reserved int `json:"reserved"` // sends in flight
}
