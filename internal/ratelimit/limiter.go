package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/outreach/internal/models"
)

// DefaultDailyLimit is used when no limit is configured
const DefaultDailyLimit = 100

var (
	// ErrQuotaExceeded is returned when a reservation would go past the daily limit
	ErrQuotaExceeded = errors.New("daily quota exceeded")

	// ErrUnavailable is returned when usage cannot be read; callers must deny the send
	ErrUnavailable = errors.New("quota usage unavailable")
)

// Config contains rate limit configuration
type Config struct {
	// Sends per (user, org) per calendar day
	DailyLimit int `yaml:"daily_limit" split_words:"true"`

	// Reference timezone for day boundaries (IANA name)
	Timezone string `yaml:"timezone" split_words:"true"`

	// Per-org overrides of DailyLimit
	OrgLimits map[string]int `yaml:"org_limits,omitempty" split_words:"true"`
}

// UsageStore holds per-tenant daily counters. Reserve must be a conditional
// increment so concurrent callers can never exceed limit.
type UsageStore interface {
	Usage(ctx context.Context, key models.UsageKey) (models.Usage, error)
	Reserve(ctx context.Context, key models.UsageKey, n, limit int) (bool, error)
	Release(ctx context.Context, key models.UsageKey, n int) error
	Location() *time.Location
}

// Quota describes the state of one tenant's daily window
type Quota struct {
	UserID    string    `json:"user_id"`
	OrgID     string    `json:"org_id"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Reserved  int       `json:"reserved"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Reservation is a held quota unit set. Each unit is either committed by the
// DELIVERY event write or returned with Release.
type Reservation struct {
	Key models.UsageKey
	N   int

	limiter  *Limiter
	released int
}

// Release returns n units that will not be delivered
func (r *Reservation) Release(ctx context.Context, n int) error {
	if n <= 0 || r.released+n > r.N {
		return fmt.Errorf("cannot release %d of %d reserved units (%d already released)", n, r.N, r.released)
	}
	if err := r.limiter.store.Release(ctx, r.Key, n); err != nil {
		return err
	}
	r.released += n
	return nil
}

// Limiter enforces a fixed daily quota per (user, org) pair
type Limiter struct {
	store  UsageStore
	config *Config
	now    func() time.Time
}

// NewLimiter creates a new rate limiter
func NewLimiter(store UsageStore, cfg *Config) *Limiter {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.DailyLimit == 0 {
		cfg.DailyLimit = DefaultDailyLimit
	}

	return &Limiter{
		store:  store,
		config: cfg,
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// LimitFor returns the daily limit of an org
func (l *Limiter) LimitFor(orgID string) int {
	if limit, ok := l.config.OrgLimits[orgID]; ok {
		return limit
	}
	return l.config.DailyLimit
}

func (l *Limiter) window(userID, orgID string) (models.UsageKey, time.Time) {
	now := l.now().In(l.store.Location())
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	key := models.UsageKey{UserID: userID, OrgID: orgID, Day: dayStart.Format("2006-01-02")}
	return key, dayStart.AddDate(0, 0, 1)
}

// Remaining returns the quota left today. In-flight reservations count as used.
func (l *Limiter) Remaining(ctx context.Context, userID, orgID string) (*Quota, error) {
	key, resetAt := l.window(userID, orgID)

	usage, err := l.store.Usage(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	limit := l.LimitFor(orgID)
	remaining := limit - usage.Used - usage.Reserved
	if remaining < 0 {
		remaining = 0
	}

	return &Quota{
		UserID:    userID,
		OrgID:     orgID,
		Limit:     limit,
		Used:      usage.Used,
		Reserved:  usage.Reserved,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// CanSend reports whether n more sends fit into today's quota.
// A usage read error denies the send.
func (l *Limiter) CanSend(ctx context.Context, userID, orgID string, n int) (bool, error) {
	q, err := l.Remaining(ctx, userID, orgID)
	if err != nil {
		return false, err
	}
	return q.Remaining >= n, nil
}

// Reserve atomically holds n units of today's quota
func (l *Limiter) Reserve(ctx context.Context, userID, orgID string, n int) (*Reservation, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid reservation size %d", n)
	}

	key, _ := l.window(userID, orgID)
	ok, err := l.store.Reserve(ctx, key, n, l.LimitFor(orgID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return nil, ErrQuotaExceeded
	}

	return &Reservation{Key: key, N: n, limiter: l}, nil
}
