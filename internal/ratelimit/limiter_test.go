package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/tracker"
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T, loc *time.Location) *tracker.Store {
	t.Helper()

	s, err := tracker.Open(filepath.Join(t.TempDir(), "test.db"), tracker.Options{
		Location: loc,
		Now:      func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLimiter(store UsageStore, cfg *Config) *Limiter {
	l := NewLimiter(store, cfg)
	l.SetClock(func() time.Time { return testNow })
	return l
}

func recordDeliveries(t *testing.T, s *tracker.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := &models.DeliveryEvent{
			MessageID: "m" + time.Duration(i).String(),
			Recipient: "lead@example.com",
			Type:      models.EventDelivery,
			Timestamp: testNow.Add(-time.Duration(i) * time.Second),
			UserID:    "user-1",
			OrgID:     "org-1",
		}
		if _, err := s.Record(context.Background(), ev); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
}

func TestNewLimiter_Defaults(t *testing.T) {
	l := NewLimiter(setupTestStore(t, nil), nil)
	if got := l.LimitFor("any"); got != DefaultDailyLimit {
		t.Errorf("LimitFor() = %d, want %d", got, DefaultDailyLimit)
	}

	l = NewLimiter(setupTestStore(t, nil), &Config{DailyLimit: 10, OrgLimits: map[string]int{"big": 500}})
	if got := l.LimitFor("big"); got != 500 {
		t.Errorf("LimitFor(big) = %d, want 500", got)
	}
	if got := l.LimitFor("small"); got != 10 {
		t.Errorf("LimitFor(small) = %d, want 10", got)
	}
}

func TestLimiter_Remaining(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		delivered int
		want      int
	}{
		{"fresh", 100, 0, 100},
		{"partially used", 100, 40, 60},
		{"at limit", 100, 100, 0},
		{"over limit never negative", 3, 5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestStore(t, nil)
			recordDeliveries(t, store, tt.delivered)
			l := newTestLimiter(store, &Config{DailyLimit: tt.limit})

			q, err := l.Remaining(context.Background(), "user-1", "org-1")
			if err != nil {
				t.Fatalf("Remaining() error = %v", err)
			}
			if q.Remaining != tt.want {
				t.Errorf("Remaining = %d, want %d", q.Remaining, tt.want)
			}
			if q.Limit != tt.limit || q.Used != tt.delivered {
				t.Errorf("Quota = %+v", q)
			}
			wantReset := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
			if !q.ResetAt.Equal(wantReset) {
				t.Errorf("ResetAt = %v, want %v", q.ResetAt, wantReset)
			}
		})
	}
}

func TestLimiter_ResetAtInReferenceTimezone(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	l := newTestLimiter(setupTestStore(t, loc), nil)

	q, err := l.Remaining(context.Background(), "u", "o")
	if err != nil {
		t.Fatalf("Remaining() error = %v", err)
	}
	want := time.Date(2026, 10, 19, 0, 0, 0, 0, loc)
	if !q.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", q.ResetAt, want)
	}
}

func TestLimiter_CanSend(t *testing.T) {
	store := setupTestStore(t, nil)
	recordDeliveries(t, store, 98)
	l := newTestLimiter(store, &Config{DailyLimit: 100})
	ctx := context.Background()

	tests := []struct {
		n    int
		want bool
	}{
		{1, true},
		{2, true},
		{3, false},
	}
	for _, tt := range tests {
		got, err := l.CanSend(ctx, "user-1", "org-1", tt.n)
		if err != nil {
			t.Fatalf("CanSend(%d) error = %v", tt.n, err)
		}
		if got != tt.want {
			t.Errorf("CanSend(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}

	// other tenants are unaffected
	if ok, _ := l.CanSend(ctx, "user-2", "org-1", 100); !ok {
		t.Error("CanSend() for other user = false, want true")
	}
}

func TestLimiter_ReserveAtLimit(t *testing.T) {
	store := setupTestStore(t, nil)
	recordDeliveries(t, store, 100)
	l := newTestLimiter(store, &Config{DailyLimit: 100})

	if _, err := l.Reserve(context.Background(), "user-1", "org-1", 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Reserve() at limit error = %v, want ErrQuotaExceeded", err)
	}
}

func TestLimiter_ReserveCommitAndRelease(t *testing.T) {
	store := setupTestStore(t, nil)
	l := newTestLimiter(store, &Config{DailyLimit: 2})
	ctx := context.Background()

	r, err := l.Reserve(ctx, "user-1", "org-1", 2)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if ok, _ := l.CanSend(ctx, "user-1", "org-1", 1); ok {
		t.Error("CanSend() with quota fully reserved = true, want false")
	}

	ev := &models.DeliveryEvent{MessageID: "m1", Recipient: "a@example.com", Type: models.EventDelivery,
		Timestamp: testNow, UserID: "user-1", OrgID: "org-1"}
	if _, err := store.RecordDelivery(ctx, ev, &r.Key); err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}
	if err := r.Release(ctx, 1); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := r.Release(ctx, 1); err == nil {
		t.Error("Release() beyond reservation error = nil, want error")
	}

	q, _ := l.Remaining(ctx, "user-1", "org-1")
	if q.Used != 1 || q.Reserved != 0 || q.Remaining != 1 {
		t.Errorf("Quota = %+v, want used 1 reserved 0 remaining 1", q)
	}
}

type failingStore struct{}

func (failingStore) Usage(context.Context, models.UsageKey) (models.Usage, error) {
	return models.Usage{}, errors.New("disk gone")
}
func (failingStore) Reserve(context.Context, models.UsageKey, int, int) (bool, error) {
	return false, errors.New("disk gone")
}
func (failingStore) Release(context.Context, models.UsageKey, int) error { return nil }
func (failingStore) Location() *time.Location                          { return time.UTC }

func TestLimiter_FailsClosed(t *testing.T) {
	l := newTestLimiter(failingStore{}, nil)
	ctx := context.Background()

	ok, err := l.CanSend(ctx, "u", "o", 1)
	if ok || !errors.Is(err, ErrUnavailable) {
		t.Errorf("CanSend() = %v, %v; want false, ErrUnavailable", ok, err)
	}
	if _, err := l.Reserve(ctx, "u", "o", 1); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Reserve() error = %v, want ErrUnavailable", err)
	}
}
