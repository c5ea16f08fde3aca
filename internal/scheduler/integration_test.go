package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/outreach/internal/db"
	"github.com/foxzi/outreach/internal/delivery"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/provider"
	"github.com/foxzi/outreach/internal/provider/providertest"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/repository"
	"github.com/foxzi/outreach/internal/tracker"
)

func TestSchedulerWithRepository(t *testing.T) {
	ctx := context.Background()
	clock := func() time.Time { return fixedNow }

	d, err := db.New(filepath.Join(t.TempDir(), "outreach.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := d.Migrate(); err != nil {
		t.Fatal(err)
	}
	tr, err := tracker.Open(filepath.Join(t.TempDir(), "tracker.db"), tracker.Options{Now: clock})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	checkpoints := repository.NewCheckpointRepository(d.DB)
	leads := repository.NewLeadRepository(d.DB)
	limiter := ratelimit.NewLimiter(tr, &ratelimit.Config{DailyLimit: 10})
	limiter.SetClock(clock)
	fake := providertest.New("fake")
	registry := provider.NewRegistry()
	registry.Register(fake)

	orch := delivery.New(delivery.Config{Concurrency: 2, FromEmail: "team@example.com"}, delivery.Deps{
		Checkpoints: checkpoints,
		Leads:       leads,
		Templates:   repository.NewTemplateRepository(d.DB),
		Limiter:     limiter,
		Tracker:     tr,
		Providers:   registry,
		Logger:      testLogger(),
		Now:         clock,
	})

	// One checkpoint at 09:00 today, one the same time tomorrow
	newCheckpoint := func(date string) *models.Checkpoint {
		at, err := models.ResolveScheduledAt(date, "09:00", time.UTC)
		if err != nil {
			t.Fatal(err)
		}
		cp := &models.Checkpoint{CampaignID: "camp", OrgID: "org-1", UserID: "user-1", Name: date,
			ScheduledDate: date, TimeOfDay: "09:00", ScheduledAt: at}
		if err := checkpoints.Create(ctx, cp); err != nil {
			t.Fatal(err)
		}
		var ids []string
		for _, email := range []string{"a@example.com", "b@example.com"} {
			l := &models.Lead{OrgID: "org-1", Email: date + "." + email}
			if err := leads.Create(ctx, l); err != nil {
				t.Fatal(err)
			}
			ids = append(ids, l.ID)
		}
		if _, err := checkpoints.AttachLeads(ctx, cp.ID, ids); err != nil {
			t.Fatal(err)
		}
		if err := checkpoints.Activate(ctx, cp.ID); err != nil {
			t.Fatal(err)
		}
		return cp
	}
	today := newCheckpoint("2026-10-18")
	tomorrow := newCheckpoint("2026-10-19")

	s := newTestScheduler(Config{ClaimTTL: time.Hour}, checkpoints, orch)

	res, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Due != 1 || res.Completed != 1 {
		t.Errorf("result = %+v", res)
	}

	if status, _ := checkpoints.Status(ctx, today.ID); status != models.CheckpointCompleted {
		t.Errorf("today status = %v, want completed", status)
	}
	if status, _ := checkpoints.Status(ctx, tomorrow.ID); status != models.CheckpointActive {
		t.Errorf("tomorrow status = %v, want active", status)
	}
	if fake.Calls() != 2 {
		t.Errorf("provider calls = %d, want 2", fake.Calls())
	}

	// Completed checkpoints are not due again
	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if fake.Calls() != 2 {
		t.Errorf("provider calls after rerun = %d, want 2", fake.Calls())
	}

	q, err := limiter.Remaining(ctx, "user-1", "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if q.Used != 2 || q.Remaining != 8 {
		t.Errorf("quota = %+v, want 2 used 8 remaining", q)
	}
}

func TestSchedulerPausesAbandonedClaims(t *testing.T) {
	ctx := context.Background()

	d, err := db.New(filepath.Join(t.TempDir(), "outreach.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := d.Migrate(); err != nil {
		t.Fatal(err)
	}
	checkpoints := repository.NewCheckpointRepository(d.DB)

	cp := &models.Checkpoint{CampaignID: "camp", OrgID: "org-1", UserID: "user-1", Name: "stuck",
		ScheduledDate: "2026-10-18", TimeOfDay: "06:00", ScheduledAt: fixedNow.Add(-3 * time.Hour)}
	if err := checkpoints.Create(ctx, cp); err != nil {
		t.Fatal(err)
	}
	if err := checkpoints.Activate(ctx, cp.ID); err != nil {
		t.Fatal(err)
	}
	if ok, err := checkpoints.Claim(ctx, cp.ID, "crashed-instance", fixedNow.Add(-2*time.Hour)); !ok || err != nil {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}

	s := newTestScheduler(Config{ClaimTTL: time.Hour}, checkpoints, &stubDeliverer{})
	res, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Released != 1 {
		t.Errorf("released = %d, want 1", res.Released)
	}
	if status, _ := checkpoints.Status(ctx, cp.ID); status != models.CheckpointPaused {
		t.Errorf("status = %v, want paused", status)
	}
}
