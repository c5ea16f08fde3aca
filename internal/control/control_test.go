package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/outreach/internal/db"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/repository"
)

type testEnv struct {
	svc         *Service
	checkpoints *repository.CheckpointRepository
	leads       *repository.LeadRepository
}

func newTestEnv(t *testing.T, loc *time.Location) *testEnv {
	t.Helper()

	d, err := db.New(filepath.Join(t.TempDir(), "outreach.db"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	checkpoints := repository.NewCheckpointRepository(d.DB)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		svc:         New(checkpoints, repository.NewAuditRepository(d.DB), loc, logger),
		checkpoints: checkpoints,
		leads:       repository.NewLeadRepository(d.DB),
	}
}

func (e *testEnv) create(t *testing.T) *models.Checkpoint {
	t.Helper()
	cp := &models.Checkpoint{
		CampaignID:    "camp-1",
		OrgID:         "org-1",
		UserID:        "user-1",
		Name:          "Intro",
		ScheduledDate: "2026-10-20",
		TimeOfDay:     "09:30",
	}
	if err := e.svc.Create(context.Background(), "alice", cp); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return cp
}

func TestService_CreateResolvesScheduleInLocation(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	env := newTestEnv(t, loc)
	cp := env.create(t)

	want := time.Date(2026, 10, 20, 7, 30, 0, 0, time.UTC)
	if !cp.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", cp.ScheduledAt, want)
	}
	if cp.Status != models.CheckpointPending {
		t.Errorf("Status = %v, want pending", cp.Status)
	}
}

func TestService_CreateValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		cp   models.Checkpoint
	}{
		{"missing org", models.Checkpoint{CampaignID: "c", UserID: "u", ScheduledDate: "2026-10-20", TimeOfDay: "09:00"}},
		{"bad date", models.Checkpoint{CampaignID: "c", OrgID: "o", UserID: "u", ScheduledDate: "20-10-2026", TimeOfDay: "09:00"}},
		{"bad time", models.Checkpoint{CampaignID: "c", OrgID: "o", UserID: "u", ScheduledDate: "2026-10-20", TimeOfDay: "9am"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := tt.cp
			if err := env.svc.Create(context.Background(), "alice", &cp); err == nil {
				t.Error("Create() expected error")
			}
		})
	}
}

func TestService_LifecycleIsAudited(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	cp := env.create(t)

	if err := env.svc.Resume(ctx, "alice", cp.ID); !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("Resume(pending) error = %v, want ErrInvalidTransition", err)
	}
	if err := env.svc.Activate(ctx, "alice", cp.ID); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if err := env.svc.Pause(ctx, "bob", cp.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if err := env.svc.Resume(ctx, "", cp.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	entries, err := env.svc.History(ctx, cp.ID, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	wantActions := []string{ActionResume, ActionPause, ActionActivate, ActionCreate}
	if len(entries) != len(wantActions) {
		t.Fatalf("len(History) = %d, want %d", len(entries), len(wantActions))
	}
	for i, want := range wantActions {
		if entries[i].Action != want {
			t.Errorf("entries[%d].Action = %q, want %q", i, entries[i].Action, want)
		}
	}
	if entries[0].Actor != "system" {
		t.Errorf("empty actor recorded as %q, want system", entries[0].Actor)
	}
	if entries[1].Actor != "bob" {
		t.Errorf("pause actor = %q, want bob", entries[1].Actor)
	}
}

func TestService_AttachAndShow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	cp := env.create(t)

	var ids []string
	for _, email := range []string{"a@example.com", "b@example.com"} {
		l := &models.Lead{OrgID: "org-1", Email: email}
		if err := env.leads.Create(ctx, l); err != nil {
			t.Fatalf("lead Create() error = %v", err)
		}
		ids = append(ids, l.ID)
	}

	n, err := env.svc.Attach(ctx, "alice", cp.ID, ids)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Attach() = %d, want 2", n)
	}
	if n, _ := env.svc.Attach(ctx, "alice", cp.ID, ids); n != 0 {
		t.Errorf("second Attach() = %d, want 0", n)
	}

	d, err := env.svc.Show(ctx, cp.ID, false)
	if err != nil {
		t.Fatalf("Show() error = %v", err)
	}
	if d.Stats.Total != 2 || d.Stats.Pending != 2 {
		t.Errorf("Stats = %+v, want 2 pending", d.Stats)
	}
	if d.Leads != nil {
		t.Errorf("Leads = %v, want none without withLeads", d.Leads)
	}

	d, err = env.svc.Show(ctx, cp.ID, true)
	if err != nil {
		t.Fatalf("Show(withLeads) error = %v", err)
	}
	if len(d.Leads) != 2 || d.Leads[0].Email != "a@example.com" {
		t.Errorf("Leads = %+v", d.Leads)
	}

	if _, err := env.svc.Show(ctx, "missing", false); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Show(missing) error = %v, want ErrNotFound", err)
	}
}

func TestService_Retry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	cp := env.create(t)

	l := &models.Lead{OrgID: "org-1", Email: "a@example.com"}
	if err := env.leads.Create(ctx, l); err != nil {
		t.Fatalf("lead Create() error = %v", err)
	}
	if _, err := env.svc.Attach(ctx, "alice", cp.ID, []string{l.ID}); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := env.svc.Activate(ctx, "alice", cp.ID); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if ok, err := env.checkpoints.Claim(ctx, cp.ID, "test", time.Now()); err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}
	leads, _ := env.checkpoints.FindLeadsOf(ctx, cp.ID)
	if err := env.checkpoints.MarkFailed(ctx, leads[0].ID, models.ReasonRateLimitExceeded); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if err := env.checkpoints.Finish(ctx, cp.ID, models.CheckpointPaused); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	n, err := env.svc.Retry(ctx, "alice", cp.ID, "key-1", []string{models.ReasonRateLimitExceeded})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Retry() = %d, want 1", n)
	}
	if _, err := env.svc.Retry(ctx, "alice", cp.ID, "key-1", nil); !errors.Is(err, repository.ErrDuplicateRetry) &&
		!errors.Is(err, repository.ErrInvalidTransition) {
		t.Errorf("repeated Retry() error = %v", err)
	}

	entries, _ := env.svc.History(ctx, cp.ID, 1)
	if len(entries) != 1 || entries[0].Action != ActionRetry {
		t.Fatalf("latest audit entry = %+v, want retry", entries)
	}
	if !strings.Contains(entries[0].Details, "key=key-1 reset=1") {
		t.Errorf("Details = %q", entries[0].Details)
	}
}
