package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/foxzi/outreach/internal/delivery"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/repository"
)

var fixedNow = time.Date(2026, 10, 18, 9, 5, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory checkpoint store with the same claim semantics as the repository
type memStore struct {
	mu          sync.Mutex
	checkpoints map[string]*models.Checkpoint
	findErr     error
	finished    map[string]models.CheckpointStatus
	cutoff      time.Time
}

func newMemStore(cps ...models.Checkpoint) *memStore {
	s := &memStore{checkpoints: make(map[string]*models.Checkpoint), finished: make(map[string]models.CheckpointStatus)}
	for i := range cps {
		cp := cps[i]
		s.checkpoints[cp.ID] = &cp
	}
	return s
}

func (s *memStore) FindDueActive(ctx context.Context, now time.Time) ([]models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	var due []models.Checkpoint
	for _, cp := range s.checkpoints {
		if cp.Status == models.CheckpointActive && !cp.ScheduledAt.After(now) {
			due = append(due, *cp)
		}
	}
	return due, nil
}

func (s *memStore) Claim(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.checkpoints[id]
	if cp == nil || cp.Status != models.CheckpointActive {
		return false, nil
	}
	cp.Status = models.CheckpointInProgress
	cp.ClaimedBy = owner
	return true, nil
}

func (s *memStore) Finish(ctx context.Context, id string, status models.CheckpointStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.checkpoints[id]
	if cp.Status != models.CheckpointInProgress {
		return fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, cp.Status, status)
	}
	cp.Status = status
	s.finished[id] = status
	return nil
}

func (s *memStore) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoff = cutoff
	return 0, nil
}

func (s *memStore) status(id string) models.CheckpointStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[id].Status
}

func (s *memStore) setStatus(id string, status models.CheckpointStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[id].Status = status
}

// stubDeliverer answers per checkpoint id
type stubDeliverer struct {
	mu       sync.Mutex
	calls    map[string]int
	answer   func(cp *models.Checkpoint) (*delivery.Outcome, error)
	inflight atomic.Int32
	peak     atomic.Int32
}

func (d *stubDeliverer) Deliver(ctx context.Context, cp *models.Checkpoint) (*delivery.Outcome, error) {
	n := d.inflight.Add(1)
	defer d.inflight.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}

	d.mu.Lock()
	if d.calls == nil {
		d.calls = make(map[string]int)
	}
	d.calls[cp.ID]++
	d.mu.Unlock()

	if d.answer != nil {
		return d.answer(cp)
	}
	return &delivery.Outcome{CheckpointID: cp.ID, Status: models.CheckpointCompleted}, nil
}

func (d *stubDeliverer) callCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

func checkpoint(id string, status models.CheckpointStatus, at time.Time) models.Checkpoint {
	return models.Checkpoint{ID: id, OrgID: "org-1", UserID: "user-1", Status: status, ScheduledAt: at}
}

func newTestScheduler(cfg Config, store Store, d Deliverer) *Scheduler {
	cfg.InstanceID = "test-instance"
	s := New(cfg, store, d, testLogger())
	s.SetClock(func() time.Time { return fixedNow })
	return s
}

func TestRunOnce_DeliversDueCheckpoints(t *testing.T) {
	store := newMemStore(
		checkpoint("due", models.CheckpointActive, fixedNow.Add(-5*time.Minute)),
		checkpoint("future", models.CheckpointActive, fixedNow.Add(time.Hour)),
		checkpoint("pending", models.CheckpointPending, fixedNow.Add(-time.Hour)),
		checkpoint("done", models.CheckpointCompleted, fixedNow.Add(-time.Hour)),
	)
	d := &stubDeliverer{}
	s := newTestScheduler(Config{}, store, d)

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if res.Due != 1 || res.Claimed != 1 || res.Completed != 1 {
		t.Errorf("result = %+v", res)
	}
	if got := store.status("due"); got != models.CheckpointCompleted {
		t.Errorf("due status = %v, want completed", got)
	}
	for _, id := range []string{"future", "pending", "done"} {
		if d.callCount(id) != 0 {
			t.Errorf("%s delivered, want skipped", id)
		}
	}

	// A second pass finds nothing to send
	res, err = s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if res.Due != 0 || d.callCount("due") != 1 {
		t.Errorf("second pass = %+v, calls = %d", res, d.callCount("due"))
	}
}

func TestRunOnce_FinalStatuses(t *testing.T) {
	tests := []struct {
		name   string
		answer func(cp *models.Checkpoint) (*delivery.Outcome, error)
		want   models.CheckpointStatus
	}{
		{
			name: "partial",
			answer: func(cp *models.Checkpoint) (*delivery.Outcome, error) {
				return &delivery.Outcome{Status: models.CheckpointPartiallyCompleted}, nil
			},
			want: models.CheckpointPartiallyCompleted,
		},
		{
			name: "delivery error pauses",
			answer: func(cp *models.Checkpoint) (*delivery.Outcome, error) {
				return nil, errors.New("template store down")
			},
			want: models.CheckpointPaused,
		},
		{
			name: "panic pauses",
			answer: func(cp *models.Checkpoint) (*delivery.Outcome, error) {
				panic("boom")
			},
			want: models.CheckpointPaused,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(checkpoint("cp", models.CheckpointActive, fixedNow))
			s := newTestScheduler(Config{}, store, &stubDeliverer{answer: tt.answer})

			if _, err := s.RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce() error = %v", err)
			}
			if got := store.status("cp"); got != tt.want {
				t.Errorf("status = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunOnce_OperatorPauseWins(t *testing.T) {
	store := newMemStore(checkpoint("cp", models.CheckpointActive, fixedNow))
	d := &stubDeliverer{answer: func(cp *models.Checkpoint) (*delivery.Outcome, error) {
		store.setStatus(cp.ID, models.CheckpointPaused)
		return &delivery.Outcome{Status: models.CheckpointCompleted}, nil
	}}
	s := newTestScheduler(Config{}, store, d)

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if got := store.status("cp"); got != models.CheckpointPaused {
		t.Errorf("status = %v, want paused", got)
	}
}

func TestRunOnce_StoreErrorEndsPass(t *testing.T) {
	store := newMemStore()
	store.findErr = errors.New("database is locked")
	s := newTestScheduler(Config{}, store, &stubDeliverer{})

	_, err := s.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}

	// The guard is released for the next pass
	store.findErr = nil
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Errorf("next RunOnce() error = %v", err)
	}
}

func TestRunOnce_ReleasesStaleClaims(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(Config{ClaimTTL: time.Hour}, store, &stubDeliverer{})

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if want := fixedNow.Add(-time.Hour); !store.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.cutoff, want)
	}
}

func TestRunOnce_SkipsOverlappingPass(t *testing.T) {
	store := newMemStore(checkpoint("cp", models.CheckpointActive, fixedNow))
	entered := make(chan struct{})
	release := make(chan struct{})
	d := &stubDeliverer{answer: func(cp *models.Checkpoint) (*delivery.Outcome, error) {
		close(entered)
		<-release
		return &delivery.Outcome{Status: models.CheckpointCompleted}, nil
	}}
	s := newTestScheduler(Config{}, store, d)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-entered

	if _, err := s.RunOnce(context.Background()); !errors.Is(err, ErrPassInProgress) {
		t.Errorf("overlapping RunOnce() error = %v, want ErrPassInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first RunOnce() error = %v", err)
	}
	if d.callCount("cp") != 1 {
		t.Errorf("calls = %d, want 1", d.callCount("cp"))
	}
}

func TestRunOnce_ParallelCheckpoints(t *testing.T) {
	var cps []models.Checkpoint
	for i := 0; i < 6; i++ {
		cps = append(cps, checkpoint(fmt.Sprintf("cp-%d", i), models.CheckpointActive, fixedNow))
	}
	store := newMemStore(cps...)
	d := &stubDeliverer{answer: func(cp *models.Checkpoint) (*delivery.Outcome, error) {
		time.Sleep(20 * time.Millisecond)
		return &delivery.Outcome{Status: models.CheckpointCompleted}, nil
	}}
	s := newTestScheduler(Config{MaxParallel: 3}, store, d)

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Completed != 6 {
		t.Errorf("completed = %d, want 6", res.Completed)
	}
	if peak := d.peak.Load(); peak > 3 {
		t.Errorf("peak parallel deliveries = %d, want <= 3", peak)
	}
}

func TestRunOnce_ClaimedElsewhere(t *testing.T) {
	store := newMemStore(checkpoint("cp", models.CheckpointActive, fixedNow))
	d := &stubDeliverer{}

	// Two schedulers race for the same checkpoint
	a := newTestScheduler(Config{}, store, d)
	b := newTestScheduler(Config{}, store, d)

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			if _, err := s.RunOnce(context.Background()); err != nil {
				t.Errorf("RunOnce() error = %v", err)
			}
		}(s)
	}
	wg.Wait()

	if d.callCount("cp") != 1 {
		t.Errorf("delivered %d times, want 1", d.callCount("cp"))
	}
}

func TestRun_IgnoresSchedule(t *testing.T) {
	store := newMemStore(
		checkpoint("future", models.CheckpointActive, fixedNow.Add(24*time.Hour)),
		checkpoint("pending", models.CheckpointPending, fixedNow.Add(-time.Hour)),
	)
	d := &stubDeliverer{}
	s := newTestScheduler(Config{}, store, d)

	cp := *store.checkpoints["future"]
	status, err := s.Run(context.Background(), &cp)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if status != models.CheckpointCompleted || store.status("future") != models.CheckpointCompleted {
		t.Errorf("status = %v, stored %v, want completed", status, store.status("future"))
	}

	pending := *store.checkpoints["pending"]
	if _, err := s.Run(context.Background(), &pending); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Run(pending) error = %v, want ErrNotClaimed", err)
	}
	if d.callCount("pending") != 0 {
		t.Error("pending checkpoint was delivered")
	}
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore(checkpoint("cp", models.CheckpointActive, fixedNow))
	d := &stubDeliverer{}
	s := newTestScheduler(Config{PollInterval: 10 * time.Millisecond}, store, d)

	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for store.status("cp") != models.CheckpointCompleted && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if got := store.status("cp"); got != models.CheckpointCompleted {
		t.Errorf("status = %v, want completed", got)
	}
}

func TestStopWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestScheduler(Config{}, newMemStore(), &stubDeliverer{})
	s.Stop()
}
