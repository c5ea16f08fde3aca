// Package scheduler finds due checkpoints and hands them to the delivery orchestrator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foxzi/outreach/internal/delivery"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/repository"
)

var (
	// ErrPassInProgress is returned by RunOnce while another pass of the same scheduler runs
	ErrPassInProgress = errors.New("scheduler pass already in progress")

	// ErrNotClaimed is returned by Run when the checkpoint is not active or is claimed elsewhere
	ErrNotClaimed = errors.New("checkpoint is not active or already claimed")
)

// Store is the part of the checkpoint store the scheduler drives
type Store interface {
	FindDueActive(ctx context.Context, now time.Time) ([]models.Checkpoint, error)
	Claim(ctx context.Context, id, owner string, now time.Time) (bool, error)
	Finish(ctx context.Context, id string, status models.CheckpointStatus) error
	ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
}

// Deliverer sends one claimed checkpoint
type Deliverer interface {
	Deliver(ctx context.Context, cp *models.Checkpoint) (*delivery.Outcome, error)
}

// Config holds scheduler configuration
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval" split_words:"true"`
	// Claims older than this are treated as abandoned by a crashed instance
	ClaimTTL    time.Duration `yaml:"claim_ttl" split_words:"true"`
	MaxParallel int           `yaml:"max_parallel" split_words:"true"`
	InstanceID  string        `yaml:"instance_id" split_words:"true"`
}

// PassResult summarizes one scheduler pass
type PassResult struct {
	Due       int `json:"due"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Partial   int `json:"partially_completed"`
	Paused    int `json:"paused"`
	Released  int `json:"released"` // stale claims moved to paused
}

// Scheduler periodically delivers due checkpoints
type Scheduler struct {
	store     Store
	deliverer Deliverer
	logger    *slog.Logger
	now       func() time.Time

	pollInterval time.Duration
	claimTTL     time.Duration
	maxParallel  int
	instanceID   string

	running atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler
func New(cfg Config, store Store, deliverer Deliverer, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	return &Scheduler{
		store:        store,
		deliverer:    deliverer,
		logger:       logger.With("component", "scheduler"),
		now:          time.Now,
		pollInterval: cfg.PollInterval,
		claimTTL:     cfg.ClaimTTL,
		maxParallel:  cfg.MaxParallel,
		instanceID:   cfg.InstanceID,
	}
}

// SetClock replaces the time source
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start starts the polling loop. The first pass runs immediately.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info("scheduler started",
		"poll_interval", s.pollInterval,
		"max_parallel", s.maxParallel,
		"instance_id", s.instanceID,
	)
}

// Stop stops the scheduler and waits for the current pass to finish
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.logger.Info("stopping scheduler...")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrPassInProgress) && ctx.Err() == nil {
			s.logger.Error("scheduler pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass: release stale claims, then claim, deliver and
// finish every due checkpoint. Store errors end the pass early; the next pass retries.
func (s *Scheduler) RunOnce(ctx context.Context) (*PassResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrPassInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	result := &PassResult{}
	now := s.now()

	if s.claimTTL > 0 {
		released, err := s.store.ReleaseStaleClaims(ctx, now.Add(-s.claimTTL))
		if err != nil {
			return result, fmt.Errorf("failed to release stale claims: %w", err)
		}
		if released > 0 {
			result.Released = int(released)
			s.logger.Warn("paused checkpoints with stale claims", "count", released)
		}
	}

	due, err := s.store.FindDueActive(ctx, now)
	if err != nil {
		return result, fmt.Errorf("failed to find due checkpoints: %w", err)
	}
	result.Due = len(due)
	if len(due) > 0 {
		s.logger.Info("found due checkpoints", "count", len(due))
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.maxParallel)

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		cp := due[i]
		g.Go(func() error {
			status, claimed := s.process(ctx, &cp)
			if !claimed {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			result.Claimed++
			switch status {
			case models.CheckpointCompleted:
				result.Completed++
			case models.CheckpointPartiallyCompleted:
				result.Partial++
			default:
				result.Paused++
			}
			return nil
		})
	}
	g.Wait()

	metrics.ObserveSchedulerPass(time.Since(start).Seconds(), len(due))
	return result, ctx.Err()
}

// Run delivers one checkpoint now, ignoring its schedule. The checkpoint must be active.
func (s *Scheduler) Run(ctx context.Context, cp *models.Checkpoint) (models.CheckpointStatus, error) {
	status, claimed := s.process(ctx, cp)
	if !claimed {
		return "", ErrNotClaimed
	}
	return status, nil
}

// process claims one checkpoint and always releases the claim it took
func (s *Scheduler) process(ctx context.Context, cp *models.Checkpoint) (models.CheckpointStatus, bool) {
	logger := s.logger.With("checkpoint_id", cp.ID)

	claimed, err := s.store.Claim(ctx, cp.ID, s.instanceID, s.now())
	if err != nil {
		logger.Error("failed to claim checkpoint", "error", err)
		return "", false
	}
	if !claimed {
		logger.Debug("checkpoint claimed elsewhere, skipping")
		return "", false
	}
	cp.Status = models.CheckpointInProgress

	status := s.deliver(ctx, cp, logger)

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.store.Finish(finishCtx, cp.ID, status); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			logger.Info("checkpoint changed by operator during delivery, keeping its status", "wanted", status)
		} else {
			logger.Error("failed to finish checkpoint", "status", status, "error", err)
		}
		return status, true
	}

	metrics.IncCheckpointFinished(string(status))
	return status, true
}

func (s *Scheduler) deliver(ctx context.Context, cp *models.Checkpoint, logger *slog.Logger) (status models.CheckpointStatus) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("checkpoint delivery panicked", "panic", r)
			status = models.CheckpointPaused
		}
	}()

	outcome, err := s.deliverer.Deliver(ctx, cp)
	if err != nil {
		logger.Error("checkpoint delivery failed", "error", err)
		return models.CheckpointPaused
	}
	return outcome.Status
}
