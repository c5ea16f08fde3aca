package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/foxzi/outreach/internal/models"
)

// StatusCounter provides checkpoint counts for gauges
type StatusCounter interface {
	CountByStatus(ctx context.Context, orgID string) ([]models.StatusCount, error)
}

// Collector periodically refreshes gauges that are read from storage
type Collector struct {
	metrics   *Metrics
	counter   StatusCounter
	interval  time.Duration
	logger    *slog.Logger
	startTime time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(m *Metrics, counter StatusCounter, interval time.Duration, logger *slog.Logger) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:   m,
		counter:   counter,
		interval:  interval,
		logger:    logger.With("component", "metrics"),
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// Start starts background collection
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()

	c.Collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect updates all gauges once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.counter == nil {
		return
	}
	counts, err := c.counter.CountByStatus(ctx, "")
	if err != nil {
		c.logger.Warn("failed to count checkpoints", "error", err)
		return
	}

	c.metrics.CheckpointsByState.Reset()
	for _, sc := range counts {
		c.metrics.CheckpointsByState.WithLabelValues(string(sc.Status)).Set(float64(sc.Count))
	}
}
