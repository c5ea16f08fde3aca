package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Lead outcome labels
const (
	OutcomeSent        = "sent"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted" // left pending by a cancelled delivery
)

// Metrics holds all Prometheus metrics for outreach
type Metrics struct {
	// Delivery counters
	CheckpointsFinishedTotal *prometheus.CounterVec
	LeadsProcessedTotal      *prometheus.CounterVec
	RateLimitDeniedTotal     *prometheus.CounterVec
	EventsRecordedTotal      *prometheus.CounterVec
	WebhooksReceivedTotal    *prometheus.CounterVec

	// Latencies
	ProviderSendDurationSeconds *prometheus.HistogramVec
	SchedulerPassDurationSeconds prometheus.Histogram

	// Scheduler gauges
	DueCheckpoints     prometheus.Gauge
	CheckpointsByState *prometheus.GaugeVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CheckpointsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_checkpoints_finished_total",
				Help: "Checkpoints released by the scheduler, by final status",
			},
			[]string{"status"},
		),
		LeadsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_leads_processed_total",
				Help: "Checkpoint leads processed, by outcome and failure reason",
			},
			[]string{"outcome", "reason"},
		),
		RateLimitDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_rate_limit_denied_total",
				Help: "Sends denied by the daily quota",
			},
			[]string{"reason"},
		),
		EventsRecordedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_events_recorded_total",
				Help: "Delivery events appended to the tracker",
			},
			[]string{"type"},
		),
		WebhooksReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_webhooks_received_total",
				Help: "Provider confirmation webhooks, by provider and result",
			},
			[]string{"provider", "result"},
		),

		ProviderSendDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreach_provider_send_duration_seconds",
				Help:    "Provider send call duration",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "result"},
		),
		SchedulerPassDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outreach_scheduler_pass_duration_seconds",
				Help:    "Duration of one scheduler pass",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
			},
		),

		DueCheckpoints: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_due_checkpoints",
				Help: "Active checkpoints found due by the last scheduler pass",
			},
		),
		CheckpointsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "outreach_checkpoints",
				Help: "Checkpoints per lifecycle status",
			},
			[]string{"status"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreach_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_uptime_seconds",
				Help: "Time since process start in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_goroutines",
				Help: "Number of running goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.CheckpointsFinishedTotal,
		m.LeadsProcessedTotal,
		m.RateLimitDeniedTotal,
		m.EventsRecordedTotal,
		m.WebhooksReceivedTotal,
		m.ProviderSendDurationSeconds,
		m.SchedulerPassDurationSeconds,
		m.DueCheckpoints,
		m.CheckpointsByState,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncCheckpointFinished counts a checkpoint released with status
func IncCheckpointFinished(status string) {
	if m := Global(); m != nil {
		m.CheckpointsFinishedTotal.WithLabelValues(status).Inc()
	}
}

// IncLeadProcessed counts one lead outcome; reason is empty for successes
func IncLeadProcessed(outcome, reason string) {
	if m := Global(); m != nil {
		m.LeadsProcessedTotal.WithLabelValues(outcome, reason).Inc()
	}
}

// IncRateLimitDenied counts a send denied by the quota
func IncRateLimitDenied(reason string) {
	if m := Global(); m != nil {
		m.RateLimitDeniedTotal.WithLabelValues(reason).Inc()
	}
}

// IncEventRecorded counts an appended delivery event
func IncEventRecorded(eventType string) {
	if m := Global(); m != nil {
		m.EventsRecordedTotal.WithLabelValues(eventType).Inc()
	}
}

// IncWebhookReceived counts a confirmation webhook
func IncWebhookReceived(provider, result string) {
	if m := Global(); m != nil {
		m.WebhooksReceivedTotal.WithLabelValues(provider, result).Inc()
	}
}

// ObserveProviderSend records a provider call duration
func ObserveProviderSend(provider, result string, seconds float64) {
	if m := Global(); m != nil {
		m.ProviderSendDurationSeconds.WithLabelValues(provider, result).Observe(seconds)
	}
}

// ObserveSchedulerPass records a scheduler pass duration and the number of due checkpoints
func ObserveSchedulerPass(seconds float64, due int) {
	if m := Global(); m != nil {
		m.SchedulerPassDurationSeconds.Observe(seconds)
		m.DueCheckpoints.Set(float64(due))
	}
}
