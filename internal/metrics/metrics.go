package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/eventbus"
	"github.com/mescon/Requestarr/internal/integration"
	"github.com/mescon/Requestarr/internal/logger"
)

// MetricsService exposes Prometheus metrics for Requestarr
type MetricsService struct {
	eventBus eventbus.Publisher
	registry *prometheus.Registry

	// Counters
	requestTransitions *prometheus.CounterVec
	syncRunsTotal      *prometheus.CounterVec
	syncOutcomesTotal  *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec

	// Gauges
	lastSyncTimestamp prometheus.Gauge
	lastSyncProcessed prometheus.Gauge

	// Histograms
	syncDuration prometheus.Histogram

	mu         sync.Mutex
	lastSyncAt time.Time
}

// NewMetricsService registers every collector on reg. A nil reg gets a
// private registry, so tests never touch the global one.
func NewMetricsService(eb eventbus.Publisher, reg *prometheus.Registry) *MetricsService {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &MetricsService{
		eventBus: eb,
		registry: reg,

		requestTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requestarr_request_transitions_total",
				Help: "Total number of request status transitions by new status",
			},
			[]string{"status"},
		),

		syncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requestarr_sync_runs_total",
				Help: "Total number of sync passes by trigger",
			},
			[]string{"trigger"}, // manual, scheduled, bulk_approve
		),

		syncOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requestarr_sync_requests_total",
				Help: "Requests touched by sync passes, by resulting outcome",
			},
			[]string{"outcome"},
		),

		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requestarr_notifications_total",
				Help: "Total number of notification deliveries by outcome and channel",
			},
			[]string{"outcome", "channel"},
		),

		lastSyncTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "requestarr_last_sync_timestamp_seconds",
				Help: "Unix time the last sync pass completed",
			},
		),

		lastSyncProcessed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "requestarr_last_sync_processed",
				Help: "Requests processed by the last sync pass",
			},
		),

		syncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "requestarr_sync_duration_seconds",
				Help:    "Duration of sync passes in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
			},
		),
	}

	reg.MustRegister(
		m.requestTransitions,
		m.syncRunsTotal,
		m.syncOutcomesTotal,
		m.notificationsTotal,
		m.lastSyncTimestamp,
		m.lastSyncProcessed,
		m.syncDuration,
	)

	return m
}

// RegisterBreakers exports provider circuit breaker state, read at scrape
// time.
func (m *MetricsService) RegisterBreakers(breakers *integration.CircuitBreakerRegistry) {
	if breakers == nil {
		return
	}
	m.registry.MustRegister(&breakerCollector{breakers: breakers})
}

// Start subscribes to events and updates metrics
func (m *MetricsService) Start() {
	eventbus.SubscribeLifecycle(m.eventBus, m.handleLifecycle)
	m.eventBus.Subscribe(domain.SyncCompleted, m.handleSyncCompleted)
	m.eventBus.Subscribe(domain.NotificationSent, m.handleNotification("sent"))
	m.eventBus.Subscribe(domain.NotificationFailed, m.handleNotification("failed"))
	m.eventBus.Subscribe(domain.NotificationSkipped, m.handleNotification("skipped"))

	logger.Infof("Metrics service started")
}

// Handler returns the Prometheus HTTP handler for /metrics endpoint
func (m *MetricsService) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// LastSync returns when the most recent sync pass completed, zero if none
// has since startup.
func (m *MetricsService) LastSync() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSyncAt
}

// Event handlers

func (m *MetricsService) handleLifecycle(event domain.Event) {
	status := event.GetStringOr("status", "")
	if status == "" {
		return
	}
	m.requestTransitions.WithLabelValues(status).Inc()
}

var syncOutcomeKeys = []string{"available", "partially_available", "downloading", "removed", "errors"}

func (m *MetricsService) handleSyncCompleted(event domain.Event) {
	m.syncRunsTotal.WithLabelValues(event.GetStringOr("trigger", "unknown")).Inc()
	for _, key := range syncOutcomeKeys {
		if n := event.GetInt64Or(key, 0); n > 0 {
			m.syncOutcomesTotal.WithLabelValues(key).Add(float64(n))
		}
	}
	m.lastSyncProcessed.Set(event.GetFloat64Or("processed", 0))
	m.syncDuration.Observe(event.GetFloat64Or("duration_ms", 0) / 1000)

	completed := event.CreatedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	m.lastSyncTimestamp.Set(float64(completed.Unix()))
	m.mu.Lock()
	m.lastSyncAt = completed
	m.mu.Unlock()
}

func (m *MetricsService) handleNotification(outcome string) func(domain.Event) {
	return func(event domain.Event) {
		m.notificationsTotal.WithLabelValues(outcome, event.GetStringOr("channel", "unknown")).Inc()
	}
}

// breakerCollector reports 0 closed, 1 open, 2 half-open per provider.
type breakerCollector struct {
	breakers *integration.CircuitBreakerRegistry
}

var breakerStateDesc = prometheus.NewDesc(
	"requestarr_provider_circuit_state",
	"Provider circuit breaker state (0 closed, 1 open, 2 half-open)",
	[]string{"provider"}, nil,
)

var breakerFailuresDesc = prometheus.NewDesc(
	"requestarr_provider_failures_total",
	"Failed provider calls recorded by the circuit breaker",
	[]string{"provider"}, nil,
)

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- breakerStateDesc
	ch <- breakerFailuresDesc
}

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for name, stats := range c.breakers.AllStats() {
		ch <- prometheus.MustNewConstMetric(breakerStateDesc, prometheus.GaugeValue, float64(stats.State), name)
		ch <- prometheus.MustNewConstMetric(breakerFailuresDesc, prometheus.CounterValue, float64(stats.TotalFailures), name)
	}
}
