package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hdshock/mangafixer/internal/domain"
	"github.com/hdshock/mangafixer/internal/eventbus"
	"github.com/hdshock/mangafixer/internal/logger"
)

// MetricsService exposes Prometheus metrics derived from pass events.
type MetricsService struct {
	eventBus eventbus.Publisher
	registry *prometheus.Registry

	// Counters
	passesTotal     *prometheus.CounterVec
	archivesTotal   *prometheus.CounterVec
	commitsTotal    prometheus.Counter
	committedTotal  prometheus.Counter
	failedArchives  prometheus.Counter
	recordsInjected prometheus.Counter

	// Gauges
	passRunning   prometheus.Gauge
	passProgress  prometheus.Gauge
	lastPassTime  prometheus.Gauge
	lastPassFound prometheus.Gauge

	// Histograms
	passDuration prometheus.Histogram
}

// NewMetricsService creates the metrics and registers them, together with the
// Go runtime and process collectors, on a dedicated registry.
func NewMetricsService(eb eventbus.Publisher) *MetricsService {
	m := &MetricsService{
		eventBus: eb,
		registry: prometheus.NewRegistry(),

		passesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mangafixer_passes_total",
				Help: "Total number of library passes by outcome",
			},
			[]string{"outcome"}, // completed, failed
		),

		archivesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mangafixer_archives_processed_total",
				Help: "Total number of archives processed by outcome",
			},
			[]string{"outcome"}, // added, already_present, failed
		),

		commitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mangafixer_ledger_commits_total",
				Help: "Total number of ledger batch commits",
			},
		),

		committedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mangafixer_ledger_committed_paths_total",
				Help: "Total number of paths written to the ledger",
			},
		),

		failedArchives: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mangafixer_archive_failures_total",
				Help: "Total number of archives that could not be read or rewritten",
			},
		),

		recordsInjected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mangafixer_records_injected_total",
				Help: "Total number of ComicInfo.xml records written",
			},
		),

		passRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mangafixer_pass_running",
				Help: "1 while a pass is in progress",
			},
		),

		passProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mangafixer_pass_progress_ratio",
				Help: "Fraction of the current pass's candidates completed (0-1)",
			},
		),

		lastPassTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mangafixer_last_pass_timestamp_seconds",
				Help: "Unix time at which the last pass finished",
			},
		),

		lastPassFound: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mangafixer_last_pass_candidates",
				Help: "Archives that were not yet in the ledger during the last pass",
			},
		),

		passDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mangafixer_pass_duration_seconds",
				Help:    "Duration of passes in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~2h
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.passesTotal,
		m.archivesTotal,
		m.commitsTotal,
		m.committedTotal,
		m.failedArchives,
		m.recordsInjected,
		m.passRunning,
		m.passProgress,
		m.lastPassTime,
		m.lastPassFound,
		m.passDuration,
	)

	return m
}

// Start subscribes to events and updates metrics
func (m *MetricsService) Start() {
	m.eventBus.Subscribe(domain.PassStarted, m.handlePassStarted)
	m.eventBus.Subscribe(domain.PassProgress, m.handlePassProgress)
	m.eventBus.Subscribe(domain.RecordAdded, m.handleRecordAdded)
	m.eventBus.Subscribe(domain.ArchiveFailed, m.handleArchiveFailed)
	m.eventBus.Subscribe(domain.BatchCommitted, m.handleBatchCommitted)
	m.eventBus.Subscribe(domain.PassCompleted, m.handlePassCompleted)
	m.eventBus.Subscribe(domain.PassFailed, m.handlePassFailed)

	logger.Debugf("Metrics service started")
}

// Registry returns the registry the metrics live on.
func (m *MetricsService) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler for /metrics endpoint
func (m *MetricsService) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Event handlers

func (m *MetricsService) handlePassStarted(event domain.Event) {
	m.passRunning.Set(1)
	m.passProgress.Set(0)
}

func (m *MetricsService) handlePassProgress(event domain.Event) {
	if p, ok := event.ParseProgressData(); ok {
		m.passProgress.Set(p.Fraction())
	}
}

func (m *MetricsService) handleRecordAdded(event domain.Event) {
	m.recordsInjected.Inc()
}

func (m *MetricsService) handleArchiveFailed(event domain.Event) {
	m.failedArchives.Inc()
}

func (m *MetricsService) handleBatchCommitted(event domain.Event) {
	m.commitsTotal.Inc()
	m.committedTotal.Add(float64(event.GetInt64Or("size", 0)))
}

func (m *MetricsService) handlePassCompleted(event domain.Event) {
	m.passesTotal.WithLabelValues("completed").Inc()
	m.passProgress.Set(1)
	m.finishPass(event)
}

func (m *MetricsService) handlePassFailed(event domain.Event) {
	m.passesTotal.WithLabelValues("failed").Inc()
	m.finishPass(event)
}

func (m *MetricsService) finishPass(event domain.Event) {
	m.passRunning.Set(0)
	m.lastPassTime.Set(float64(event.CreatedAt.Unix()))

	summary, ok := event.ParsePassSummary()
	if !ok {
		return
	}
	m.lastPassFound.Set(float64(summary.Candidates))
	m.archivesTotal.WithLabelValues("added").Add(float64(summary.Added))
	m.archivesTotal.WithLabelValues("already_present").Add(float64(summary.AlreadyPresent))
	m.archivesTotal.WithLabelValues("failed").Add(float64(summary.Failed))
	if summary.DurationSecs > 0 {
		m.passDuration.Observe(summary.DurationSecs)
	}
}
