package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Capture start reasons.
const (
	ReasonInitial  = "initial"
	ReasonRollover = "rollover"
	ReasonRestart  = "restart"
)

// Consolidation outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Metrics holds Prometheus counters and gauges for the archiver.
// All methods are safe to call on a nil *Metrics and then do nothing.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	captureStartsTotal   *prometheus.CounterVec
	captureCrashesTotal  prometheus.Counter
	rolloversTotal       prometheus.Counter
	captureUp            prometheus.Gauge
	consolidationsTotal  *prometheus.CounterVec
	consolidationsActive prometheus.Gauge
	retentionDeleted     prometheus.Counter
	retentionSweeps      prometheus.Counter
	orphanFilesTotal     prometheus.Counter
	orphanBytesTotal     prometheus.Counter
	eventsDroppedTotal   prometheus.Counter
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_http_requests_total",
			Help: "Total number of HTTP requests received by the status server",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		captureStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_capture_starts_total",
			Help: "Capture process starts by reason (initial, rollover, restart)",
		}, []string{"reason"}),
		captureCrashesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_capture_crashes_total",
			Help: "Capture processes found dead outside a planned stop",
		}),
		rolloversTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_bucket_rollovers_total",
			Help: "Hour bucket boundaries crossed",
		}),
		captureUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "archiver_capture_up",
			Help: "1 when a capture process is running, 0 otherwise",
		}),
		consolidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_consolidations_total",
			Help: "Finished consolidation jobs by outcome",
		}, []string{"outcome"}),
		consolidationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "archiver_consolidations_active",
			Help: "Consolidation jobs currently running",
		}),
		retentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_retention_deleted_total",
			Help: "Archive artifacts deleted for exceeding the retention window",
		}),
		retentionSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_retention_sweeps_total",
			Help: "Retention sweeps performed",
		}),
		orphanFilesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_orphan_files_deleted_total",
			Help: "Intermediate files removed by orphan reconciliation",
		}),
		orphanBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_orphan_bytes_deleted_total",
			Help: "Bytes freed by orphan reconciliation",
		}),
		eventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_events_dropped_total",
			Help: "Lifecycle events dropped because the event buffer was full",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.captureStartsTotal,
		m.captureCrashesTotal,
		m.rolloversTotal,
		m.captureUp,
		m.consolidationsTotal,
		m.consolidationsActive,
		m.retentionDeleted,
		m.retentionSweeps,
		m.orphanFilesTotal,
		m.orphanBytesTotal,
		m.eventsDroppedTotal,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncCaptureStarts counts a capture start for reason.
func (m *Metrics) IncCaptureStarts(reason string) {
	if m == nil {
		return
	}
	m.captureStartsTotal.WithLabelValues(reason).Inc()
}

// IncCaptureCrashes counts a capture process found dead.
func (m *Metrics) IncCaptureCrashes() {
	if m == nil {
		return
	}
	m.captureCrashesTotal.Inc()
}

// IncRollovers counts an hour boundary crossing.
func (m *Metrics) IncRollovers() {
	if m == nil {
		return
	}
	m.rolloversTotal.Inc()
}

// SetCaptureUp sets the capture-up gauge.
func (m *Metrics) SetCaptureUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.captureUp.Set(1)
	} else {
		m.captureUp.Set(0)
	}
}

// IncConsolidations counts a finished consolidation by outcome.
func (m *Metrics) IncConsolidations(outcome string) {
	if m == nil {
		return
	}
	m.consolidationsTotal.WithLabelValues(outcome).Inc()
}

// SetConsolidationsActive sets the active consolidation jobs gauge.
func (m *Metrics) SetConsolidationsActive(n int) {
	if m == nil {
		return
	}
	m.consolidationsActive.Set(float64(n))
}

// AddRetentionDeleted counts artifacts removed by a retention sweep.
func (m *Metrics) AddRetentionDeleted(n int) {
	if m == nil {
		return
	}
	m.retentionSweeps.Inc()
	m.retentionDeleted.Add(float64(n))
}

// AddOrphans counts files and bytes removed by orphan reconciliation.
func (m *Metrics) AddOrphans(files int, bytes int64) {
	if m == nil {
		return
	}
	m.orphanFilesTotal.Add(float64(files))
	m.orphanBytesTotal.Add(float64(bytes))
}

// IncEventsDropped counts a lifecycle event dropped on a full buffer.
func (m *Metrics) IncEventsDropped() {
	if m == nil {
		return
	}
	m.eventsDroppedTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
