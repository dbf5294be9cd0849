// Package metrics exposes Prometheus instrumentation for the sync engine.
//
// Collectors live on a per-instance registry rather than the global default
// so several engines (and tests) can coexist in one process. Every method is
// safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "replica"
	subsystem = "sync"
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeDeferred = "deferred"
	OutcomeSkipped  = "skipped"
)

// Metrics holds the sync collectors and their registry.
type Metrics struct {
	registry *prometheus.Registry

	uploadedTotal     *prometheus.CounterVec
	downloadedTotal   *prometheus.CounterVec
	conflictsTotal    *prometheus.CounterVec
	compressedTotal   *prometheus.CounterVec
	pendingChanges    *prometheus.GaugeVec
	cycleDuration     *prometheus.HistogramVec
	fullSyncDuration  *prometheus.HistogramVec
	fullSyncPages     *prometheus.CounterVec
	pollInterval      prometheus.Gauge
	lastSequenceID    prometheus.Gauge
	authPaused        prometheus.Gauge
	duplicatePages    prometheus.Counter
	historicalUploads *prometheus.CounterVec
}

// New registers the sync collectors plus the Go and process collectors on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		uploadedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "uploaded_changes_total",
			Help:      "Compressed changes acknowledged by the server",
		}, []string{"table", "operation"}),
		downloadedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "downloaded_changes_total",
			Help:      "Remote changes applied locally",
		}, []string{"table", "action"}),
		conflictsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "conflicts_total",
			Help:      "Unresolved conflicts recorded",
		}, []string{"table", "source"}),
		compressedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "compressed_entries_total",
			Help:      "Change-log entries folded away by compression",
		}, []string{"table"}),
		pendingChanges: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_changes",
			Help:      "Pending change-log entries per table",
		}, []string{"table"}),
		cycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of incremental sync cycles",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"outcome"}),
		fullSyncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "full_sync_duration_seconds",
			Help:      "Duration of full table reconciliations",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"table", "strategy", "outcome"}),
		fullSyncPages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "full_sync_pages_total",
			Help:      "Full-sync pages fetched",
		}, []string{"table"}),
		pollInterval: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "poll_interval_seconds",
			Help:      "Current adaptive polling interval",
		}),
		lastSequenceID: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_sequence_id",
			Help:      "Persisted remote change cursor",
		}),
		authPaused: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_paused",
			Help:      "1 while sync is paused waiting for credentials",
		}),
		duplicatePages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duplicate_pages_total",
			Help:      "Full-sync pages skipped by checksum",
		}),
		historicalUploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "historical_uploads_total",
			Help:      "Pre-existing rows uploaded once and back-filled",
		}, []string{"table"}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Uploaded(table, op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.uploadedTotal.WithLabelValues(table, op).Add(float64(n))
}

func (m *Metrics) Downloaded(table, action string) {
	if m == nil {
		return
	}
	m.downloadedTotal.WithLabelValues(table, action).Inc()
}

func (m *Metrics) Conflict(table, source string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(table, source).Inc()
}

func (m *Metrics) Compressed(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.compressedTotal.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) SetPending(table string, n int) {
	if m == nil {
		return
	}
	m.pendingChanges.WithLabelValues(table).Set(float64(n))
}

func (m *Metrics) ObserveCycle(d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveFullSync(table, strategy string, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.fullSyncDuration.WithLabelValues(table, strategy, outcome).Observe(d.Seconds())
}

func (m *Metrics) FullSyncPage(table string) {
	if m == nil {
		return
	}
	m.fullSyncPages.WithLabelValues(table).Inc()
}

func (m *Metrics) DuplicatePage() {
	if m == nil {
		return
	}
	m.duplicatePages.Inc()
}

func (m *Metrics) HistoricalUploaded(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.historicalUploads.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) SetPollInterval(d time.Duration) {
	if m == nil {
		return
	}
	m.pollInterval.Set(d.Seconds())
}

func (m *Metrics) SetLastSequenceID(id int64) {
	if m == nil {
		return
	}
	m.lastSequenceID.Set(float64(id))
}

func (m *Metrics) SetAuthPaused(paused bool) {
	if m == nil {
		return
	}
	v := 0.0
	if paused {
		v = 1
	}
	m.authPaused.Set(v)
}
