// Package metrics holds the Prometheus collectors of the sync core. Each
// Metrics owns its registry so instances never collide in tests.
package metrics

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notesync"

// Run outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Metrics holds Prometheus metrics for the sync core.
type Metrics struct {
	registry *prometheus.Registry

	SyncRuns          *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
	NotesUploaded     *prometheus.CounterVec
	NotesFailed       *prometheus.CounterVec
	NotesDownloaded   *prometheus.CounterVec
	NotesMaterialized *prometheus.CounterVec
	TokenRefreshes    *prometheus.CounterVec
	DBConnPoolStats   *prometheus.GaugeVec
}

// New creates a metrics instance on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SyncRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "runs_total",
				Help:      "Total number of sync runs by outcome",
			},
			[]string{"kb", "outcome"},
		),
		SyncDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "run_duration_seconds",
				Help:      "Sync run duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kb"},
		),
		NotesUploaded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "notes_uploaded_total",
				Help:      "Notes accepted by the server",
			},
			[]string{"kb"},
		),
		NotesFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "notes_failed_total",
				Help:      "Notes whose upload failed",
			},
			[]string{"kb"},
		),
		NotesDownloaded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "notes_downloaded_total",
				Help:      "Remote note records processed",
			},
			[]string{"kb"},
		),
		NotesMaterialized: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "notes_materialized_total",
				Help:      "Note bodies fetched and stored",
			},
			[]string{"kb"},
		),
		TokenRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "token_refreshes_total",
				Help:      "Re-authentications by outcome",
			},
			[]string{"outcome"},
		),
		DBConnPoolStats: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "db_connection_pool",
				Help:      "Database connection pool statistics",
			},
			[]string{"stat"},
		),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRun records a finished sync run. A nil receiver is a no-op, as
// are the other recorders.
func (m *Metrics) ObserveRun(kb, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(kb, outcome).Inc()
	if outcome != OutcomeSkipped {
		m.SyncDuration.WithLabelValues(kb).Observe(d.Seconds())
	}
}

// AddUploaded counts uploaded and failed notes.
func (m *Metrics) AddUploaded(kb string, uploaded, failed int) {
	if m == nil {
		return
	}
	m.NotesUploaded.WithLabelValues(kb).Add(float64(uploaded))
	m.NotesFailed.WithLabelValues(kb).Add(float64(failed))
}

// AddDownloaded counts processed remote note records.
func (m *Metrics) AddDownloaded(kb string, n int) {
	if m == nil {
		return
	}
	m.NotesDownloaded.WithLabelValues(kb).Add(float64(n))
}

// IncMaterialized counts one fetched body.
func (m *Metrics) IncMaterialized(kb string) {
	if m == nil {
		return
	}
	m.NotesMaterialized.WithLabelValues(kb).Inc()
}

// ObserveRefresh counts one token refresh attempt.
func (m *Metrics) ObserveRefresh(err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.TokenRefreshes.WithLabelValues(outcome).Inc()
}

// RecordDBPoolStats records database connection pool statistics.
func (m *Metrics) RecordDBPoolStats(s sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnPoolStats.WithLabelValues("open").Set(float64(s.OpenConnections))
	m.DBConnPoolStats.WithLabelValues("in_use").Set(float64(s.InUse))
	m.DBConnPoolStats.WithLabelValues("idle").Set(float64(s.Idle))
	m.DBConnPoolStats.WithLabelValues("wait_count").Set(float64(s.WaitCount))
	m.DBConnPoolStats.WithLabelValues("wait_duration_ms").Set(float64(s.WaitDuration.Milliseconds()))
}
