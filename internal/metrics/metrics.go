package metrics

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values for SyncRuns.
const (
	OutcomeOK             = "ok"
	OutcomeReadFailed     = "read_failed"
	OutcomeWriteFailed    = "write_failed"
	OutcomeMalformed      = "malformed"
	OutcomeProfileMissing = "profile_missing"
	OutcomeLockFailed     = "lock_failed"
)

// Metrics holds the collectors for aggregate recomputation.
type Metrics struct {
	registry *prometheus.Registry

	SyncRuns       *prometheus.CounterVec
	SyncDuration   prometheus.Histogram
	SyncCoalesced  prometheus.Counter
	SyncActiveKeys prometheus.Gauge
	RatingsCreated prometheus.Counter
}

// New registers the collectors on a private registry so tests can create
// as many instances as they need.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SyncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rating_sync_runs_total",
				Help: "Aggregate recomputations by outcome",
			},
			[]string{"outcome"},
		),
		SyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rating_sync_duration_seconds",
				Help:    "Duration of read-compute-write aggregate runs",
				Buckets: prometheus.DefBuckets,
			},
		),
		SyncCoalesced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rating_sync_coalesced_total",
				Help: "Triggers folded into an already pending run",
			},
		),
		SyncActiveKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rating_sync_active_workers",
				Help: "Worker ids with a run in progress or pending",
			},
		),
		RatingsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ratings_created_total",
				Help: "Rating records written",
			},
		),
	}
	reg.MustRegister(
		m.SyncRuns,
		m.SyncDuration,
		m.SyncCoalesced,
		m.SyncActiveKeys,
		m.RatingsCreated,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObservePool exports connection pool gauges read from stat on every scrape.
// stat may return nil before the pool exists; the gauges then read zero.
func (m *Metrics) ObservePool(stat func() *pgxpool.Stat) {
	gauge := func(name, help string, read func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			st := stat()
			if st == nil {
				return 0
			}
			return read(st)
		})
	}
	m.registry.MustRegister(
		gauge("db_pool_acquired_conns", "Connections currently in use",
			func(st *pgxpool.Stat) float64 { return float64(st.AcquiredConns()) }),
		gauge("db_pool_idle_conns", "Idle connections in the pool",
			func(st *pgxpool.Stat) float64 { return float64(st.IdleConns()) }),
		gauge("db_pool_total_conns", "Open connections in the pool",
			func(st *pgxpool.Stat) float64 { return float64(st.TotalConns()) }),
		gauge("db_pool_max_conns", "Configured pool size",
			func(st *pgxpool.Stat) float64 { return float64(st.MaxConns()) }),
	)
}
