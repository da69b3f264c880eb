package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync holds the sync and connectivity collectors. A nil *Sync records
// nothing.
type Sync struct {
	items    *prometheus.CounterVec
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	pulled   *prometheus.CounterVec
	pending  prometheus.Gauge
	online   prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Sync {
	f := promauto.With(reg)
	return &Sync{
		items: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dentalsync",
			Name:      "push_items_total",
			Help:      "Outbox entries submitted to the backend, by outcome.",
		}, []string{"outcome"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dentalsync",
			Name:      "sync_runs_total",
			Help:      "Push and pull runs, by operation and result.",
		}, []string{"op", "result"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dentalsync",
			Name:      "sync_duration_seconds",
			Help:      "Wall time of push and pull runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"op"}),
		pulled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dentalsync",
			Name:      "pulled_records_total",
			Help:      "Backend rows applied locally, by kind.",
		}, []string{"kind"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "dentalsync",
			Name:      "outbox_pending",
			Help:      "Entries waiting in the outbox after the last push.",
		}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "dentalsync",
			Name:      "online",
			Help:      "1 while the backend is considered reachable.",
		}),
	}
}

// PushItem counts one submitted entry.
func (m *Sync) PushItem(ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.items.WithLabelValues(outcome).Inc()
}

// Run records a finished push or pull. result is ok, error or skipped.
func (m *Sync) Run(op, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(op, result).Inc()
	if result != "skipped" {
		m.duration.WithLabelValues(op).Observe(took.Seconds())
	}
}

// Pulled counts applied backend rows.
func (m *Sync) Pulled(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.pulled.WithLabelValues(kind).Add(float64(n))
}

// Pending sets the outbox depth.
func (m *Sync) Pending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// Online sets the connectivity gauge.
func (m *Sync) Online(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}
