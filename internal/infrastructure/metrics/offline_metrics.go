package metrics

import (
	"time"

	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/prometheus/client_golang/prometheus"
)

// OfflineMetrics implements ports.OfflineMetrics with Prometheus collectors.
type OfflineMetrics struct {
	fetches          *prometheus.CounterVec
	lifecycle        *prometheus.CounterVec
	lifecycleSeconds *prometheus.HistogramVec
	staleDeleted     prometheus.Counter
	writeFailures    prometheus.Counter
}

// NewOfflineMetrics creates the collectors and registers them with reg.
func NewOfflineMetrics(reg prometheus.Registerer) *OfflineMetrics {
	m := &OfflineMetrics{
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_fetch_total",
				Help: "Intercepted requests by where they were answered from",
			},
			[]string{"source"},
		),
		lifecycle: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_lifecycle_total",
				Help: "Lifecycle events by outcome",
			},
			[]string{"event", "outcome"},
		),
		lifecycleSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offline_lifecycle_duration_seconds",
				Help:    "Time spent in install and activate",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"event"},
		),
		staleDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_stale_stores_deleted_total",
			Help: "Cache stores of old versions deleted on activation",
		}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_cache_write_failures_total",
			Help: "Network responses that could not be written to the cache",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.fetches, m.lifecycle, m.lifecycleSeconds, m.staleDeleted, m.writeFailures)
	}
	return m
}

var _ ports.OfflineMetrics = (*OfflineMetrics)(nil)

func (m *OfflineMetrics) RecordFetch(source ports.FetchSource) {
	m.fetches.WithLabelValues(string(source)).Inc()
}

func (m *OfflineMetrics) RecordLifecycle(event, outcome string, duration time.Duration) {
	m.lifecycle.WithLabelValues(event, outcome).Inc()
	m.lifecycleSeconds.WithLabelValues(event).Observe(duration.Seconds())
}

func (m *OfflineMetrics) RecordStaleStoreDeleted() { m.staleDeleted.Inc() }

func (m *OfflineMetrics) RecordCacheWriteFailure() { m.writeFailures.Inc() }
