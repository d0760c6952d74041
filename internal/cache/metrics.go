package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the tiered cache.
type Metrics struct {
	OperationsTotal *prometheus.CounterVec
	RemoteErrors    *prometheus.CounterVec
	RemoteLatency   *prometheus.HistogramVec
	FallbackEntries prometheus.Gauge
	RemoteUp        prometheus.Gauge
	UpdateConflicts prometheus.Counter
}

// NewMetrics creates and registers the cache metrics once per process.
//
// Metrics:
//   - leadrelay_cache_operations_total{op,tier,result}
//   - leadrelay_cache_remote_errors_total{op}
//   - leadrelay_cache_remote_latency_seconds{op}
//   - leadrelay_cache_fallback_entries
//   - leadrelay_cache_remote_up
//   - leadrelay_cache_update_conflicts_total
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			OperationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "leadrelay_cache_operations_total",
					Help: "Total cache operations by tier and result",
				},
				[]string{"op", "tier", "result"}, // result: "hit", "miss", "ok", "error"
			),
			RemoteErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "leadrelay_cache_remote_errors_total",
					Help: "Total remote tier failures",
				},
				[]string{"op"},
			),
			RemoteLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "leadrelay_cache_remote_latency_seconds",
					Help:    "Latency of remote tier calls in seconds",
					Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
				},
				[]string{"op"},
			),
			FallbackEntries: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "leadrelay_cache_fallback_entries",
					Help: "Entries currently held by the in-process fallback",
				},
			),
			RemoteUp: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "leadrelay_cache_remote_up",
					Help: "1 if the remote tier answered the last call",
				},
			),
			UpdateConflicts: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "leadrelay_cache_update_conflicts_total",
					Help: "Compare-and-put retries caused by concurrent writers",
				},
			),
		}
	})
	return globalMetrics
}
