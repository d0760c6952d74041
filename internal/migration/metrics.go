package migration

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for migration passes.
type Metrics struct {
	Runs      prometheus.Counter
	Records   *prometheus.CounterVec
	Duration  prometheus.Histogram
	Remaining prometheus.Gauge
}

// NewMetrics creates and registers the migration metrics once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Runs: promauto.NewCounter(prometheus.CounterOpts{
				Name: "leadrelay_migration_runs_total",
				Help: "Total migration passes",
			}),
			Records: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "leadrelay_migration_records_total",
					Help: "Legacy records processed by category and outcome",
				},
				[]string{"category", "result"}, // result: "migrated", "superseded", "skipped", "error"
			),
			Duration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "leadrelay_migration_duration_seconds",
				Help:    "Duration of migration passes",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			}),
			Remaining: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "leadrelay_migration_remaining_records",
				Help: "Legacy records left after the last pass",
			}),
		}
	})
	return globalMetrics
}
