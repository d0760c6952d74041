package broadcast

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the subscriber registry.
type Metrics struct {
	Subscribers prometheus.Gauge
	Deliveries  *prometheus.CounterVec
	Pruned      *prometheus.CounterVec
	Superseded  prometheus.Counter
	Mirrored    *prometheus.CounterVec
}

// NewMetrics creates and registers the broadcast metrics once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Subscribers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "leadrelay_broadcast_subscribers",
				Help: "Live dashboard subscribers",
			}),
			Deliveries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "leadrelay_broadcast_deliveries_total",
					Help: "Frames written to subscribers",
				},
				[]string{"scope", "result"}, // scope: "lead", "org", "all", "keepalive"
			),
			Pruned: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "leadrelay_broadcast_pruned_total",
					Help: "Subscribers removed after a failed write",
				},
				[]string{"scope"},
			),
			Superseded: promauto.NewCounter(prometheus.CounterOpts{
				Name: "leadrelay_broadcast_superseded_total",
				Help: "Subscribers replaced by a newer registration for the same lead",
			}),
			Mirrored: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "leadrelay_broadcast_mirrored_total",
					Help: "Frames published to the NATS mirror",
				},
				[]string{"result"},
			),
		}
	})
	return globalMetrics
}
