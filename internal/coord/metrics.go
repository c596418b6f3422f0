package coord

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chunkgrid/chunkgrid/internal/metrics"
)

var coordMetricsOnce sync.Once

var coordMetricsInstance *CoordMetrics

// CoordMetrics holds the coordinator's Prometheus metrics.
type CoordMetrics struct {
	// Membership gauges
	NodesByHealth *prometheus.GaugeVec // chunkgrid_coordinator_nodes{role,health}
	ViewVersion   prometheus.Gauge
	Degraded      prometheus.Gauge

	// Heartbeat stats
	TotalHeartbeats prometheus.Counter
}

// InitCoordMetrics initializes the coordinator metrics exactly once; later
// calls return the same instance. A nil registry uses the shared chunkgrid
// registry.
func InitCoordMetrics(registry prometheus.Registerer) *CoordMetrics {
	coordMetricsOnce.Do(func() {
		if registry == nil {
			registry = metrics.Registry
		}
		coordMetricsInstance = &CoordMetrics{
			NodesByHealth: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
				Name: "chunkgrid_coordinator_nodes",
				Help: "Registered nodes by role and health",
			}, []string{"role", "health"}),

			ViewVersion: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "chunkgrid_coordinator_view_version",
				Help: "Version of the current membership view",
			}),

			Degraded: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "chunkgrid_coordinator_degraded",
				Help: "1 when healthy data nodes are below target, else 0",
			}),

			TotalHeartbeats: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "chunkgrid_coordinator_heartbeats_total",
				Help: "Total heartbeats received by the coordinator",
			}),
		}
	})

	return coordMetricsInstance
}

// observeView updates the membership gauges from a published view.
func (m *CoordMetrics) observeView(nodesByRoleHealth map[[2]string]int, version uint64, degraded bool) {
	m.NodesByHealth.Reset()
	for key, count := range nodesByRoleHealth {
		m.NodesByHealth.WithLabelValues(key[0], key[1]).Set(float64(count))
	}
	m.ViewVersion.Set(float64(version))
	if degraded {
		m.Degraded.Set(1)
	} else {
		m.Degraded.Set(0)
	}
}
