package servicenode

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chunkgrid/chunkgrid/internal/metrics"
)

var svcMetricsOnce sync.Once

var svcMetricsInstance *ServiceMetrics

// ServiceMetrics holds the service node's Prometheus metrics.
type ServiceMetrics struct {
	FanoutChunks   *prometheus.CounterVec // chunkgrid_service_fanout_chunks_total{op,outcome}
	FanoutRetries  prometheus.Counter
	ViewRefreshes  prometheus.Counter
	FanoutDuration *prometheus.HistogramVec // chunkgrid_service_fanout_duration_seconds{op}
}

// InitServiceMetrics initializes the service node metrics exactly once;
// later calls return the same instance.
func InitServiceMetrics(registry prometheus.Registerer) *ServiceMetrics {
	svcMetricsOnce.Do(func() {
		if registry == nil {
			registry = metrics.Registry
		}
		svcMetricsInstance = &ServiceMetrics{
			FanoutChunks: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "chunkgrid_service_fanout_chunks_total",
				Help: "Chunk operations issued during fanout, by operation and outcome",
			}, []string{"op", "outcome"}),

			FanoutRetries: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "chunkgrid_service_fanout_retries_total",
				Help: "Chunk operation retries during fanout",
			}),

			ViewRefreshes: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "chunkgrid_service_view_refreshes_total",
				Help: "Membership view refreshes triggered by fanout failures",
			}),

			FanoutDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "chunkgrid_service_fanout_duration_seconds",
				Help:    "Wall time of whole region operations",
				Buckets: prometheus.DefBuckets,
			}, []string{"op"}),
		}
	})

	return svcMetricsInstance
}
