package datanode

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chunkgrid/chunkgrid/internal/metrics"
)

var dataMetricsOnce sync.Once

var dataMetricsInstance *DataNodeMetrics

// DataNodeMetrics holds the data node's Prometheus metrics.
type DataNodeMetrics struct {
	ChunkOps     *prometheus.CounterVec // chunkgrid_datanode_chunk_ops_total{op,outcome}
	ChunkBytes   *prometheus.CounterVec // chunkgrid_datanode_chunk_bytes_total{op}
	StaleViews   prometheus.Counter
	UsedCapacity prometheus.Gauge
}

// InitDataNodeMetrics initializes the data node metrics exactly once; later
// calls return the same instance.
func InitDataNodeMetrics(registry prometheus.Registerer) *DataNodeMetrics {
	dataMetricsOnce.Do(func() {
		if registry == nil {
			registry = metrics.Registry
		}
		dataMetricsInstance = &DataNodeMetrics{
			ChunkOps: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "chunkgrid_datanode_chunk_ops_total",
				Help: "Chunk operations served, by operation and outcome",
			}, []string{"op", "outcome"}),

			ChunkBytes: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "chunkgrid_datanode_chunk_bytes_total",
				Help: "Chunk payload bytes moved, by operation",
			}, []string{"op"}),

			StaleViews: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "chunkgrid_datanode_stale_views_total",
				Help: "Requests rejected for carrying a superseded membership view",
			}),

			UsedCapacity: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "chunkgrid_datanode_used_capacity_bytes",
				Help: "Used bytes on the data volume, as last reported to the coordinator",
			}),
		}
	})

	return dataMetricsInstance
}
