// Package metrics owns the Prometheus registry shared by every chunkgrid
// role. Subsystem packages register their collectors here through their
// Init*Metrics singletons.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all chunkgrid metrics.
var Registry = prometheus.NewRegistry()

var buildInfo = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
	Name: "chunkgrid_build_info",
	Help: "Build information, value is always 1",
}, []string{"version", "commit", "role"})

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// SetBuildInfo publishes the running build's identity.
func SetBuildInfo(version, commit, role string) {
	buildInfo.WithLabelValues(version, commit, role).Set(1)
}

// Handler serves the registry for /metrics endpoints.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
