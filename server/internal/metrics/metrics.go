// Package metrics exposes Prometheus instrumentation for the orchestrator
// and the agent registry: how many backups are running, how fast they
// complete, and how many agents are connected. Scraped at GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector registered by the server.
type Metrics struct {
	JobsRunning     prometheus.Gauge
	JobsCompleted   *prometheus.CounterVec // label: result (completed|failed|cancelled)
	JobDuration     *prometheus.HistogramVec
	AgentsConnected prometheus.Gauge
	BytesUploaded   prometheus.Counter
	FilesUploaded   prometheus.Counter
}

// New registers all collectors against reg and returns the handle used to
// update them. Call with prometheus.NewRegistry() in tests to avoid
// colliding with the global default registry across parallel test runs.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "coldvault",
			Subsystem: "orchestrator",
			Name:      "jobs_running",
			Help:      "Number of backup jobs currently in the running state.",
		}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coldvault",
			Subsystem: "orchestrator",
			Name:      "jobs_total",
			Help:      "Total number of backup runs by terminal result.",
		}, []string{"result"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coldvault",
			Subsystem: "orchestrator",
			Name:      "job_duration_seconds",
			Help:      "Duration of a backup run from dispatch to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s .. 8192s (~2.3h)
		}, []string{"result"}),
		AgentsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "coldvault",
			Subsystem: "agentregistry",
			Name:      "agents_connected",
			Help:      "Number of agents currently holding an open control-plane connection.",
		}),
		BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coldvault",
			Subsystem: "intake",
			Name:      "bytes_uploaded_total",
			Help:      "Total bytes received by the file upload endpoint.",
		}),
		FilesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coldvault",
			Subsystem: "intake",
			Name:      "files_uploaded_total",
			Help:      "Total number of files received by the file upload endpoint.",
		}),
	}
}
