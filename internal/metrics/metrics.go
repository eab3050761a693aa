// Package metrics exposes Prometheus collectors for uploads and downloads.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload results used as the "result" label.
const (
	ResultCreated  = "created"
	ResultUpdated  = "updated"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// Metrics groups the collectors of the repository server.
type Metrics struct {
	registry *prometheus.Registry

	// Uploads counts ingestion attempts by result and reason.
	Uploads *prometheus.CounterVec
	// UploadDuration measures the ingestion pipeline.
	UploadDuration prometheus.Histogram
	// Downloads counts served plugin archives.
	Downloads *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginrepo_uploads_total",
				Help: "Total number of plugin uploads by result",
			},
			[]string{"result", "reason"},
		),
		UploadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pluginrepo_upload_duration_seconds",
				Help:    "Duration of plugin ingestion in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		Downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginrepo_downloads_total",
				Help: "Total number of served plugin archives",
			},
			[]string{"file_name"},
		),
	}
	m.registry.MustRegister(
		m.Uploads,
		m.UploadDuration,
		m.Downloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
