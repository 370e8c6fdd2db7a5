package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the video pipeline.
type Metrics struct {
	registry                 *prometheus.Registry
	requestsTotal            prometheus.Counter
	uploadsTotal             prometheus.Counter
	uploadedBytesTotal       prometheus.Counter
	processingCompletedTotal *prometheus.CounterVec
	activeProcessing         prometheus.Gauge
	liveSubscribers          prometheus.Gauge
	errorsTotal              prometheus.Counter
}

// New creates and registers Prometheus metrics for the pipeline.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_requests_total",
		Help: "Total number of HTTP requests received",
	})
	uploadsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_uploads_total",
		Help: "Total number of assets successfully ingested",
	})
	uploadedBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_uploaded_bytes_total",
		Help: "Total bytes of asset content ingested",
	})
	processingCompletedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_processing_completed_total",
		Help: "Total number of assets that reached a terminal stage",
	}, []string{"outcome"})
	activeProcessing := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_active_processing",
		Help: "Number of assets currently in the processing state machine",
	})
	liveSubscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_live_subscribers",
		Help: "Number of live progress subscriptions",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		uploadsTotal,
		uploadedBytesTotal,
		processingCompletedTotal,
		activeProcessing,
		liveSubscribers,
		errorsTotal,
	)

	return &Metrics{
		registry:                 registry,
		requestsTotal:            requestsTotal,
		uploadsTotal:             uploadsTotal,
		uploadedBytesTotal:       uploadedBytesTotal,
		processingCompletedTotal: processingCompletedTotal,
		activeProcessing:         activeProcessing,
		liveSubscribers:          liveSubscribers,
		errorsTotal:              errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncUploads records one successful ingestion of size bytes.
func (m *Metrics) IncUploads(size int64) {
	m.uploadsTotal.Inc()
	m.uploadedBytesTotal.Add(float64(size))
}

// IncProcessingCompleted increments the terminal-outcome counter
// ("ready" or "flagged").
func (m *Metrics) IncProcessingCompleted(outcome string) {
	m.processingCompletedTotal.WithLabelValues(outcome).Inc()
}

// SetActiveProcessing sets the in-flight processing gauge.
func (m *Metrics) SetActiveProcessing(n int) {
	m.activeProcessing.Set(float64(n))
}

// SetLiveSubscribers sets the live subscription gauge.
func (m *Metrics) SetLiveSubscribers(n int) {
	m.liveSubscribers.Set(float64(n))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
