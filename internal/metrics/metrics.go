// Package metrics defines the Prometheus collectors served on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the transcription service
type Metrics struct {
	registry *prometheus.Registry

	// Transcription pipeline
	Transcriptions    *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	UploadSize        prometheus.Histogram
	AudioDuration     prometheus.Histogram
	InferenceInFlight prometheus.Gauge

	// HTTP API
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Transcriptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gostt_transcriptions_total",
			Help: "Transcription requests by outcome (ok, request, decode, inference, unexpected)",
		}, []string{"outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gostt_stage_duration_seconds",
			Help:    "Time spent per pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		}, []string{"stage"}),
		UploadSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gostt_upload_size_bytes",
			Help:    "Size of uploaded audio files",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
		}),
		AudioDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gostt_audio_duration_seconds",
			Help:    "Playback length of decoded uploads",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17 minutes
		}),
		InferenceInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "gostt_inference_in_flight",
			Help: "Requests currently waiting for or running inference",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gostt_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gostt_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
