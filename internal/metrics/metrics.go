// Package metrics defines custom Prometheus metrics for BlobCourier.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for transfer size histograms (bytes).
var sizeBuckets = []float64{4096, 65536, 262144, 524288, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824}

// Storage API call metrics (RED: Rate, Errors, Duration).
var (
	// APICallsTotal counts storage API calls by operation and upstream status.
	APICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobcourier_api_calls_total",
			Help: "Total storage API calls",
		},
		[]string{"operation", "status"},
	)

	// APICallDuration observes storage API call latency in seconds by operation.
	APICallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blobcourier_api_call_duration_seconds",
			Help:    "Storage API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// RetryAttemptsTotal counts retry attempts (not counting the first try)
	// by operation.
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobcourier_retry_attempts_total",
			Help: "Total retry attempts by operation",
		},
		[]string{"operation"},
	)
)

// Transfer metrics.
var (
	// UploadedBytesTotal counts bytes confirmed received by the storage service.
	UploadedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blobcourier_uploaded_bytes_total",
			Help: "Total bytes confirmed uploaded",
		},
	)

	// DownloadedBytesTotal counts bytes streamed from the storage service.
	DownloadedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blobcourier_downloaded_bytes_total",
			Help: "Total bytes downloaded",
		},
	)

	// UploadSize observes finished upload sizes in bytes.
	UploadSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blobcourier_upload_size_bytes",
			Help:    "Finished upload size in bytes",
			Buckets: sizeBuckets,
		},
	)

	// ActiveUploadSessions gauges the number of upload sessions between
	// start and finish/abort.
	ActiveUploadSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blobcourier_active_upload_sessions",
			Help: "Upload sessions currently in the ACTIVE state",
		},
	)
)

// Register registers all BlobCourier metrics with the default Prometheus
// registry. Safe to call multiple times.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			APICallsTotal,
			APICallDuration,
			RetryAttemptsTotal,
			UploadedBytesTotal,
			DownloadedBytesTotal,
			UploadSize,
			ActiveUploadSessions,
		)
	})
}

// ObserveAPICall records one storage API call outcome.
func ObserveAPICall(operation string, status int, seconds float64) {
	APICallsTotal.WithLabelValues(operation, statusLabel(status)).Inc()
	APICallDuration.WithLabelValues(operation).Observe(seconds)
}

// statusLabel collapses a status code into a low-cardinality label.
func statusLabel(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
