package engine

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the HTTP API.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	detectionsTotal     *prometheus.CounterVec
	bytesScanned        *prometheus.CounterVec
	policyReloads       *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pii_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pii_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		detectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pii_detections_total",
				Help: "Total number of detections returned by endpoint and category",
			},
			[]string{"endpoint", "category"},
		),

		bytesScanned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pii_bytes_scanned_total",
				Help: "Total number of input bytes scanned by endpoint",
			},
			[]string{"endpoint"},
		),

		policyReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pii_policy_reloads_total",
				Help: "Total number of policy reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.detectionsTotal,
		m.bytesScanned,
		m.policyReloads,
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordDetections adds per-category detection counts for an endpoint.
func (m *Metrics) RecordDetections(endpoint string, counts map[string]int) {
	for category, n := range counts {
		m.detectionsTotal.WithLabelValues(endpoint, category).Add(float64(n))
	}
}

// RecordBytesScanned records the size of scanned input.
func (m *Metrics) RecordBytesScanned(endpoint string, n int64) {
	if n > 0 {
		m.bytesScanned.WithLabelValues(endpoint).Add(float64(n))
	}
}

// RecordPolicyReload records a policy reload attempt
func (m *Metrics) RecordPolicyReload(status string) {
	m.policyReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// endpointName maps a request path onto a bounded label set.
func endpointName(path string) string {
	switch path {
	case pathDetect, pathMask, pathRedact, pathDetectDocument, pathMaskDocument, pathRedactDocument, pathRedactStream, pathRedactSSE:
		return path[len("/v1/"):]
	case pathHealth:
		return "health"
	case pathPolicy:
		return "policy"
	case pathMetrics:
		return "metrics"
	default:
		return "unknown"
	}
}
