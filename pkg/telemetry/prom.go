package telemetry

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// Metrics holds the Prometheus metrics exposed by the governance daemon.
type Metrics struct {
	// Crossing metrics
	crossingsTotal  *prometheus.CounterVec
	crossingLatency *prometheus.HistogramVec
	controlFailures *prometheus.CounterVec

	// Verification metrics
	verificationsTotal     *prometheus.CounterVec
	verificationLatency    *prometheus.HistogramVec
	verificationConfidence *prometheus.GaugeVec
	violationsTotal        *prometheus.CounterVec

	// Trust metrics
	trustDecayTotal *prometheus.CounterVec
	trustScore      *prometheus.GaugeVec

	// Registry metrics
	boundariesRegistered prometheus.Gauge
	registryReloads      *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance with all governance metrics registered
// on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		crossingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perimetra_crossings_total",
				Help: "Total number of crossing requests by boundary, kind and status reached",
			},
			[]string{"boundary", "kind", "status"},
		),

		crossingLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "perimetra_crossing_duration_seconds",
				Help:    "Crossing lifecycle latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"boundary", "kind"},
		),

		controlFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perimetra_control_failures_total",
				Help: "Total number of ineffective control evaluations",
			},
			[]string{"boundary", "control"},
		),

		verificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perimetra_verifications_total",
				Help: "Total number of integrity verification runs by kind and status",
			},
			[]string{"boundary", "kind", "status"},
		),

		verificationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "perimetra_verification_duration_seconds",
				Help:    "Integrity verification latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"boundary", "kind"},
		),

		verificationConfidence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perimetra_verification_confidence",
				Help: "Confidence score of the most recent verification per boundary",
			},
			[]string{"boundary"},
		),

		violationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perimetra_violations_total",
				Help: "Total number of integrity violations by kind and severity",
			},
			[]string{"boundary", "kind", "severity"},
		),

		trustDecayTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perimetra_trust_decay_total",
				Help: "Total number of trust decay events by entity and reason",
			},
			[]string{"entity", "reason"},
		),

		trustScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perimetra_trust_score",
				Help: "Current trust score per tracked entity",
			},
			[]string{"entity"},
		),

		boundariesRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "perimetra_boundaries_registered",
				Help: "Number of boundary definitions currently registered",
			},
		),

		registryReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perimetra_registry_reloads_total",
				Help: "Total number of boundary registry reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perimetra_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "perimetra_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.crossingsTotal,
		m.crossingLatency,
		m.controlFailures,
		m.verificationsTotal,
		m.verificationLatency,
		m.verificationConfidence,
		m.violationsTotal,
		m.trustDecayTotal,
		m.trustScore,
		m.boundariesRegistered,
		m.registryReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordCrossing records one crossing request reaching a status.
func (m *Metrics) RecordCrossing(boundaryID string, kind domain.RequestKind, status domain.CrossingStatus, duration time.Duration) {
	m.crossingsTotal.WithLabelValues(boundaryID, string(kind), string(status)).Inc()
	if duration > 0 {
		m.crossingLatency.WithLabelValues(boundaryID, string(kind)).Observe(duration.Seconds())
	}
}

// RecordControlFailure records one ineffective control evaluation.
func (m *Metrics) RecordControlFailure(boundaryID, controlID string) {
	m.controlFailures.WithLabelValues(boundaryID, controlID).Inc()
}

// RecordVerification records one integrity verification run.
func (m *Metrics) RecordVerification(boundaryID string, kind domain.VerificationKind, status domain.IntegrityStatus, confidence float64, duration time.Duration) {
	m.verificationsTotal.WithLabelValues(boundaryID, string(kind), string(status)).Inc()
	m.verificationConfidence.WithLabelValues(boundaryID).Set(confidence)
	if duration > 0 {
		m.verificationLatency.WithLabelValues(boundaryID, string(kind)).Observe(duration.Seconds())
	}
}

// RecordViolation records one integrity violation.
func (m *Metrics) RecordViolation(boundaryID string, kind domain.ViolationKind, severity domain.Severity) {
	m.violationsTotal.WithLabelValues(boundaryID, string(kind), string(severity)).Inc()
}

// RecordTrustDecay records one decay event and the entity's resulting score.
func (m *Metrics) RecordTrustDecay(entityID string, reason domain.DecayReason, score float64) {
	m.trustDecayTotal.WithLabelValues(entityID, string(reason)).Inc()
	m.trustScore.WithLabelValues(entityID).Set(score)
}

// SetBoundariesRegistered updates the registered boundary gauge.
func (m *Metrics) SetBoundariesRegistered(count int) {
	m.boundariesRegistered.Set(float64(count))
}

// RecordRegistryReload records a boundary registry reload attempt.
func (m *Metrics) RecordRegistryReload(status string) {
	m.registryReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware creates HTTP middleware that records request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := endpointName(r.URL.Path)
		statusCode := strconv.Itoa(wrapped.statusCode)

		m.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

func (rw *responseWriter) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := rw.ResponseWriter.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

// endpointName maps request paths onto a bounded label set so stray paths
// never become label values.
func endpointName(path string) string {
	switch path {
	case "/healthz":
		return "healthz"
	case "/metrics":
		return "metrics"
	default:
		return "unknown"
	}
}
