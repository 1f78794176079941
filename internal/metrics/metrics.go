package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics holds all application metrics.
type Metrics struct {
	registry prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	signOperations      *prometheus.CounterVec
	signDuration        *prometheus.HistogramVec
	signErrors          *prometheus.CounterVec
	providerInits       *prometheus.CounterVec
	providerInitTime    *prometheus.HistogramVec
	connectionChecks    *prometheus.CounterVec
	cachedProviders     prometheus.Gauge
	activeConnections   prometheus.Gauge
	goroutines          prometheus.Gauge
	memoryAllocBytes    prometheus.Gauge
}

// NewMetrics creates metrics registered on the default Prometheus registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates metrics on a private registry (for tests and
// embedding).
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetrics(reg, reg)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		signOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsm_sign_operations_total",
				Help: "Total number of signing operations",
			},
			[]string{"provider_type", "status"},
		),
		signDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hsm_sign_duration_seconds",
				Help:    "Signing operation duration in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"provider_type"},
		),
		signErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsm_sign_errors_total",
				Help: "Total number of signing errors",
			},
			[]string{"provider_type", "error_type"},
		),
		providerInits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsm_provider_initializations_total",
				Help: "Total number of provider initializations",
			},
			[]string{"provider_type", "status"},
		),
		providerInitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hsm_provider_initialization_duration_seconds",
				Help:    "Provider initialization duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider_type"},
		),
		connectionChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsm_connection_checks_total",
				Help: "Total number of provider connection checks",
			},
			[]string{"provider_type", "status"},
		),
		cachedProviders: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hsm_cached_providers",
				Help: "Number of initialized providers held by the factory",
			},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}

// RecordSign records a completed signing attempt.
func (m *Metrics) RecordSign(providerType string, duration time.Duration, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.signOperations.WithLabelValues(providerType, status).Inc()
	m.signDuration.WithLabelValues(providerType).Observe(duration.Seconds())
}

// RecordSignError records a signing error by classification.
func (m *Metrics) RecordSignError(providerType, errorType string) {
	m.signErrors.WithLabelValues(providerType, errorType).Inc()
}

// RecordProviderInit records a provider initialization attempt.
func (m *Metrics) RecordProviderInit(providerType string, duration time.Duration, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.providerInits.WithLabelValues(providerType, status).Inc()
	m.providerInitTime.WithLabelValues(providerType).Observe(duration.Seconds())
}

// RecordConnectionCheck records the outcome of a TestConnection call.
func (m *Metrics) RecordConnectionCheck(providerType string, ok bool) {
	status := StatusSuccess
	if !ok {
		status = StatusError
	}
	m.connectionChecks.WithLabelValues(providerType, status).Inc()
}

// SetCachedProviders sets the number of providers held by the factory.
func (m *Metrics) SetCachedProviders(n int) {
	m.cachedProviders.Set(float64(n))
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector updates system metrics every interval until
// stop is closed.
func (m *Metrics) StartSystemMetricsCollector(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
