// Package telemetry exposes Prometheus metrics for the patient browser:
// inbound HTTP traffic, outbound FHIR client traffic, and count
// reconciliation outcomes.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provider owns a metrics registry and the collectors registered in it.
// Each Provider is self-contained, so tests can create as many as they like
// without global registration collisions.
type Provider struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	fhirRequestsTotal   *prometheus.CounterVec
	fhirRequestDuration *prometheus.HistogramVec
	reconciliations     *prometheus.CounterVec

	activeSessions prometheus.Gauge
}

// NewProvider creates a Provider with all collectors registered.
func NewProvider(serviceName string) *Provider {
	labels := prometheus.Labels{"service": serviceName}

	p := &Provider{
		registry: prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "Duration of HTTP requests in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"method", "path"},
		),

		fhirRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "fhir_client_requests_total",
				Help:        "Total number of outbound FHIR server requests",
				ConstLabels: labels,
			},
			[]string{"resource", "operation", "status"},
		),
		fhirRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "fhir_client_request_duration_seconds",
				Help:        "Duration of outbound FHIR server requests in seconds",
				Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
				ConstLabels: labels,
			},
			[]string{"resource", "operation"},
		),
		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "fhir_count_reconciliations_total",
				Help:        "Patient search total reconciliation outcomes by mode",
				ConstLabels: labels,
			},
			[]string{"mode"},
		),

		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "sessions_active",
				Help:        "Number of live browser sessions",
				ConstLabels: labels,
			},
		),
	}

	p.registry.MustRegister(
		p.httpRequestsTotal,
		p.httpRequestDuration,
		p.fhirRequestsTotal,
		p.fhirRequestDuration,
		p.reconciliations,
		p.activeSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return p
}

// RecordClientRequest records one outbound FHIR request. Satisfies the FHIR
// client's metrics recorder.
func (p *Provider) RecordClientRequest(resource, operation, status string, duration time.Duration) {
	p.fhirRequestsTotal.WithLabelValues(resource, operation, status).Inc()
	p.fhirRequestDuration.WithLabelValues(resource, operation).Observe(duration.Seconds())
}

// RecordCountReconciliation records a patient search total reconciliation
// outcome.
func (p *Provider) RecordCountReconciliation(mode string) {
	p.reconciliations.WithLabelValues(mode).Inc()
}

// SetActiveSessions publishes the current session count.
func (p *Provider) SetActiveSessions(n int) {
	p.activeSessions.Set(float64(n))
}

// Middleware returns echo middleware that records inbound request metrics.
// The route template (c.Path) is used as the path label so resource IDs do
// not explode label cardinality.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < 400 {
					status = http.StatusInternalServerError
				}
			}

			p.httpRequestsTotal.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
			p.httpRequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// Handler returns the Prometheus scrape handler for this provider's
// registry.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
