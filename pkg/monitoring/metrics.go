package monitoring

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector handles Prometheus metrics collection
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	storeOpDuration      *prometheus.HistogramVec
	appointmentEvents    *prometheus.CounterVec
	eventsDropped        prometheus.Counter
	notificationDelivery *prometheus.CounterVec
	systemErrors         *prometheus.CounterVec
}

// NewMetricsCollector creates a collector with its own registry
func NewMetricsCollector(serviceName string) *MetricsCollector {
	labels := prometheus.Labels{"service": serviceName}

	m := &MetricsCollector{
		serviceName: serviceName,
		registry:    prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "Duration of HTTP requests in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"method", "endpoint"},
		),

		storeOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "store_operation_duration_seconds",
				Help:        "Duration of record store load and save calls in seconds",
				Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
				ConstLabels: labels,
			},
			[]string{"operation", "collection"},
		),

		appointmentEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "appointment_events_total",
				Help:        "Total number of lifecycle events published",
				ConstLabels: labels,
			},
			[]string{"event"},
		),

		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "appointment_events_dropped_total",
				Help:        "Lifecycle events dropped because the event queue was full",
				ConstLabels: labels,
			},
		),

		notificationDelivery: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "notification_deliveries_total",
				Help:        "Outbound notification deliveries by channel and result",
				ConstLabels: labels,
			},
			[]string{"channel", "status"},
		),

		systemErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "system_errors_total",
				Help:        "Total number of system errors",
				ConstLabels: labels,
			},
			[]string{"error_type", "component"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.storeOpDuration,
		m.appointmentEvents,
		m.eventsDropped,
		m.notificationDelivery,
		m.systemErrors,
	)

	return m
}

// Registry exposes the underlying registry
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordStoreOperation records a whole-collection load or save
func (m *MetricsCollector) RecordStoreOperation(operation, collection string, duration time.Duration) {
	m.storeOpDuration.WithLabelValues(operation, collection).Observe(duration.Seconds())
}

// RecordEvent counts a published lifecycle event
func (m *MetricsCollector) RecordEvent(event string) {
	m.appointmentEvents.WithLabelValues(event).Inc()
}

// RecordEventDropped counts an event lost to a full queue
func (m *MetricsCollector) RecordEventDropped() {
	m.eventsDropped.Inc()
}

// RecordDelivery records an outbound notification attempt
func (m *MetricsCollector) RecordDelivery(channel string, success bool) {
	status := "sent"
	if !success {
		status = "failed"
	}
	m.notificationDelivery.WithLabelValues(channel, status).Inc()
}

// RecordSystemError records system error metrics
func (m *MetricsCollector) RecordSystemError(errorType, component string) {
	m.systemErrors.WithLabelValues(errorType, component).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// endpointLabel returns the route template, falling back to the raw path
func endpointLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}
