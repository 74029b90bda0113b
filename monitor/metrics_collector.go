package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/internal/journal"
)

const defaultNamespace = "acmetickets"

// PrometheusCollector implements messaging.MetricsCollector and
// interceptors.MetricsCollector
type PrometheusCollector struct {
	publishTotal    *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	publishAttempts *prometheus.HistogramVec
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	deadLettered    *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	handledTotal    *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
}

// CollectorOption configures the collector
type CollectorOption func(*collectorConfig)

type collectorConfig struct {
	namespace string
	buckets   []float64
}

// WithNamespace sets the metric name prefix
func WithNamespace(ns string) CollectorOption {
	return func(c *collectorConfig) {
		c.namespace = ns
	}
}

// WithBuckets sets the histogram buckets, in seconds
func WithBuckets(buckets []float64) CollectorOption {
	return func(c *collectorConfig) {
		c.buckets = buckets
	}
}

// NewPrometheusCollector registers the platform metrics with reg
func NewPrometheusCollector(reg prometheus.Registerer, opts ...CollectorOption) *PrometheusCollector {
	cfg := collectorConfig{namespace: defaultNamespace, buckets: prometheus.DefBuckets}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		publishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "gateway",
			Name:      "publish_total",
			Help:      "Messages handed to the gateway, by type, kind and result.",
		}, []string{"type", "kind", "result"}),
		publishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Subsystem: "gateway",
			Name:      "publish_duration_seconds",
			Help:      "Time from Publish call to broker acceptance or failure.",
			Buckets:   cfg.buckets,
		}, []string{"type"}),
		publishAttempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Subsystem: "gateway",
			Name:      "publish_attempts",
			Help:      "Transport calls needed per published message.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"type"}),
		attemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "processor",
			Name:      "attempts_total",
			Help:      "Handler attempts, by endpoint, type and outcome.",
		}, []string{"endpoint", "type", "outcome"}),
		attemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Subsystem: "processor",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of single handler attempts.",
			Buckets:   cfg.buckets,
		}, []string{"endpoint", "type"}),
		deadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "processor",
			Name:      "dead_lettered_total",
			Help:      "Messages moved to the dead-letter channel.",
		}, []string{"endpoint", "type"}),
		duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "processor",
			Name:      "duplicates_total",
			Help:      "Redeliveries skipped because the message id was already completed.",
		}, []string{"endpoint", "type"}),
		handledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "handler",
			Name:      "messages_total",
			Help:      "Messages that entered the handler chain.",
		}, []string{"type"}),
		handlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "handler",
			Name:      "errors_total",
			Help:      "Handler results other than ack.",
		}, []string{"type", "error_type"}),
		handlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Subsystem: "handler",
			Name:      "duration_seconds",
			Help:      "Time spent in the handler chain.",
			Buckets:   cfg.buckets,
		}, []string{"type"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker position: 0 closed, 1 open, 2 half-open.",
		}, []string{"breaker"}),
	}
}

// RecordPublish implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordPublish(typeName string, kind contracts.Kind, attempts int, duration time.Duration, err error) {
	result := "accepted"
	if err != nil {
		result = "failed"
	}
	c.publishTotal.WithLabelValues(typeName, kind.String(), result).Inc()
	c.publishDuration.WithLabelValues(typeName).Observe(duration.Seconds())
	if attempts > 0 {
		c.publishAttempts.WithLabelValues(typeName).Observe(float64(attempts))
	}
}

// RecordAttempt implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordAttempt(endpoint, typeName string, outcome journal.Outcome, duration time.Duration) {
	c.attemptsTotal.WithLabelValues(endpoint, typeName, string(outcome)).Inc()
	c.attemptDuration.WithLabelValues(endpoint, typeName).Observe(duration.Seconds())
}

// RecordDeadLetter implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordDeadLetter(endpoint, typeName string) {
	c.deadLettered.WithLabelValues(endpoint, typeName).Inc()
}

// RecordDuplicate implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordDuplicate(endpoint, typeName string) {
	c.duplicates.WithLabelValues(endpoint, typeName).Inc()
}

// IncrementMessageCount implements interceptors.MetricsCollector
func (c *PrometheusCollector) IncrementMessageCount(messageType string) {
	c.handledTotal.WithLabelValues(messageType).Inc()
}

// RecordProcessingTime implements interceptors.MetricsCollector
func (c *PrometheusCollector) RecordProcessingTime(messageType string, duration time.Duration) {
	c.handlerDuration.WithLabelValues(messageType).Observe(duration.Seconds())
}

// IncrementErrorCount implements interceptors.MetricsCollector
func (c *PrometheusCollector) IncrementErrorCount(messageType string, errorType string) {
	c.handlerErrors.WithLabelValues(messageType, errorType).Inc()
}

// RecordBreakerState publishes the position of the named circuit breaker
func (c *PrometheusCollector) RecordBreakerState(name string, state int) {
	c.breakerState.WithLabelValues(name).Set(float64(state))
}

// Handler serves the metrics gathered by g in the Prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
