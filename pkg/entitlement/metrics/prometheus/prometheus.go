// Package prommetrics provides a Prometheus implementation of the
// entitlement.Metrics interface.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	consumeTotal        *prometheus.CounterVec
	consumeDuration     *prometheus.HistogramVec
	conflictRetries     *prometheus.CounterVec
	retriesExhausted    *prometheus.CounterVec
	rolloversTotal      prometheus.Counter
	webhookEventsTotal  *prometheus.CounterVec
	webhookDuration     *prometheus.HistogramVec
	resolutionsTotal    *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation registered
// with reg under the given namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		consumeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_consume_total",
			Help:      "Total number of checkAndConsume calls.",
		}, []string{"tier", "allowed"}),

		consumeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quota_consume_duration_seconds",
			Help:      "Latency of checkAndConsume calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tier"}),

		conflictRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conditional_update_retries_total",
			Help:      "Total number of version-conflict retries.",
		}, []string{"operation"}),

		retriesExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conditional_update_retries_exhausted_total",
			Help:      "Total number of retry loops that gave up.",
		}, []string{"operation"}),

		rolloversTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rollovers_total",
			Help:      "Total number of lazy daily rollovers applied.",
		}),

		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events by outcome.",
		}, []string{"provider", "event_type", "outcome"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_processing_duration_seconds",
			Help:      "End-to-end webhook handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		resolutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_resolutions_total",
			Help:      "Total number of identity resolutions by path.",
		}, []string{"path"}),
	}
}

// DefaultMetrics creates metrics registered with the default Prometheus
// registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

func (m *Metrics) RecordConsume(tier string, allowed bool, duration time.Duration) {
	m.consumeTotal.WithLabelValues(tier, strconv.FormatBool(allowed)).Inc()
	m.consumeDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

func (m *Metrics) RecordConflictRetry(operation string) {
	m.conflictRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordRetryExhausted(operation string) {
	m.retriesExhausted.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordRollover() {
	m.rolloversTotal.Inc()
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, outcome string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, outcome).Inc()
}

func (m *Metrics) RecordWebhookDuration(provider, eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordResolution(path string) {
	m.resolutionsTotal.WithLabelValues(path).Inc()
}
