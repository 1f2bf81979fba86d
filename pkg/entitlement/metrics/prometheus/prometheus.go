package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	decisionsTotal        *prometheus.CounterVec
	snapshotDuration      prometheus.Histogram
	snapshotErrors        prometheus.Counter
	repositoryOpsDuration *prometheus.HistogramVec
	repositoryOpsErrors   *prometheus.CounterVec
	configurationAlerts   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Total number of quota gate decisions.",
		}, []string{"action", "plan", "allowed"}),

		snapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "usage_snapshot_duration_seconds",
			Help:      "Latency of building a usage snapshot.",
			Buckets:   prometheus.DefBuckets,
		}),

		snapshotErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_snapshot_errors_total",
			Help:      "Total number of usage snapshots that could not be built.",
		}),

		repositoryOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "repository_operation_duration_seconds",
			Help:      "Latency of repository reads used by quota decisions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		repositoryOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repository_operation_errors_total",
			Help:      "Total number of failed repository reads.",
		}, []string{"operation"}),

		configurationAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "configuration_alerts_total",
			Help:      "Total number of plan configuration defects observed.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) RecordDecision(action, plan string, allowed bool) {
	m.decisionsTotal.WithLabelValues(action, plan, strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordUsageSnapshot(duration time.Duration, err error) {
	m.snapshotDuration.Observe(duration.Seconds())
	if err != nil {
		m.snapshotErrors.Inc()
	}
}

func (m *Metrics) RecordRepositoryOperation(operation string, duration time.Duration, err error) {
	m.repositoryOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.repositoryOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordConfigurationAlert(kind string) {
	m.configurationAlerts.WithLabelValues(kind).Inc()
}
