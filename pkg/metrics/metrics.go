package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "docindexer"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	Store     = "store"
	Recovery  = "recovery"
	Notifier  = "notifier"
	Scheduler = "scheduler"

	// Write kinds
	KindEntry    = "entry"
	KindSnapshot = "snapshot"
)

// Error type constants for failures that abort a batch.
const (
	ErrTypeContract  = "contract_violation"
	ErrTypeItemWrite = "item_write"
	ErrTypeConflict  = "conflict"
	ErrTypeStore     = "store"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple indexer instances.
type Labels struct {
	Index         string // Index name (e.g., "tags")
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "us-east-1", "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Index != "" {
		labels["index"] = l.Index
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

type Metrics struct {
	// Cursor state
	processedSequence prometheus.Gauge
	rollbackPending   prometheus.Gauge

	// Batch processing
	batches        *prometheus.CounterVec
	changesHandled prometheus.Counter
	batchDuration  prometheus.Histogram
	writes         *prometheus.CounterVec
	errors         *prometheus.CounterVec

	// Recovery
	recoveries   *prometheus.CounterVec
	recoveryKeys prometheus.Counter

	// Index store calls
	storeCalls    *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec

	// Commit notifications
	notifications *prometheus.CounterVec

	// Scheduler runs
	scheduledRuns *prometheus.CounterVec
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels (e.g., index), use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		processedSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "processed_sequence",
			Help:      "Change feed sequence up to which the index is durable",
		}),
		rollbackPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "rollback_pending",
			Help:      "1 while the engine state carries an unfinished batch, 0 otherwise",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "batches_total",
			Help:      "Total batches processed by status",
		}, []string{"status"}),
		changesHandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "changes_handled_total",
			Help:      "Total source changes handled by committed batches",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time to process a single batch end-to-end",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "writes_total",
			Help:      "Total documents written or deleted by committed batches, by kind",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total batch failures by type",
		}, []string{"type"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Recovery,
			Name:      "runs_total",
			Help:      "Total rollback recoveries by status",
		}, []string{"status"}),
		recoveryKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Recovery,
			Name:      "keys_total",
			Help:      "Total keys examined by rollback recoveries",
		}),
		storeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Store,
			Name:      "calls_total",
			Help:      "Total store calls by operation and status",
		}, []string{"op", "status"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Store,
			Name:      "duration_seconds",
			Help:      "Store call duration in seconds",
			// Buckets cover typical store latencies: 1ms, 5ms, 10ms, 25ms, 50ms,
			// 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Notifier,
			Name:      "published_total",
			Help:      "Total commit notifications by status",
		}, []string{"status"}),
		scheduledRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Scheduler,
			Name:      "runs_total",
			Help:      "Total scheduled update runs by status",
		}, []string{"status"}),
	}

	err := errors.Join(
		reg.Register(m.processedSequence),
		reg.Register(m.rollbackPending),
		reg.Register(m.batches),
		reg.Register(m.changesHandled),
		reg.Register(m.batchDuration),
		reg.Register(m.writes),
		reg.Register(m.errors),
		reg.Register(m.recoveries),
		reg.Register(m.recoveryKeys),
		reg.Register(m.storeCalls),
		reg.Register(m.storeDuration),
		reg.Register(m.notifications),
		reg.Register(m.scheduledRuns),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// IncError increments the error counter for the given error type.
func (m *Metrics) IncError(errType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errType).Inc()
}

// ObserveBatch records the outcome of one batch. handled counts the source
// changes of a committed batch and is ignored on error.
func (m *Metrics) ObserveBatch(handled int, durationSeconds float64, err error) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(status(err)).Inc()
	m.batchDuration.Observe(durationSeconds)
	if err == nil {
		m.changesHandled.Add(float64(handled))
	}
}

// RecordCommit records the writes of a committed batch and its new cursor.
func (m *Metrics) RecordCommit(entries, snapshots int, sequence uint64) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(KindEntry).Add(float64(entries))
	m.writes.WithLabelValues(KindSnapshot).Add(float64(snapshots))
	m.processedSequence.Set(float64(sequence))
}

// UpdateState updates the engine state gauges.
func (m *Metrics) UpdateState(sequence uint64, rollbackPending bool) {
	if m == nil {
		return
	}
	m.processedSequence.Set(float64(sequence))
	if rollbackPending {
		m.rollbackPending.Set(1)
	} else {
		m.rollbackPending.Set(0)
	}
}

// RecordRecovery records one rollback recovery over keys.
func (m *Metrics) RecordRecovery(keys int, err error) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(status(err)).Inc()
	m.recoveryKeys.Add(float64(keys))
	if err == nil {
		m.rollbackPending.Set(0)
	}
}

// RecordStoreCall records a store call with its outcome and duration.
func (m *Metrics) RecordStoreCall(op string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	m.storeCalls.WithLabelValues(op, status(err)).Inc()
	m.storeDuration.WithLabelValues(op).Observe(durationSeconds)
}

// RecordNotification records one commit notification attempt.
func (m *Metrics) RecordNotification(err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(status(err)).Inc()
}

// RecordScheduledRun records one scheduled update run.
func (m *Metrics) RecordScheduledRun(err error) {
	if m == nil {
		return
	}
	m.scheduledRuns.WithLabelValues(status(err)).Inc()
}
