package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iho/payledger/internal/domain"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// State machine metrics
	Transitions      *prometheus.CounterVec
	TransitionErrors *prometheus.CounterVec

	// Ledger metrics
	LedgerEntries *prometheus.CounterVec
	LedgerAmount  *prometheus.HistogramVec

	// Webhook metrics
	WebhookEvents   *prometheus.CounterVec
	WebhookDuration prometheus.Histogram

	// Reconciliation metrics
	ReconciliationRuns          *prometheus.CounterVec
	ReconciliationDiscrepancies *prometheus.CounterVec
	ReconciliationDuration      prometheus.Histogram

	// Concurrency metrics
	LockAcquisitions *prometheus.CounterVec

	// Queue metrics
	QueueTasks    *prometheus.CounterVec
	QueueDuration *prometheus.HistogramVec

	// Processor metrics
	ProcessorRequests *prometheus.CounterVec
	ProcessorDuration *prometheus.HistogramVec

	// Outbox metrics
	OutboxPublished prometheus.Counter
	OutboxErrors    prometheus.Counter

	// API metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Database metrics
	DBRetries *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics
func New() *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payledger_state_transitions_total",
				Help: "Total committed state transitions by entity and action",
			},
			[]string{"entity", "action"},
		),
		TransitionErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payledger_state_transition_errors_total",
				Help: "Total rejected or failed state transitions by entity and error type",
			},
			[]string{"entity", "error_type"},
		),

		LedgerEntries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payledger_ledger_entries_total",
				Help: "Total ledger entries recorded by entry type",
			},
			[]string{"entry_type"},
		),
		LedgerAmount: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payledger_ledger_entry_amount",
				Help:    "Ledger entry amounts in major currency units",
				Buckets: []float64{1, 10, 100, 1000, 10000, 100000, 1000000},
			},
			[]string{"entry_type", "currency"},
		),

		WebhookEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payledger_webhook_events_total",
				Help: "Total webhook events by type and outcome",
			},
			[]string{"event_type", "status"},
		),
		WebhookDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "payledger_webhook_processing_duration_seconds",
			Help:    "Duration of webhook event processing",
			Buckets: prometheus.DefBuckets,
		}),

		ReconciliationRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payledger_reconciliation_runs_total",
				Help: "Total reconciliation runs by final status",
			},
			[]string{"status"},
		),
		ReconciliationDiscrepancies: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payledger_reconciliation_discrepancies_total",
				Help: "Total discrepancies found by type and resolution",
			},
			[]string{"type", "resolution"},
		),
		ReconciliationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "payledger_reconciliation_duration_seconds",
			Help:    "Duration of reconciliation runs",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900},
		}),

		LockAcquisitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payledger_lock_acquisitions_total",
				Help: "Distributed lock acquisition attempts by outcome",
			},
			[]string{"outcome"},
		),

		QueueTasks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payledger_queue_tasks_total",
				Help: "Queue task executions by task and outcome",
			},
			[]string{"task", "outcome"},
		),
		QueueDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payledger_queue_task_duration_seconds",
				Help:    "Queue task execution duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task"},
		),

		ProcessorRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payledger_processor_requests_total",
				Help: "Processor API calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		ProcessorDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payledger_processor_request_duration_seconds",
				Help:    "Processor API call duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		OutboxPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "payledger_outbox_events_published_total",
			Help: "Total outbox events published",
		}),
		OutboxErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "payledger_outbox_publish_errors_total",
			Help: "Total outbox publish failures",
		}),

		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payledger_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payledger_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		DBRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payledger_db_retries_total",
				Help: "Database operations retried after a serialization failure or deadlock",
			},
			[]string{"operation"},
		),
	}
}

// The helpers below are safe to call on a nil *Metrics so callers can run
// without instrumentation in tests and tools.

func (m *Metrics) RecordTransition(entity, action string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(entity, action).Inc()
}

func (m *Metrics) RecordTransitionError(entity, errorType string) {
	if m == nil {
		return
	}
	m.TransitionErrors.WithLabelValues(entity, errorType).Inc()
}

func (m *Metrics) RecordLedgerEntry(entry *domain.LedgerEntry) {
	if m == nil {
		return
	}
	m.LedgerEntries.WithLabelValues(string(entry.EntryType)).Inc()
	m.LedgerAmount.WithLabelValues(string(entry.EntryType), entry.Currency).
		Observe(domain.CentsToDecimal(entry.AmountCents).InexactFloat64())
}

func (m *Metrics) RecordWebhook(eventType, status string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) ObserveWebhookDuration(start time.Time) {
	if m == nil {
		return
	}
	m.WebhookDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) RecordReconciliationRun(status string, start time.Time) {
	if m == nil {
		return
	}
	m.ReconciliationRuns.WithLabelValues(status).Inc()
	m.ReconciliationDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) RecordDiscrepancy(discrepancyType, resolution string) {
	if m == nil {
		return
	}
	m.ReconciliationDiscrepancies.WithLabelValues(discrepancyType, resolution).Inc()
}

func (m *Metrics) RecordLock(outcome string) {
	if m == nil {
		return
	}
	m.LockAcquisitions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordTask(task, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.QueueTasks.WithLabelValues(task, outcome).Inc()
	m.QueueDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())
}

func (m *Metrics) RecordProcessorCall(operation, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.ProcessorRequests.WithLabelValues(operation, outcome).Inc()
	m.ProcessorDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) RecordDBRetry(operation string) {
	if m == nil {
		return
	}
	m.DBRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, start time.Time) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
}

func (m *Metrics) RecordOutboxPublish(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.OutboxErrors.Inc()
		return
	}
	m.OutboxPublished.Inc()
}
