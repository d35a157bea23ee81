package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the core. One instance is
// created in main and threaded into the saga manager, the recovery pipeline
// and the reconciliation engine.
type Metrics struct {
	// Saga lifecycle
	SagaStarted     *prometheus.CounterVec // operation_type
	SagaTransitions *prometheus.CounterVec // operation_type, from, to
	SagaCompleted   *prometheus.CounterVec // operation_type
	SagaFailed      *prometheus.CounterVec // operation_type
	SagaDuration    *prometheus.HistogramVec
	StuckSagas      prometheus.Gauge

	// Recovery pipeline
	RecoveryEnqueued        *prometheus.CounterVec // operation_type
	RecoverySucceeded       *prometheus.CounterVec // operation_type
	RecoveryAttemptDuration *prometheus.HistogramVec
	DLQPromotions           *prometheus.CounterVec // operation_type
	DLQDepth                prometheus.Gauge
	CompensationsExecuted   *prometheus.CounterVec // action_type, outcome

	// Ledger client
	LedgerSubmits        *prometheus.CounterVec // method, outcome
	LedgerSubmitDuration *prometheus.HistogramVec

	// Event ingestion
	EventsIngested  *prometheus.CounterVec // event_name
	EventsDuplicate *prometheus.CounterVec // event_name

	// Reconciliation
	ReconciliationRuns          *prometheus.CounterVec // run_type, status
	ReconciliationDiscrepancies *prometheus.CounterVec // discrepancy_type
	ReconciliationDuration      prometheus.Histogram
}

// New registers all instruments on the given registerer. Pass
// prometheus.DefaultRegisterer in main, a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SagaStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torc_saga_started_total",
			Help: "Sagas created, by operation type.",
		}, []string{"operation_type"}),
		SagaTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torc_saga_transitions_total",
			Help: "Saga state transitions.",
		}, []string{"operation_type", "from", "to"}),
		SagaCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torc_saga_completed_total",
			Help: "Sagas that reached completed.",
		}, []string{"operation_type"}),
		SagaFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torc_saga_failed_total",
			Help: "Sagas that reached failed or dlq.",
		}, []string{"operation_type"}),
		SagaDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "torc_saga_duration_seconds",
			Help:    "Wall time from saga creation to terminal state.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 7200},
		}, []string{"operation_type"}),
		StuckSagas: factory.NewGauge(prometheus.GaugeOpts{
			Name: "torc_stuck_sagas",
			Help: "Sagas in a non-terminal state past the stuck threshold.",
		}),

		RecoveryEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torc_recovery_enqueued_total",
			Help: "Retry-queue upserts, by operation type.",
		}, []string{"operation_type"}),
		RecoverySucceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torc_recovery_succeeded_total",
			Help: "Operations completed through the retry queue.",
		}, []string{"operation_type"}),
		RecoveryAttemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "torc_recovery_attempt_duration_seconds",
			Help:    "Duration of a single recovery re-execution attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation_type"}),
		DLQPromotions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torc_dlq_promotions_total",
			Help: "Sagas promoted to the dead-letter queue.",
		}, []string{"operation_type"}),
		DLQDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "torc_dlq_depth",
			Help: "Unresolved dead-letter queue entries.",
		}),
		CompensationsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torc_compensations_executed_total",
			Help: "Operator-triggered compensation actions, by outcome.",
		}, []string{"action_type", "outcome"}),

		LedgerSubmits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torc_ledger_submits_total",
			Help: "Ledger transaction submissions, by method and outcome.",
		}, []string{"method", "outcome"}),
		LedgerSubmitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "torc_ledger_submit_duration_seconds",
			Help:    "Latency of ledger transaction submissions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torc_events_ingested_total",
			Help: "Ledger events applied to the mirror.",
		}, []string{"event_name"}),
		EventsDuplicate: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torc_events_duplicate_total",
			Help: "Ledger events skipped by identity dedup.",
		}, []string{"event_name"}),

		ReconciliationRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torc_reconciliation_runs_total",
			Help: "Reconciliation runs, by type and final status.",
		}, []string{"run_type", "status"}),
		ReconciliationDiscrepancies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torc_reconciliation_discrepancies_total",
			Help: "Discrepancies found, by classification.",
		}, []string{"discrepancy_type"}),
		ReconciliationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "torc_reconciliation_duration_seconds",
			Help:    "Wall time of a reconciliation run.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}
}
