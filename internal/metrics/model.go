// Package metrics carries the Prometheus instrumentation for the core and
// the persisted HealthMetric samples the pipeline workers record.
package metrics

import "time"

// Health metric types.
const (
	MetricSuccessRate       = "success_rate"
	MetricRetryCount        = "retry_count"
	MetricDLQSize           = "dlq_size"
	MetricAvgProcessingTime = "avg_processing_time"
	MetricStuckTransactions = "stuck_transactions"
	MetricCompensationRate  = "compensation_rate"
	MetricErrorRate         = "error_rate"
)

// HealthMetric is one persisted sample. Rows are append-only.
type HealthMetric struct {
	ID         int64                  `json:"id"`
	MetricType string                 `json:"metric_type"`
	MetricName string                 `json:"metric_name"`
	Value      float64                `json:"metric_value"`
	RecordedAt time.Time              `json:"recorded_at"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}
