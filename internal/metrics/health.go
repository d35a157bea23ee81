package metrics

import (
	"context"
	"fmt"
	"time"
)

// HealthStore is the read surface the aggregator needs.
type HealthStore interface {
	CountSagasByState(ctx context.Context, since time.Time) (map[string]int, error)
	AvgSagaDuration(ctx context.Context, since time.Time) (time.Duration, error)
	DLQDepth(ctx context.Context) (int, error)
	InsertHealthMetric(ctx context.Context, m *HealthMetric) error
}

// HealthReport is the computed pipeline health over a window.
type HealthReport struct {
	Window            time.Duration  `json:"window"`
	TotalSagas        int            `json:"total_sagas"`
	ByState           map[string]int `json:"by_state"`
	SuccessRate       float64        `json:"success_rate"`
	ErrorRate         float64        `json:"error_rate"`
	CompensationRate  float64        `json:"compensation_rate"`
	AvgProcessingTime float64        `json:"avg_processing_time_seconds"`
	DLQDepth          int            `json:"dlq_depth"`
	GeneratedAt       time.Time      `json:"generated_at"`
}

// Health computes pipeline health over the given window. Rates are over
// sagas that reached a terminal state; in-flight sagas count toward totals
// only.
func Health(ctx context.Context, store HealthStore, window time.Duration) (*HealthReport, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	now := time.Now()
	since := now.Add(-window)

	byState, err := store.CountSagasByState(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("health: count sagas: %w", err)
	}
	avg, err := store.AvgSagaDuration(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("health: avg duration: %w", err)
	}
	depth, err := store.DLQDepth(ctx)
	if err != nil {
		return nil, fmt.Errorf("health: dlq depth: %w", err)
	}

	total := 0
	for _, n := range byState {
		total += n
	}
	completed := byState["completed"] + byState["compensated"]
	failed := byState["failed"] + byState["dlq"]
	compensating := byState["compensating"] + byState["compensated"]
	terminal := completed + failed

	report := &HealthReport{
		Window:            window,
		TotalSagas:        total,
		ByState:           byState,
		AvgProcessingTime: avg.Seconds(),
		DLQDepth:          depth,
		GeneratedAt:       now,
	}
	if terminal > 0 {
		report.SuccessRate = float64(completed) / float64(terminal)
		report.ErrorRate = float64(failed) / float64(terminal)
	}
	if total > 0 {
		report.CompensationRate = float64(compensating) / float64(total)
	}
	return report, nil
}

// RecordHealth computes the report and persists one sample per metric type.
func RecordHealth(ctx context.Context, store HealthStore, window time.Duration) (*HealthReport, error) {
	report, err := Health(ctx, store, window)
	if err != nil {
		return nil, err
	}
	samples := []*HealthMetric{
		{MetricType: MetricSuccessRate, MetricName: "saga_success_rate", Value: report.SuccessRate},
		{MetricType: MetricErrorRate, MetricName: "saga_error_rate", Value: report.ErrorRate},
		{MetricType: MetricCompensationRate, MetricName: "saga_compensation_rate", Value: report.CompensationRate},
		{MetricType: MetricAvgProcessingTime, MetricName: "saga_avg_processing_seconds", Value: report.AvgProcessingTime},
		{MetricType: MetricDLQSize, MetricName: "dlq_depth", Value: float64(report.DLQDepth)},
	}
	for _, s := range samples {
		s.RecordedAt = report.GeneratedAt
		if err := store.InsertHealthMetric(ctx, s); err != nil {
			return report, fmt.Errorf("health: persist %s: %w", s.MetricType, err)
		}
	}
	return report, nil
}
