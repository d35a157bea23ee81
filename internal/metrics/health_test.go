package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torc/backend/internal/metrics"
	"github.com/torc/backend/internal/recovery"
	"github.com/torc/backend/internal/saga"
	"github.com/torc/backend/internal/store"
)

func insertSaga(t *testing.T, st *store.MemoryStore, state saga.State, age time.Duration) uuid.UUID {
	t.Helper()
	created := time.Now().Add(-age)
	s := &saga.Saga{
		CorrelationID: uuid.New(),
		OperationType: saga.OpEscrowRelease,
		EntityType:    "escrow",
		EntityID:      uuid.New().String(),
		CurrentState:  state,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
	if state == saga.StateCompleted {
		done := created.Add(10 * time.Second)
		s.CompletedAt = &done
	}
	require.NoError(t, st.InsertSaga(context.Background(), s))
	return s.CorrelationID
}

func seedPipeline(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		insertSaga(t, st, saga.StateCompleted, time.Minute)
	}
	insertSaga(t, st, saga.StateCompensated, time.Minute)
	insertSaga(t, st, saga.StateFailed, time.Minute)
	insertSaga(t, st, saga.StateProcessing, time.Minute)
	insertSaga(t, st, saga.StateProcessing, time.Minute)
	insertSaga(t, st, saga.StateCompensating, time.Minute)

	// One saga in the dead-letter queue.
	dlqID := insertSaga(t, st, saga.StateFailed, time.Minute)
	require.NoError(t, st.PromoteToDLQ(ctx, &recovery.DLQEntry{
		CorrelationID:      dlqID,
		OperationType:      saga.OpEscrowRelease,
		FailureReason:      "retries exhausted",
		RetryCount:         5,
		CompensationStatus: recovery.CompensationPending,
	}))

	// Outside the 24h window: invisible to the report.
	insertSaga(t, st, saga.StateFailed, 48*time.Hour)
}

func TestHealthReport(t *testing.T) {
	st := store.NewMemoryStore()
	seedPipeline(t, st)

	report, err := metrics.Health(context.Background(), st, 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 9, report.TotalSagas)
	assert.Equal(t, 3, report.ByState["completed"])
	assert.Equal(t, 1, report.ByState["dlq"])

	// Terminal outcomes: 4 good (completed + compensated), 2 bad (failed +
	// dlq).
	assert.InDelta(t, 4.0/6.0, report.SuccessRate, 1e-9)
	assert.InDelta(t, 2.0/6.0, report.ErrorRate, 1e-9)
	assert.InDelta(t, 2.0/9.0, report.CompensationRate, 1e-9)
	assert.InDelta(t, 10.0, report.AvgProcessingTime, 1e-9)
	assert.Equal(t, 1, report.DLQDepth)
}

func TestHealthEmptyStore(t *testing.T) {
	report, err := metrics.Health(context.Background(), store.NewMemoryStore(), 0)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, report.Window)
	assert.Zero(t, report.TotalSagas)
	assert.Zero(t, report.SuccessRate)
	assert.Zero(t, report.ErrorRate)
}

func TestRecordHealthPersistsSamples(t *testing.T) {
	st := store.NewMemoryStore()
	seedPipeline(t, st)

	report, err := metrics.RecordHealth(context.Background(), st, 24*time.Hour)
	require.NoError(t, err)

	samples := st.HealthMetrics()
	require.Len(t, samples, 5)
	byType := make(map[string]float64, len(samples))
	for _, s := range samples {
		byType[s.MetricType] = s.Value
		assert.Equal(t, report.GeneratedAt, s.RecordedAt)
	}
	assert.InDelta(t, report.SuccessRate, byType[metrics.MetricSuccessRate], 1e-9)
	assert.InDelta(t, report.ErrorRate, byType[metrics.MetricErrorRate], 1e-9)
	assert.InDelta(t, 1.0, byType[metrics.MetricDLQSize], 1e-9)
}
