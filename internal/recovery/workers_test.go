package recovery_test

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
)

func TestWorkersDriveThePipeline(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.mgr.SetStuckThreshold(time.Minute)

	id := h.failedSaga(t, saga.OpEscrowRelease, nil)
	h.dueEntry(t, id, saga.OpEscrowRelease, 0)
	h.registry.Register(saga.OpEscrowRelease, func(ctx context.Context, op *recovery.Operation) error {
		return nil
	})

	// A processing saga nobody has touched in an hour.
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, h.st.InsertSaga(ctx, &saga.Saga{
		CorrelationID:  uuid.New(),
		OperationType:  saga.OpEscrowRelease,
		EntityType:     "escrow",
		EntityID:       uuid.New().String(),
		CurrentState:   saga.StateProcessing,
		StepsRemaining: []string{saga.StepBlockchainTx},
		CreatedAt:      stale,
		UpdatedAt:      stale,
	}))

	workers := recovery.NewWorkers(h.pipeline, h.mgr, nil, recovery.WorkerConfig{
		TickInterval:      10 * time.Millisecond,
		StuckScanInterval: 10 * time.Millisecond,
		DLQSampleInterval: 10 * time.Millisecond,
	})
	workers.Start(ctx)
	defer workers.Stop()

	require.Eventually(t, func() bool {
		s, err := h.mgr.Read(context.Background(), id)
		return err == nil && s.CurrentState == saga.StateCompleted
	}, 2*time.Second, 10*time.Millisecond, "retry tick never recovered the saga")

	require.Eventually(t, func() bool {
		var sawStuck, sawDepth bool
		for _, m := range h.st.HealthMetrics() {
			switch m.MetricType {
			case metrics.MetricStuckTransactions:
				sawStuck = m.Value >= 1
			case metrics.MetricDLQSize:
				sawDepth = true
			}
		}
		return sawStuck && sawDepth
	}, 2*time.Second, 10*time.Millisecond, "background samplers never reported")

	workers.Stop()

	// Stop is idempotent and the loops are quiet afterwards.
	before := len(h.st.HealthMetrics())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, len(h.st.HealthMetrics()))
}
