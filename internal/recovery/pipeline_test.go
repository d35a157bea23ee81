package recovery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torc/backend/internal/recovery"
	"github.com/torc/backend/internal/saga"
	"github.com/torc/backend/internal/store"
)

type harness struct {
	st       *store.MemoryStore
	mgr      *saga.Manager
	registry *recovery.Registry
	pipeline *recovery.Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	mgr := saga.NewManager(st)
	registry := recovery.NewRegistry()
	pipeline := recovery.NewPipeline(st, mgr, registry, nil, recovery.DefaultConfig())
	return &harness{st: st, mgr: mgr, registry: registry, pipeline: pipeline}
}

// failedSaga creates a saga that already failed mid-flight, with the given
// completed steps in its log.
func (h *harness) failedSaga(t *testing.T, op saga.OperationType, completed []string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id, err := h.mgr.Begin(ctx, saga.BeginRequest{
		OperationType:  op,
		EntityType:     "escrow",
		EntityID:       uuid.New().String(),
		StepsRemaining: []string{saga.StepBlockchainTx, saga.StepDBUpdate, saga.StepAuditLog},
		InitiatedBy:    "test",
	})
	require.NoError(t, err)
	require.NoError(t, h.mgr.AdvanceState(ctx, id, saga.StateProcessing, saga.Advance{}))
	if len(completed) > 0 {
		require.NoError(t, h.mgr.AdvanceState(ctx, id, saga.StateProcessing, saga.Advance{
			AppendCompleted: completed,
		}))
	}
	require.NoError(t, h.mgr.AdvanceState(ctx, id, saga.StateFailed, saga.Advance{}))
	return id
}

// dueEntry inserts a retry-queue row that is already due.
func (h *harness) dueEntry(t *testing.T, id uuid.UUID, op saga.OperationType, retryCount int) {
	t.Helper()
	require.NoError(t, h.st.UpsertRecoveryEntry(context.Background(), &recovery.Entry{
		CorrelationID: id,
		OperationType: op,
		OperationData: map[string]interface{}{"invoice_id": id.String()},
		RetryCount:    retryCount,
		MaxRetries:    5,
		NextRetryAt:   time.Now().Add(-time.Second),
		Status:        recovery.EntryPending,
	}))
}

func TestEnqueueBackoffProgression(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.failedSaga(t, saga.OpEscrowRelease, nil)

	require.NoError(t, h.pipeline.Enqueue(ctx, id, saga.OpEscrowRelease, nil, 0, errors.New("timeout")))
	entry := h.st.RecoveryEntry(id)
	require.NotNil(t, entry)
	assert.Equal(t, 0, entry.RetryCount)
	assert.Equal(t, "timeout", entry.LastError)
	assert.WithinDuration(t, time.Now().Add(1*time.Minute), entry.NextRetryAt, 5*time.Second)

	// A repeated failure replaces the row with a longer delay.
	require.NoError(t, h.pipeline.Enqueue(ctx, id, saga.OpEscrowRelease, nil, 3, errors.New("timeout")))
	entry = h.st.RecoveryEntry(id)
	require.NotNil(t, entry)
	assert.Equal(t, 3, entry.RetryCount)
	assert.WithinDuration(t, time.Now().Add(8*time.Minute), entry.NextRetryAt, 5*time.Second)
}

func TestTickRecoversEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.failedSaga(t, saga.OpEscrowRelease, nil)
	h.dueEntry(t, id, saga.OpEscrowRelease, 2)

	var calls int
	h.registry.Register(saga.OpEscrowRelease, func(ctx context.Context, op *recovery.Operation) error {
		calls++
		// The handler sees the saga back in processing for the attempt.
		assert.Equal(t, saga.StateProcessing, op.Saga.CurrentState)
		return nil
	})

	require.NoError(t, h.pipeline.Tick(ctx))
	assert.Equal(t, 1, calls)
	assert.Nil(t, h.st.RecoveryEntry(id))

	s, err := h.mgr.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, s.CurrentState)
	assert.Empty(t, s.StepsRemaining)
	assert.NotNil(t, s.CompletedAt)
}

func TestTickRequeuesOnTransientFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.failedSaga(t, saga.OpEscrowRelease, nil)
	h.dueEntry(t, id, saga.OpEscrowRelease, 0)

	h.registry.Register(saga.OpEscrowRelease, func(ctx context.Context, op *recovery.Operation) error {
		return saga.Errorf(saga.KindTransientLedger, "test", "connection refused")
	})

	require.NoError(t, h.pipeline.Tick(ctx))

	entry := h.st.RecoveryEntry(id)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.RetryCount)
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), entry.NextRetryAt, 5*time.Second)

	s, err := h.mgr.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StateFailed, s.CurrentState)
}

func TestExhaustionPromotesToDLQWithCompensation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.failedSaga(t, saga.OpEscrowRelease, []string{saga.StepBlockchainTx})
	h.dueEntry(t, id, saga.OpEscrowRelease, 4)

	h.registry.Register(saga.OpEscrowRelease, func(ctx context.Context, op *recovery.Operation) error {
		return saga.Errorf(saga.KindTransientLedger, "test", "still down")
	})

	require.NoError(t, h.pipeline.Tick(ctx))

	assert.Nil(t, h.st.RecoveryEntry(id))
	s, err := h.mgr.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StateDLQ, s.CurrentState)

	entries, err := h.pipeline.DLQ(ctx, 50, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	d := entries[0]
	assert.Equal(t, id, d.CorrelationID)
	assert.Equal(t, 5, d.RetryCount)
	assert.True(t, d.RequiresCompensation)
	assert.Equal(t, recovery.CompensationPending, d.CompensationStatus)
	assert.Contains(t, d.FailureReason, "still down")

	actions, err := h.st.PendingCompensationActions(ctx, id)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "refund_escrow_release", actions[0].ActionType)
}

func TestPermanentFailureWithoutCompensation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.failedSaga(t, saga.OpEventProcessing, nil)
	h.dueEntry(t, id, saga.OpEventProcessing, 0)

	h.registry.Register(saga.OpEventProcessing, func(ctx context.Context, op *recovery.Operation) error {
		return saga.Errorf(saga.KindPermanentLedger, "test", "revert: bad payload")
	})

	require.NoError(t, h.pipeline.Tick(ctx))

	// Nothing to unwind, nothing to retry: the saga rests in failed.
	assert.Nil(t, h.st.RecoveryEntry(id))
	s, err := h.mgr.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StateFailed, s.CurrentState)

	entries, err := h.pipeline.DLQ(ctx, 50, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPermanentFailureWithCompensationGoesStraightToDLQ(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.failedSaga(t, saga.OpEscrowRelease, []string{saga.StepBlockchainTx})
	h.dueEntry(t, id, saga.OpEscrowRelease, 0)

	h.registry.Register(saga.OpEscrowRelease, func(ctx context.Context, op *recovery.Operation) error {
		return saga.Errorf(saga.KindPermanentLedger, "test", "revert: Not funded")
	})

	require.NoError(t, h.pipeline.Tick(ctx))

	entries, err := h.pipeline.DLQ(ctx, 50, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].RequiresCompensation)

	s, err := h.mgr.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StateDLQ, s.CurrentState)
}

func TestUnregisteredOperationRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.failedSaga(t, saga.OpTokenization, nil)
	h.dueEntry(t, id, saga.OpTokenization, 0)

	require.NoError(t, h.pipeline.Tick(ctx))

	entry := h.st.RecoveryEntry(id)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Contains(t, entry.LastError, "no handler registered")
}

func TestExecuteCompensation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.failedSaga(t, saga.OpEscrowRelease, []string{saga.StepBlockchainTx})
	require.NoError(t, h.pipeline.PromoteToDLQ(ctx, id, saga.OpEscrowRelease,
		map[string]interface{}{"invoice_id": id.String()}, "retries exhausted", 5, true))

	entries, err := h.pipeline.DLQ(ctx, 50, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	dlqID := entries[0].ID

	// Operator identity is mandatory.
	err = h.pipeline.ExecuteCompensation(ctx, dlqID, "")
	assert.Equal(t, saga.KindValidation, saga.KindOf(err))

	h.registry.RegisterCompensation("refund_escrow_release",
		func(ctx context.Context, action *recovery.CompensationAction) (string, error) {
			return "treasury refund issued", nil
		})

	require.NoError(t, h.pipeline.ExecuteCompensation(ctx, dlqID, "ops@corp"))

	s, err := h.mgr.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompensated, s.CurrentState)

	d, err := h.st.GetDLQEntry(ctx, dlqID)
	require.NoError(t, err)
	assert.Equal(t, recovery.CompensationCompleted, d.CompensationStatus)
	require.NotNil(t, d.ResolvedAt)
	assert.Equal(t, "ops@corp", d.ResolvedBy)

	// The compensated entry no longer shows as unresolved.
	entries, err = h.pipeline.DLQ(ctx, 50, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Repeating the compensation is rejected, not re-executed.
	err = h.pipeline.ExecuteCompensation(ctx, dlqID, "ops@corp")
	assert.Equal(t, saga.KindValidation, saga.KindOf(err))
}

func TestExecuteCompensationActionFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.failedSaga(t, saga.OpEscrowRelease, []string{saga.StepBlockchainTx})
	require.NoError(t, h.pipeline.PromoteToDLQ(ctx, id, saga.OpEscrowRelease, nil, "exhausted", 5, true))

	entries, err := h.pipeline.DLQ(ctx, 50, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	dlqID := entries[0].ID

	h.registry.RegisterCompensation("refund_escrow_release",
		func(ctx context.Context, action *recovery.CompensationAction) (string, error) {
			return "", errors.New("treasury desk unreachable")
		})

	err = h.pipeline.ExecuteCompensation(ctx, dlqID, "ops@corp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "treasury desk unreachable")

	s, err := h.mgr.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StateFailed, s.CurrentState)

	d, err := h.st.GetDLQEntry(ctx, dlqID)
	require.NoError(t, err)
	assert.Equal(t, recovery.CompensationFailed, d.CompensationStatus)
	assert.Nil(t, d.ResolvedAt)
}

func TestExecuteCompensationRejectsNonCompensableEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.failedSaga(t, saga.OpEventProcessing, nil)
	require.NoError(t, h.pipeline.PromoteToDLQ(ctx, id, saga.OpEventProcessing, nil, "exhausted", 5, false))

	entries, err := h.pipeline.DLQ(ctx, 50, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	err = h.pipeline.ExecuteCompensation(ctx, entries[0].ID, "ops@corp")
	assert.Equal(t, saga.KindValidation, saga.KindOf(err))
}

func TestResolveDLQ(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.failedSaga(t, saga.OpEventProcessing, nil)
	require.NoError(t, h.pipeline.PromoteToDLQ(ctx, id, saga.OpEventProcessing, nil, "exhausted", 5, false))

	err := h.pipeline.ResolveDLQ(ctx, 1, "", "notes")
	assert.Equal(t, saga.KindValidation, saga.KindOf(err))

	require.NoError(t, h.pipeline.ResolveDLQ(ctx, 1, "ops@corp", "duplicate of inv-7"))
	entries, err := h.pipeline.DLQ(ctx, 50, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
