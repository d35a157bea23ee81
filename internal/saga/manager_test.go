package saga_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torc/backend/internal/saga"
	"github.com/torc/backend/internal/store"
)

// flakyStore denies the first N optimistic writes, simulating concurrent
// writers winning the update race.
type flakyStore struct {
	*store.MemoryStore
	denials int
}

func (f *flakyStore) UpdateSagaIf(ctx context.Context, s *saga.Saga, expect saga.State) (bool, error) {
	if f.denials > 0 {
		f.denials--
		return false, nil
	}
	return f.MemoryStore.UpdateSagaIf(ctx, s, expect)
}

func beginRequest() saga.BeginRequest {
	return saga.BeginRequest{
		OperationType:  saga.OpEscrowRelease,
		EntityType:     "escrow",
		EntityID:       uuid.New().String(),
		StepsRemaining: []string{saga.StepBlockchainTx, saga.StepDBUpdate},
		InitiatedBy:    "0xseller",
	}
}

func TestBeginValidation(t *testing.T) {
	ctx := context.Background()
	mgr := saga.NewManager(store.NewMemoryStore())

	req := beginRequest()
	req.OperationType = "not_a_thing"
	_, err := mgr.Begin(ctx, req)
	assert.Equal(t, saga.KindValidation, saga.KindOf(err))

	req = beginRequest()
	req.EntityID = ""
	_, err = mgr.Begin(ctx, req)
	assert.Equal(t, saga.KindValidation, saga.KindOf(err))

	req = beginRequest()
	req.StepsRemaining = nil
	_, err = mgr.Begin(ctx, req)
	assert.Equal(t, saga.KindValidation, saga.KindOf(err))
}

func TestBeginIdempotencyKeyReusesSaga(t *testing.T) {
	ctx := context.Background()
	mgr := saga.NewManager(store.NewMemoryStore())

	req := beginRequest()
	req.IdempotencyKey = "escrow_release:inv-1:0xseller"

	first, err := mgr.Begin(ctx, req)
	require.NoError(t, err)
	second, err := mgr.Begin(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A different key gets a fresh saga.
	req.IdempotencyKey = "escrow_release:inv-1:0xbuyer"
	third, err := mgr.Begin(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestAdvanceLifecycle(t *testing.T) {
	ctx := context.Background()
	mgr := saga.NewManager(store.NewMemoryStore())

	id, err := mgr.Begin(ctx, beginRequest())
	require.NoError(t, err)

	s, err := mgr.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatePending, s.CurrentState)
	assert.Nil(t, s.CompletedAt)

	require.NoError(t, mgr.AdvanceState(ctx, id, saga.StateProcessing, saga.Advance{}))

	// Record a step without leaving processing.
	require.NoError(t, mgr.AdvanceState(ctx, id, saga.StateProcessing, saga.Advance{
		AppendCompleted: []string{saga.StepBlockchainTx},
		StepsRemaining:  []string{saga.StepDBUpdate},
		ContextData:     map[string]interface{}{"tx_hash": "0xabc"},
	}))
	s, err = mgr.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{saga.StepBlockchainTx}, s.StepsCompleted)
	assert.Equal(t, []string{saga.StepDBUpdate}, s.StepsRemaining)
	assert.Equal(t, "0xabc", s.ContextData["tx_hash"])

	// Completing with steps remaining is a state machine violation.
	err = mgr.AdvanceState(ctx, id, saga.StateCompleted, saga.Advance{})
	assert.Equal(t, saga.KindStateMachineViolation, saga.KindOf(err))

	require.NoError(t, mgr.AdvanceState(ctx, id, saga.StateCompleted, saga.Advance{
		AppendCompleted: []string{saga.StepDBUpdate},
		StepsRemaining:  []string{},
	}))
	s, err = mgr.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, s.CurrentState)
	require.NotNil(t, s.CompletedAt)

	// Terminal states admit nothing further.
	err = mgr.AdvanceState(ctx, id, saga.StateProcessing, saga.Advance{})
	assert.Equal(t, saga.KindStateMachineViolation, saga.KindOf(err))
}

func TestAdvanceRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	mgr := saga.NewManager(store.NewMemoryStore())

	id, err := mgr.Begin(ctx, beginRequest())
	require.NoError(t, err)

	err = mgr.AdvanceState(ctx, id, saga.StateCompleted, saga.Advance{})
	assert.Equal(t, saga.KindStateMachineViolation, saga.KindOf(err))

	s, err := mgr.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatePending, s.CurrentState)
}

func TestAdvanceRetriesContention(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), denials: 2}
	mgr := saga.NewManager(fs)

	id, err := mgr.Begin(ctx, beginRequest())
	require.NoError(t, err)

	// Two denied writes are absorbed by in-place retry.
	require.NoError(t, mgr.AdvanceState(ctx, id, saga.StateProcessing, saga.Advance{}))

	// Three denials exhaust the retry budget.
	fs.denials = 3
	err = mgr.AdvanceState(ctx, id, saga.StateFailed, saga.Advance{})
	assert.Equal(t, saga.KindStoreContention, saga.KindOf(err))
}

func TestStuck(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	mgr := saga.NewManager(st)
	mgr.SetStuckThreshold(5 * time.Minute)

	old := &saga.Saga{
		CorrelationID:  uuid.New(),
		OperationType:  saga.OpEscrowRelease,
		EntityType:     "escrow",
		EntityID:       uuid.New().String(),
		CurrentState:   saga.StateProcessing,
		StepsRemaining: []string{saga.StepBlockchainTx},
		CreatedAt:      time.Now().Add(-time.Hour),
		UpdatedAt:      time.Now().Add(-time.Hour),
	}
	require.NoError(t, st.InsertSaga(ctx, old))

	fresh, err := mgr.Begin(ctx, beginRequest())
	require.NoError(t, err)
	require.NoError(t, mgr.AdvanceState(ctx, fresh, saga.StateProcessing, saga.Advance{}))

	stuck, err := mgr.Stuck(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, old.CorrelationID, stuck[0].CorrelationID)
}
