package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torc/backend/internal/escrow"
	"github.com/torc/backend/internal/ledger"
	"github.com/torc/backend/internal/recovery"
	"github.com/torc/backend/internal/saga"
	"github.com/torc/backend/internal/store"
)

// flakyLedger fails the next N mirror reads, simulating an RPC blip between
// the event arriving and the state read.
type flakyLedger struct {
	*ledger.MockClient
	readFails int
}

func (f *flakyLedger) ReadEscrow(ctx context.Context, key ledger.Key) (*ledger.EscrowState, error) {
	if f.readFails > 0 {
		f.readFails--
		return nil, errors.New("connection refused")
	}
	return f.MockClient.ReadEscrow(ctx, key)
}

func seedLedgerEscrow(t *testing.T, lc *ledger.MockClient, invoiceID uuid.UUID) ledger.Key {
	t.Helper()
	key := ledger.KeyFromInvoiceID(invoiceID)
	_, err := lc.Submit(context.Background(), "createEscrow", map[string]interface{}{
		"key":             key.Hex(),
		"seller":          "0xseller",
		"buyer":           "0xbuyer",
		"amount":          "1000",
		"feeAmount":       "5",
		"token":           "0xusdc",
		"durationSeconds": int64(86400),
	})
	require.NoError(t, err)
	return key
}

func TestIngestAppliesFreshEvent(t *testing.T) {
	st := store.NewMemoryStore()
	lc := ledger.NewMockClient()
	invoiceID := uuid.New()
	key := seedLedgerEscrow(t, lc, invoiceID)

	i := New(st, lc, nil, nil, nil)
	i.ingest(context.Background(), ledger.Event{
		Name:   "EscrowCreated",
		TxHash: "0xmocktx00000001",
		Args:   map[string]interface{}{"key": key.Hex()},
	})

	e, err := st.GetEscrow(context.Background(), invoiceID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, escrow.StatusCreated, e.Status)
	assert.Equal(t, "1000", e.Amount)
}

func TestIngestDeduplicates(t *testing.T) {
	st := store.NewMemoryStore()
	lc := ledger.NewMockClient()
	invoiceID := uuid.New()
	key := seedLedgerEscrow(t, lc, invoiceID)

	// The identity was already applied in a previous delivery.
	fresh, err := st.MarkEventProcessed(context.Background(), "EscrowCreated", "0xmocktx00000001", 0)
	require.NoError(t, err)
	require.True(t, fresh)

	i := New(st, lc, nil, nil, nil)
	i.ingest(context.Background(), ledger.Event{
		Name:   "EscrowCreated",
		TxHash: "0xmocktx00000001",
		Args:   map[string]interface{}{"key": key.Hex()},
	})

	e, err := st.GetEscrow(context.Background(), invoiceID)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestApplyValidation(t *testing.T) {
	st := store.NewMemoryStore()
	i := New(st, ledger.NewMockClient(), nil, nil, nil)
	ctx := context.Background()

	err := i.Apply(ctx, "EscrowCreated", map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ledger key")

	err = i.Apply(ctx, "EscrowCreated", map[string]interface{}{"key": "not-hex"})
	require.Error(t, err)
}

func TestApplyPrunedRecordKeepsMirror(t *testing.T) {
	st := store.NewMemoryStore()
	lc := ledger.NewMockClient()
	ctx := context.Background()
	invoiceID := uuid.New()
	key := ledger.KeyFromInvoiceID(invoiceID)

	// The ledger already pruned the record after settlement; the mirror
	// keeps the last known state.
	require.NoError(t, st.UpsertEscrow(ctx, &escrow.Escrow{
		InvoiceID: invoiceID,
		Status:    escrow.StatusReleased,
		Amount:    "1000",
	}))

	i := New(st, lc, nil, nil, nil)
	require.NoError(t, i.Apply(ctx, "EscrowReleased", map[string]interface{}{"key": key.Hex()}))

	e, err := st.GetEscrow(ctx, invoiceID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, escrow.StatusReleased, e.Status)
}

func TestQuarantineAndRecovery(t *testing.T) {
	st := store.NewMemoryStore()
	lc := ledger.NewMockClient()
	flaky := &flakyLedger{MockClient: lc}
	mgr := saga.NewManager(st)
	registry := recovery.NewRegistry()
	pipeline := recovery.NewPipeline(st, mgr, registry, nil, recovery.DefaultConfig())
	ctx := context.Background()

	invoiceID := uuid.New()
	key := seedLedgerEscrow(t, lc, invoiceID)

	i := New(st, flaky, mgr, pipeline, nil)
	i.RegisterRecovery(registry)

	flaky.readFails = 1
	i.ingest(ctx, ledger.Event{
		Name:   "EscrowCreated",
		TxHash: "0xmocktx00000001",
		Args:   map[string]interface{}{"key": key.Hex()},
	})

	// The event is quarantined on the retry queue, not lost.
	e, err := st.GetEscrow(ctx, invoiceID)
	require.NoError(t, err)
	assert.Nil(t, e)

	sagas, err := st.SagasInStatesBefore(ctx, []saga.State{saga.StateFailed}, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, sagas, 1)
	corrID := sagas[0].CorrelationID
	assert.Equal(t, saga.OpEventProcessing, sagas[0].OperationType)

	entry := st.RecoveryEntry(corrID)
	require.NotNil(t, entry)
	entry.NextRetryAt = time.Now().Add(-time.Second)
	require.NoError(t, st.UpsertRecoveryEntry(ctx, entry))

	require.NoError(t, pipeline.Tick(ctx))

	e, err = st.GetEscrow(ctx, invoiceID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, escrow.StatusCreated, e.Status)

	s, err := mgr.Read(ctx, corrID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, s.CurrentState)
	assert.Nil(t, st.RecoveryEntry(corrID))
}

func TestRunDrainsStream(t *testing.T) {
	st := store.NewMemoryStore()
	lc := ledger.NewMockClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	i := New(st, lc, nil, nil, nil)
	go func() { _ = i.Run(ctx) }()

	invoiceID := uuid.New()
	seedLedgerEscrow(t, lc, invoiceID)

	require.Eventually(t, func() bool {
		e, err := st.GetEscrow(context.Background(), invoiceID)
		return err == nil && e != nil && e.Status == escrow.StatusCreated
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-i.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("ingestor did not stop")
	}
}
