package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torc/backend/internal/escrow"
	"github.com/torc/backend/internal/ledger"
	"github.com/torc/backend/internal/reconcile"
	"github.com/torc/backend/internal/store"
)

func seedChain(t *testing.T, lc *ledger.MockClient, invoiceID uuid.UUID, amount string) {
	t.Helper()
	_, err := lc.Submit(context.Background(), "createEscrow", map[string]interface{}{
		"key":             ledger.KeyFromInvoiceID(invoiceID).Hex(),
		"seller":          "0xseller",
		"buyer":           "0xbuyer",
		"amount":          amount,
		"feeAmount":       "5",
		"token":           "0xusdc",
		"durationSeconds": int64(86400),
	})
	require.NoError(t, err)
}

func mirrorRow(invoiceID uuid.UUID, status, amount string) *escrow.Escrow {
	now := time.Now()
	return &escrow.Escrow{
		InvoiceID: invoiceID,
		Seller:    "0xseller",
		Buyer:     "0xbuyer",
		Amount:    amount,
		Token:     "0xusdc",
		Status:    status,
		FeeAmount: "5",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestFullRunClassifiesDiscrepancies(t *testing.T) {
	st := store.NewMemoryStore()
	lc := ledger.NewMockClient()
	engine := reconcile.NewEngine(st, lc, nil, reconcile.Config{})
	ctx := context.Background()

	// Matched twice over.
	for i := 0; i < 2; i++ {
		id := uuid.New()
		seedChain(t, lc, id, "1000")
		require.NoError(t, st.UpsertEscrow(ctx, mirrorRow(id, "created", "1000")))
	}

	// Ledger holds more than the mirror: diff +100.
	over := uuid.New()
	seedChain(t, lc, over, "1100")
	require.NoError(t, st.UpsertEscrow(ctx, mirrorRow(over, "created", "1000")))

	// Ledger holds less: diff −100.
	under := uuid.New()
	seedChain(t, lc, under, "900")
	require.NoError(t, st.UpsertEscrow(ctx, mirrorRow(under, "created", "1000")))

	// Terminal mirror row the ledger pruned: convergent, not a discrepancy.
	pruned := uuid.New()
	require.NoError(t, st.UpsertEscrow(ctx, mirrorRow(pruned, escrow.StatusReleased, "1000")))

	// Non-terminal mirror row with no chain leg: lost funds territory.
	lost := uuid.New()
	require.NoError(t, st.UpsertEscrow(ctx, mirrorRow(lost, escrow.StatusFunded, "1000")))

	summary, err := engine.Run(ctx, reconcile.RunFull, nil)
	require.NoError(t, err)
	assert.Equal(t, reconcile.SummaryCompleted, summary.Status)
	assert.Equal(t, 6, summary.TotalCount)
	assert.Equal(t, 3, summary.MatchedCount)
	assert.Equal(t, 3, summary.DiscrepancyCount)
	assert.Equal(t, 1, summary.MissingChainCount)
	assert.Equal(t, 0, summary.MissingDBCount)
	assert.Equal(t, "200", summary.TotalDiscrepancyAmount)
	require.NotNil(t, summary.CompletedAt)

	rows := st.ReconciliationLogsForRun(summary.RunID)
	byInvoice := make(map[uuid.UUID]*reconcile.Log, len(rows))
	for _, r := range rows {
		byInvoice[r.InvoiceID] = r
	}
	assert.Equal(t, reconcile.DiscrepancyAmountMismatch, byInvoice[over].DiscrepancyType)
	assert.Equal(t, "100", byInvoice[over].DiscrepancyAmount)
	assert.Equal(t, reconcile.DiscrepancyAmountMismatch, byInvoice[under].DiscrepancyType)
	assert.Equal(t, "-100", byInvoice[under].DiscrepancyAmount)
	assert.Equal(t, reconcile.DiscrepancyNone, byInvoice[pruned].DiscrepancyType)
	assert.Contains(t, byInvoice[pruned].Notes, "pruned after settlement")
	assert.Equal(t, reconcile.DiscrepancyMissingChain, byInvoice[lost].DiscrepancyType)
	assert.Equal(t, reconcile.StatusNotFound, byInvoice[lost].ChainStatus)
}

func TestAmountMismatchBeatsStatusMismatch(t *testing.T) {
	st := store.NewMemoryStore()
	lc := ledger.NewMockClient()
	engine := reconcile.NewEngine(st, lc, nil, reconcile.Config{})
	ctx := context.Background()

	// Both legs differ; the amount difference is the headline.
	id := uuid.New()
	seedChain(t, lc, id, "1100")
	require.NoError(t, st.UpsertEscrow(ctx, mirrorRow(id, "funded", "1000")))

	summary, err := engine.Run(ctx, reconcile.RunFull, nil)
	require.NoError(t, err)

	rows := st.ReconciliationLogsForRun(summary.RunID)
	require.Len(t, rows, 1)
	assert.Equal(t, reconcile.DiscrepancyAmountMismatch, rows[0].DiscrepancyType)
}

func TestStatusMismatch(t *testing.T) {
	st := store.NewMemoryStore()
	lc := ledger.NewMockClient()
	engine := reconcile.NewEngine(st, lc, nil, reconcile.Config{})
	ctx := context.Background()

	id := uuid.New()
	seedChain(t, lc, id, "1000")
	require.NoError(t, st.UpsertEscrow(ctx, mirrorRow(id, "funded", "1000")))

	summary, err := engine.Run(ctx, reconcile.RunFull, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DiscrepancyCount)
	assert.Equal(t, "0", summary.TotalDiscrepancyAmount)

	rows := st.ReconciliationLogsForRun(summary.RunID)
	require.Len(t, rows, 1)
	assert.Equal(t, reconcile.DiscrepancyStatusMismatch, rows[0].DiscrepancyType)
	assert.Equal(t, "created", rows[0].ChainStatus)
	assert.Equal(t, "funded", rows[0].DBStatus)
	assert.Contains(t, rows[0].Notes, "Status mismatch")
}

func TestCounterpartyMismatch(t *testing.T) {
	st := store.NewMemoryStore()
	lc := ledger.NewMockClient()
	engine := reconcile.NewEngine(st, lc, nil, reconcile.Config{})
	ctx := context.Background()

	// Case-variant rendering of the same address is not a drift.
	cased := uuid.New()
	seedChain(t, lc, cased, "1000")
	m := mirrorRow(cased, "created", "1000")
	m.Seller = "0xSELLER"
	require.NoError(t, st.UpsertEscrow(ctx, m))

	// A genuinely different buyer flags the row even though status and
	// amount agree.
	drifted := uuid.New()
	seedChain(t, lc, drifted, "1000")
	m = mirrorRow(drifted, "created", "1000")
	m.Buyer = "0xsomeoneelse"
	require.NoError(t, st.UpsertEscrow(ctx, m))

	summary, err := engine.Run(ctx, reconcile.RunFull, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MatchedCount)
	assert.Equal(t, 1, summary.DiscrepancyCount)

	rows := st.ReconciliationLogsForRun(summary.RunID)
	byInvoice := make(map[uuid.UUID]*reconcile.Log, len(rows))
	for _, r := range rows {
		byInvoice[r.InvoiceID] = r
	}
	assert.Equal(t, reconcile.DiscrepancyNone, byInvoice[cased].DiscrepancyType)
	assert.Empty(t, byInvoice[cased].Notes)
	assert.Equal(t, reconcile.DiscrepancyStatusMismatch, byInvoice[drifted].DiscrepancyType)
	assert.Contains(t, byInvoice[drifted].Notes, "buyer differs")
}

func TestTargetedRun(t *testing.T) {
	st := store.NewMemoryStore()
	lc := ledger.NewMockClient()
	engine := reconcile.NewEngine(st, lc, nil, reconcile.Config{})
	ctx := context.Background()

	// On the ledger but never mirrored: only a targeted run can see it.
	chainOnly := uuid.New()
	seedChain(t, lc, chainOnly, "1000")

	unknown := uuid.New()

	summary, err := engine.Run(ctx, reconcile.RunPartial, []uuid.UUID{chainOnly, unknown})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalCount)
	assert.Equal(t, 1, summary.MissingDBCount)

	rows := st.ReconciliationLogsForRun(summary.RunID)
	byInvoice := make(map[uuid.UUID]*reconcile.Log, len(rows))
	for _, r := range rows {
		byInvoice[r.InvoiceID] = r
	}
	assert.Equal(t, reconcile.DiscrepancyMissingDB, byInvoice[chainOnly].DiscrepancyType)
	assert.Equal(t, reconcile.StatusNotFound, byInvoice[chainOnly].DBStatus)
	assert.Equal(t, reconcile.DiscrepancyError, byInvoice[unknown].DiscrepancyType)
	assert.Contains(t, byInvoice[unknown].Notes, "unknown to both")
}

func TestRunRejectsUnknownType(t *testing.T) {
	engine := reconcile.NewEngine(store.NewMemoryStore(), ledger.NewMockClient(), nil, reconcile.Config{})
	_, err := engine.Run(context.Background(), "hourly", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown run type")
}

func TestStatusHistoryAndDiscrepancies(t *testing.T) {
	st := store.NewMemoryStore()
	lc := ledger.NewMockClient()
	engine := reconcile.NewEngine(st, lc, nil, reconcile.Config{})
	ctx := context.Background()

	latest, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	matched := uuid.New()
	seedChain(t, lc, matched, "1000")
	require.NoError(t, st.UpsertEscrow(ctx, mirrorRow(matched, "created", "1000")))
	off := uuid.New()
	seedChain(t, lc, off, "1100")
	require.NoError(t, st.UpsertEscrow(ctx, mirrorRow(off, "created", "1000")))

	first, err := engine.Run(ctx, reconcile.RunFull, nil)
	require.NoError(t, err)
	second, err := engine.Run(ctx, reconcile.RunManual, []uuid.UUID{off})
	require.NoError(t, err)

	latest, err = engine.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.RunID, latest.RunID)

	got, err := engine.Summary(ctx, first.RunID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, reconcile.RunFull, got.RunType)

	history, err := engine.History(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.RunID, history[0].RunID)

	// The empty filter pages every non-matching row.
	discrepancies, err := engine.Discrepancies(ctx, "", 50, 0)
	require.NoError(t, err)
	require.Len(t, discrepancies, 2)
	for _, d := range discrepancies {
		assert.Equal(t, reconcile.DiscrepancyAmountMismatch, d.DiscrepancyType)
	}

	none, err := engine.Discrepancies(ctx, reconcile.DiscrepancyMissingChain, 50, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTriggerManual(t *testing.T) {
	st := store.NewMemoryStore()
	lc := ledger.NewMockClient()
	engine := reconcile.NewEngine(st, lc, nil, reconcile.Config{})
	scheduler := reconcile.NewScheduler(engine, time.Hour)
	ctx := context.Background()

	id := uuid.New()
	seedChain(t, lc, id, "1000")
	require.NoError(t, st.UpsertEscrow(ctx, mirrorRow(id, "created", "1000")))

	summary, err := scheduler.TriggerManual(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, reconcile.RunManual, summary.RunType)

	summary, err = scheduler.TriggerManual(ctx, []uuid.UUID{id})
	require.NoError(t, err)
	assert.Equal(t, reconcile.RunPartial, summary.RunType)
	assert.Equal(t, 1, summary.TotalCount)
	assert.Equal(t, 1, summary.MatchedCount)
}
