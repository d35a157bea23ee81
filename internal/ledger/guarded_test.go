package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torc/backend/internal/circuitbreaker"
)

func TestGuardedSubmitPassThrough(t *testing.T) {
	mock := NewMockClient()
	g := Guard(mock, nil, nil)
	ctx := context.Background()

	key := KeyFromInvoiceID(uuid.New())
	tx, err := g.Submit(ctx, "createEscrow", map[string]interface{}{
		"key":             key.Hex(),
		"seller":          "0xseller",
		"buyer":           "0xbuyer",
		"amount":          "1000",
		"feeAmount":       "5",
		"token":           "0xusdc",
		"durationSeconds": int64(3600),
	})
	require.NoError(t, err)
	assert.Equal(t, "0xmocktx00000001", tx)

	st, err := g.ReadEscrow(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "1000", st.Amount.String())
}

func TestGuardedSubmitOpensCircuit(t *testing.T) {
	mock := NewMockClient()
	g := Guard(mock, nil, nil)
	ctx := context.Background()
	key := KeyFromInvoiceID(uuid.New())

	mock.FailNextSubmits(3, errors.New("connection refused"))
	for i := 0; i < 3; i++ {
		_, err := g.Submit(ctx, "deposit", map[string]interface{}{"key": key.Hex()})
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, g.Breaker().State())

	// Submissions are rejected before reaching the ledger.
	_, err := g.Submit(ctx, "deposit", map[string]interface{}{"key": key.Hex()})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)

	// Reads bypass the breaker entirely.
	_, err = g.ReadEscrow(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	approvals, err := g.ReadMultiSigApprovals(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, approvals.Required)
}
