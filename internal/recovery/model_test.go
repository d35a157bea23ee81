package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/torc/backend/internal/saga"
)

func TestBackoff(t *testing.T) {
	assert.Equal(t, 1*time.Minute, Backoff(0, 60))
	assert.Equal(t, 2*time.Minute, Backoff(1, 60))
	assert.Equal(t, 4*time.Minute, Backoff(2, 60))
	assert.Equal(t, 32*time.Minute, Backoff(5, 60))

	// Capped once 2^n crosses the ceiling.
	assert.Equal(t, 60*time.Minute, Backoff(6, 60))
	assert.Equal(t, 60*time.Minute, Backoff(40, 60))

	// Zero cap falls back to the default.
	assert.Equal(t, 60*time.Minute, Backoff(10, 0))
}

func TestRequiresCompensation(t *testing.T) {
	assert.True(t, RequiresCompensation(saga.OpEscrowRelease, []string{saga.StepBlockchainTx}))
	assert.True(t, RequiresCompensation(saga.OpEscrowRelease,
		[]string{saga.StepBlockchainTx, saga.StepDBUpdate}))
	assert.False(t, RequiresCompensation(saga.OpEscrowRelease, []string{saga.StepDBUpdate}))
	assert.False(t, RequiresCompensation(saga.OpEscrowRelease, nil))

	assert.True(t, RequiresCompensation(saga.OpFinancingPipeline, []string{saga.StepExternalLiquidity}))
	assert.False(t, RequiresCompensation(saga.OpFinancingPipeline, []string{saga.StepBlockchainTx}))

	// Operations without an external side-effect policy never compensate.
	assert.False(t, RequiresCompensation(saga.OpEventProcessing, []string{saga.StepBlockchainTx}))
}

func TestCompensationActionType(t *testing.T) {
	assert.Equal(t, "refund_escrow_release", compensationActionType(saga.OpEscrowRelease))
	assert.Equal(t, "unwind_external_liquidity", compensationActionType(saga.OpFinancingPipeline))
	assert.Equal(t, "manual_review", compensationActionType(saga.OpEscrowDispute))
	assert.Equal(t, "manual_review", compensationActionType(saga.OpEventProcessing))
}
