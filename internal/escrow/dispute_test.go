package escrow_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torc/backend/internal/escrow"
	"github.com/torc/backend/internal/saga"
)

func (f *fixture) addArbitrators(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		a := fmt.Sprintf("0xarb%d", i)
		require.NoError(t, f.svc.AddArbitrator("0xadmin", a))
		addrs = append(addrs, a)
	}
	return addrs
}

func TestRaiseDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoiceID := uuid.New()
	f.funded(t, invoiceID)
	f.addArbitrators(t, 3)

	vote, err := f.svc.RaiseDispute(ctx, invoiceID, "0xbuyer")
	require.NoError(t, err)
	assert.Equal(t, 3, vote.SnapshotArbitratorCount)
	assert.False(t, vote.Resolved)

	e, err := f.svc.Get(ctx, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusDisputed, e.Status)
	assert.True(t, e.DisputeRaised)

	_, err = f.svc.RaiseDispute(ctx, invoiceID, "0xseller")
	assert.Equal(t, saga.KindValidation, saga.KindOf(err))
}

func TestRaiseDisputeRequiresFundedParty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoiceID := uuid.New()
	_, err := f.svc.Create(ctx, createReq(invoiceID))
	require.NoError(t, err)

	// Not funded yet: the ledger reverts.
	_, err = f.svc.RaiseDispute(ctx, invoiceID, "0xbuyer")
	assert.Equal(t, saga.KindPermanentLedger, saga.KindOf(err))

	_, err = f.svc.Deposit(ctx, invoiceID, "0xbuyer")
	require.NoError(t, err)
	_, err = f.svc.RaiseDispute(ctx, invoiceID, "0xrando")
	assert.Equal(t, saga.KindPermanentLedger, saga.KindOf(err))
}

func TestDisputeQuorumAfterPoolShrink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoiceID := uuid.New()
	f.funded(t, invoiceID)
	f.addArbitrators(t, 10)

	vote, err := f.svc.RaiseDispute(ctx, invoiceID, "0xbuyer")
	require.NoError(t, err)
	assert.Equal(t, 10, vote.SnapshotArbitratorCount)

	// Half the pool departs; the snapshot shrinks on the next vote and
	// quorum drops from 6 to 3.
	for i := 6; i <= 10; i++ {
		require.NoError(t, f.svc.RemoveArbitrator("0xadmin", fmt.Sprintf("0xarb%d", i)))
	}

	vote, err = f.svc.VoteOnDispute(ctx, invoiceID, "0xarb1", false)
	require.NoError(t, err)
	assert.Equal(t, 5, vote.SnapshotArbitratorCount)
	assert.False(t, vote.Resolved)

	vote, err = f.svc.VoteOnDispute(ctx, invoiceID, "0xarb2", false)
	require.NoError(t, err)
	assert.False(t, vote.Resolved)

	// Third vote reaches the combined quorum; 2-1 is a strict seller
	// majority, so the escrow settles for the seller.
	vote, err = f.svc.VoteOnDispute(ctx, invoiceID, "0xarb3", true)
	require.NoError(t, err)
	assert.True(t, vote.Resolved)
	assert.Equal(t, 2, vote.VotesForSeller)
	assert.Equal(t, 1, vote.VotesForBuyer)

	transfers := f.ledger.Transfers()
	require.Len(t, transfers, 3)
	assert.Equal(t, "0xtreasury", transfers[0].To)
	assert.Equal(t, "0xseller", transfers[1].To)
	assert.Equal(t, "995", transfers[1].Amount.String())
	assert.Equal(t, "0xbuyer", transfers[2].To) // NFT to the losing counterparty

	e, err := f.svc.Get(ctx, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, e.Status)
}

func TestDisputeTieFallsToBuyer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoiceID := uuid.New()
	f.funded(t, invoiceID)
	f.addArbitrators(t, 2)

	_, err := f.svc.RaiseDispute(ctx, invoiceID, "0xseller")
	require.NoError(t, err)

	vote, err := f.svc.VoteOnDispute(ctx, invoiceID, "0xarb1", true)
	require.NoError(t, err)
	assert.False(t, vote.Resolved)

	// Quorum 2 reached at 1-1: the seller lacks a strict majority, so the
	// buyer takes the payout and the NFT returns.
	vote, err = f.svc.VoteOnDispute(ctx, invoiceID, "0xarb2", false)
	require.NoError(t, err)
	assert.True(t, vote.Resolved)

	transfers := f.ledger.Transfers()
	require.Len(t, transfers, 3)
	assert.Equal(t, "payout", transfers[1].Kind)
	assert.Equal(t, "0xbuyer", transfers[1].To)
	assert.Equal(t, "nft", transfers[2].Kind)
	assert.Equal(t, "0xseller", transfers[2].To)
}

func TestDisputeResolvesAtCombinedQuorum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoiceID := uuid.New()
	f.funded(t, invoiceID)
	f.addArbitrators(t, 3)

	_, err := f.svc.RaiseDispute(ctx, invoiceID, "0xbuyer")
	require.NoError(t, err)

	vote, err := f.svc.VoteOnDispute(ctx, invoiceID, "0xarb1", true)
	require.NoError(t, err)
	assert.False(t, vote.Resolved)

	// Two of three voted, quorum 2 met at 1-1. Resolution does not wait
	// for the third arbitrator; the tie goes to the buyer.
	vote, err = f.svc.VoteOnDispute(ctx, invoiceID, "0xarb2", false)
	require.NoError(t, err)
	assert.True(t, vote.Resolved)

	transfers := f.ledger.Transfers()
	require.Len(t, transfers, 3)
	assert.Equal(t, "payout", transfers[1].Kind)
	assert.Equal(t, "0xbuyer", transfers[1].To)

	_, err = f.svc.VoteOnDispute(ctx, invoiceID, "0xarb3", false)
	assert.Equal(t, saga.KindValidation, saga.KindOf(err))
}

func TestVoteValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoiceID := uuid.New()
	f.funded(t, invoiceID)
	f.addArbitrators(t, 3)

	// No dispute open yet.
	_, err := f.svc.VoteOnDispute(ctx, invoiceID, "0xarb1", true)
	assert.Equal(t, saga.KindValidation, saga.KindOf(err))

	_, err = f.svc.RaiseDispute(ctx, invoiceID, "0xbuyer")
	require.NoError(t, err)

	_, err = f.svc.VoteOnDispute(ctx, invoiceID, "0xrando", true)
	assert.Equal(t, saga.KindValidation, saga.KindOf(err))

	_, err = f.svc.VoteOnDispute(ctx, invoiceID, "0xarb1", true)
	require.NoError(t, err)
	_, err = f.svc.VoteOnDispute(ctx, invoiceID, "0xArb1", false)
	assert.Equal(t, saga.KindValidation, saga.KindOf(err))

	// Resolve via quorum (2 of 3), then further votes bounce.
	_, err = f.svc.VoteOnDispute(ctx, invoiceID, "0xarb2", true)
	require.NoError(t, err)
	_, err = f.svc.VoteOnDispute(ctx, invoiceID, "0xarb3", true)
	assert.Equal(t, saga.KindValidation, saga.KindOf(err))
}

func TestSafeEscape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoiceID := uuid.New()
	f.funded(t, invoiceID)
	f.addArbitrators(t, 1)

	_, err := f.svc.RaiseDispute(ctx, invoiceID, "0xbuyer")
	require.NoError(t, err)

	// While the pool can still decide, the escape hatch stays shut.
	_, err = f.svc.SafeEscape(ctx, invoiceID, "0xadmin", "0xseller")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still decidable")

	require.NoError(t, f.svc.RemoveArbitrator("0xadmin", "0xarb1"))

	_, err = f.svc.SafeEscape(ctx, invoiceID, "0xrando", "0xseller")
	assert.Equal(t, saga.KindValidation, saga.KindOf(err))

	corrID, err := f.svc.SafeEscape(ctx, invoiceID, "0xadmin", "0xseller")
	require.NoError(t, err)

	s, err := f.mgr.Read(ctx, corrID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, s.CurrentState)
	assert.Equal(t, saga.OpEscrowDispute, s.OperationType)

	e, err := f.svc.Get(ctx, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, e.Status)

	transfers := f.ledger.Transfers()
	require.Len(t, transfers, 3)
	assert.Equal(t, "0xseller", transfers[1].To)

	// The dispute is now closed for everyone, including the admin.
	_, err = f.svc.SafeEscape(ctx, invoiceID, "0xadmin", "0xseller")
	assert.Equal(t, saga.KindValidation, saga.KindOf(err))
}

func TestSafeEscapeWhenQuorumUnreachable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoiceID := uuid.New()
	f.funded(t, invoiceID)
	f.addArbitrators(t, 10)

	_, err := f.svc.RaiseDispute(ctx, invoiceID, "0xbuyer")
	require.NoError(t, err)

	// Nobody has voted, so the snapshot holds at 10 and quorum at 6. Five
	// departures leave the pool unable to ever reach it.
	for i := 6; i <= 10; i++ {
		require.NoError(t, f.svc.RemoveArbitrator("0xadmin", fmt.Sprintf("0xarb%d", i)))
	}

	corrID, err := f.svc.SafeEscape(ctx, invoiceID, "0xadmin", "0xbuyer")
	require.NoError(t, err)

	s, err := f.mgr.Read(ctx, corrID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, s.CurrentState)

	e, err := f.svc.Get(ctx, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, e.Status)

	transfers := f.ledger.Transfers()
	require.Len(t, transfers, 3)
	assert.Equal(t, "0xbuyer", transfers[1].To)
}
